// Package controller implements the merge-queue state machine: the five
// operations (request, initiate, construct, test/complete/cancel/poll) that
// drive PullRequest and MergeAttempt rows through the lifecycle described
// each inside one transaction over internal/store.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/cryslith/cherry/internal/ghclient"
	"github.com/cryslith/cherry/internal/store"
)

// ReplyFunc posts a user-visible message — in practice a new comment on the
// pull request's issue. Controller operations that need to talk to the
// user (as opposed to just logging) take one of these rather than
// hard-coding a comment call, so the webhook's per-command reply path and
// the controller's own follow-up calls share one mechanism.
type ReplyFunc func(ctx context.Context, message string) error

// ControllerError wraps a ClientError (platform API failure), a store
// error, or an enum-parse failure encountered while running a controller
// operation.
type ControllerError struct {
	Op  string
	Err error
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("controller: %s: %v", e.Op, e.Err)
}

func (e *ControllerError) Unwrap() error {
	return e.Err
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}

	return &ControllerError{Op: op, Err: err}
}

// Controller binds the API client and the persistent store. A single
// instance is shared across all webhook handlers.
type Controller struct {
	Client *ghclient.Client
	Store  *store.Store
}

// New returns a Controller bound to client and st.
func New(client *ghclient.Client, st *store.Store) *Controller {
	return &Controller{Client: client, Store: st}
}

// commentReply builds a ReplyFunc that posts a comment on the given issue —
// used by operations (initiate, complete, fail, construct's conflict
// isolation) that have no caller-supplied reply channel because they were
// not triggered by a user comment.
func (c *Controller) commentReply(repo ghclient.Repository, number int64) ReplyFunc {
	return func(ctx context.Context, message string) error {
		return c.Client.CommentOnPR(ctx, repo, number, message)
	}
}

// Request is the entry point for a user-initiated "cherry merge"/
// "cherry r+" directive.
func (c *Controller) Request(ctx context.Context, repo ghclient.Repository, number int64, reply ReplyFunc) error {
	pr, err := c.Client.PRInfo(ctx, repo, number)
	if err != nil {
		return wrapErr("request", err)
	}

	if pr.State == ghclient.PrClosed {
		return reply(ctx, "Error: Refusing to merge PR in closed state.")
	}

	unmet := Readiness(pr)
	state := store.PrQueued

	if len(unmet) > 0 {
		state = store.PrRequested
	}

	err = c.Store.InsertPR(ctx, c.Store.Pool(), repo.Owner, repo.Repo, number, pr.CommitHash, state)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return reply(ctx, "This PR is already being merged.")
		}

		return wrapErr("request", err)
	}

	if len(unmet) == 0 {
		return c.Construct(ctx, repo)
	}

	var b strings.Builder

	b.WriteString("This PR cannot be merged yet. It will be merged automatically once the following conditions are resolved:")

	for _, cond := range unmet {
		b.WriteString("\n- ")
		b.WriteString(cond)
	}

	return reply(ctx, b.String())
}

// Initiate is event-driven promotion of a Requested PR once an external
// signal suggests it may now be ready. A PR promoted to Queued is handed
// straight to Construct.
func (c *Controller) Initiate(ctx context.Context, repo ghclient.Repository, number int64) error {
	pr, err := c.Client.PRInfo(ctx, repo, number)
	if err != nil {
		return wrapErr("initiate", err)
	}

	if pr.State == ghclient.PrClosed {
		if err := c.Store.DeletePR(ctx, c.Store.Pool(), repo.Owner, repo.Repo, number); err != nil {
			return wrapErr("initiate", err)
		}

		return nil
	}

	if !ready(pr) {
		return nil
	}

	var cancelled, promoted bool

	err = c.Store.WithTx(ctx, func(ctx context.Context, db store.DB) error {
		row, err := c.Store.GetPR(ctx, db, repo.Owner, repo.Repo, number)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if row.State != store.PrRequested {
			return nil
		}

		if row.CommitHash != pr.CommitHash {
			if err := c.Store.DeletePR(ctx, db, repo.Owner, repo.Repo, number); err != nil {
				return err
			}

			cancelled = true

			return nil
		}

		promoted = true

		return c.Store.UpdatePRState(ctx, db, repo.Owner, repo.Repo, number, store.PrQueued)
	})
	if err != nil {
		return wrapErr("initiate", err)
	}

	if cancelled {
		reply := c.commentReply(repo, number)
		if err := reply(ctx, "Merge cancelled: a new commit was pushed to the PR."); err != nil {
			return wrapErr("initiate", err)
		}
	}

	if promoted {
		return c.Construct(ctx, repo)
	}

	return nil
}

// Cancel removes pr_number's row, wherever it is in the lifecycle. If the PR
// was part of an in-progress attempt's batch, the attempt is split so the
// remaining PRs in the batch are not held up waiting on one that was
// withdrawn.
func (c *Controller) Cancel(ctx context.Context, repo ghclient.Repository, number int64) error {
	var splitAttemptID string

	err := c.Store.WithTx(ctx, func(ctx context.Context, db store.DB) error {
		row, err := c.Store.GetPR(ctx, db, repo.Owner, repo.Repo, number)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if row.State == store.PrMerging {
			attempt, err := c.Store.GetActiveAttempt(ctx, db, repo.Owner, repo.Repo)
			if err != nil {
				return err
			}

			splitAttemptID = attempt.ID
		}

		return c.Store.DeletePR(ctx, db, repo.Owner, repo.Repo, number)
	})
	if err != nil {
		return wrapErr("cancel", err)
	}

	if splitAttemptID != "" {
		if err := c.Fail(ctx, repo, splitAttemptID, "a PR in this batch was withdrawn from the queue"); err != nil {
			return wrapErr("cancel", err)
		}
	}

	return nil
}

// Poll periodically reconciles persistent state with platform-side truth,
// for webhook deliveries that were missed. It re-runs Initiate for every
// Requested PR in repo.
func (c *Controller) Poll(ctx context.Context, repo ghclient.Repository) error {
	requested, err := c.Store.ListPRsByState(ctx, c.Store.Pool(), repo.Owner, repo.Repo, store.PrRequested)
	if err != nil {
		return wrapErr("poll", err)
	}

	var errs error

	for _, pr := range requested {
		if err := c.Initiate(ctx, repo, pr.Number); err != nil {
			slog.Error("poll: initiate failed", "repo", repo, "pr", pr.Number, "error", err)
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		return wrapErr("poll", errs)
	}

	return nil
}

// newAttemptID mints a fresh collision-resistant attempt id.
func newAttemptID() string {
	return uuid.NewString()
}

// attemptBranchName derives the trial-merge branch name for an attempt id.
func attemptBranchName(id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}

	return "cherry/attempt/" + short
}
