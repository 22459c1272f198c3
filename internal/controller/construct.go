package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cryslith/cherry/internal/ghclient"
	"github.com/cryslith/cherry/internal/store"
)

// errNoAttemptWork is a sentinel used internally to short-circuit Construct
// when there is nothing to do — it never escapes Construct.
var errNoAttemptWork = errors.New("construct: no work")

// errAttemptInProgress is the internal sentinel for the progress-invariant
// short-circuit: a non-Split attempt already exists for this repo.
var errAttemptInProgress = errors.New("construct: attempt already in progress")

// batch is what Construct's transaction hands off to the network phase
// that follows it.
type batch struct {
	attemptID string
	branch    string
	prs       []store.PullRequest
}

// Construct forms a batch from queued pull requests. The progress-invariant
// check, attempt reuse-or-creation, branch-name recording, and selecting the
// batch's PRs (moving them to Merging) run inside one transaction. The
// remainder — performing the trial merge and transitioning to Testing —
// runs after it and either hands a testable branch to Test, or splits the
// attempt with the offending PR isolated.
func (c *Controller) Construct(ctx context.Context, repo ghclient.Repository) error {
	var b batch

	err := c.Store.WithTx(ctx, func(ctx context.Context, db store.DB) error {
		if _, err := c.Store.GetActiveAttempt(ctx, db, repo.Owner, repo.Repo); err == nil {
			return errAttemptInProgress
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		split, err := c.Store.GetSplitAttempt(ctx, db, repo.Owner, repo.Repo)

		var numbers []int64

		switch {
		case err == nil:
			// Copy the id out of the reused row before the transaction scope
			// ends rather than holding a borrowed reference across that
			// boundary. Reuse resumes with the split's own PR set (recorded
			// in merge_attempt_pr when it was bisected) rather than
			// re-scanning for Queued rows — the join table exists precisely
			// so a split knows which PRs are its own to re-queue.
			id := split.ID
			branch := attemptBranchName(id)

			if err := c.Store.UpdateAttemptState(ctx, db, id, store.MergeConstructing, branch); err != nil {
				return err
			}

			ids, err := c.Store.AttemptPRs(ctx, db, id)
			if err != nil {
				return err
			}

			b.attemptID, b.branch, numbers = id, branch, ids
		case errors.Is(err, store.ErrNotFound):
			queued, err := c.Store.ListPRsByState(ctx, db, repo.Owner, repo.Repo, store.PrQueued)
			if err != nil {
				return err
			}

			if len(queued) == 0 {
				return errNoAttemptWork
			}

			id := newAttemptID()
			branch := attemptBranchName(id)

			if err := c.Store.InsertAttempt(ctx, db, id, repo.Owner, repo.Repo, branch, store.MergeConstructing); err != nil {
				return err
			}

			for _, pr := range queued {
				if err := c.Store.AddAttemptPR(ctx, db, id, repo.Owner, repo.Repo, pr.Number); err != nil {
					return err
				}

				numbers = append(numbers, pr.Number)
			}

			b.attemptID, b.branch = id, branch
		default:
			return err
		}

		for _, number := range numbers {
			if err := c.Store.UpdatePRState(ctx, db, repo.Owner, repo.Repo, number, store.PrMerging); err != nil {
				return err
			}

			pr, err := c.Store.GetPR(ctx, db, repo.Owner, repo.Repo, number)
			if err != nil {
				return err
			}

			b.prs = append(b.prs, *pr)
		}

		return nil
	})

	switch {
	case errors.Is(err, errAttemptInProgress), errors.Is(err, errNoAttemptWork):
		return nil
	case err != nil:
		return wrapErr("construct", err)
	}

	return c.buildBatch(ctx, repo, b)
}

// buildBatch performs the network-bound remainder of construction outside
// any transaction: creating the trial-merge branch from the repo's default
// branch, merging each queued PR's head into it in turn, and handing the
// result to Test. A conflicting PR is isolated via split rather than
// aborting the whole batch.
func (c *Controller) buildBatch(ctx context.Context, repo ghclient.Repository, b batch) error {
	base, err := c.Client.DefaultBranch(ctx, repo)
	if err != nil {
		return wrapErr("construct", err)
	}

	baseSHA, err := c.Client.BranchSHA(ctx, repo, base)
	if err != nil {
		return wrapErr("construct", err)
	}

	if err := c.Client.CreateBranch(ctx, repo, b.branch, baseSHA); err != nil {
		return wrapErr("construct", err)
	}

	for _, pr := range b.prs {
		_, err := c.Client.MergeBranches(ctx, repo, b.branch, pr.CommitHash,
			fmt.Sprintf("cherry: merge PR #%d into trial batch", pr.Number))

		var conflict *ghclient.MergeConflictError
		if errors.As(err, &conflict) {
			slog.Info("trial merge conflict, isolating PR", "repo", repo, "pr", pr.Number, "attempt", b.attemptID)

			if err := c.isolateConflictingPR(ctx, repo, b, pr.Number); err != nil {
				return wrapErr("construct", err)
			}

			return nil
		}

		if err != nil {
			return wrapErr("construct", err)
		}
	}

	return c.Test(ctx, repo, b.attemptID)
}

// isolateConflictingPR removes a conflicting PR from the batch, splits the
// remaining PRs back to Split for individual retry, deletes the trial
// branch, and notifies the conflicting PR's author.
func (c *Controller) isolateConflictingPR(ctx context.Context, repo ghclient.Repository, b batch, conflicting int64) error {
	err := c.Store.WithTx(ctx, func(ctx context.Context, db store.DB) error {
		for _, pr := range b.prs {
			if pr.Number == conflicting {
				// Pulled out of the batch entirely — a later reuse of this
				// Split attempt must not re-drag it into Merging.
				if err := c.Store.DeleteAttemptPR(ctx, db, b.attemptID, pr.Number); err != nil {
					return err
				}

				if err := c.Store.UpdatePRState(ctx, db, repo.Owner, repo.Repo, pr.Number, store.PrRequested); err != nil {
					return err
				}

				continue
			}

			if err := c.Store.UpdatePRState(ctx, db, repo.Owner, repo.Repo, pr.Number, store.PrSplit); err != nil {
				return err
			}
		}

		return c.Store.UpdateAttemptState(ctx, db, b.attemptID, store.MergeSplit, b.branch)
	})
	if err != nil {
		return err
	}

	if err := c.Client.DeleteBranch(ctx, repo, b.branch); err != nil {
		slog.Warn("failed to delete trial branch after conflict", "branch", b.branch, "error", err)
	}

	reply := c.commentReply(repo, conflicting)

	return reply(ctx, "Merge cancelled: this PR conflicts with the rest of the merge queue. Please rebase and re-request a merge.")
}

// Test advances an attempt from Constructing to Testing once its trial
// branch has been assembled and handed to CI. The CI integration itself
// is an external collaborator; this only performs the state transition.
func (c *Controller) Test(ctx context.Context, repo ghclient.Repository, attemptID string) error {
	err := c.Store.WithTx(ctx, func(ctx context.Context, db store.DB) error {
		attempt, err := c.Store.GetAttempt(ctx, db, attemptID)
		if err != nil {
			return err
		}

		if attempt.State != store.MergeConstructing {
			return nil
		}

		return c.Store.UpdateAttemptState(ctx, db, attemptID, store.MergeTesting, attempt.BranchName)
	})
	if err != nil {
		return wrapErr("test", err)
	}

	return nil
}
