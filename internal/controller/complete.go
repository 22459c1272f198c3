package controller

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/cryslith/cherry/internal/ghclient"
	"github.com/cryslith/cherry/internal/store"
)

// Complete observes a CI success for a Testing attempt, lands it by
// merging the trial branch into the default branch, notifies and
// deletes each contained PR's row, and deletes the attempt. Invoked by the
// external CI-integration layer once it reports the attempt's tests passed.
func (c *Controller) Complete(ctx context.Context, repo ghclient.Repository, attemptID string) error {
	attempt, err := c.Store.GetAttempt(ctx, c.Store.Pool(), attemptID)
	if err != nil {
		return wrapErr("complete", err)
	}

	var landed bool

	err = c.Store.WithTx(ctx, func(ctx context.Context, db store.DB) error {
		a, err := c.Store.GetAttempt(ctx, db, attemptID)
		if err != nil {
			return err
		}

		if a.State != store.MergeTesting {
			return nil
		}

		landed = true

		return c.Store.UpdateAttemptState(ctx, db, attemptID, store.MergeSuccess, a.BranchName)
	})
	if err != nil {
		return wrapErr("complete", err)
	}

	if !landed {
		return nil
	}

	base, err := c.Client.DefaultBranch(ctx, repo)
	if err != nil {
		return wrapErr("complete", err)
	}

	prs, err := c.Store.AttemptPRs(ctx, c.Store.Pool(), attemptID)
	if err != nil {
		return wrapErr("complete", err)
	}

	_, err = c.Client.MergeBranches(ctx, repo, base, attempt.BranchName,
		fmt.Sprintf("cherry: land merge attempt %s", attemptID))
	if err != nil {
		return wrapErr("complete", err)
	}

	if err := c.Client.DeleteBranch(ctx, repo, attempt.BranchName); err != nil {
		slog.Warn("failed to delete landed trial branch", "branch", attempt.BranchName, "error", err)
	}

	var errs error

	for _, number := range prs {
		reply := c.commentReply(repo, number)
		if err := reply(ctx, "Merged via the merge queue. \U0001F352"); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("notify PR #%d: %w", number, err))
		}

		if err := c.Store.DeletePR(ctx, c.Store.Pool(), repo.Owner, repo.Repo, number); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete PR #%d row: %w", number, err))
		}
	}

	if err := c.Store.DeleteAttempt(ctx, c.Store.Pool(), attemptID); err != nil {
		errs = multierr.Append(errs, err)
	}

	if errs != nil {
		return wrapErr("complete", errs)
	}

	return nil
}
