package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cryslith/cherry/internal/ghclient"
	"github.com/cryslith/cherry/internal/store"
)

// Fail observes a CI failure for a Testing attempt and applies the split
// policy: binary bisection of a failed multi-PR batch into two smaller
// Split attempts, with an attempt of one PR as the base case that does not
// split further — a single PR that fails alone is reported to its author
// and dropped rather than retried forever.
func (c *Controller) Fail(ctx context.Context, repo ghclient.Repository, attemptID, reason string) error {
	var (
		branch string
		prs    []int64
		solo   bool
	)

	err := c.Store.WithTx(ctx, func(ctx context.Context, db store.DB) error {
		attempt, err := c.Store.GetAttempt(ctx, db, attemptID)
		if err != nil {
			return err
		}

		branch = attempt.BranchName

		numbers, err := c.Store.AttemptPRs(ctx, db, attemptID)
		if err != nil {
			return err
		}

		prs = numbers

		if len(numbers) <= 1 {
			solo = true

			for _, n := range numbers {
				if err := c.Store.DeletePR(ctx, db, repo.Owner, repo.Repo, n); err != nil {
					return err
				}
			}

			return c.Store.DeleteAttempt(ctx, db, attemptID)
		}

		mid := len(numbers) / 2
		halves := [][]int64{numbers[:mid], numbers[mid:]}

		for _, half := range halves {
			id := newAttemptID()
			branch := attemptBranchName(id)

			if err := c.Store.InsertAttempt(ctx, db, id, repo.Owner, repo.Repo, branch, store.MergeSplit); err != nil {
				return err
			}

			for _, n := range half {
				if err := c.Store.AddAttemptPR(ctx, db, id, repo.Owner, repo.Repo, n); err != nil {
					return err
				}

				if err := c.Store.UpdatePRState(ctx, db, repo.Owner, repo.Repo, n, store.PrSplit); err != nil {
					return err
				}
			}
		}

		return c.Store.DeleteAttempt(ctx, db, attemptID)
	})
	if err != nil {
		return wrapErr("fail", err)
	}

	if err := c.Client.DeleteBranch(ctx, repo, branch); err != nil {
		slog.Warn("failed to delete trial branch after test failure", "branch", branch, "error", err)
	}

	var message string
	if solo {
		message = fmt.Sprintf("Merge queue failed: %s. This PR has been removed from the queue; please fix the issue and re-request a merge.", reason)
	} else {
		message = fmt.Sprintf("Merge queue batch failed: %s. This PR has been split out for isolated retry.", reason)
	}

	for _, n := range prs {
		reply := c.commentReply(repo, n)
		if err := reply(ctx, message); err != nil {
			slog.Warn("failed to notify PR of split", "pr", n, "error", err)
		}
	}

	return nil
}
