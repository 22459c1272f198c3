package webhook

import (
	"context"

	"github.com/cryslith/cherry/internal/controller"
	"github.com/cryslith/cherry/internal/ghclient"
)

// commandContext implements command.Context for a single issue_comment
// delivery, binding the shared controller and client to one (repo, issue
// number) pair.
type commandContext struct {
	ctrl   *controller.Controller
	repo   ghclient.Repository
	number int64
}

func (c *commandContext) Reply(ctx context.Context, message string) error {
	return c.ctrl.Client.CommentOnPR(ctx, c.repo, c.number, message)
}

func (c *commandContext) RequestMerge(ctx context.Context) error {
	return c.ctrl.Request(ctx, c.repo, c.number, c.Reply)
}
