package webhook

import "github.com/cryslith/cherry/internal/ghclient"

// issueCommentEvent is the subset of GitHub's issue_comment webhook payload
// the handler consumes.
type issueCommentEvent struct {
	Action     string              `json:"action"`
	Issue      issue               `json:"issue"`
	Comment    comment             `json:"comment"`
	Repository ghclient.Repository `json:"repository"`
}

type issue struct {
	State       string          `json:"state"`
	Number      int64           `json:"number"`
	PullRequest *pullRequestRef `json:"pull_request"`
}

// pullRequestRef's mere presence on an issue marks it as a pull request
// rather than a plain issue; its fields are not otherwise consumed.
type pullRequestRef struct{}

type comment struct {
	User commentUser `json:"user"`
	Body string      `json:"body"`
}

type commentUser struct {
	Login string `json:"login"`
}
