package controller

import "github.com/cryslith/cherry/internal/ghclient"

// Readiness returns the ordered list of unmet preconditions for merging pr.
// An empty slice means the PR is ready to be queued. Room is reserved for
// further conditions (reviews approved, required checks passed); today the
// only one implemented is "not a draft".
func Readiness(pr *ghclient.PullRequest) []string {
	var unmet []string

	if pr.Draft {
		unmet = append(unmet, "PR not marked as draft")
	}

	return unmet
}

// ready reports whether pr currently satisfies every precondition.
func ready(pr *ghclient.PullRequest) bool {
	return len(Readiness(pr)) == 0
}
