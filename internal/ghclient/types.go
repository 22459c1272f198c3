package ghclient

import (
	"encoding/json"
	"fmt"
)

// Repository identifies a repository on the hosting platform. It has value
// equality by (ID, Owner, Repo) and is freely cloneable.
type Repository struct {
	ID    int64
	Owner string
	Repo  string
}

func (r Repository) String() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Repo)
}

// UnmarshalJSON decodes the platform's repository shape, where the owner
// login is nested under "owner" and the repo name is "name".
func (r *Repository) UnmarshalJSON(data []byte) error {
	var received struct {
		ID    int64  `json:"id"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
		Name string `json:"name"`
	}

	if err := json.Unmarshal(data, &received); err != nil {
		return err
	}

	r.ID = received.ID
	r.Owner = received.Owner.Login
	r.Repo = received.Name

	return nil
}

// PrState is the upstream open/closed state of a pull request.
type PrState int

const (
	PrOpen PrState = iota
	PrClosed
)

func (s PrState) String() string {
	if s == PrClosed {
		return "closed"
	}

	return "open"
}

// PullRequest is the subset of the platform's pull request representation
// the controller needs.
type PullRequest struct {
	State      PrState
	Merged     bool
	Draft      bool
	CommitHash string
}

// UnmarshalJSON decodes {state, merged, draft, head: {sha}} into PullRequest.
func (p *PullRequest) UnmarshalJSON(data []byte) error {
	var received struct {
		State  string `json:"state"`
		Merged bool   `json:"merged"`
		Draft  bool   `json:"draft"`
		Head   struct {
			SHA string `json:"sha"`
		} `json:"head"`
	}

	if err := json.Unmarshal(data, &received); err != nil {
		return err
	}

	switch received.State {
	case "open":
		p.State = PrOpen
	case "closed":
		p.State = PrClosed
	default:
		return fmt.Errorf("unrecognized pull request state %q", received.State)
	}

	p.Merged = received.Merged
	p.Draft = received.Draft
	p.CommitHash = received.Head.SHA

	return nil
}

// MergeResult is the outcome of a successful trial merge.
type MergeResult struct {
	SHA string
}
