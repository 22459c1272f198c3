// Package ghclient implements the credentialled client used to talk to the
// hosting platform: three authentication tiers built on a shared, renew-
// ahead token cache, plus the small set of higher-level operations the
// controller and command pipeline need.
package ghclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultBaseURL = "https://api.github.com"
	userAgent      = "cryslith/cherry"
	acceptHeader   = "application/vnd.github.machine-man-preview+json"
)

// Client binds application credentials, a shared token cache, and an HTTP
// transport. Safe for concurrent use — all mutable state lives in the
// shared TokenCache.
type Client struct {
	credentials Credentials
	cache       *TokenCache
	http        *http.Client
	baseURL     string
	retryBase   time.Duration
	retryMax    int
}

// Option configures a Client constructed by NewClient.
type Option func(*Client)

// WithBaseURL overrides the platform's API base URL — used by tests to
// point the client at an httptest server instead of api.github.com.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// NewClient returns a Client bound to the given credentials, a shared token
// cache, and an HTTP transport with the given per-call timeout.
func NewClient(credentials Credentials, cache *TokenCache, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		credentials: credentials,
		cache:       cache,
		http:        &http.Client{Timeout: timeout},
		baseURL:     defaultBaseURL,
		retryBase:   200 * time.Millisecond,
		retryMax:    3,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// apiRequest builds an unauthenticated request carrying the fixed Accept
// and User-Agent headers.
func (c *Client) apiRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}

		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// appRequest builds a request authenticated with the application JWT.
func (c *Client) appRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	req, err := c.apiRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	token, err := c.cache.AppToken(c.credentials)
	if err != nil {
		return nil, fmt.Errorf("mint app token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token.Token)

	return req, nil
}

// repoRequest builds a request authenticated with repo's installation
// access token, minting one via the installation-lookup + access-token
// exchange if the cached copy is stale.
func (c *Client) repoRequest(ctx context.Context, repo Repository, method, path string, body any) (*http.Request, error) {
	req, err := c.apiRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	token, err := c.cache.InstallationToken(ctx, repo, c.mintInstallationToken)
	if err != nil {
		return nil, fmt.Errorf("mint installation token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token.Token)

	return req, nil
}

// mintInstallationToken performs the two-call exchange: resolve the
// installation id for repo, then request an access token scoped to it.
// Both calls are made with the application JWT.
func (c *Client) mintInstallationToken(ctx context.Context, repo Repository) (Token, error) {
	var installation struct {
		ID int64 `json:"id"`
	}

	if err := c.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.appRequest(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/installation", repo.Owner, repo.Repo), nil)
	}, &installation); err != nil {
		return Token{}, fmt.Errorf("resolve installation for %s: %w", repo, err)
	}

	payload := struct {
		RepositoryIDs []int64           `json:"repository_ids"`
		Permissions   map[string]string `json:"permissions"`
	}{
		RepositoryIDs: []int64{repo.ID},
		// The source requests issues:write; widen as the controller gains
		// features that need more scopes (branch/ref writes for construct).
		Permissions: map[string]string{
			"issues":   "write",
			"contents": "write",
			"pulls":    "write",
		},
	}

	var response struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}

	if err := c.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.appRequest(ctx, http.MethodPost, fmt.Sprintf("/app/installations/%d/access_tokens", installation.ID), payload)
	}, &response); err != nil {
		return Token{}, fmt.Errorf("mint installation token for %s: %w", repo, err)
	}

	return Token{
		Token:         response.Token,
		RenewDeadline: response.ExpiresAt.Add(-renewAhead),
	}, nil
}

// do executes a request built fresh on every attempt (so a renewed token is
// picked up on retry), retrying transient network failures and 5xx
// responses with bounded exponential backoff.
func (c *Client) do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response

	backoff := retry.WithMaxRetries(uint64(c.retryMax), retry.NewExponential(c.retryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := build(ctx)
		if err != nil {
			return err
		}

		r, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("execute request %s %s: %w", req.Method, req.URL.Path, err))
		}

		if r.StatusCode >= 500 {
			body := drainAndClose(r.Body)

			return retry.RetryableError(newServerErrorResponse(r.StatusCode, body))
		}

		resp = r

		return nil
	})

	return resp, err
}

// responseOK checks a response's status code; 4xx/5xx responses are
// surfaced as a ServerErrorResponse whose body is decoded as structured
// JSON ({message, errors}) when possible, falling back to raw text.
func responseOK(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 400 {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	return newServerErrorResponse(resp.StatusCode, body)
}

// doJSON executes a request and decodes a successful JSON response into v.
func (c *Client) doJSON(ctx context.Context, build func(ctx context.Context) (*http.Request, error), v any) error {
	resp, err := c.do(ctx, build)
	if err != nil {
		return err
	}

	if err := responseOK(resp); err != nil {
		return err
	}

	defer func() { _ = resp.Body.Close() }()

	if v == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// PRInfo fetches a pull request's current platform state.
func (c *Client) PRInfo(ctx context.Context, repo Repository, number int64) (*PullRequest, error) {
	var pr PullRequest

	err := c.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.repoRequest(ctx, repo, http.MethodGet, fmt.Sprintf("/repos/%s/%s/pulls/%d", repo.Owner, repo.Repo, number), nil)
	}, &pr)
	if err != nil {
		return nil, fmt.Errorf("get PR #%d in %s: %w", number, repo, err)
	}

	return &pr, nil
}

// CommentOnPR posts a comment on the issue backing a pull request.
func (c *Client) CommentOnPR(ctx context.Context, repo Repository, number int64, body string) error {
	payload := struct {
		Body string `json:"body"`
	}{Body: body}

	err := c.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.repoRequest(ctx, repo, http.MethodPost, fmt.Sprintf("/repos/%s/%s/issues/%d/comments", repo.Owner, repo.Repo, number), payload)
	}, nil)
	if err != nil {
		return fmt.Errorf("comment on PR #%d in %s: %w", number, repo, err)
	}

	return nil
}

// DefaultBranch returns the name of repo's default branch — the target
// construct merges trial batches against.
func (c *Client) DefaultBranch(ctx context.Context, repo Repository) (string, error) {
	var info struct {
		DefaultBranch string `json:"default_branch"`
	}

	err := c.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.repoRequest(ctx, repo, http.MethodGet, fmt.Sprintf("/repos/%s/%s", repo.Owner, repo.Repo), nil)
	}, &info)
	if err != nil {
		return "", fmt.Errorf("get default branch for %s: %w", repo, err)
	}

	return info.DefaultBranch, nil
}

// BranchSHA returns the current commit SHA a branch points at.
func (c *Client) BranchSHA(ctx context.Context, repo Repository, branch string) (string, error) {
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}

	err := c.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.repoRequest(ctx, repo, http.MethodGet, fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", repo.Owner, repo.Repo, branch), nil)
	}, &ref)
	if err != nil {
		return "", fmt.Errorf("resolve branch %s in %s: %w", branch, repo, err)
	}

	return ref.Object.SHA, nil
}

// CreateBranch creates a new ref pointing at sha.
func (c *Client) CreateBranch(ctx context.Context, repo Repository, name, sha string) error {
	payload := struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}{Ref: "refs/heads/" + name, SHA: sha}

	err := c.doJSON(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.repoRequest(ctx, repo, http.MethodPost, fmt.Sprintf("/repos/%s/%s/git/refs", repo.Owner, repo.Repo), payload)
	}, nil)
	if err != nil {
		return fmt.Errorf("create branch %s in %s: %w", name, repo, err)
	}

	return nil
}

// DeleteBranch deletes a ref. A 404 (already gone) is treated as success.
func (c *Client) DeleteBranch(ctx context.Context, repo Repository, name string) error {
	resp, err := c.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.repoRequest(ctx, repo, http.MethodDelete, fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", repo.Owner, repo.Repo, name), nil)
	})
	if err != nil {
		return fmt.Errorf("delete branch %s in %s: %w", name, repo, err)
	}

	if err := responseOK(resp); err != nil {
		var srvErr *ServerErrorResponse
		if asServerError(err, &srvErr) && srvErr.Status == http.StatusNotFound {
			return nil
		}

		return fmt.Errorf("delete branch %s in %s: %w", name, repo, err)
	}

	return nil
}

// MergeBranches merges head into the existing branch base via the
// platform's merge endpoint. Returns MergeConflictError if the platform
// reports a 409 conflict.
func (c *Client) MergeBranches(ctx context.Context, repo Repository, base, head, commitMessage string) (*MergeResult, error) {
	payload := struct {
		Base          string `json:"base"`
		Head          string `json:"head"`
		CommitMessage string `json:"commit_message"`
	}{Base: base, Head: head, CommitMessage: commitMessage}

	resp, err := c.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return c.repoRequest(ctx, repo, http.MethodPost, fmt.Sprintf("/repos/%s/%s/merges", repo.Owner, repo.Repo), payload)
	})
	if err != nil {
		return nil, fmt.Errorf("merge %s into %s in %s: %w", head, base, repo, err)
	}

	if resp.StatusCode == http.StatusConflict {
		_ = resp.Body.Close()

		return nil, &MergeConflictError{Base: base, Head: head}
	}

	if err := responseOK(resp); err != nil {
		return nil, fmt.Errorf("merge %s into %s in %s: %w", head, base, repo, err)
	}

	defer func() { _ = resp.Body.Close() }()

	var result struct {
		SHA string `json:"sha"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode merge response: %w", err)
	}

	return &MergeResult{SHA: result.SHA}, nil
}

func asServerError(err error, target **ServerErrorResponse) bool {
	return errors.As(err, target)
}
