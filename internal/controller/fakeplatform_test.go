package controller_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cryslith/cherry/internal/ghclient"
)

// fakePlatform simulates just enough of the hosting platform's REST surface
// for controller tests: installation/token minting, PR info, comments, and
// the git-level branch/merge endpoints construct and complete depend on.
type fakePlatform struct {
	mu sync.Mutex

	prs       map[int64]ghclient.PullRequest
	comments  map[int64][]string
	branches  map[string]string // name -> sha
	default_  string
	conflicts map[string]bool // head sha -> conflicts with everything
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		prs:       make(map[int64]ghclient.PullRequest),
		comments:  make(map[int64][]string),
		branches:  map[string]string{"main": "main-sha-0"},
		default_:  "main",
		conflicts: make(map[string]bool),
	}
}

func (f *fakePlatform) setPR(number int64, state ghclient.PrState, draft, merged bool, sha string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prs[number] = ghclient.PullRequest{State: state, Draft: draft, Merged: merged, CommitHash: sha}
}

// setConflict marks sha as conflicting with any base it is merged into —
// the fake /repos/o/r/merges handler answers 409 for it, letting tests
// exercise Construct's isolate-and-split path without a real git merge.
func (f *fakePlatform) setConflict(sha string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.conflicts[sha] = true
}

func (f *fakePlatform) branchExists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.branches[name]

	return ok
}

func (f *fakePlatform) commentsFor(number int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.comments[number]...)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func (f *fakePlatform) server(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/repos/o/r/installation", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{"id": 1})
	})

	mux.HandleFunc("/app/installations/1/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)

			return
		}

		writeJSON(t, w, map[string]any{
			"token":      "installation-token",
			"expires_at": time.Now().Add(time.Hour),
		})
	})

	mux.HandleFunc("/repos/o/r/pulls/", func(w http.ResponseWriter, r *http.Request) {
		var number int64
		if _, err := fmt.Sscanf(r.URL.Path, "/repos/o/r/pulls/%d", &number); err != nil {
			http.Error(w, "bad number", http.StatusBadRequest)

			return
		}

		f.mu.Lock()
		pr, ok := f.prs[number]
		f.mu.Unlock()

		if !ok {
			http.Error(w, "not found", http.StatusNotFound)

			return
		}

		writeJSON(t, w, map[string]any{
			"state":  pr.State.String(),
			"merged": pr.Merged,
			"draft":  pr.Draft,
			"head":   map[string]string{"sha": pr.CommitHash},
		})
	})

	mux.HandleFunc("/repos/o/r/issues/", func(w http.ResponseWriter, r *http.Request) {
		var number int64
		if _, err := fmt.Sscanf(r.URL.Path, "/repos/o/r/issues/%d/comments", &number); err != nil {
			http.Error(w, "bad number", http.StatusBadRequest)

			return
		}

		var body struct {
			Body string `json:"body"`
		}

		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)

			return
		}

		f.mu.Lock()
		f.comments[number] = append(f.comments[number], body.Body)
		f.mu.Unlock()

		writeJSON(t, w, map[string]any{})
	})

	mux.HandleFunc("/repos/o/r", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{"default_branch": f.default_})
	})

	mux.HandleFunc("/repos/o/r/git/ref/heads/", func(w http.ResponseWriter, r *http.Request) {
		branch := r.URL.Path[len("/repos/o/r/git/ref/heads/"):]

		f.mu.Lock()
		sha, ok := f.branches[branch]
		f.mu.Unlock()

		if !ok {
			http.Error(w, "not found", http.StatusNotFound)

			return
		}

		writeJSON(t, w, map[string]any{"object": map[string]string{"sha": sha}})
	})

	mux.HandleFunc("/repos/o/r/git/refs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		}

		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)

			return
		}

		name := body.Ref[len("refs/heads/"):]

		f.mu.Lock()
		f.branches[name] = body.SHA
		f.mu.Unlock()

		writeJSON(t, w, map[string]any{})
	})

	mux.HandleFunc("/repos/o/r/git/refs/heads/", func(w http.ResponseWriter, r *http.Request) {
		branch := r.URL.Path[len("/repos/o/r/git/refs/heads/"):]

		f.mu.Lock()
		delete(f.branches, branch)
		f.mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/repos/o/r/merges", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Base string `json:"base"`
			Head string `json:"head"`
		}

		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)

			return
		}

		f.mu.Lock()
		conflict := f.conflicts[body.Head]
		f.mu.Unlock()

		if conflict {
			w.WriteHeader(http.StatusConflict)

			return
		}

		newSHA := body.Base + "+" + body.Head

		f.mu.Lock()
		f.branches[body.Base] = newSHA
		f.mu.Unlock()

		writeJSON(t, w, map[string]any{"sha": newSHA})
	})

	return httptest.NewServer(mux)
}

func testCredentials(t *testing.T) ghclient.Credentials {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate test RSA key: %v", err)
	}

	return ghclient.Credentials{AppID: "test-app", PrivateKey: key}
}

func newTestClient(t *testing.T, srv *httptest.Server) *ghclient.Client {
	t.Helper()

	return ghclient.NewClient(testCredentials(t), ghclient.NewTokenCache(), 5*time.Second, ghclient.WithBaseURL(srv.URL))
}
