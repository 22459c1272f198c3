package ghclient_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cryslith/cherry/internal/ghclient"
)

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

// newAuthServer returns an httptest server that answers the installation
// lookup and access-token exchange every repoRequest needs before it can
// reach extra, which handles the endpoint under test.
func newAuthServer(t *testing.T, extra http.HandlerFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/repos/o/r/installation", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{"id": 1})
	})

	mux.HandleFunc("/app/installations/1/access_tokens", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{
			"token":      "installation-token",
			"expires_at": time.Now().Add(time.Hour),
		})
	})

	mux.HandleFunc("/", extra)

	return httptest.NewServer(mux)
}

func newTestClient(t *testing.T, srv *httptest.Server) *ghclient.Client {
	t.Helper()

	return ghclient.NewClient(testCredentials(t), ghclient.NewTokenCache(), 5*time.Second, ghclient.WithBaseURL(srv.URL))
}

func TestClientRepoRequestHeaders(t *testing.T) {
	var gotAuth, gotAccept, gotUA string

	srv := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotUA = r.Header.Get("User-Agent")

		writeJSON(t, w, map[string]any{
			"state":  "open",
			"merged": false,
			"draft":  false,
			"head":   map[string]string{"sha": "abc"},
		})
	})
	defer srv.Close()

	client := newTestClient(t, srv)
	repo := ghclient.Repository{ID: 1, Owner: "o", Repo: "r"}

	if _, err := client.PRInfo(t.Context(), repo, 5); err != nil {
		t.Fatalf("PRInfo: %v", err)
	}

	if gotAuth != "Bearer installation-token" {
		t.Errorf("Authorization = %q, want Bearer installation-token", gotAuth)
	}

	if gotAccept != "application/vnd.github.machine-man-preview+json" {
		t.Errorf("Accept = %q", gotAccept)
	}

	if gotUA != "cryslith/cherry" {
		t.Errorf("User-Agent = %q, want cryslith/cherry", gotUA)
	}
}

// TestResponseOKStructuredErrorFallback exercises responseOK's structured
// decode path: a JSON {message, errors} body is parsed into
// ServerErrorResponse.Body rather than kept as raw text.
func TestResponseOKStructuredErrorFallback(t *testing.T) {
	srv := newAuthServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found","errors":[{"resource":"PullRequest","field":"number","code":"missing"}]}`))
	})
	defer srv.Close()

	client := newTestClient(t, srv)
	repo := ghclient.Repository{ID: 1, Owner: "o", Repo: "r"}

	_, err := client.PRInfo(t.Context(), repo, 5)
	if err == nil {
		t.Fatal("expected error")
	}

	var srvErr *ghclient.ServerErrorResponse
	if !errors.As(err, &srvErr) {
		t.Fatalf("expected *ghclient.ServerErrorResponse, got %T: %v", err, err)
	}

	if srvErr.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", srvErr.Status)
	}

	if srvErr.Body.Message != "Not Found" {
		t.Errorf("message = %q, want Not Found", srvErr.Body.Message)
	}

	if len(srvErr.Body.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly one detail", srvErr.Body.Errors)
	}
}

// TestResponseOKRawTextFallback exercises responseOK's fallback path: a
// non-JSON body is carried verbatim as ServerErrorResponse.Body.Message.
func TestResponseOKRawTextFallback(t *testing.T) {
	srv := newAuthServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("not json at all"))
	})
	defer srv.Close()

	client := newTestClient(t, srv)
	repo := ghclient.Repository{ID: 1, Owner: "o", Repo: "r"}

	_, err := client.PRInfo(t.Context(), repo, 5)
	if err == nil {
		t.Fatal("expected error")
	}

	var srvErr *ghclient.ServerErrorResponse
	if !errors.As(err, &srvErr) {
		t.Fatalf("expected *ghclient.ServerErrorResponse, got %T: %v", err, err)
	}

	if srvErr.Status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", srvErr.Status)
	}

	if srvErr.Body.Message != "not json at all" {
		t.Errorf("message = %q, want raw body text", srvErr.Body.Message)
	}

	if len(srvErr.Body.Errors) != 0 {
		t.Errorf("errors = %v, want none for the raw-text fallback", srvErr.Body.Errors)
	}
}
