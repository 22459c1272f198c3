package webhook_test

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cryslith/cherry/internal/controller"
	"github.com/cryslith/cherry/internal/ghclient"
	"github.com/cryslith/cherry/internal/store"
	"github.com/cryslith/cherry/internal/webhook"
)

const testSecret = "test-secret"

func computeTestSignature(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// fakeIssuesAPI records every comment posted, simulating just enough of the
// platform for the webhook's reply path (Ping never touches the store).
type fakeIssuesAPI struct {
	mu       sync.Mutex
	comments []string
}

func (f *fakeIssuesAPI) server(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/repos/o/r/installation", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 1})
	})

	mux.HandleFunc("/app/installations/1/access_tokens", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token": "installation-token", "expires_at": time.Now().Add(time.Hour),
		})
	})

	mux.HandleFunc("/repos/o/r/issues/1/comments", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Body string `json:"body"`
		}

		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.comments = append(f.comments, body.Body)
		f.mu.Unlock()

		_ = json.NewEncoder(w).Encode(map[string]any{})
	})

	return httptest.NewServer(mux)
}

func (f *fakeIssuesAPI) waitForComment(t *testing.T) string {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.comments)
		f.mu.Unlock()

		if n > 0 {
			break
		}

		time.Sleep(10 * time.Millisecond)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.comments) == 0 {
		t.Fatal("timed out waiting for a comment to be posted")
	}

	return f.comments[0]
}

func newTestHandler(t *testing.T) (http.Handler, *fakeIssuesAPI) {
	t.Helper()

	api := &fakeIssuesAPI{}
	srv := api.server(t)
	t.Cleanup(srv.Close)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate test RSA key: %v", err)
	}

	creds := ghclient.Credentials{AppID: "test-app", PrivateKey: key}
	client := ghclient.NewClient(creds, ghclient.NewTokenCache(), 5*time.Second, ghclient.WithBaseURL(srv.URL))
	ctrl := controller.New(client, store.New(nil))

	return webhook.Handler(testSecret, ctrl), api
}

func doRequest(t *testing.T, handler http.Handler, eventType string, body []byte, signed bool) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))

	if eventType != "" {
		req.Header.Set("X-GitHub-Event", eventType)
	}

	if signed {
		req.Header.Set("X-Hub-Signature-256", computeTestSignature(body))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	return rec
}

func issueCommentPayload(action, body string) []byte {
	payload := map[string]any{
		"action": action,
		"issue": map[string]any{
			"state":  "open",
			"number": 1,
		},
		"comment": map[string]any{
			"user": map[string]any{"login": "maintainer"},
			"body": body,
		},
		"repository": map[string]any{
			"id":   186853002,
			"name": "r",
			"owner": map[string]any{
				"login": "o",
			},
		},
	}

	encoded, _ := json.Marshal(payload)

	return encoded
}

func TestHandlerMissingEventHeaderRejected(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(t, handler, "", issueCommentPayload("created", "cherry ping"), true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerMissingSignatureRejected(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(t, handler, "issue_comment", issueCommentPayload("created", "cherry ping"), false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHandlerIgnoresUnrecognizedEvent(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(t, handler, "ping", []byte(`{}`), true)
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}

func TestHandlerPingCommandReplies(t *testing.T) {
	handler, api := newTestHandler(t)

	rec := doRequest(t, handler, "issue_comment", issueCommentPayload("created", "cherry ping"), true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	if got := api.waitForComment(t); got != "pong!" {
		t.Errorf("comment = %q, want pong!", got)
	}
}

func TestHandlerParseErrorReplies(t *testing.T) {
	handler, api := newTestHandler(t)

	rec := doRequest(t, handler, "issue_comment", issueCommentPayload("created", "cherry bogus"), true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	if got := api.waitForComment(t); got != "Error: unknown command: bogus" {
		t.Errorf("comment = %q, want a parse-error reply", got)
	}
}

func TestHandlerIgnoresNonCreatedAction(t *testing.T) {
	handler, api := newTestHandler(t)

	rec := doRequest(t, handler, "issue_comment", issueCommentPayload("deleted", "cherry ping"), true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	time.Sleep(50 * time.Millisecond)

	api.mu.Lock()
	defer api.mu.Unlock()

	if len(api.comments) != 0 {
		t.Errorf("comments = %v, want none for a non-created action", api.comments)
	}
}
