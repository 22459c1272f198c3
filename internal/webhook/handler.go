// Package webhook implements the HTTP intake that receives GitHub webhook
// deliveries (issue_comment), authenticates them, and dispatches recognized
// events to the command pipeline asynchronously.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/cryslith/cherry/internal/command"
	"github.com/cryslith/cherry/internal/controller"
)

// eventHeader is the GitHub header naming the webhook event type.
const eventHeader = "X-GitHub-Event"

// signatureHeader carries the HMAC-SHA256 signature over the raw body.
const signatureHeader = "X-Hub-Signature-256"

// Handler returns an http.Handler implementing POST /webhook: it validates
// the delivery, decodes the subset of events it recognizes, and dispatches
// them to a background goroutine before the HTTP response returns — the
// hosting platform's delivery timeout is not exposed to handler latency.
func Handler(secret string, ctrl *controller.Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		event := r.Header.Get(eventHeader)
		if event == "" {
			http.Error(w, "missing "+eventHeader, http.StatusBadRequest)

			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)

			return
		}

		if !validateSignature(body, r.Header.Get(signatureHeader), secret) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)

			return
		}

		if event != "issue_comment" {
			w.WriteHeader(http.StatusAccepted)

			return
		}

		var payload issueCommentEvent
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)

			return
		}

		w.WriteHeader(http.StatusAccepted)

		// Detached from the request context: the handler must run to
		// completion even after the HTTP response has returned.
		go handleIssueComment(context.Background(), ctrl, payload)
	})
}

// handleIssueComment never returns an error to a caller — failures are
// logged and, where a command was already identified, echoed back to the
// user as a reply.
func handleIssueComment(ctx context.Context, ctrl *controller.Controller, payload issueCommentEvent) {
	if payload.Action != "created" {
		return
	}

	cc := &commandContext{ctrl: ctrl, repo: payload.Repository, number: payload.Issue.Number}

	commands, err := command.ParseComment(payload.Comment.Body)
	if err != nil {
		if replyErr := cc.Reply(ctx, fmt.Sprintf("Error: %s", err)); replyErr != nil {
			slog.Error("webhook: failed to reply with parse error", "error", replyErr)
		}

		return
	}

	for _, cmd := range commands {
		if err := cmd.Run(ctx, cc); err != nil {
			slog.Error("webhook: command failed", "command", cmd, "error", err)

			message := fmt.Sprintf("Error running command: %s: %s", cmd, err)
			if replyErr := cc.Reply(ctx, message); replyErr != nil {
				slog.Error("webhook: failed to reply with command error", "error", replyErr)
			}

			return
		}
	}
}
