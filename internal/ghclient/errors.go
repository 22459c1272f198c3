package ghclient

import (
	"encoding/json"
	"fmt"
	"io"
)

// ServerErrorDetail is one entry of a structured error response's "errors"
// array.
type ServerErrorDetail struct {
	Resource string `json:"resource"`
	Field    string `json:"field"`
	Code     string `json:"code"`
	Message  string `json:"message,omitempty"`
}

// ServerErrorBody is the platform's structured error shape. When the
// response body cannot be parsed as JSON, Message carries the raw text
// and Errors is empty.
type ServerErrorBody struct {
	Message string              `json:"message"`
	Errors  []ServerErrorDetail `json:"errors,omitempty"`
}

// ServerErrorResponse wraps a non-2xx HTTP response from the hosting
// platform. The body is decoded as structured JSON when possible and
// falls back to raw text otherwise.
type ServerErrorResponse struct {
	Status int
	Body   ServerErrorBody
}

func (e *ServerErrorResponse) Error() string {
	if len(e.Body.Errors) > 0 {
		return fmt.Sprintf("server error response: status %d: %s (%d details)", e.Status, e.Body.Message, len(e.Body.Errors))
	}

	return fmt.Sprintf("server error response: status %d: %s", e.Status, e.Body.Message)
}

// newServerErrorResponse builds a ServerErrorResponse from a response body,
// attempting a structured decode before falling back to raw UTF-8 text.
func newServerErrorResponse(status int, raw []byte) *ServerErrorResponse {
	var body ServerErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return &ServerErrorResponse{Status: status, Body: body}
	}

	return &ServerErrorResponse{Status: status, Body: ServerErrorBody{Message: string(raw)}}
}

// MergeConflictError indicates that a trial merge could not be completed
// because the head ref conflicts with the base ref.
type MergeConflictError struct {
	Base string
	Head string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict: cannot merge %s into %s", e.Head, e.Base)
}

// drainAndClose reads the remainder of a response body and closes it,
// swallowing read errors — used only for diagnostics on already-failed
// requests.
func drainAndClose(body io.ReadCloser) []byte {
	defer func() { _ = body.Close() }()

	data, _ := io.ReadAll(body)

	return data
}
