package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fentz26/schedwatch/internal/auth"
)

// ErrorType classifies a failed control-plane call.
type ErrorType string

const (
	// ErrAuth means the credential is missing or was rejected; the user must log in again.
	ErrAuth ErrorType = "auth_error"
	// ErrPermission means the credential is valid but not allowed to do this.
	ErrPermission ErrorType = "permission_error"
	// ErrServer means the control plane failed internally.
	ErrServer ErrorType = "server_error"
	// ErrNetwork means no response was received, including timeouts.
	ErrNetwork ErrorType = "network_error"
	// ErrAPI is an ambiguous or unparsable failure. It never ends the session.
	ErrAPI ErrorType = "api_error"
)

// ErrNotLoggedIn is wrapped by the auth_error returned when no credential is cached.
var ErrNotLoggedIn = errors.New("not logged in")

// Error is the typed error returned by every Client call.
type Error struct {
	Type    ErrorType
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Type, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the response status, or 0 when none was received.
func (e *Error) HTTPStatus() int { return e.Status }

// Reason returns the human-readable reason reported by the server.
func (e *Error) Reason() string { return e.Message }

// TypeOf returns the classification of err, or "" when err is not a *Error.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsType reports whether err is a *Error of type t.
func IsType(err error, t ErrorType) bool {
	return TypeOf(err) == t
}

// classify maps a non-2xx response to the error taxonomy. Rules apply in order.
func classify(status int, body []byte) *Error {
	msg := reason(body)

	var typ ErrorType
	switch {
	case status == http.StatusUnauthorized && auth.IsCredentialRejection(status, msg):
		typ = ErrAuth
	case status == http.StatusUnauthorized:
		typ = ErrAPI
	case status == http.StatusForbidden:
		typ = ErrPermission
	case status >= 500:
		typ = ErrServer
	default:
		typ = ErrAPI
	}

	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{Type: typ, Status: status, Message: msg}
}

// reason extracts detail/message/error from a JSON error body.
// It returns "" when the body is not a JSON object carrying one of them.
func reason(body []byte) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if len(payload.Detail) > 0 && string(payload.Detail) != "null" {
		var s string
		if err := json.Unmarshal(payload.Detail, &s); err == nil {
			return strings.TrimSpace(s)
		}
		return strings.TrimSpace(string(payload.Detail))
	}
	if payload.Message != "" {
		return strings.TrimSpace(payload.Message)
	}
	return strings.TrimSpace(payload.Error)
}
