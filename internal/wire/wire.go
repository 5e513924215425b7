// Package wire defines the JSON messages exchanged between the data server
// and the remote client, and the mapping of service errors to them.
package wire

import (
	"errors"
	"net/http"

	"github.com/mesh-intelligence/almanac/pkg/types"
)

// Live query message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSnapshot    = "snapshot"
	TypeError       = "error"
)

// Message is one frame on the live query websocket. Ref correlates a
// subscription with its snapshots and errors.
type Message struct {
	Type    string         `json:"type"`
	Ref     string         `json:"ref"`
	Kind    types.Kind     `json:"kind,omitempty"`
	Records []types.Record `json:"records,omitempty"`
	Error   *ErrorBody     `json:"error,omitempty"`
}

// Error codes carried by ErrorBody.
const (
	CodeValidation   = "validation"
	CodeNotFound     = "not_found"
	CodeUnknownKind  = "unknown_kind"
	CodeUnauthorized = "unauthorized"
	CodeRateLimited  = "rate_limited"
	CodeUnavailable  = "unavailable"
	CodeBadRequest   = "bad_request"
	CodeInternal     = "internal"
)

// ErrorBody is the JSON error returned by the REST API and inside live
// query error messages.
type ErrorBody struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Kind    types.Kind `json:"kind,omitempty"`
	Field   string     `json:"field,omitempty"`
}

// FromError maps a service error to its HTTP status and body.
func FromError(err error) (int, ErrorBody) {
	var verr *types.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, ErrorBody{Code: CodeValidation, Message: verr.Reason, Kind: verr.Kind, Field: verr.Field}
	case errors.Is(err, types.ErrInvalidID):
		return http.StatusBadRequest, ErrorBody{Code: CodeValidation, Message: err.Error(), Field: types.FieldNameID}
	case errors.Is(err, types.ErrUnknownKind):
		return http.StatusNotFound, ErrorBody{Code: CodeUnknownKind, Message: err.Error()}
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized, ErrorBody{Code: CodeUnauthorized, Message: err.Error()}
	case errors.Is(err, types.ErrDetached):
		return http.StatusServiceUnavailable, ErrorBody{Code: CodeUnavailable, Message: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: err.Error()}
	}
}

// Err converts a received error body back into the service error it
// stands for, so callers can match it with errors.Is and errors.As.
func (e ErrorBody) Err() error {
	switch e.Code {
	case CodeValidation:
		return &types.ValidationError{Kind: e.Kind, Field: e.Field, Reason: e.Message}
	case CodeNotFound:
		return types.ErrNotFound
	case CodeUnknownKind:
		return types.ErrUnknownKind
	case CodeUnauthorized:
		return types.ErrUnauthorized
	case CodeUnavailable:
		return types.ErrDetached
	}
	return &RemoteError{Code: e.Code, Message: e.Message}
}

// RemoteError is a server error with no local counterpart.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Code + ": " + e.Message
}
