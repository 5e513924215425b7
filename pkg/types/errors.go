package types

import (
	"errors"
	"fmt"
)

// Error categories surfaced to callers of the sync core. Use errors.Is to
// match a category; errors.As recovers the typed error with its details.
var (
	ErrValidation    = errors.New("validation failed")
	ErrRemoteRequest = errors.New("remote request failed")
	ErrSubscription  = errors.New("subscription failed")
)

// Lookup and lifecycle errors.
var (
	ErrUnknownKind  = errors.New("unknown record kind")
	ErrNotFound     = errors.New("record not found")
	ErrInvalidID    = errors.New("invalid record ID")
	ErrNoOwner      = errors.New("owner must not be empty")
	ErrDetached     = errors.New("backend is detached")
	ErrAttached     = errors.New("backend is already attached")
	ErrSignedOut    = errors.New("session is signed out")
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError reports a field that is missing or malformed before a
// mutation is sent. It never reaches the network.
type ValidationError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s.%s: %s", ErrValidation, e.Kind, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// RemoteRequestError reports a create, update or delete the data service
// rejected or could not be reached for. No local state was changed.
type RemoteRequestError struct {
	Op   string // "create", "update" or "delete"
	Kind Kind
	ID   string
	Err  error
}

func (e *RemoteRequestError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %s %s: %v", ErrRemoteRequest, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s %s %s: %v", ErrRemoteRequest, e.Op, e.Kind, e.ID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *RemoteRequestError) Unwrap() error {
	return e.Err
}

// Is matches ErrRemoteRequest in addition to the wrapped cause.
func (e *RemoteRequestError) Is(target error) bool {
	return target == ErrRemoteRequest
}

// SubscriptionError reports a live query that failed or was dropped. The
// record store keeps its last-known-good contents for the kind.
type SubscriptionError struct {
	Kind Kind
	Err  error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrSubscription, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// Is matches ErrSubscription in addition to the wrapped cause.
func (e *SubscriptionError) Is(target error) bool {
	return target == ErrSubscription
}
