// Package ddperr defines the flat error taxonomy shared across the
// session, collection, live-query and bridging layers.
package ddperr

import (
	"errors"
	"fmt"
)

// Kind categorizes an Error. There is no hierarchy between kinds: every
// public operation that can fail reports exactly one.
type Kind string

const (
	TransportError        Kind = "TRANSPORT_ERROR"
	ProtocolError          Kind = "PROTOCOL_ERROR"
	InvalidCollectionName  Kind = "INVALID_COLLECTION_NAME"
	InvalidID              Kind = "INVALID_ID"
	QueryEngineError       Kind = "QUERY_ENGINE_ERROR"
	NotReady               Kind = "NOT_READY"
	SubscriptionFailed     Kind = "SUBSCRIPTION_FAILED"
	MethodFailed           Kind = "METHOD_FAILED"
)

// Error is the concrete error type the ddp, collection and ddpcollection
// packages return for the kinds above (config, and the store's file
// errors, use plain fmt errors). Code carries the query engine's numeric code when the
// underlying failure originated there; it is nil otherwise.
type Error struct {
	Kind    Kind
	Message string
	Code    *int
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Code != nil && e.Err != nil:
		return fmt.Sprintf("%s: %s (code %d): %v", e.Kind, e.Message, *e.Code, e.Err)
	case e.Code != nil:
		return fmt.Sprintf("%s: %s (code %d)", e.Kind, e.Message, *e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap allows errors.Is/errors.As to reach the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates a bare Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind that wraps an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithCode creates an Error carrying the query engine's numeric code.
func WithCode(kind Kind, message string, code int) *Error {
	return &Error{Kind: kind, Message: message, Code: &code}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
