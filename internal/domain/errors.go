package domain

import (
	"context"
	"errors"
	"fmt"
)

// FetchClass is the typed category of a fetch failure.
type FetchClass string

const (
	FetchTimeout             FetchClass = "NETWORK_TIMEOUT"
	FetchConnection          FetchClass = "CONNECTION_ERROR"
	FetchHTTP5xx             FetchClass = "HTTP_5XX"
	FetchRateLimited         FetchClass = "RATE_LIMITED"
	FetchSizeExceeded        FetchClass = "RESPONSE_SIZE_EXCEEDED"
	FetchHTTP4xx             FetchClass = "HTTP_4XX"
	FetchContentTypeRejected FetchClass = "CONTENT_TYPE_REJECTED"
	FetchRedirectBlocked     FetchClass = "REDIRECT_BLOCKED"
	FetchInvalidURL          FetchClass = "INVALID_URL"
)

// Retryable reports whether the fetch layer may try again.
func (c FetchClass) Retryable() bool {
	switch c {
	case FetchTimeout, FetchConnection, FetchHTTP5xx, FetchRateLimited:
		return true
	default:
		return false
	}
}

// Error classes that are not fetch failures.
const (
	ClassParse           = "PARSE_ERROR"
	ClassSchema          = "SCHEMA_ERROR"
	ClassStateTransition = "STATE_TRANSITION_ERROR"
	ClassCancelled       = "CANCELLED"
	ClassUnknownMethod   = "UNKNOWN_METHOD"
	ClassInternal        = "INTERNAL_ERROR"
)

// ErrUnknownMethod is returned when no collector is registered for a method.
var ErrUnknownMethod = errors.New("unknown collector method")

// FetchError is returned by the fetch layer for every failed request.
type FetchError struct {
	Class      FetchClass
	StatusCode int
	URL        string
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s (status %d, attempts %d)", e.URL, e.Class, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("fetch %s: %s (attempts %d)", e.URL, e.Class, e.Attempts)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ParseError reports malformed feed or HTML input.
type ParseError struct {
	Line   int
	Column int
	Err    error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at %d:%d: %v", e.Line, e.Column, e.Err)
	}
	return fmt.Sprintf("parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// SchemaError reports extracted data that violates the item contract.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error: %s: %s", e.Field, e.Reason)
}

// StateTransitionError is raised for any illegal state machine transition.
type StateTransitionError struct {
	Machine string
	From    string
	To      string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s", e.Machine, e.From, e.To)
}

// ErrorClass maps an error to the stable class string used in logs and storage.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return string(fetchErr.Class)
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return ClassParse
	}
	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		return ClassSchema
	}
	var transitionErr *StateTransitionError
	if errors.As(err, &transitionErr) {
		return ClassStateTransition
	}
	if errors.Is(err, ErrUnknownMethod) {
		return ClassUnknownMethod
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return string(FetchTimeout)
	}
	return ClassInternal
}
