// Package apperrors defines the error taxonomy shared by every webhook processing stage
// and the fixed table that maps it onto HTTP responses.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a processing failure
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidSignature
	KindIntegrationNotFound
	KindMalformedPayload
	KindUnrecognizedEventShape
	KindUnprocessableEvent
	KindDuplicateEvent
	KindStaleTransition
	KindEffectDispatchFailure
)

var kindNames = map[Kind]string{
	KindInternal:               "internal",
	KindInvalidSignature:       "invalid_signature",
	KindIntegrationNotFound:    "integration_not_found",
	KindMalformedPayload:       "malformed_payload",
	KindUnrecognizedEventShape: "unrecognized_event_shape",
	KindUnprocessableEvent:     "unprocessable_event",
	KindDuplicateEvent:         "duplicate_event",
	KindStaleTransition:        "stale_transition",
	KindEffectDispatchFailure:  "effect_dispatch_failure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// statusTable is the only place error kinds become HTTP statuses.
// Duplicate, stale and unrecognized events are acknowledged so providers stop redelivering.
var statusTable = map[Kind]int{
	KindMalformedPayload:       http.StatusBadRequest,
	KindInvalidSignature:       http.StatusUnauthorized,
	KindIntegrationNotFound:    http.StatusNotFound,
	KindUnprocessableEvent:     http.StatusUnprocessableEntity,
	KindDuplicateEvent:         http.StatusOK,
	KindStaleTransition:        http.StatusOK,
	KindUnrecognizedEventShape: http.StatusOK,
	KindEffectDispatchFailure:  http.StatusOK,
	KindInternal:               http.StatusInternalServerError,
}

// Error is a classified failure raised at a stage boundary
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds an Error; err may be nil
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the bare sentinels below by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is
var (
	ErrInvalidSignature       = &Error{Kind: KindInvalidSignature}
	ErrIntegrationNotFound    = &Error{Kind: KindIntegrationNotFound}
	ErrMalformedPayload       = &Error{Kind: KindMalformedPayload}
	ErrUnrecognizedEventShape = &Error{Kind: KindUnrecognizedEventShape}
	ErrUnprocessableEvent     = &Error{Kind: KindUnprocessableEvent}
	ErrDuplicateEvent         = &Error{Kind: KindDuplicateEvent}
	ErrStaleTransition        = &Error{Kind: KindStaleTransition}
	ErrEffectDispatchFailure  = &Error{Kind: KindEffectDispatchFailure}
)

// KindOf returns the kind of the first classified error in err's chain,
// or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// HTTPStatus maps err onto the response a provider should receive
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if status, ok := statusTable[KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Acknowledged reports whether err still results in a 2xx response
func Acknowledged(err error) bool {
	return HTTPStatus(err) < http.StatusBadRequest
}
