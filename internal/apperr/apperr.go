// Package apperr defines the business error taxonomy and its mapping to
// transport status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	Unknown Kind = iota
	Validation
	NotFound
	SessionConflict
	SessionOp
	QuotaExceeded
	Orchestrator
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case SessionConflict:
		return "session_conflict"
	case SessionOp:
		return "session_op"
	case QuotaExceeded:
		return "quota_exceeded"
	case Orchestrator:
		return "orchestrator"
	default:
		return "unknown"
	}
}

// Mapping is the response contract for one Kind.
type Mapping struct {
	Status  int
	Code    int
	Message string
}

var mappings = map[Kind]Mapping{
	Validation:      {Status: http.StatusBadRequest, Code: 1400, Message: "validation error"},
	NotFound:        {Status: http.StatusConflict, Code: 1404, Message: "session not found"},
	SessionConflict: {Status: http.StatusConflict, Code: 1409, Message: "session conflict"},
	SessionOp:       {Status: http.StatusConflict, Code: 1409, Message: "session operational error"},
	Orchestrator:    {Status: http.StatusConflict, Code: 1409, Message: "appsvc exception"},
	QuotaExceeded:   {Status: http.StatusTooManyRequests, Code: 1429, Message: "sessions quota limit exceeded for user"},
	Unknown:         {Status: http.StatusInternalServerError, Code: 1500, Message: "unknown error"},
}

func MappingFor(k Kind) Mapping {
	if m, ok := mappings[k]; ok {
		return m
	}
	return mappings[Unknown]
}

// Error is a classified business error. Message may be a string or a
// structured value such as per-field validation messages.
type Error struct {
	Kind    Kind
	Message any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == nil {
		msg = MappingFor(e.Kind).Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// PublicMessage is the message safe to return to callers.
func (e *Error) PublicMessage() any {
	if e.Kind == Unknown || e.Message == nil {
		return MappingFor(e.Kind).Message
	}
	return e.Message
}

func New(k Kind, message any) *Error {
	return &Error{Kind: k, Message: message}
}

func Wrap(k Kind, message any, err error) *Error {
	return &Error{Kind: k, Message: message, Err: err}
}

func Newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
