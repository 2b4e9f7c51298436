// Package apperror is the error taxonomy shared by every pipeline component.
package apperror

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindConflict
	KindGateway
	KindInvariant
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindGateway:
		return "gateway"
	case KindInvariant:
		return "invariant_violation"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error carries a Kind, the operation that failed and a message safe to show
// to the customer for validation and gateway failures.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind so callers can write errors.Is(err, apperror.Conflict).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Retryable reports whether the caller may repeat the operation unchanged.
func (e *Error) Retryable() bool {
	return e.Kind == KindGateway || e.Kind == KindConflict
}

// Kind sentinels for errors.Is.
var (
	Validation = &Error{Kind: KindValidation}
	Conflict   = &Error{Kind: KindConflict}
	Gateway    = &Error{Kind: KindGateway}
	Invariant  = &Error{Kind: KindInvariant}
	NotFound   = &Error{Kind: KindNotFound}
)

func NewValidation(op, message string) error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

func NewConflict(op, message string, err error) error {
	return &Error{Kind: KindConflict, Op: op, Message: message, Err: err}
}

func NewGateway(op string, err error) error {
	return &Error{Kind: KindGateway, Op: op, Message: "payment gateway unavailable", Err: err}
}

func NewInvariant(op, message string) error {
	return &Error{Kind: KindInvariant, Op: op, Message: message}
}

func NewNotFound(op string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or zero.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// PublicMessage is the text shown to an end user for err. Conflict and
// invariant details are never exposed.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "Something went wrong, please try again."
	}
	switch e.Kind {
	case KindValidation:
		return e.Message
	case KindGateway:
		return "The payment provider is unavailable. Please retry checkout in a few minutes or contact support."
	case KindNotFound:
		return "Not found."
	default:
		return "Something went wrong, please try again."
	}
}
