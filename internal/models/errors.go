package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can map them to a response.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindPolicy
	KindIntegrity
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPolicy:
		return "policy"
	case KindIntegrity:
		return "integrity"
	default:
		return "internal"
	}
}

// Error is a coded domain error. Sentinels are compared with errors.Is.
type Error struct {
	Kind ErrorKind
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

var (
	ErrNotFound               = &Error{KindNotFound, "not_found", "not found"}
	ErrForbidden              = &Error{KindPolicy, "forbidden", "actor not allowed for this operation"}
	ErrNoCandidates           = &Error{KindValidation, "no_candidates", "no freelancers available within radius"}
	ErrNotCandidate           = &Error{KindPolicy, "not_candidate", "freelancer is not a candidate for this request"}
	ErrNoPrice                = &Error{KindValidation, "no_price", "no bid or base price to accept"}
	ErrRequestAlreadyResolved = &Error{KindConflict, "request_already_resolved", "request already resolved"}
	ErrInvalidTransition      = &Error{KindConflict, "invalid_transition", "invalid state transition"}
	ErrInvalidStartCode       = &Error{KindConflict, "invalid_start_code", "invalid start code"}
	ErrInvalidCompletionCode  = &Error{KindConflict, "invalid_completion_code", "invalid completion code"}
	ErrCodeAlreadyIssued      = &Error{KindConflict, "code_already_issued", "code already issued"}
	ErrCodeNotAvailable       = &Error{KindPolicy, "code_not_available", "code not available in current state"}
	ErrAlreadyRated           = &Error{KindConflict, "already_rated", "booking already rated"}
	ErrPaymentNotAuthorized   = &Error{KindPolicy, "payment_not_authorized", "payment not authorized"}
	ErrCancellationNotAllowed = &Error{KindPolicy, "cancellation_not_allowed", "cancellation not allowed"}
	ErrInsufficientBalance    = &Error{KindPolicy, "insufficient_balance", "insufficient balance"}
	ErrNegativeBalance        = &Error{KindIntegrity, "negative_balance", "computed balance is negative"}
	ErrDuplicateSettlement    = &Error{KindIntegrity, "duplicate_settlement", "conflicting settlement credit for booking"}
	ErrStaleWrite             = &Error{KindConflict, "stale_write", "entity changed concurrently"}
)

// Invalid builds a validation error.
func Invalid(format string, args ...any) error {
	return &Error{Kind: KindValidation, Code: "validation", Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the classification of err, KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the machine readable code of err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
