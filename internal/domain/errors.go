package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")

	// ErrBusy is returned synchronously when a flow is invoked while another
	// instance with the same guard key is in flight. It is the expected result
	// of a double-click, not a fault.
	ErrBusy = errors.New("operation already in flight")
)

// ErrorKind classifies why a flow reached its Failed state.
type ErrorKind string

const (
	KindValidationFailed      ErrorKind = "validation_failed"
	KindInsufficientBalance   ErrorKind = "insufficient_balance"
	KindInsufficientAllowance ErrorKind = "insufficient_allowance"
	KindUserRejected          ErrorKind = "user_rejected"
	KindReverted              ErrorKind = "reverted"
	KindConfirmationTimeout   ErrorKind = "confirmation_timeout"
	KindVerificationFailed    ErrorKind = "verification_failed"
	KindNetwork               ErrorKind = "network_error"
	KindAborted               ErrorKind = "aborted"
)

// Kind sentinels let callers use errors.Is against a *FlowError. The
// insufficient-* kinds also match ErrValidationFailed.
var (
	ErrValidationFailed      = &kindError{KindValidationFailed}
	ErrInsufficientBalance   = &kindError{KindInsufficientBalance}
	ErrInsufficientAllowance = &kindError{KindInsufficientAllowance}
	ErrUserRejected          = &kindError{KindUserRejected}
	ErrReverted              = &kindError{KindReverted}
	ErrConfirmationTimeout   = &kindError{KindConfirmationTimeout}
	ErrVerificationFailed    = &kindError{KindVerificationFailed}
	ErrNetwork               = &kindError{KindNetwork}
	ErrAborted               = &kindError{KindAborted}
)

type kindError struct{ kind ErrorKind }

func (e *kindError) Error() string { return string(e.kind) }

// IsValidation reports whether k is ValidationFailed or one of its subsets.
func (k ErrorKind) IsValidation() bool {
	switch k {
	case KindValidationFailed, KindInsufficientBalance, KindInsufficientAllowance:
		return true
	}
	return false
}

// FlowError is the error attached to a failed flow. Message carries the raw
// underlying text (for reverts, verbatim from the ledger) and Reason an
// optional decoded revert reason.
type FlowError struct {
	Kind    ErrorKind
	Op      string
	Message string
	Reason  string
	Err     error
}

// NewError builds a FlowError of the given kind.
func NewError(kind ErrorKind, op, message string, err error) *FlowError {
	return &FlowError{Kind: kind, Op: op, Message: message, Err: err}
}

// Validation is shorthand for a ValidationFailed FlowError.
func Validation(op, format string, args ...any) *FlowError {
	return &FlowError{Kind: KindValidationFailed, Op: op, Message: fmt.Sprintf(format, args...)}
}

func (e *FlowError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	out := string(e.Kind)
	if e.Op != "" {
		out = e.Op + ": " + out
	}
	if msg != "" {
		out += ": " + msg
	}
	if e.Reason != "" && e.Reason != msg {
		out += " (reason: " + e.Reason + ")"
	}
	return out
}

func (e *FlowError) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *FlowError) Is(target error) bool {
	ke, ok := target.(*kindError)
	if !ok {
		return false
	}
	if ke.kind == e.Kind {
		return true
	}
	return ke.kind == KindValidationFailed && e.Kind.IsValidation()
}

// KindOf extracts the ErrorKind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsNetwork reports whether err is a transient ledger/network failure.
func IsNetwork(err error) bool {
	return KindOf(err) == KindNetwork
}
