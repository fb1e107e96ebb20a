package protocol

import (
	"errors"

	"bverify.dev/custody/model"
)

// Kind is a stable category for programmatic error handling.
type Kind string

const (
	// KindCaller is a synchronous rejection; nothing was sent or mutated.
	KindCaller Kind = "Caller"
	// KindTransport means the counterpart answered with a rejection.
	KindTransport Kind = "Transport"
	// KindTimeout means the proposal was abandoned without a commitment.
	KindTimeout Kind = "Timeout"
)

var (
	ErrUnknownAccount   = errors.New("protocol: unknown account")
	ErrNotFound         = errors.New("protocol: receipt not found")
	ErrInvalidState     = errors.New("protocol: invalid receipt state")
	ErrNotParty         = errors.New("protocol: not a party to the receipt")
	ErrInvalidArgument  = errors.New("protocol: invalid argument")
	ErrNotReady         = errors.New("protocol: ledger not rebuilt yet")
	ErrRejected         = errors.New("protocol: proposal rejected by counterpart")
	ErrProposalTimedOut = errors.New("protocol: proposal timed out")
)

// Error is the protocol engine's structured error type.
type Error struct {
	Kind       Kind
	RuleID     string
	ProposalID string
	Message    string

	sentinel error
	Cause    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if e.sentinel != nil {
		out = append(out, e.sentinel)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

func callerError(ruleID string, sentinel error, msg string) error {
	return &Error{Kind: KindCaller, RuleID: ruleID, Message: msg, sentinel: sentinel}
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// RuleID returns the stable RuleID for a structured error, or "" if unknown.
func RuleID(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.RuleID
}

// reasonFor maps a caller error to the rejection reason sent to a peer.
func reasonFor(err error) model.RejectReason {
	switch {
	case errors.Is(err, ErrUnknownAccount):
		return model.RejectUnknownAccount
	case errors.Is(err, ErrNotFound):
		return model.RejectNotFound
	case errors.Is(err, ErrNotParty):
		return model.RejectNotParty
	case errors.Is(err, ErrInvalidArgument):
		return model.RejectMalformed
	default:
		return model.RejectInvalidState
	}
}
