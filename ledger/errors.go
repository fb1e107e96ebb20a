package ledger

import "errors"

// Kind is a stable category for programmatic error handling.
//
// Callers branch on Kind (or errors.Is against the sentinels below) rather
// than matching error strings.
type Kind string

const (
	// KindFatal stops the fold: the feed broke its ordering contract.
	KindFatal Kind = "Fatal"
	// KindRecoverable is logged and skipped; the fold continues.
	KindRecoverable Kind = "Recoverable"
	// KindCaller is a synchronous rejection of a read request.
	KindCaller Kind = "Caller"
)

var (
	ErrOutOfOrderStatement = errors.New("ledger: out-of-order statement")
	ErrDuplicateStatement  = errors.New("ledger: statement already applied")
	ErrMalformedStatement  = errors.New("ledger: malformed statement")
	ErrDuplicateIssue      = errors.New("ledger: duplicate issue")
	ErrInvalidRedeem       = errors.New("ledger: invalid redeem")
	ErrNotFound            = errors.New("ledger: receipt not found")
	ErrCheckpoint          = errors.New("ledger: invalid checkpoint")
)

// Error is the ledger's structured error type.
//
// RuleID names the violated rule (e.g. LEDGER-ORDER-001). Position is the
// feed position of the statement involved, when there is one.
type Error struct {
	Kind     Kind
	RuleID   string
	Position uint64
	Message  string

	sentinel error
	Cause    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
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

func newError(kind Kind, ruleID string, sentinel error, pos uint64, msg string) error {
	return &Error{Kind: kind, RuleID: ruleID, Position: pos, Message: msg, sentinel: sentinel}
}

func wrapError(kind Kind, ruleID string, sentinel error, pos uint64, msg string, cause error) error {
	return &Error{Kind: kind, RuleID: ruleID, Position: pos, Message: msg, sentinel: sentinel, Cause: cause}
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// IsFatal reports whether err must stop the fold.
func IsFatal(err error) bool { return IsKind(err, KindFatal) }

// RuleID returns the stable RuleID for a structured error, or "" if unknown.
func RuleID(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.RuleID
}
