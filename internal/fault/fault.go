// Package fault classifies driver errors so that callers can decide between
// retrying, reconciling against ledger state, and giving up.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind is the class of a driver error.
type Kind uint8

const (
	// Unknown errors have not been classified yet.
	Unknown Kind = iota
	// Transient errors are network or RPC failures worth retrying.
	Transient
	// RaceLoss means another agent already performed the action.
	RaceLoss
	// ProtocolViolation means the action is invalid for the current state.
	ProtocolViolation
	// Resource means the credential cannot pay for the action.
	Resource
	// Fatal errors stop the driver.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RaceLoss:
		return "race_loss"
	case ProtocolViolation:
		return "protocol_violation"
	case Resource:
		return "resource"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a fresh message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the outermost classification in err's chain, falling back
// to Classify for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Classify(err)
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// transient is implemented by transport errors that know they can be retried.
type transient interface {
	Transient() bool
}

// Classify infers a kind for an unclassified error. Ledger reverts stay
// Unknown: only reconciliation against ledger state can tell a lost race
// from a genuine failure.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var t transient
	if errors.As(err, &t) && t.Transient() {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}
	return Unknown
}

// Report is one entry for the structured error sink.
type Report struct {
	Kind    Kind
	Time    time.Time
	Err     error
	Context map[string]string
}

// NewReport builds a report for err, classifying it.
func NewReport(err error, ctx map[string]string) Report {
	return Report{Kind: KindOf(err), Time: time.Now(), Err: err, Context: ctx}
}
