// Package taskerr defines the failure taxonomy of an orchestrated task session.
//
// Every failure surfaced by the market, activity, monitor and messaging
// packages is wrapped in an *Error carrying a Kind, so callers can decide
// between "fatal, nothing to destroy", "fatal, destroy first" and
// "log and keep tearing down" with errors.Is.
package taskerr

import (
	"errors"
	"fmt"
)

// Kind classifies a session failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindPublish
	KindNegotiationTimeout
	KindNegotiation
	KindActivityCreation
	KindLaunch
	KindStream
	KindDestroy
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindPublish:            "publish",
	KindNegotiationTimeout: "negotiation timeout",
	KindNegotiation:        "negotiation",
	KindActivityCreation:   "activity creation",
	KindLaunch:             "launch",
	KindStream:             "stream",
	KindDestroy:            "destroy",
	KindCancelled:          "cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is. Each matches any *Error of the same Kind.
var (
	ErrPublish            = &Error{Kind: KindPublish}
	ErrNegotiationTimeout = &Error{Kind: KindNegotiationTimeout}
	ErrNegotiation        = &Error{Kind: KindNegotiation}
	ErrActivityCreation   = &Error{Kind: KindActivityCreation}
	ErrLaunch             = &Error{Kind: KindLaunch}
	ErrStream             = &Error{Kind: KindStream}
	ErrDestroy            = &Error{Kind: KindDestroy}
	ErrCancelled          = &Error{Kind: KindCancelled}
)

// Error is a classified session failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with a kind and the operation that failed.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Fatal reports whether a failure of this kind ends the session before any
// teardown beyond destroy is attempted. Stream and destroy failures are
// logged and degrade gracefully instead.
func (k Kind) Fatal() bool {
	switch k {
	case KindStream, KindDestroy:
		return false
	}
	return true
}
