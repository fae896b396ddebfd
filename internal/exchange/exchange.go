// Package exchange pairs request and response messages of one conversation
// into exchanges and drives each exchange through its lifecycle.
package exchange

import (
	"fmt"
	"time"
)

// State is the lifecycle position of an exchange.
type State uint8

const (
	StateAwaitingRequest State = iota
	StateRequestInProgress
	StateAwaitingResponse
	StateResponseInProgress
	StateComplete
	StateOrphaned
)

func (s State) String() string {
	switch s {
	case StateAwaitingRequest:
		return "AWAITING_REQUEST"
	case StateRequestInProgress:
		return "REQUEST_IN_PROGRESS"
	case StateAwaitingResponse:
		return "AWAITING_RESPONSE"
	case StateResponseInProgress:
		return "RESPONSE_IN_PROGRESS"
	case StateComplete:
		return "COMPLETE"
	case StateOrphaned:
		return "ORPHANED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// IsTerminated reports whether no further transition is possible.
func (s State) IsTerminated() bool {
	return s == StateComplete || s == StateOrphaned
}

// Reason explains why an exchange was orphaned.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonTeardown   Reason = "teardown"
	ReasonSuperseded Reason = "superseded"
	ReasonTruncated  Reason = "truncated"
	ReasonFinalize   Reason = "finalize"
)

// KeyKind is the evidence a matching key was derived from.
type KeyKind uint8

const (
	KeyOrder       KeyKind = iota // per-conversation FIFO counter
	KeySequence                   // end of the request in stream sequence space
	KeyCorrelation                // application correlation identifier
)

// Key is the matching key of an exchange.
type Key struct {
	Kind    KeyKind
	ID      string
	Seq     uint32
	Ordinal uint64
}

func (k Key) String() string {
	switch k.Kind {
	case KeyCorrelation:
		return "id:" + k.ID
	case KeySequence:
		return fmt.Sprintf("seq:%d", k.Seq)
	default:
		return fmt.Sprintf("#%d", k.Ordinal)
	}
}

// same reports whether two keys would match the same response.
func (k Key) same(o Key) bool {
	if k.Kind != o.Kind {
		return false
	}
	switch k.Kind {
	case KeyCorrelation:
		return k.ID == o.ID
	case KeySequence:
		return k.Seq == o.Seq
	default:
		return k.Ordinal == o.Ordinal
	}
}

// Exchange is one request/response pair.
type Exchange struct {
	Ordinal uint64 // creation order within the conversation
	Key     Key
	State   State

	ReqFirst time.Time
	ReqLast  time.Time
	RspFirst time.Time
	RspLast  time.Time

	ReqSegments int
	RspSegments int
	ReqBytes    int
	RspBytes    int

	ReqLabel string
	RspLabel string

	Reason        Reason
	Suspect       bool
	SuspectReason string
}

// HasResponse reports whether any response bytes were attributed.
func (e *Exchange) HasResponse() bool {
	return !e.RspFirst.IsZero()
}

func (e *Exchange) markSuspect(why string) {
	if !e.Suspect {
		e.Suspect = true
		e.SuspectReason = why
	}
}

// stamp extends a [first, last] window with one message span. Neither end
// ever moves backwards in a way that breaks first <= last; a span that
// starts before the recorded first timestamp is a regression.
func (e *Exchange) stamp(first, last *time.Time, from, to time.Time) {
	if first.IsZero() {
		*first = from
		*last = to
		return
	}
	if from.Before(*first) {
		e.markSuspect("timestamp regression")
	}
	if to.After(*last) {
		*last = to
	}
}
