package exchange

import (
	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/keepalive"
)

// OutcomeKind classifies what a message did to the conversation.
type OutcomeKind uint8

const (
	OutcomeClosed    OutcomeKind = iota + 1 // exchange reached COMPLETE or ORPHANED
	OutcomeUnmatched                        // response with no open exchange to attach to
	OutcomeDiscarded                        // keep-alive dropped by the filter
	OutcomeDuplicate                        // retransmitted bytes ignored
	OutcomeIgnored                          // bare acknowledgement or window update
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeClosed:
		return "closed"
	case OutcomeUnmatched:
		return "unmatched"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Outcome is one observable effect of handling a message. Closed outcomes
// carry the exchange; all others carry the message.
type Outcome struct {
	Kind     OutcomeKind
	Exchange *Exchange
	Message  core.Message
}

// Tracer observes state transitions. Implementations must not retain the
// exchange pointer beyond the call.
type Tracer interface {
	Transition(conn core.ConnID, ex *Exchange, from, to State, why string)
}

// Correlator owns the open exchanges of one conversation.
type Correlator struct {
	conn   core.ConnID
	filter *keepalive.Filter
	tracer Tracer

	open        []*Exchange
	nextOrdinal uint64
	reqHW       core.HighWater
	rspHW       core.HighWater
}

// NewCorrelator creates the correlator of one conversation. tracer may be nil.
func NewCorrelator(conn core.ConnID, filter *keepalive.Filter, tracer Tracer) *Correlator {
	if filter == nil {
		filter = keepalive.New(false)
	}
	return &Correlator{conn: conn, filter: filter, tracer: tracer}
}

// Open returns the open exchanges, oldest first.
func (c *Correlator) Open() []*Exchange {
	return c.open
}

// Handle applies one logical message to the conversation.
func (c *Correlator) Handle(m core.Message) []Outcome {
	if m.Syn && m.HasSeq {
		// The SYN occupies one sequence number. Seeding the mark with it
		// makes keep-alive bytes at the initial sequence retransmissions.
		c.highWater(m).Advance(m.Seq, 1)
	}
	if m.Control() {
		return []Outcome{{Kind: OutcomeIgnored, Message: m}}
	}
	if m.Direction == core.DirectionResponse {
		return c.handleResponse(m)
	}
	return c.handleRequest(m)
}

// Close orphans every open exchange, oldest first.
func (c *Correlator) Close(reason Reason) []Outcome {
	out := make([]Outcome, 0, len(c.open))
	for len(c.open) > 0 {
		out = append(out, c.orphan(c.open[0], reason, "close"))
	}
	return out
}

func (c *Correlator) handleRequest(m core.Message) []Outcome {
	if m.PayloadLen <= 0 {
		return []Outcome{{Kind: OutcomeIgnored, Message: m}}
	}
	if c.retransmitted(c.highWater(m), m) {
		return []Outcome{{Kind: OutcomeDuplicate, Message: m}}
	}

	var out []Outcome
	ex := c.requestInProgress(m)
	if ex == nil {
		key := c.deriveKey(m)
		if prev := c.findOpen(key); prev != nil {
			out = append(out, c.orphan(prev, ReasonSuperseded, "same key"))
		}
		ex = &Exchange{Ordinal: c.nextOrdinal, Key: key, State: StateAwaitingRequest}
		c.nextOrdinal++
		c.open = append(c.open, ex)
		c.transition(ex, StateRequestInProgress, "request data")
	}

	ex.stamp(&ex.ReqFirst, &ex.ReqLast, m.FirstSeen, m.LastSeen)
	ex.ReqSegments += m.Segments
	ex.ReqBytes += m.PayloadLen
	if ex.ReqLabel == "" {
		ex.ReqLabel = m.Label
	}
	if ex.Key.Kind == KeySequence && core.SeqLess(ex.Key.Seq, m.End()) {
		ex.Key.Seq = m.End()
	}

	switch {
	case m.Truncated:
		out = append(out, c.orphan(ex, ReasonTruncated, "request truncated"))
	case m.Complete:
		c.transition(ex, StateAwaitingResponse, "request complete")
	}
	return out
}

func (c *Correlator) handleResponse(m core.Message) []Outcome {
	if m.PayloadLen <= 0 {
		if len(c.open) > 0 {
			return []Outcome{{Kind: OutcomeIgnored, Message: m}}
		}
		if c.filter.Check(m) == keepalive.VerdictDiscard {
			return []Outcome{{Kind: OutcomeDiscarded, Message: m}}
		}
		return []Outcome{{Kind: OutcomeUnmatched, Message: m}}
	}
	if c.retransmitted(c.highWater(m), m) {
		return []Outcome{{Kind: OutcomeDuplicate, Message: m}}
	}

	ex := c.responseInProgress(m)
	if ex == nil {
		ex = c.awaitingResponse(m)
		if ex == nil {
			return []Outcome{{Kind: OutcomeUnmatched, Message: m}}
		}
		c.transition(ex, StateResponseInProgress, "response data")
		if m.FirstSeen.Before(ex.ReqLast) {
			ex.markSuspect("response precedes request end")
		}
	}

	ex.stamp(&ex.RspFirst, &ex.RspLast, m.FirstSeen, m.LastSeen)
	ex.RspSegments += m.Segments
	ex.RspBytes += m.PayloadLen
	if ex.RspLabel == "" {
		ex.RspLabel = m.Label
	}

	switch {
	case m.Truncated:
		return []Outcome{c.orphan(ex, ReasonTruncated, "response truncated")}
	case m.Complete:
		c.transition(ex, StateComplete, "response complete")
		c.remove(ex)
		return []Outcome{{Kind: OutcomeClosed, Exchange: ex}}
	}
	return nil
}

// deriveKey picks the strongest evidence the message offers: an explicit
// correlation identifier, then stream sequence numbers, then arrival order.
func (c *Correlator) deriveKey(m core.Message) Key {
	if m.CorrelationID != "" {
		return Key{Kind: KeyCorrelation, ID: m.CorrelationID}
	}
	if c.conn.Transport.IsStream() && m.HasSeq {
		return Key{Kind: KeySequence, Seq: m.End()}
	}
	return Key{Kind: KeyOrder, Ordinal: c.nextOrdinal}
}

// highWater returns the retransmission mark of the endpoint that sent m.
func (c *Correlator) highWater(m core.Message) *core.HighWater {
	if m.Sender() == core.DirectionResponse {
		return &c.rspHW
	}
	return &c.reqHW
}

func (c *Correlator) retransmitted(hw *core.HighWater, m core.Message) bool {
	if !m.HasSeq {
		return false
	}
	if hw.Covered(m.Seq, m.PayloadLen) {
		return true
	}
	hw.Advance(m.Seq, m.PayloadLen)
	return false
}

// requestInProgress finds the exchange a continuation of m belongs to.
func (c *Correlator) requestInProgress(m core.Message) *Exchange {
	for _, ex := range c.open {
		if ex.State != StateRequestInProgress {
			continue
		}
		if m.CorrelationID != "" {
			if ex.Key.Kind == KeyCorrelation && ex.Key.ID == m.CorrelationID {
				return ex
			}
			continue
		}
		if ex.Key.Kind != KeyCorrelation {
			return ex
		}
	}
	return nil
}

func (c *Correlator) responseInProgress(m core.Message) *Exchange {
	for _, ex := range c.open {
		if ex.State != StateResponseInProgress {
			continue
		}
		if m.CorrelationID != "" {
			if ex.Key.Kind == KeyCorrelation && ex.Key.ID == m.CorrelationID {
				return ex
			}
			continue
		}
		if ex.Key.Kind != KeyCorrelation {
			return ex
		}
	}
	return nil
}

// awaitingResponse selects the exchange a new response starts. With a
// correlation identifier only the exchange carrying it qualifies. With an
// acknowledgement the response belongs to the oldest request it covers;
// a response covering none is unmatched. Otherwise the oldest waiting
// exchange wins.
func (c *Correlator) awaitingResponse(m core.Message) *Exchange {
	for _, ex := range c.open {
		if ex.State != StateAwaitingResponse {
			continue
		}
		if m.CorrelationID != "" {
			if ex.Key.Kind == KeyCorrelation && ex.Key.ID == m.CorrelationID {
				return ex
			}
			continue
		}
		switch ex.Key.Kind {
		case KeyCorrelation:
			continue
		case KeySequence:
			if m.HasAck && !core.SeqLEQ(ex.Key.Seq, m.Ack) {
				continue
			}
		}
		return ex
	}
	return nil
}

func (c *Correlator) findOpen(k Key) *Exchange {
	for _, ex := range c.open {
		if ex.Key.same(k) {
			return ex
		}
	}
	return nil
}

func (c *Correlator) orphan(ex *Exchange, reason Reason, why string) Outcome {
	ex.Reason = reason
	c.transition(ex, StateOrphaned, why)
	c.remove(ex)
	return Outcome{Kind: OutcomeClosed, Exchange: ex}
}

func (c *Correlator) remove(ex *Exchange) {
	for i, o := range c.open {
		if o == ex {
			c.open = append(c.open[:i], c.open[i+1:]...)
			return
		}
	}
}

func (c *Correlator) transition(ex *Exchange, to State, why string) {
	from := ex.State
	ex.State = to
	if c.tracer != nil {
		c.tracer.Transition(c.conn, ex, from, to, why)
	}
}
