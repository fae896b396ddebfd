// Package conversation owns the per-connection state of a capture run.
package conversation

import (
	"time"

	"firestige.xyz/rte/internal/config"
	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/exchange"
	"firestige.xyz/rte/internal/keepalive"
)

// Conversation is one underlying connection and the exchanges seen on it.
type Conversation struct {
	ID         core.ConnID
	Role       core.Role
	Reassembly bool
	FirstSeen  time.Time
	LastSeen   time.Time

	correlator *exchange.Correlator
	closed     []*exchange.Exchange
	history    int
}

// Transport returns the transport kind of the connection.
func (c *Conversation) Transport() core.Transport {
	return c.ID.Transport
}

// Open returns the open exchanges, oldest first.
func (c *Conversation) Open() []*exchange.Exchange {
	return c.correlator.Open()
}

// Closed returns the most recent closed exchanges, oldest first.
func (c *Conversation) Closed() []*exchange.Exchange {
	return c.closed
}

func (c *Conversation) archive(out []exchange.Outcome) {
	if c.history == 0 {
		return
	}
	for _, o := range out {
		if o.Kind != exchange.OutcomeClosed {
			continue
		}
		c.closed = append(c.closed, o.Exchange)
		if len(c.closed) > c.history {
			c.closed = append(c.closed[:0], c.closed[len(c.closed)-c.history:]...)
		}
	}
}

// Event is an outcome attributed to the conversation that produced it.
type Event struct {
	Conn core.ConnID
	Role core.Role
	exchange.Outcome
}

// Tracker maps connection identities to conversations. Conversations live
// in an arena of slots; the index points into it and freed slots are
// reused. A Tracker is not safe for concurrent use.
type Tracker struct {
	role       core.Role
	reassembly bool
	history    int
	filter     *keepalive.Filter
	tracer     exchange.Tracer

	slots []*Conversation
	free  []int
	index map[core.ConnID]int

	created uint64
}

// NewTracker creates a tracker from the run preferences. tracer may be nil.
func NewTracker(prefs *config.Preferences, tracer exchange.Tracer) *Tracker {
	return &Tracker{
		role:       prefs.Role,
		reassembly: prefs.Reassembly,
		history:    prefs.ClosedHistory,
		filter:     keepalive.New(prefs.OrphanKADiscard),
		tracer:     tracer,
		index:      make(map[core.ConnID]int),
	}
}

// Lookup returns the live conversation for id.
func (t *Tracker) Lookup(id core.ConnID) (*Conversation, bool) {
	i, ok := t.index[id]
	if !ok {
		return nil, false
	}
	return t.slots[i], true
}

// Dispatch routes a message to its conversation, creating the conversation
// on first sight.
func (t *Tracker) Dispatch(m core.Message) []Event {
	conv := t.getOrCreate(m.Conn, m.FirstSeen)
	if m.LastSeen.After(conv.LastSeen) {
		conv.LastSeen = m.LastSeen
	}
	out := conv.correlator.Handle(m)
	conv.archive(out)
	return t.events(conv, out)
}

// Close orphans the open exchanges of a torn down connection and evicts it.
// Closing an unknown connection is a no-op.
func (t *Tracker) Close(id core.ConnID) []Event {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	return t.evict(i, exchange.ReasonTeardown)
}

// Finalize ends the run: every open exchange is orphaned exactly once and
// every conversation is evicted.
func (t *Tracker) Finalize() []Event {
	var out []Event
	for i, conv := range t.slots {
		if conv == nil {
			continue
		}
		out = append(out, t.evict(i, exchange.ReasonFinalize)...)
	}
	return out
}

// Len returns the number of live conversations.
func (t *Tracker) Len() int {
	return len(t.index)
}

// Created returns how many conversations were ever created.
func (t *Tracker) Created() uint64 {
	return t.created
}

func (t *Tracker) getOrCreate(id core.ConnID, ts time.Time) *Conversation {
	if i, ok := t.index[id]; ok {
		return t.slots[i]
	}
	conv := &Conversation{
		ID:         id,
		Role:       t.role,
		Reassembly: t.reassembly,
		FirstSeen:  ts,
		LastSeen:   ts,
		correlator: exchange.NewCorrelator(id, t.filter, t.tracer),
		history:    t.history,
	}

	var i int
	if n := len(t.free); n > 0 {
		i = t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[i] = conv
	} else {
		i = len(t.slots)
		t.slots = append(t.slots, conv)
	}
	t.index[id] = i
	t.created++
	return conv
}

func (t *Tracker) evict(i int, reason exchange.Reason) []Event {
	conv := t.slots[i]
	out := conv.correlator.Close(reason)
	conv.archive(out)

	t.slots[i] = nil
	t.free = append(t.free, i)
	delete(t.index, conv.ID)
	return t.events(conv, out)
}

func (t *Tracker) events(conv *Conversation, out []exchange.Outcome) []Event {
	if len(out) == 0 {
		return nil
	}
	evs := make([]Event, len(out))
	for i, o := range out {
		evs[i] = Event{Conn: conv.ID, Role: conv.Role, Outcome: o}
	}
	return evs
}
