// Package reassembly joins transport segments into logical application messages.
package reassembly

import (
	"sort"

	"firestige.xyz/rte/internal/core"
)

// streamKey identifies one sending endpoint of one conversation.
type streamKey struct {
	conn core.ConnID
	dir  core.Direction
}

// stream holds per-direction state: the retransmission mark and the
// messages being accumulated, one per correlation identifier.
type stream struct {
	order   uint64 // creation order, keeps flush output deterministic
	hw      core.HighWater
	pending map[string]*core.Message
}

// Stats counts what the coordinator did with the segments it saw.
type Stats struct {
	Segments   uint64 // payload segments accepted
	Duplicates uint64 // segments dropped as retransmissions
	Joined     uint64 // segments merged into an already buffered message
	Emitted    uint64 // logical messages produced
	Truncated  uint64 // partial messages flushed on close/finalize
}

// Coordinator buffers segments of in-flight messages when reassembly is
// enabled and passes them straight through otherwise. It is not safe for
// concurrent use; one coordinator serves one engine shard.
type Coordinator struct {
	enabled   bool
	streams   map[streamKey]*stream
	nextOrder uint64
	stats     Stats
}

// NewCoordinator creates a coordinator. With enabled=false every segment is
// emitted as its own message carrying the decoder's completeness flag.
func NewCoordinator(enabled bool) *Coordinator {
	return &Coordinator{
		enabled: enabled,
		streams: make(map[streamKey]*stream),
	}
}

// Enabled reports whether segments are buffered.
func (c *Coordinator) Enabled() bool {
	return c.enabled
}

// Add processes one segment and returns the messages that became ready,
// usually zero or one.
func (c *Coordinator) Add(seg core.Segment) []core.Message {
	if c.enabled && seg.Syn && seg.HasSeq {
		c.stream(seg.Conn, seg.Sender()).hw.Advance(seg.Seq, 1)
	}
	// Zero-payload segments carry no message bytes; the correlator and the
	// keep-alive filter still need to see them.
	if seg.PayloadLen <= 0 {
		return []core.Message{core.MessageFromSegment(seg)}
	}

	if !c.enabled {
		c.stats.Segments++
		c.stats.Emitted++
		return []core.Message{core.MessageFromSegment(seg)}
	}

	st := c.stream(seg.Conn, seg.Sender())
	if seg.HasSeq {
		if st.hw.Covered(seg.Seq, seg.PayloadLen) {
			c.stats.Duplicates++
			return nil
		}
		st.hw.Advance(seg.Seq, seg.PayloadLen)
	}
	c.stats.Segments++

	msg, ok := st.pending[seg.CorrelationID]
	if !ok {
		m := core.MessageFromSegment(seg)
		msg = &m
		st.pending[seg.CorrelationID] = msg
	} else {
		join(msg, seg)
		c.stats.Joined++
	}

	if !seg.Complete {
		return nil
	}
	delete(st.pending, seg.CorrelationID)
	msg.Complete = true
	c.stats.Emitted++
	return []core.Message{*msg}
}

// join merges seg into an accumulating message.
func join(msg *core.Message, seg core.Segment) {
	if seg.Timestamp.After(msg.LastSeen) {
		msg.LastSeen = seg.Timestamp
	}
	if seg.Timestamp.Before(msg.FirstSeen) {
		msg.FirstSeen = seg.Timestamp
	}
	if seg.HasSeq && msg.HasSeq && core.SeqLess(seg.Seq, msg.Seq) {
		msg.Seq = seg.Seq
	}
	if seg.HasAck {
		msg.Ack = seg.Ack
		msg.HasAck = true
	}
	msg.PayloadLen += seg.PayloadLen
	msg.Segments++
	if msg.Label == "" {
		msg.Label = seg.Label
	}
}

func (c *Coordinator) stream(conn core.ConnID, dir core.Direction) *stream {
	k := streamKey{conn: conn, dir: dir}
	st, ok := c.streams[k]
	if !ok {
		st = &stream{order: c.nextOrder, pending: make(map[string]*core.Message)}
		c.nextOrder++
		c.streams[k] = st
	}
	return st
}

// Close flushes partial messages of one conversation as truncated and drops
// its state. Request-direction messages come first.
func (c *Coordinator) Close(conn core.ConnID) []core.Message {
	var out []core.Message
	for _, dir := range []core.Direction{core.DirectionRequest, core.DirectionResponse} {
		k := streamKey{conn: conn, dir: dir}
		if st, ok := c.streams[k]; ok {
			out = append(out, c.truncate(st)...)
			delete(c.streams, k)
		}
	}
	return out
}

// Flush is Close for every conversation, in the order streams were created.
func (c *Coordinator) Flush() []core.Message {
	keys := make([]streamKey, 0, len(c.streams))
	for k := range c.streams {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.streams[keys[i]].order < c.streams[keys[j]].order
	})

	var out []core.Message
	for _, k := range keys {
		out = append(out, c.truncate(c.streams[k])...)
		delete(c.streams, k)
	}
	return out
}

func (c *Coordinator) truncate(st *stream) []core.Message {
	if len(st.pending) == 0 {
		return nil
	}
	ids := make([]string, 0, len(st.pending))
	for id := range st.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]core.Message, 0, len(ids))
	for _, id := range ids {
		m := *st.pending[id]
		m.Complete = false
		m.Truncated = true
		out = append(out, m)
		c.stats.Truncated++
	}
	st.pending = make(map[string]*core.Message)
	return out
}

// Pending returns the number of partially buffered messages.
func (c *Coordinator) Pending() int {
	n := 0
	for _, st := range c.streams {
		n += len(st.pending)
	}
	return n
}

// Stats returns a copy of the counters.
func (c *Coordinator) Stats() Stats {
	return c.stats
}
