// Package core defines core data structures with zero external dependencies.
package core

import "time"

// Segment is one classified transport segment handed over by the protocol
// decoder. The core never looks at payload bytes, only at their length.
type Segment struct {
	Conn      ConnID
	Direction Direction
	Timestamp time.Time

	// Reversed is set when application evidence gave the segment the
	// direction opposite to its port orientation, e.g. a request sent by
	// the service. Sequence numbers still belong to the sending endpoint.
	Reversed bool

	// Stream position of the first payload byte and the acknowledgement
	// carried by the segment (stream transports only).
	Seq    uint32
	Ack    uint32
	HasSeq bool
	HasAck bool

	PayloadLen int
	Complete   bool // decoder says the application message ends here

	// TCP control flags. Closing marks a segment seen after a FIN on its
	// connection, such as the final ACKs of the teardown.
	Syn     bool
	Fin     bool
	Rst     bool
	Closing bool

	CorrelationID string // optional application-level correlation evidence
	Label         string // decoder descriptor, e.g. "INVITE" or "SIP/2.0 200 OK"
}

// End returns the sequence number following the segment payload.
func (s *Segment) End() uint32 {
	return s.Seq + uint32(s.PayloadLen)
}

// Sender returns the port-oriented direction: DirectionRequest when the
// client endpoint sent the segment.
func (s *Segment) Sender() Direction {
	if s.Reversed {
		return s.Direction.Opposite()
	}
	return s.Direction
}

// Message is one logical application message: either a single segment
// (pass-through) or several segments joined by the reassembly coordinator.
type Message struct {
	Conn      ConnID
	Direction Direction
	Reversed  bool
	FirstSeen time.Time
	LastSeen  time.Time

	Seq    uint32
	Ack    uint32
	HasSeq bool
	HasAck bool

	PayloadLen int
	Segments   int
	Complete   bool
	Truncated  bool // emitted on close/finalize with an unfinished buffer

	Syn     bool
	Fin     bool
	Rst     bool
	Closing bool

	CorrelationID string
	Label         string
}

// Sender returns the port-oriented direction of the sending endpoint.
func (m *Message) Sender() Direction {
	if m.Reversed {
		return m.Direction.Opposite()
	}
	return m.Direction
}

// Control reports whether m is a connection handshake or teardown segment
// rather than application traffic.
func (m *Message) Control() bool {
	return m.PayloadLen == 0 && (m.Syn || m.Fin || m.Rst || m.Closing)
}

// End returns the sequence number following the message payload.
func (m *Message) End() uint32 {
	return m.Seq + uint32(m.PayloadLen)
}

// MessageFromSegment converts a single segment into a message.
func MessageFromSegment(s Segment) Message {
	segs := 0
	if s.PayloadLen > 0 {
		segs = 1
	}
	return Message{
		Conn:          s.Conn,
		Direction:     s.Direction,
		Reversed:      s.Reversed,
		FirstSeen:     s.Timestamp,
		LastSeen:      s.Timestamp,
		Seq:           s.Seq,
		Ack:           s.Ack,
		HasSeq:        s.HasSeq,
		HasAck:        s.HasAck,
		PayloadLen:    s.PayloadLen,
		Segments:      segs,
		Complete:      s.Complete,
		Syn:           s.Syn,
		Fin:           s.Fin,
		Rst:           s.Rst,
		Closing:       s.Closing,
		CorrelationID: s.CorrelationID,
		Label:         s.Label,
	}
}
