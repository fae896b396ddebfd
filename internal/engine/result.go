package engine

import (
	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/exchange"
	"firestige.xyz/rte/internal/rtcalc"
)

// Kind distinguishes result records.
type Kind string

const (
	KindExchange  Kind = "exchange"  // COMPLETE or ORPHANED exchange with metrics
	KindUnmatched Kind = "unmatched" // response that no exchange was waiting for
)

// Result is one record for the presentation layer. Exchange is set for
// KindExchange, Message for KindUnmatched. Results are read-only.
type Result struct {
	Kind     Kind
	Shard    int
	Conn     core.ConnID
	Role     core.Role
	Exchange *exchange.Exchange
	Metrics  rtcalc.Metrics
	Summary  string
	Message  core.Message
}

// Sink receives results in emission order. Write errors are counted and
// logged; they never stop processing.
type Sink interface {
	Write(r Result) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(r Result) error

func (f SinkFunc) Write(r Result) error {
	return f(r)
}

// Stats are per-engine counters.
type Stats struct {
	Segments      uint64 `json:"segments"`
	Messages      uint64 `json:"messages"`
	Conversations uint64 `json:"conversations"`
	Active        int    `json:"active"`
	Completed     uint64 `json:"completed"`
	Orphaned      uint64 `json:"orphaned"`
	Suspect       uint64 `json:"suspect"`
	Unmatched     uint64 `json:"unmatched"`
	Discarded     uint64 `json:"keepalives_discarded"`
	Duplicates    uint64 `json:"retransmissions"`
	Ignored       uint64 `json:"ignored"`
	Truncated     uint64 `json:"truncated"`
	SinkErrors    uint64 `json:"sink_errors"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Segments += o.Segments
	s.Messages += o.Messages
	s.Conversations += o.Conversations
	s.Active += o.Active
	s.Completed += o.Completed
	s.Orphaned += o.Orphaned
	s.Suspect += o.Suspect
	s.Unmatched += o.Unmatched
	s.Discarded += o.Discarded
	s.Duplicates += o.Duplicates
	s.Ignored += o.Ignored
	s.Truncated += o.Truncated
	s.SinkErrors += o.SinkErrors
}
