// Package keepalive decides what happens to payload-less messages that no
// open exchange is waiting for.
package keepalive

import "firestige.xyz/rte/internal/core"

// Verdict is the filter decision for one orphan message.
type Verdict uint8

const (
	VerdictReport  Verdict = iota // record as an unmatched response
	VerdictDiscard                // transport keep-alive, drop silently
)

func (v Verdict) String() string {
	if v == VerdictDiscard {
		return "discard"
	}
	return "report"
}

// Filter applies the orphan keep-alive policy.
type Filter struct {
	discard bool
}

// New creates a filter; discard mirrors the orphan_ka_discard preference.
func New(discard bool) *Filter {
	return &Filter{discard: discard}
}

// IsKeepAlive reports whether m looks like a transport-level keep-alive:
// it carries no application payload and is not part of a TCP handshake or
// teardown. Retransmitted one-byte TCP keep-alive segments never get here; they
// are dropped as retransmissions earlier.
func IsKeepAlive(m core.Message) bool {
	return m.PayloadLen == 0 && !m.Truncated && !m.Control()
}

// Check returns the verdict for a message that matched no open exchange.
// A message with payload bytes is always reported, whatever the setting.
func (f *Filter) Check(m core.Message) Verdict {
	if f.discard && IsKeepAlive(m) {
		return VerdictDiscard
	}
	return VerdictReport
}
