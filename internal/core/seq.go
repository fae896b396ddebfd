package core

// Sequence comparisons use serial number arithmetic (RFC 1982) so that
// wraparound of the 32-bit space is handled.

// SeqLess reports a < b.
func SeqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// SeqLEQ reports a <= b.
func SeqLEQ(a, b uint32) bool {
	return a == b || SeqLess(a, b)
}

// HighWater tracks the highest sequence number seen in one direction of a
// stream. It is used to recognise retransmitted data.
type HighWater struct {
	next uint32
	set  bool
}

// Covered reports whether [seq, seq+n) lies entirely at or below the mark.
func (h *HighWater) Covered(seq uint32, n int) bool {
	if !h.set || n <= 0 {
		return false
	}
	return SeqLEQ(seq+uint32(n), h.next)
}

// Advance raises the mark to seq+n if that is beyond it.
func (h *HighWater) Advance(seq uint32, n int) {
	end := seq + uint32(n)
	if !h.set || SeqLess(h.next, end) {
		h.next = end
		h.set = true
	}
}

// Next returns the current mark and whether it has been set.
func (h *HighWater) Next() (uint32, bool) {
	return h.next, h.set
}
