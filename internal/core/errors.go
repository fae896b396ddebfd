// Package core defines sentinel errors.
package core

import "errors"

var (
	// Configuration errors
	ErrConfigInvalid   = errors.New("rte: invalid configuration")
	ErrInvalidPort     = errors.New("rte: invalid service port entry")
	ErrInvalidPosition = errors.New("rte: invalid capture position")
	ErrInvalidUnit     = errors.New("rte: invalid time multiplier")

	// Packet decoding errors
	ErrPacketTooShort   = errors.New("rte: packet too short")
	ErrUnsupportedProto = errors.New("rte: unsupported protocol")
	ErrNotService       = errors.New("rte: not a service conversation")

	// Sink errors
	ErrSinkNotFound = errors.New("rte: sink not found")
	ErrSinkClosed   = errors.New("rte: sink closed")

	// Engine errors
	ErrEngineFinalized = errors.New("rte: engine already finalized")
)
