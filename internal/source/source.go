// Package source defines the packet sources the analyzer reads from.
package source

import (
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrTimeout is returned by live sources when no packet arrived within the
// poll interval. Callers retry.
var ErrTimeout = errors.New("rte: source read timeout")

// PacketSource yields captured frames in capture order. A finite source
// returns io.EOF after its last packet.
type PacketSource interface {
	ReadPacket() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
	Count() uint64
	Close() error
}
