//go:build linux

// Package afpacket captures live traffic from a network interface through a
// TPACKET_V3 memory-mapped ring.
package afpacket

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/rte/internal/source"
)

var _ source.PacketSource = (*Source)(nil)

// Config sizes the capture ring.
type Config struct {
	Device       string
	SnapLen      int
	BufferSizeMB int
	PollTimeout  time.Duration
	FanoutID     uint16 // >0 joins a fanout group so several readers share the interface
}

func DefaultConfig() Config {
	return Config{
		SnapLen:      65535,
		BufferSizeMB: 64,
		PollTimeout:  100 * time.Millisecond,
	}
}

// Source reads packets from one interface. Not safe for concurrent use.
type Source struct {
	handle *afpacket.TPacket
	device string
	count  uint64
	closed bool
}

// Open binds a ring to cfg.Device.
func Open(cfg Config) (*Source, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("capture interface is required")
	}
	ring, err := computeRing(cfg.BufferSizeMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, err
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Device),
		afpacket.OptFrameSize(ring.frameSize),
		afpacket.OptBlockSize(ring.blockSize),
		afpacket.OptNumBlocks(ring.numBlocks),
		afpacket.OptPollTimeout(cfg.PollTimeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Device, err)
	}

	if cfg.FanoutID > 0 {
		if err := tp.SetFanout(afpacket.FanoutHashWithDefrag, cfg.FanoutID); err != nil {
			tp.Close()
			return nil, fmt.Errorf("failed to join fanout group %d: %w", cfg.FanoutID, err)
		}
	}
	return &Source{handle: tp, device: cfg.Device}, nil
}

// ReadPacket returns source.ErrTimeout when the poll interval passed
// without traffic.
func (s *Source) ReadPacket() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := s.handle.ReadPacketData()
	if err != nil {
		if errors.Is(err, afpacket.ErrTimeout) {
			return nil, ci, source.ErrTimeout
		}
		return nil, ci, err
	}
	s.count++
	return data, ci, nil
}

func (s *Source) LinkType() layers.LinkType {
	return layers.LinkTypeEthernet
}

func (s *Source) Count() uint64 {
	return s.count
}

func (s *Source) Device() string {
	return s.device
}

func (s *Source) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.handle.Close()
	return nil
}
