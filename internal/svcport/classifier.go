package svcport

import "firestige.xyz/rte/internal/core"

// Side tells which endpoint of a packet is the known service.
type Side uint8

const (
	SideNone Side = iota // neither port is a service port
	SideDst              // destination is the service: packet is request-direction
	SideSrc              // source is the service: packet is response-direction
	SideTie              // both ports are the same service port; addresses decide
)

// Classifier answers service-port questions against one table per transport.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	tcp *Table
	udp *Table
}

// NewClassifier wraps the two tables. Nil tables are treated as empty.
func NewClassifier(tcp, udp *Table) *Classifier {
	return &Classifier{tcp: tcp, udp: udp}
}

// IsService reports whether port is a known service on transport.
func (c *Classifier) IsService(transport core.Transport, port uint16) bool {
	switch transport {
	case core.TransportTCP:
		return c.tcp.Contains(port)
	case core.TransportUDP:
		return c.udp.Contains(port)
	default:
		return false
	}
}

// Classify decides which side of a src/dst port pair is the service. When
// both ports are service ports the lower port is the service, so both
// directions of a connection agree. Equal ports yield SideTie.
func (c *Classifier) Classify(transport core.Transport, srcPort, dstPort uint16) Side {
	src := c.IsService(transport, srcPort)
	dst := c.IsService(transport, dstPort)
	switch {
	case src && dst:
		switch {
		case srcPort < dstPort:
			return SideSrc
		case dstPort < srcPort:
			return SideDst
		default:
			return SideTie
		}
	case dst:
		return SideDst
	case src:
		return SideSrc
	default:
		return SideNone
	}
}

// TCP returns the TCP table.
func (c *Classifier) TCP() *Table { return c.tcp }

// UDP returns the UDP table.
func (c *Classifier) UDP() *Table { return c.udp }
