// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
)

// Transport is the transport kind of a conversation.
type Transport uint8

const (
	TransportTCP Transport = 6  // stream-oriented
	TransportUDP Transport = 17 // datagram-oriented
)

// String returns the lower-case protocol name.
func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(t))
	}
}

// IsStream reports whether the transport carries sequence numbers.
func (t Transport) IsStream() bool {
	return t == TransportTCP
}

// Direction tells whether a segment travels toward the service or back to the client.
type Direction uint8

const (
	DirectionRequest Direction = iota + 1
	DirectionResponse
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionRequest:
		return DirectionResponse
	case DirectionResponse:
		return DirectionRequest
	default:
		return d
	}
}

func (d Direction) String() string {
	switch d {
	case DirectionRequest:
		return "request"
	case DirectionResponse:
		return "response"
	default:
		return "unknown"
	}
}

// ConnID identifies one underlying connection. It is always normalized so that
// the Client fields hold the non-service endpoint; both directions of the
// connection map to the same ConnID.
type ConnID struct {
	Transport   Transport
	ClientIP    netip.Addr
	ClientPort  uint16
	ServiceIP   netip.Addr
	ServicePort uint16
}

// String renders the identity as "tcp 10.0.0.1:51000->10.0.0.2:80".
func (c ConnID) String() string {
	return fmt.Sprintf("%s %s->%s", c.Transport,
		netip.AddrPortFrom(c.ClientIP, c.ClientPort),
		netip.AddrPortFrom(c.ServiceIP, c.ServicePort))
}
