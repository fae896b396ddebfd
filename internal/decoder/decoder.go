// Package decoder turns captured frames into classified core segments. It is
// the host-side collaborator of the correlation engine: it finds the
// transport header, decides which endpoint is the service and extracts
// the completeness and correlation evidence the engine consumes.
package decoder

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"firestige.xyz/rte/internal/config"
	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/svcport"
)

var (
	// ErrClosedFlow marks a late packet of a TCP connection already torn down.
	ErrClosedFlow = errors.New("rte: packet of closed flow")
	// ErrSIPAck marks a SIP ACK. It acknowledges a final response and is
	// never answered, so it opens no exchange.
	ErrSIPAck = errors.New("rte: sip ack")
)

// minHalfClosedTTL bounds how long a FIN waits for its peer, in line with
// the FIN_WAIT_2 timeout of common stacks.
const minHalfClosedTTL = time.Minute

// Event is one decoded segment. Close is set on RST, or on the FIN that
// completes the shutdown of both directions: the conversation ends after
// this segment has been processed.
type Event struct {
	Segment core.Segment
	Close   bool
}

// Stats counts decoder activity.
type Stats struct {
	Packets     uint64
	TCP         uint64
	UDP         uint64
	SIP         uint64
	SIPErrors   uint64
	SIPAcks     uint64
	NotService  uint64
	Unsupported uint64
	ClosedFlow  uint64
}

// Decoder is not safe for concurrent use.
type Decoder struct {
	ports    *svcport.Classifier
	sipPorts *svcport.Table
	sip      *sipParser

	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	sll     layers.LinuxSLL
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload
	decoded []gopacket.LayerType

	// tombstones maps a closed ConnID to the capture time it closed at.
	tombstones *cache.Cache
	ttl        time.Duration

	// halfClosed maps a ConnID to the direction that sent the first FIN.
	// Entries expire so flows that never finish their teardown do not pile up.
	halfClosed *cache.Cache

	stats Stats
}

// New creates a decoder for frames of the given link type.
func New(ports *svcport.Classifier, cfg config.DecoderConfig, link layers.LinkType, logger *logrus.Entry) (*Decoder, error) {
	sipPorts, err := cfg.SIPTable()
	if err != nil {
		return nil, fmt.Errorf("%w: decoder.sip_ports: %w", core.ErrConfigInvalid, err)
	}
	ttl, err := cfg.TTL()
	if err != nil {
		return nil, fmt.Errorf("%w: decoder.closed_flow_ttl: %w", core.ErrConfigInvalid, err)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	first, err := firstLayer(link)
	if err != nil {
		return nil, err
	}

	d := &Decoder{
		ports:      ports,
		sipPorts:   sipPorts,
		sip:        newSIPParser(logger.WithField("component", "sip")),
		tombstones: cache.New(ttl, 2*ttl),
		ttl:        ttl,
		halfClosed: cache.New(max(ttl, minHalfClosedTTL), 2*max(ttl, minHalfClosedTTL)),
	}
	d.parser = gopacket.NewDecodingLayerParser(
		first,
		&d.eth,
		&d.sll,
		&d.dot1q,
		&d.ip4,
		&d.ip6,
		&d.tcp,
		&d.udp,
		&d.payload,
	)
	d.parser.IgnoreUnsupported = true
	return d, nil
}

func firstLayer(link layers.LinkType) (gopacket.LayerType, error) {
	switch link {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet, nil
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL, nil
	case layers.LinkTypeIPv4:
		return layers.LayerTypeIPv4, nil
	case layers.LinkTypeIPv6:
		return layers.LayerTypeIPv6, nil
	case layers.LinkTypeRaw:
		// raw frames may be either version; IPv4 is by far the common case
		return layers.LayerTypeIPv4, nil
	default:
		return 0, fmt.Errorf("%w: link type %s", core.ErrUnsupportedProto, link)
	}
}

// Decode classifies one frame.
func (d *Decoder) Decode(data []byte, ci gopacket.CaptureInfo) (Event, error) {
	d.stats.Packets++
	d.decoded = d.decoded[:0]
	if err := d.parser.DecodeLayers(data, &d.decoded); err != nil {
		return Event{}, fmt.Errorf("%w: %w", core.ErrPacketTooShort, err)
	}

	var (
		src, dst   netip.Addr
		haveIP     bool
		transport  core.Transport
		haveTransp bool
	)
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			if d.ip4.Flags&layers.IPv4MoreFragments != 0 || d.ip4.FragOffset != 0 {
				d.stats.Unsupported++
				return Event{}, fmt.Errorf("%w: ip fragment", core.ErrUnsupportedProto)
			}
			src, dst, haveIP = addr(d.ip4.SrcIP), addr(d.ip4.DstIP), true
		case layers.LayerTypeIPv6:
			src, dst, haveIP = addr(d.ip6.SrcIP), addr(d.ip6.DstIP), true
		case layers.LayerTypeTCP:
			transport, haveTransp = core.TransportTCP, true
		case layers.LayerTypeUDP:
			transport, haveTransp = core.TransportUDP, true
		}
	}
	if !haveIP || !haveTransp {
		d.stats.Unsupported++
		return Event{}, core.ErrUnsupportedProto
	}

	if transport == core.TransportTCP {
		d.stats.TCP++
		return d.decodeTCP(src, dst, ci.Timestamp)
	}
	d.stats.UDP++
	return d.decodeUDP(src, dst, ci.Timestamp)
}

func (d *Decoder) decodeTCP(src, dst netip.Addr, ts time.Time) (Event, error) {
	tcp := &d.tcp
	seg, err := d.orient(core.TransportTCP, src, uint16(tcp.SrcPort), dst, uint16(tcp.DstPort))
	if err != nil {
		return Event{}, err
	}

	key := seg.Conn.String()
	if v, ok := d.tombstones.Get(key); ok {
		closedAt := v.(time.Time)
		if !tcp.SYN && ts.Sub(closedAt) < d.ttl {
			d.stats.ClosedFlow++
			return Event{}, ErrClosedFlow
		}
		d.tombstones.Delete(key)
	}

	seg.Timestamp = ts
	seg.Seq, seg.HasSeq = tcp.Seq, true
	seg.Ack, seg.HasAck = tcp.Ack, tcp.ACK
	seg.PayloadLen = len(tcp.Payload)
	seg.Complete = tcp.PSH
	seg.Syn, seg.Fin, seg.Rst = tcp.SYN, tcp.FIN, tcp.RST
	_, seg.Closing = d.halfClosed.Get(key)

	// closes runs before SIP annotation: FIN bookkeeping follows the
	// port-oriented direction.
	ev := Event{Segment: seg}
	if d.closes(key, seg.Direction, tcp) {
		ev.Close = true
		d.halfClosed.Delete(key)
		d.tombstones.Set(key, ts, cache.DefaultExpiration)
	}
	if seg.PayloadLen > 0 {
		if err := d.annotateSIP(&ev.Segment, tcp.Payload); err != nil {
			if !ev.Close {
				return Event{}, err
			}
			// keep the teardown, drop the ack itself
			ev.Segment.PayloadLen = 0
		}
	}
	return ev, nil
}

// closes tracks FIN per direction. A half-closed connection may still carry
// the response, so only RST or the second FIN ends it.
func (d *Decoder) closes(key string, dir core.Direction, tcp *layers.TCP) bool {
	if tcp.RST {
		return true
	}
	if !tcp.FIN {
		return false
	}
	if v, ok := d.halfClosed.Get(key); ok && v.(core.Direction) != dir {
		return true
	}
	d.halfClosed.Set(key, dir, cache.DefaultExpiration)
	return false
}

func (d *Decoder) decodeUDP(src, dst netip.Addr, ts time.Time) (Event, error) {
	udp := &d.udp
	seg, err := d.orient(core.TransportUDP, src, uint16(udp.SrcPort), dst, uint16(udp.DstPort))
	if err != nil {
		return Event{}, err
	}
	seg.Timestamp = ts
	seg.PayloadLen = len(udp.Payload)
	seg.Complete = true
	if seg.PayloadLen > 0 {
		if err := d.annotateSIP(&seg, udp.Payload); err != nil {
			return Event{}, err
		}
	}
	return Event{Segment: seg}, nil
}

// orient builds the normalized connection identity and the direction from
// service port classification. When both endpoints use the same service
// port the lower address is taken as the service.
func (d *Decoder) orient(tr core.Transport, src netip.Addr, sport uint16, dst netip.Addr, dport uint16) (core.Segment, error) {
	var seg core.Segment
	side := d.ports.Classify(tr, sport, dport)
	if side == svcport.SideTie {
		side = svcport.SideDst
		if src.Less(dst) {
			side = svcport.SideSrc
		}
	}
	switch side {
	case svcport.SideDst:
		seg.Direction = core.DirectionRequest
		seg.Conn = core.ConnID{Transport: tr, ClientIP: src, ClientPort: sport, ServiceIP: dst, ServicePort: dport}
	case svcport.SideSrc:
		seg.Direction = core.DirectionResponse
		seg.Conn = core.ConnID{Transport: tr, ClientIP: dst, ClientPort: dport, ServiceIP: src, ServicePort: sport}
	default:
		d.stats.NotService++
		return seg, core.ErrNotService
	}
	return seg, nil
}

// annotateSIP applies SIP evidence to seg. The message type decides the
// direction, since either endpoint of a dialog may send requests. The only
// error is ErrSIPAck.
func (d *Decoder) annotateSIP(seg *core.Segment, payload []byte) error {
	if !d.sipPorts.Contains(seg.Conn.ServicePort) {
		return nil
	}
	info, err := d.sip.parse(payload)
	if err != nil {
		// not a whole SIP message; fall back to transport evidence
		d.stats.SIPErrors++
		return nil
	}
	d.stats.SIP++
	if info.ack {
		d.stats.SIPAcks++
		return ErrSIPAck
	}

	dir := core.DirectionResponse
	if info.request {
		dir = core.DirectionRequest
	}
	if dir != seg.Direction {
		seg.Direction = dir
		seg.Reversed = true
	}
	seg.CorrelationID = info.correlationID
	seg.Label = info.label
	seg.Complete = info.final
	return nil
}

// Stats returns a copy of the counters.
func (d *Decoder) Stats() Stats {
	return d.stats
}

func addr(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}
