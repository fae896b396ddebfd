package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rte/internal/config"
	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/decoder"
	"firestige.xyz/rte/internal/sink"
	"firestige.xyz/rte/internal/sink/console"
)

var (
	clientIP = net.IP{192, 168, 1, 10}
	serverIP = net.IP{192, 168, 1, 20}
	t0       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type frame struct {
	at   time.Duration
	data []byte
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func ipv4(src, dst net.IP, proto layers.IPProtocol) (*layers.Ethernet, *layers.IPv4) {
	return &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		},
		&layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: proto, SrcIP: src, DstIP: dst}
}

func tcpData(t *testing.T, fromClient bool, seq, ack uint32, payload string) []byte {
	src, dst := clientIP, serverIP
	sport, dport := layers.TCPPort(52000), layers.TCPPort(80)
	if !fromClient {
		src, dst, sport, dport = dst, src, dport, sport
	}
	eth, ip := ipv4(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: sport, DstPort: dport, Seq: seq, Ack: ack, ACK: true, PSH: true, Window: 65535}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, tcp, gopacket.Payload(payload))
}

func udpData(t *testing.T, sport, dport layers.UDPPort, payload string) []byte {
	eth, ip := ipv4(clientIP, serverIP, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: sport, DstPort: dport}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, udp, gopacket.Payload(payload))
}

func writeCapture(t *testing.T, frames []frame) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for _, fr := range frames {
		ci := gopacket.CaptureInfo{Timestamp: t0.Add(fr.at), CaptureLength: len(fr.data), Length: len(fr.data)}
		require.NoError(t, w.WritePacket(ci, fr.data))
	}
	return path
}

func sampleCapture(t *testing.T) string {
	const req = "GET / HTTP/1.1\r\n\r\n"
	return writeCapture(t, []frame{
		{0, tcpData(t, true, 1000, 5000, req)},
		{2 * time.Millisecond, tcpData(t, false, 5000, 1000+uint32(len(req)), "HTTP/1.1 200 OK\r\n\r\n")},
		{3 * time.Millisecond, udpData(t, 33000, 53, "query")},
		{4 * time.Millisecond, udpData(t, 40000, 9999, "noise")},
	})
}

func decodeRecords(t *testing.T, buf *bytes.Buffer) []sink.Record {
	t.Helper()
	var recs []sink.Record
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var r sink.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		recs = append(recs, r)
	}
	return recs
}

func TestRunAnalyze(t *testing.T) {
	var buf bytes.Buffer
	out, err := console.New(console.Config{Format: console.FormatJSON}, &buf)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.TimeMultiplier = 1000
	report, err := runAnalyze(context.Background(), cfg, sampleCapture(t), []sink.Sink{out})
	require.NoError(t, err)

	assert.EqualValues(t, 4, report.Packets)
	assert.EqualValues(t, 2, report.Decoder.TCP)
	assert.EqualValues(t, 2, report.Decoder.UDP)
	assert.EqualValues(t, 1, report.Decoder.NotService)
	assert.EqualValues(t, 2, report.Engine.Conversations)
	assert.EqualValues(t, 1, report.Engine.Completed)
	assert.EqualValues(t, 1, report.Engine.Orphaned)
	assert.False(t, report.Canceled)

	recs := decodeRecords(t, &buf)
	require.Len(t, recs, 2)

	assert.Equal(t, "tcp", recs[0].Transport)
	assert.Equal(t, "complete", recs[0].Status)
	assert.Equal(t, "ms", recs[0].Unit)
	assert.InDelta(t, 2.0, recs[0].RspTime, 1e-9)
	assert.Equal(t, "192.168.1.20:80", recs[0].Service)

	assert.Equal(t, "udp", recs[1].Transport)
	assert.Equal(t, "no_response", recs[1].Status)
	assert.Equal(t, "finalize", recs[1].Reason)
}

func TestRunAnalyzeCanceled(t *testing.T) {
	var buf bytes.Buffer
	out, err := console.New(console.Config{}, &buf)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := runAnalyze(ctx, config.Default(), sampleCapture(t), []sink.Sink{out})
	require.NoError(t, err)
	assert.True(t, report.Canceled)
	assert.Zero(t, report.Packets)
	assert.Empty(t, buf.String())
}

func TestRunAnalyzeMissingFile(t *testing.T) {
	_, err := runAnalyze(context.Background(), config.Default(), filepath.Join(t.TempDir(), "none.pcap"), nil)
	assert.Error(t, err)
}

func TestDecodeReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{core.ErrNotService, "not_service"},
		{decoder.ErrClosedFlow, "closed_flow"},
		{decoder.ErrSIPAck, "sip_ack"},
		{fmt.Errorf("%w: ip fragment", core.ErrUnsupportedProto), "unsupported"},
		{errors.New("truncated frame"), "malformed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, decodeReason(tt.err), tt.err.Error())
	}
}

func TestOverrideConsoleFormat(t *testing.T) {
	cfg := config.Default()
	overrideConsoleFormat(cfg, "csv")
	require.Len(t, cfg.Sinks, 1)
	assert.Equal(t, "csv", cfg.Sinks[0].Options["format"])

	cfg.Sinks = []config.SinkConfig{{Type: "kafka"}}
	overrideConsoleFormat(cfg, "json")
	require.Len(t, cfg.Sinks, 2)
	assert.Equal(t, "console", cfg.Sinks[1].Type)
}

func TestBuildSinks(t *testing.T) {
	sinks, err := buildSinks([]config.SinkConfig{{Type: "console", Options: map[string]any{"format": "csv"}}})
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	assert.Equal(t, "console", sinks[0].Name())

	_, err = buildSinks([]config.SinkConfig{{Type: "console"}, {Type: "carrier-pigeon"}})
	assert.Error(t, err)
}

func TestRunValidate(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runValidate("", &buf))
	assert.Contains(t, buf.String(), "# VALID: 1 sink(s)")
	assert.Contains(t, buf.String(), "capture_position: 1")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rte:\n  time_multiplier: 7\n"), 0o644))
	assert.Error(t, runValidate(path, &buf))
}
