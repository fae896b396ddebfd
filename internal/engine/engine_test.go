package engine

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rte/internal/config"
	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/exchange"
	"firestige.xyz/rte/internal/rtcalc"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Write(r Result) error {
	args := m.Called(r)
	return args.Error(0)
}

type collector struct {
	results []Result
}

func (c *collector) Write(r Result) error {
	c.results = append(c.results, r)
	return nil
}

func (c *collector) exchanges() []Result {
	var out []Result
	for _, r := range c.results {
		if r.Kind == KindExchange {
			out = append(out, r)
		}
	}
	return out
}

var t0 = time.Unix(1700000000, 0)

func udpConn() core.ConnID {
	return core.ConnID{
		Transport:   core.TransportUDP,
		ClientIP:    netip.MustParseAddr("172.16.0.5"),
		ClientPort:  33000,
		ServiceIP:   netip.MustParseAddr("172.16.0.53"),
		ServicePort: 53,
	}
}

func tcpConn() core.ConnID {
	c := udpConn()
	c.Transport = core.TransportTCP
	c.ServicePort = 80
	return c
}

func prefs(mut func(p *config.Preferences)) *config.Preferences {
	p := config.DefaultPreferences()
	p.Unit = core.UnitMicroseconds
	if mut != nil {
		mut(p)
	}
	return p
}

func udp(dir core.Direction, us int, n int) core.Segment {
	return core.Segment{
		Conn:       udpConn(),
		Direction:  dir,
		Timestamp:  t0.Add(time.Duration(us) * time.Microsecond),
		PayloadLen: n,
		Complete:   true,
	}
}

func tcp(dir core.Direction, us int, seq, ack uint32, n int, psh bool) core.Segment {
	return core.Segment{
		Conn:       tcpConn(),
		Direction:  dir,
		Timestamp:  t0.Add(time.Duration(us) * time.Microsecond),
		Seq:        seq,
		Ack:        ack,
		HasSeq:     true,
		HasAck:     true,
		PayloadLen: n,
		Complete:   psh,
	}
}

func feed(t *testing.T, e *Engine, segs ...core.Segment) {
	t.Helper()
	for _, s := range segs {
		require.NoError(t, e.HandleSegment(s))
	}
}

func TestFIFOPairing(t *testing.T) {
	sink := &collector{}
	e := New(prefs(nil), sink)
	feed(t, e,
		udp(core.DirectionRequest, 0, 40),
		udp(core.DirectionRequest, 1000, 40),
		udp(core.DirectionResponse, 2000, 120),
		udp(core.DirectionResponse, 3000, 120),
	)

	exs := sink.exchanges()
	require.Len(t, exs, 2)
	assert.Equal(t, t0, exs[0].Exchange.ReqFirst)
	assert.Equal(t, 2000.0, exs[0].Metrics.ResponseTime)
	assert.Equal(t, t0.Add(time.Millisecond), exs[1].Exchange.ReqFirst)
	assert.Equal(t, 2000.0, exs[1].Metrics.ResponseTime)
	for _, r := range exs {
		assert.Equal(t, rtcalc.StatusComplete, r.Metrics.Status)
		assert.NotEmpty(t, r.Summary)
	}
}

func TestTCPReassembly(t *testing.T) {
	sink := &collector{}
	e := New(prefs(func(p *config.Preferences) { p.Unit = core.UnitMilliseconds }), sink)
	feed(t, e,
		tcp(core.DirectionRequest, 0, 100, 900, 0, false), // SYN-ish, no payload
		tcp(core.DirectionRequest, 100, 101, 901, 1460, false),
		tcp(core.DirectionRequest, 200, 1561, 901, 500, true),
		tcp(core.DirectionResponse, 1200, 901, 2061, 0, false), // bare ack
		tcp(core.DirectionResponse, 1700, 901, 2061, 1460, false),
		tcp(core.DirectionResponse, 1700, 901, 2061, 1460, false), // retransmission
		tcp(core.DirectionResponse, 2700, 2361, 2061, 300, true),
	)

	exs := sink.exchanges()
	require.Len(t, exs, 1)
	ex := exs[0].Exchange
	assert.Equal(t, exchange.StateComplete, ex.State)
	assert.Equal(t, 2, ex.ReqSegments)
	assert.Equal(t, 2, ex.RspSegments)
	assert.Equal(t, 1960, ex.ReqBytes)

	m := exs[0].Metrics
	assert.InDelta(t, 2.5, m.ResponseTime, 1e-9)  // last req 0.2ms -> last rsp 2.7ms
	assert.InDelta(t, 1.5, m.ServiceTime, 1e-9)   // 0.2ms -> 1.7ms
	assert.InDelta(t, 1.0, m.ResponseSpread, 1e-9)

	st := e.Stats()
	assert.Equal(t, uint64(1), st.Completed)
	assert.Equal(t, uint64(1), st.Duplicates)
	assert.Equal(t, uint64(1), st.Conversations)
}

func TestSupersedingRequest(t *testing.T) {
	sink := &collector{}
	e := New(prefs(nil), sink)
	r1 := udp(core.DirectionRequest, 0, 300)
	r1.CorrelationID = "call-1/1 INVITE"
	r2 := r1
	r2.Timestamp = t0.Add(500 * time.Millisecond)
	rsp := udp(core.DirectionResponse, 600000, 400)
	rsp.CorrelationID = r1.CorrelationID

	feed(t, e, r1, r2, rsp)
	exs := sink.exchanges()
	require.Len(t, exs, 2)
	assert.Equal(t, exchange.StateOrphaned, exs[0].Exchange.State)
	assert.Equal(t, exchange.ReasonSuperseded, exs[0].Exchange.Reason)
	assert.Equal(t, rtcalc.StatusNoResponse, exs[0].Metrics.Status)
	assert.Equal(t, exchange.StateComplete, exs[1].Exchange.State)
	assert.Equal(t, 100000.0, exs[1].Metrics.ResponseTime)
}

func TestOrphanKeepAlive(t *testing.T) {
	ka := tcp(core.DirectionResponse, 0, 5000, 100, 0, false)

	tests := []struct {
		name      string
		discard   bool
		unmatched int
	}{
		{"discard", true, 0},
		{"report", false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &collector{}
			e := New(prefs(func(p *config.Preferences) { p.OrphanKADiscard = tt.discard }), sink)
			feed(t, e, ka)
			assert.Len(t, sink.results, tt.unmatched)
			st := e.Stats()
			assert.Equal(t, uint64(tt.unmatched), st.Unmatched)
			assert.Equal(t, uint64(1-tt.unmatched), st.Discarded)
		})
	}
}

func flagged(s core.Segment, set func(s *core.Segment)) core.Segment {
	set(&s)
	return s
}

func TestHandshakeAndTeardownProduceNoUnmatched(t *testing.T) {
	syn := func(s *core.Segment) { s.Syn = true }
	fin := func(s *core.Segment) { s.Fin = true }
	closing := func(s *core.Segment) { s.Closing = true }

	for _, reassembly := range []bool{true, false} {
		sink := &collector{}
		e := New(prefs(func(p *config.Preferences) {
			p.OrphanKADiscard = false
			p.Reassembly = reassembly
		}), sink)
		feed(t, e,
			flagged(tcp(core.DirectionRequest, 0, 1000, 0, 0, false), syn),
			flagged(tcp(core.DirectionResponse, 100, 5000, 1001, 0, false), syn),
			tcp(core.DirectionRequest, 200, 1001, 5001, 0, false),
			tcp(core.DirectionRequest, 300, 1001, 5001, 50, true),
			tcp(core.DirectionResponse, 900, 5001, 1051, 80, true),
			tcp(core.DirectionRequest, 1000, 1051, 5081, 0, false),
			flagged(tcp(core.DirectionResponse, 2000, 5081, 1051, 0, false), fin),
			flagged(tcp(core.DirectionRequest, 2100, 1051, 5082, 0, false), closing),
			flagged(tcp(core.DirectionRequest, 2200, 1051, 5082, 0, false), fin),
			flagged(tcp(core.DirectionResponse, 2300, 5082, 1052, 0, false), closing),
		)

		st := e.Stats()
		assert.Zero(t, st.Unmatched, "reassembly=%v", reassembly)
		assert.Zero(t, st.Discarded, "reassembly=%v", reassembly)
		assert.Equal(t, uint64(1), st.Completed)
		require.Len(t, sink.results, 1)
		assert.Equal(t, KindExchange, sink.results[0].Kind)
	}
}

func TestKeepAliveBeforeFirstRequest(t *testing.T) {
	for _, reassembly := range []bool{true, false} {
		sink := &collector{}
		e := New(prefs(func(p *config.Preferences) { p.Reassembly = reassembly }), sink)
		synSeg := tcp(core.DirectionRequest, 0, 1000, 0, 0, false)
		synSeg.Syn = true
		feed(t, e,
			synSeg,
			tcp(core.DirectionRequest, 60_000_000, 1000, 5001, 1, false),
			tcp(core.DirectionRequest, 120_000_000, 1001, 5001, 100, true),
			tcp(core.DirectionResponse, 120_000_500, 5001, 1101, 40, true),
		)

		exs := sink.exchanges()
		require.Len(t, exs, 1, "reassembly=%v", reassembly)
		ex := exs[0].Exchange
		assert.Equal(t, t0.Add(120*time.Second), ex.ReqFirst)
		assert.Equal(t, 100, ex.ReqBytes)
		assert.Equal(t, 1, ex.ReqSegments)
		assert.InDelta(t, 500.0, exs[0].Metrics.ResponseTime, 1e-9)
		assert.Equal(t, uint64(1), e.Stats().Duplicates)
	}
}

func TestPayloadNeverDiscarded(t *testing.T) {
	sink := &collector{}
	e := New(prefs(func(p *config.Preferences) { p.OrphanKADiscard = true }), sink)
	feed(t, e, udp(core.DirectionResponse, 0, 1))
	require.Len(t, sink.results, 1)
	assert.Equal(t, KindUnmatched, sink.results[0].Kind)
	assert.Equal(t, 1, sink.results[0].Message.PayloadLen)
}

func TestFinalizeEmitsExactlyOneOrphan(t *testing.T) {
	sink := &collector{}
	e := New(prefs(nil), sink)
	other := udp(core.DirectionRequest, 10, 20)
	other.Conn.ClientPort++
	partial := tcp(core.DirectionRequest, 20, 1, 1, 100, false) // buffered, never completed

	feed(t, e, udp(core.DirectionRequest, 0, 20), other, partial,
		udp(core.DirectionResponse, 30, 20))
	require.Len(t, sink.exchanges(), 1)

	require.NoError(t, e.Finalize())
	exs := sink.exchanges()
	require.Len(t, exs, 3)

	perConn := map[core.ConnID]int{}
	for _, r := range exs[1:] {
		assert.Equal(t, exchange.StateOrphaned, r.Exchange.State)
		perConn[r.Conn]++
	}
	assert.Equal(t, 1, perConn[other.Conn])
	assert.Equal(t, 1, perConn[tcpConn()])
	assert.Equal(t, exchange.ReasonTruncated, exs[1].Exchange.Reason)
	assert.Equal(t, exchange.ReasonFinalize, exs[2].Exchange.Reason)

	require.NoError(t, e.Finalize())
	assert.Len(t, sink.exchanges(), 3, "second finalize emits nothing")
	assert.ErrorIs(t, e.HandleSegment(udp(core.DirectionRequest, 99, 1)), core.ErrEngineFinalized)
	assert.ErrorIs(t, e.CloseConversation(udpConn()), core.ErrEngineFinalized)
	assert.Zero(t, e.Stats().Active)
}

func TestCloseConversation(t *testing.T) {
	sink := &collector{}
	e := New(prefs(nil), sink)
	feed(t, e,
		tcp(core.DirectionRequest, 0, 1, 1, 10, true),
		tcp(core.DirectionResponse, 5, 1, 11, 10, false),
	)
	require.NoError(t, e.CloseConversation(tcpConn()))

	exs := sink.exchanges()
	require.Len(t, exs, 1)
	assert.Equal(t, exchange.StateOrphaned, exs[0].Exchange.State)
	assert.Equal(t, exchange.ReasonTruncated, exs[0].Exchange.Reason)
	assert.Equal(t, uint64(1), e.Stats().Truncated)
	assert.Zero(t, e.Stats().Active)
}

func TestReplayIsIdempotent(t *testing.T) {
	segs := []core.Segment{
		udp(core.DirectionRequest, 0, 40),
		udp(core.DirectionResponse, 700, 80),
		tcp(core.DirectionRequest, 100, 1, 1, 50, true),
		tcp(core.DirectionRequest, 200, 51, 1, 50, true),
		tcp(core.DirectionResponse, 900, 1, 101, 70, true),
		udp(core.DirectionRequest, 1000, 40),
	}
	run := func() []rtcalc.Metrics {
		sink := &collector{}
		e := New(prefs(nil), sink)
		feed(t, e, segs...)
		require.NoError(t, e.Finalize())
		var out []rtcalc.Metrics
		for _, r := range sink.exchanges() {
			out = append(out, r.Metrics)
		}
		return out
	}
	first := run()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, run())
}

func TestDurationsNeverNegative(t *testing.T) {
	sink := &collector{}
	e := New(prefs(func(p *config.Preferences) {
		p.Reassembly = false
		p.Selection = config.EventSelection{FirstRequest: false, FirstResponse: true}
	}), sink)
	// capture clock steps backwards between request and response
	feed(t, e,
		udp(core.DirectionRequest, 5000, 10),
		udp(core.DirectionResponse, 1000, 10),
	)
	require.NoError(t, e.Finalize())

	for _, r := range sink.exchanges() {
		m := r.Metrics
		assert.GreaterOrEqual(t, m.RequestTime, 0.0)
		assert.GreaterOrEqual(t, m.ResponseTime, 0.0)
		assert.GreaterOrEqual(t, m.ServiceTime, 0.0)
		assert.GreaterOrEqual(t, m.ResponseSpread, 0.0)
		assert.True(t, m.Suspect)
		assert.Equal(t, rtcalc.StatusSuspect, m.Status)
	}
	assert.Equal(t, uint64(1), e.Stats().Suspect)
}

func TestSinkErrorsAreCounted(t *testing.T) {
	sink := &mockSink{}
	sink.On("Write", mock.MatchedBy(func(r Result) bool { return r.Kind == KindUnmatched })).
		Return(errors.New("broker down")).Once()

	e := New(prefs(nil), sink)
	require.NoError(t, e.HandleSegment(udp(core.DirectionResponse, 0, 5)))
	assert.Equal(t, uint64(1), e.Stats().SinkErrors)
	sink.AssertExpectations(t)
}

type countingTracer struct {
	n int
}

func (c *countingTracer) Transition(core.ConnID, *exchange.Exchange, exchange.State, exchange.State, string) {
	c.n++
}

func TestTracerOnlyWithDebug(t *testing.T) {
	segs := []core.Segment{udp(core.DirectionRequest, 0, 1), udp(core.DirectionResponse, 1, 1)}

	quiet := &countingTracer{}
	a := &collector{}
	feed(t, New(prefs(nil), a, WithTracer(quiet)), segs...)
	assert.Zero(t, quiet.n)

	loud := &countingTracer{}
	b := &collector{}
	feed(t, New(prefs(func(p *config.Preferences) { p.Debug = true }), b, WithTracer(loud), WithShard(3)), segs...)
	assert.Equal(t, 4, loud.n)

	require.Len(t, b.results, 1)
	assert.Equal(t, 3, b.results[0].Shard)
	assert.Equal(t, a.results[0].Metrics, b.results[0].Metrics, "tracing never changes results")
}
