// Package engine wires the correlation pipeline of one shard: reassembly,
// conversation tracking, correlation, timing and summaries.
package engine

import (
	"log/slog"
	"strconv"
	"sync"

	"firestige.xyz/rte/internal/config"
	"firestige.xyz/rte/internal/conversation"
	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/exchange"
	"firestige.xyz/rte/internal/metrics"
	"firestige.xyz/rte/internal/reassembly"
	"firestige.xyz/rte/internal/rtcalc"
	"firestige.xyz/rte/internal/summary"
)

// Option customises an Engine.
type Option func(*Engine)

// WithShard sets the shard index reported in results and metrics.
func WithShard(id int) Option {
	return func(e *Engine) {
		e.shard = id
		e.label = strconv.Itoa(id)
	}
}

// WithTracer installs the state-transition tracer. It is only used when
// the debug preference is on.
func WithTracer(t exchange.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// Engine processes the segments of the conversations assigned to it. All
// methods are safe to call from multiple goroutines, but segments of one
// conversation must arrive in capture order.
type Engine struct {
	shard  int
	label  string
	prefs  *config.Preferences
	tracer exchange.Tracer
	sink   Sink

	mu        sync.Mutex
	coord     *reassembly.Coordinator
	tracker   *conversation.Tracker
	calc      *rtcalc.Calculator
	summ      *summary.Summariser
	stats     Stats
	finalized bool
}

// New creates an engine. prefs is shared and never modified.
func New(prefs *config.Preferences, sink Sink, opts ...Option) *Engine {
	e := &Engine{
		label: "0",
		prefs: prefs,
		sink:  sink,
	}
	for _, opt := range opts {
		opt(e)
	}

	var tracer exchange.Tracer
	if prefs.Debug {
		tracer = e.tracer
	}
	e.coord = reassembly.NewCoordinator(prefs.Reassembly)
	e.tracker = conversation.NewTracker(prefs, tracer)
	e.calc = rtcalc.FromPreferences(prefs)
	e.summ = summary.New(prefs.Summary)
	return e
}

// HandleSegment feeds one classified segment.
func (e *Engine) HandleSegment(seg core.Segment) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return core.ErrEngineFinalized
	}

	e.stats.Segments++
	metrics.SegmentsTotal.WithLabelValues(e.label, seg.Direction.String()).Inc()
	for _, m := range e.coord.Add(seg) {
		e.dispatch(m)
	}
	e.updateGauge()
	return nil
}

// CloseConversation handles transport teardown of one connection: partial
// messages are flushed as truncated, then open exchanges are orphaned.
func (e *Engine) CloseConversation(id core.ConnID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return core.ErrEngineFinalized
	}

	for _, m := range e.coord.Close(id) {
		e.dispatch(m)
	}
	e.emit(e.tracker.Close(id))
	e.updateGauge()
	return nil
}

// Finalize ends the run. Every exchange still open is emitted exactly once
// as ORPHANED. Calling it again is a no-op.
func (e *Engine) Finalize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return nil
	}
	e.finalized = true

	for _, m := range e.coord.Flush() {
		e.dispatch(m)
	}
	e.emit(e.tracker.Finalize())
	e.updateGauge()
	slog.Debug("engine finalized", "shard", e.shard, "conversations", e.stats.Conversations,
		"completed", e.stats.Completed, "orphaned", e.stats.Orphaned)
	return nil
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Conversations = e.tracker.Created()
	s.Active = e.tracker.Len()
	s.Duplicates += e.coord.Stats().Duplicates
	return s
}

func (e *Engine) dispatch(m core.Message) {
	e.stats.Messages++
	if m.Truncated {
		e.stats.Truncated++
	}
	e.emit(e.tracker.Dispatch(m))
}

func (e *Engine) emit(evs []conversation.Event) {
	for _, ev := range evs {
		switch ev.Kind {
		case exchange.OutcomeClosed:
			e.emitExchange(ev)
		case exchange.OutcomeUnmatched:
			e.stats.Unmatched++
			e.anomaly("unmatched")
			e.write(Result{Kind: KindUnmatched, Shard: e.shard, Conn: ev.Conn, Role: ev.Role, Message: ev.Message})
		case exchange.OutcomeDiscarded:
			e.stats.Discarded++
			e.anomaly("keepalive")
		case exchange.OutcomeDuplicate:
			e.stats.Duplicates++
			e.anomaly("retransmission")
		case exchange.OutcomeIgnored:
			e.stats.Ignored++
		}
	}
}

func (e *Engine) emitExchange(ev conversation.Event) {
	ex := ev.Exchange
	m := e.calc.Compute(ex)

	switch ex.State {
	case exchange.StateComplete:
		e.stats.Completed++
		metrics.ResponseTimeSeconds.WithLabelValues(e.label).Observe(m.ResponseTime / float64(m.Unit))
	default:
		e.stats.Orphaned++
	}
	if m.Suspect {
		e.stats.Suspect++
		e.anomaly("suspect")
	}
	metrics.ExchangesTotal.WithLabelValues(e.label, ex.State.String(), string(ex.Reason)).Inc()

	r := Result{
		Kind:     KindExchange,
		Shard:    e.shard,
		Conn:     ev.Conn,
		Role:     ev.Role,
		Exchange: ex,
		Metrics:  m,
	}
	r.Summary = e.summ.Summarise(summary.Input{Conn: ev.Conn, Role: ev.Role, Exchange: ex, Metrics: m})
	e.write(r)
}

func (e *Engine) write(r Result) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Write(r); err != nil {
		e.stats.SinkErrors++
		slog.Warn("sink write failed", "shard", e.shard, "conn", r.Conn.String(), "error", err)
	}
}

func (e *Engine) anomaly(kind string) {
	metrics.AnomaliesTotal.WithLabelValues(e.label, kind).Inc()
}

func (e *Engine) updateGauge() {
	metrics.ActiveConversations.WithLabelValues(e.label).Set(float64(e.tracker.Len()))
}
