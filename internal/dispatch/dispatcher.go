// Package dispatch spreads conversations over engine shards. All segments
// of one conversation land on the same shard, which keeps them in capture
// order; different conversations are processed in parallel.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"

	"firestige.xyz/rte/internal/config"
	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/engine"
	"firestige.xyz/rte/internal/exchange"
)

// ErrClosed is returned by Submit and CloseConversation after Close.
var ErrClosed = errors.New("rte: dispatcher closed")

type event struct {
	seg   core.Segment
	close bool // conversation teardown for seg.Conn
}

type shard struct {
	id     int
	engine *engine.Engine
	queue  chan event
}

// Dispatcher owns N engines, each driven by its own goroutine.
type Dispatcher struct {
	shards []*shard
	nodes  map[string]int
	ring   *hashring.HashRing
	wg     sync.WaitGroup
	closed int32

	submitted uint64
}

// New starts workers shards. Results of all shards go to sink, which must be
// safe for concurrent use when workers > 1.
func New(prefs *config.Preferences, sink engine.Sink, workers, queueSize int, tracer exchange.Tracer) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	d := &Dispatcher{
		shards: make([]*shard, workers),
		nodes:  make(map[string]int, workers),
	}
	names := make([]string, workers)
	for i := 0; i < workers; i++ {
		names[i] = "shard-" + strconv.Itoa(i)
		d.nodes[names[i]] = i
		d.shards[i] = &shard{
			id:     i,
			engine: engine.New(prefs, sink, engine.WithShard(i), engine.WithTracer(tracer)),
			queue:  make(chan event, queueSize),
		}
	}
	d.ring = hashring.New(names)

	for _, s := range d.shards {
		d.wg.Add(1)
		go d.run(s)
	}
	return d
}

// Shard returns the shard index a conversation is pinned to.
func (d *Dispatcher) Shard(id core.ConnID) int {
	if len(d.shards) == 1 {
		return 0
	}
	node, ok := d.ring.GetNode(id.String())
	if !ok {
		return 0
	}
	return d.nodes[node]
}

// Submit queues a segment, blocking while the shard queue is full so that
// no segment is ever dropped.
func (d *Dispatcher) Submit(seg core.Segment) error {
	if atomic.LoadInt32(&d.closed) == 1 {
		return ErrClosed
	}
	atomic.AddUint64(&d.submitted, 1)
	d.shards[d.Shard(seg.Conn)].queue <- event{seg: seg}
	return nil
}

// CloseConversation queues a teardown behind the segments already submitted
// for the conversation.
func (d *Dispatcher) CloseConversation(id core.ConnID) error {
	if atomic.LoadInt32(&d.closed) == 1 {
		return ErrClosed
	}
	d.shards[d.Shard(id)].queue <- event{seg: core.Segment{Conn: id}, close: true}
	return nil
}

// Close drains every queue, finalizes every engine and waits for the
// workers. It is safe to call more than once, but not concurrently with
// Submit.
func (d *Dispatcher) Close() error {
	if !atomic.CompareAndSwapInt32(&d.closed, 0, 1) {
		return nil
	}
	for _, s := range d.shards {
		close(s.queue)
	}
	d.wg.Wait()

	var errs []error
	for _, s := range d.shards {
		if err := s.engine.Finalize(); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", s.id, err))
		}
	}
	return errors.Join(errs...)
}

// Stats sums the counters of all shards.
func (d *Dispatcher) Stats() engine.Stats {
	var total engine.Stats
	for _, s := range d.shards {
		total.Add(s.engine.Stats())
	}
	return total
}

// Submitted returns how many segments were accepted.
func (d *Dispatcher) Submitted() uint64 {
	return atomic.LoadUint64(&d.submitted)
}

func (d *Dispatcher) run(s *shard) {
	defer d.wg.Done()
	for ev := range s.queue {
		var err error
		if ev.close {
			err = s.engine.CloseConversation(ev.seg.Conn)
		} else {
			err = s.engine.HandleSegment(ev.seg)
		}
		if err != nil {
			slog.Error("engine rejected event", "shard", s.id, "conn", ev.seg.Conn.String(), "error", err)
		}
	}
}
