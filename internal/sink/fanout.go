package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/engine"
	"firestige.xyz/rte/internal/metrics"
)

// Fanout delivers every engine result to all sinks. It implements
// engine.Sink and serializes writes from concurrent shards.
type Fanout struct {
	ctx    context.Context
	mu     sync.Mutex
	sinks  []Sink
	closed bool
}

func NewFanout(ctx context.Context, sinks ...Sink) *Fanout {
	return &Fanout{ctx: ctx, sinks: sinks}
}

// Write converts r once and hands it to each sink. A failing sink does not
// keep the others from receiving the record.
func (f *Fanout) Write(r engine.Result) error {
	rec := FromResult(r)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return core.ErrSinkClosed
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Write(f.ctx, rec); err != nil {
			metrics.SinkErrorsTotal.WithLabelValues(s.Name()).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink once.
func (f *Fanout) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
