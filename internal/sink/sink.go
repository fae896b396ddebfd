// Package sink delivers engine results to the presentation layer: the
// console, Kafka, NATS or ClickHouse.
package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/rte/internal/config"
	"firestige.xyz/rte/internal/core"
)

// Sink consumes result records. Write is only called from one goroutine at
// a time.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec *Record) error
	Close(ctx context.Context) error
}

// Factory builds a sink from its options map.
type Factory func(options map[string]any) (Sink, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a sink type available to New. Sink packages call it from init.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// Names lists registered sink types.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the sink described by cfg.
func New(cfg config.SinkConfig) (Sink, error) {
	mu.RLock()
	f, ok := factories[cfg.Type]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", core.ErrSinkNotFound, cfg.Type, Names())
	}
	s, err := f(cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("sink %s: %w", cfg.Type, err)
	}
	return s, nil
}

// DecodeOptions fills out from an options map. Strings are converted to
// durations and scalars are weakly typed, so YAML and env values both work.
func DecodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("%w: %w", core.ErrConfigInvalid, err)
	}
	return nil
}
