// Package kafka publishes result records to a Kafka topic as JSON.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/sink"
)

const Name = "kafka"

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
)

// Config are the kafka sink options.
type Config struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Compression  string        `mapstructure:"compression"` // none|gzip|snappy|lz4
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Compression:  defaultCompression,
		MaxAttempts:  defaultMaxAttempts,
	}
}

// messageWriter is the subset of *kafka.Writer the sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Sink struct {
	cfg    Config
	writer messageWriter

	written atomic.Uint64
	failed  atomic.Uint64
}

func init() {
	sink.Register(Name, func(options map[string]any) (sink.Sink, error) {
		cfg := DefaultConfig()
		if err := sink.DecodeOptions(options, &cfg); err != nil {
			return nil, err
		}
		return New(cfg)
	})
}

// New validates cfg and opens a synchronous writer.
func New(cfg Config) (*Sink, error) {
	wc, err := cfg.writerConfig()
	if err != nil {
		return nil, err
	}
	slog.Info("kafka sink started",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize,
		"compression", cfg.Compression)
	return newWithWriter(cfg, kafka.NewWriter(wc)), nil
}

func newWithWriter(cfg Config, w messageWriter) *Sink {
	return &Sink{cfg: cfg, writer: w}
}

func (c Config) writerConfig() (kafka.WriterConfig, error) {
	if len(c.Brokers) == 0 {
		return kafka.WriterConfig{}, fmt.Errorf("%w: kafka brokers is required", core.ErrConfigInvalid)
	}
	if c.Topic == "" {
		return kafka.WriterConfig{}, fmt.Errorf("%w: kafka topic is required", core.ErrConfigInvalid)
	}
	wc := kafka.WriterConfig{
		Brokers:      c.Brokers,
		Topic:        c.Topic,
		Balancer:     &kafka.Hash{}, // one conversation, one partition
		BatchSize:    c.BatchSize,
		BatchTimeout: c.BatchTimeout,
		MaxAttempts:  c.MaxAttempts,
		Async:        false,
	}
	switch c.Compression {
	case "none", "":
	case "gzip":
		wc.CompressionCodec = compress.Gzip.Codec()
	case "snappy":
		wc.CompressionCodec = compress.Snappy.Codec()
	case "lz4":
		wc.CompressionCodec = compress.Lz4.Codec()
	default:
		return kafka.WriterConfig{}, fmt.Errorf("%w: invalid kafka compression %q", core.ErrConfigInvalid, c.Compression)
	}
	return wc, nil
}

func (s *Sink) Name() string { return Name }

func (s *Sink) Write(ctx context.Context, rec *sink.Record) error {
	msg, err := message(rec)
	if err != nil {
		s.failed.Add(1)
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.failed.Add(1)
		return fmt.Errorf("write to kafka: %w", err)
	}
	s.written.Add(1)
	return nil
}

func message(rec *sink.Record) (kafka.Message, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal record: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(rec.ConnKey()),
		Value: value,
		Time:  rec.Timestamp,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(rec.Kind)},
		},
	}
	if rec.Status != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "status", Value: []byte(rec.Status)})
	}
	return msg, nil
}

// Close flushes pending batches.
func (s *Sink) Close(context.Context) error {
	err := s.writer.Close()
	slog.Info("kafka sink stopped",
		"written", s.written.Load(),
		"failed", s.failed.Load())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
