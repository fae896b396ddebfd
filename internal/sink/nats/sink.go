// Package nats publishes result records on a NATS subject.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/sink"
)

const Name = "nats"

// Payload encodings.
const (
	EncodingJSON     = "json"
	EncodingProtobuf = "protobuf"
)

// Config are the nats sink options. When PerKind is set the record kind is
// appended to the subject, e.g. "rte.results.unmatched".
type Config struct {
	URL      string `mapstructure:"url"`
	Subject  string `mapstructure:"subject"`
	Encoding string `mapstructure:"encoding"`
	PerKind  bool   `mapstructure:"per_kind"`
}

func DefaultConfig() Config {
	return Config{
		URL:      nats.DefaultURL,
		Subject:  "rte.results",
		Encoding: EncodingJSON,
	}
}

// publisher is the subset of *nats.Conn the sink needs.
type publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

type Sink struct {
	cfg Config
	nc  publisher
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

// New connects to the server named by cfg.URL.
func New(cfg Config) (*Sink, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	nc, err := nats.Connect(cfg.URL, nats.Name("rte"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	slog.Info("connected to nats", "url", cfg.URL, "subject", cfg.Subject)
	return &Sink{cfg: cfg, nc: nc}, nil
}

func (c Config) validate() error {
	if c.Subject == "" {
		return fmt.Errorf("%w: nats subject is required", core.ErrConfigInvalid)
	}
	switch c.Encoding {
	case EncodingJSON, EncodingProtobuf:
		return nil
	default:
		return fmt.Errorf("%w: invalid nats encoding %q", core.ErrConfigInvalid, c.Encoding)
	}
}

func (s *Sink) Name() string { return Name }

func (s *Sink) Write(_ context.Context, rec *sink.Record) error {
	data, err := encode(s.cfg.Encoding, rec)
	if err != nil {
		return err
	}
	subject := s.cfg.Subject
	if s.cfg.PerKind {
		subject += "." + rec.Kind
	}
	return s.nc.Publish(subject, data)
}

// encode renders rec as JSON or as a google.protobuf.Struct.
func encode(encoding string, rec *sink.Record) ([]byte, error) {
	if encoding == EncodingJSON {
		return json.Marshal(rec)
	}
	st, err := structpb.NewStruct(rec.Map())
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return proto.Marshal(st)
}

// Close drains in-flight publishes and closes the connection.
func (s *Sink) Close(context.Context) error {
	if s.nc == nil {
		return nil
	}
	err := s.nc.Drain()
	slog.Info("nats connection drained")
	return err
}
