// Package clickhouse stores result records in a ClickHouse MergeTree table.
package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/sink"
)

const Name = "clickhouse"

const createTableStatement = `
CREATE TABLE IF NOT EXISTS %s (
    Kind           LowCardinality(String),
    Shard          Int64,
    Timestamp      DateTime64(6),
    Transport      LowCardinality(String),
    Client         String,
    Service        String,
    Position       LowCardinality(String),
    Key            String,
    State          LowCardinality(String),
    Reason         LowCardinality(String),
    Status         LowCardinality(String),
    Unit           LowCardinality(String),
    RequestTime    Float64,
    ResponseTime   Float64,
    ServiceTime    Float64,
    ResponseSpread Float64,
    Suspect        Bool,
    SuspectReason  String,
    ReqSegments    Int64,
    RspSegments    Int64,
    ReqBytes       Int64,
    RspBytes       Int64,
    ReqLabel       String,
    RspLabel       String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Service, Timestamp);
`

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config are the clickhouse sink options.
type Config struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Database  string `mapstructure:"database"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Table     string `mapstructure:"table"`
	BatchSize int    `mapstructure:"batch_size"`
}

func DefaultConfig() Config {
	return Config{
		Host:      "localhost",
		Port:      9000,
		Database:  "default",
		Username:  "default",
		Table:     "rte_exchanges",
		BatchSize: 1000,
	}
}

func (c Config) validate() error {
	if !tableName.MatchString(c.Table) {
		return fmt.Errorf("%w: invalid clickhouse table %q", core.ErrConfigInvalid, c.Table)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: clickhouse batch_size must be positive", core.ErrConfigInvalid)
	}
	return nil
}

type batch interface {
	Append(v ...any) error
	Send() error
}

// conn is the part of driver.Conn the sink uses.
type conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	PrepareInsert(ctx context.Context, query string) (batch, error)
	Close() error
}

type driverConn struct {
	driver.Conn
}

func (c driverConn) PrepareInsert(ctx context.Context, query string) (batch, error) {
	return c.Conn.PrepareBatch(ctx, query)
}

// Sink buffers records and inserts them in batches of cfg.BatchSize. The
// remainder is inserted on Close.
type Sink struct {
	cfg     Config
	conn    conn
	pending []*sink.Record
}

func init() {
	sink.Register(Name, func(options map[string]any) (sink.Sink, error) {
		cfg := DefaultConfig()
		if err := sink.DecodeOptions(options, &cfg); err != nil {
			return nil, err
		}
		return New(context.Background(), cfg)
	})
}

// New connects, pings and ensures the table exists.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c, err := connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	s, err := newWithConn(ctx, cfg, driverConn{c})
	if err != nil {
		c.Close()
		return nil, err
	}
	slog.Info("clickhouse sink ready", "host", cfg.Host, "table", cfg.Table)
	return s, nil
}

func newWithConn(ctx context.Context, cfg Config, c conn) (*Sink, error) {
	if err := c.Exec(ctx, fmt.Sprintf(createTableStatement, cfg.Table)); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &Sink{cfg: cfg, conn: c, pending: make([]*sink.Record, 0, cfg.BatchSize)}, nil
}

func connect(ctx context.Context, cfg Config) (driver.Conn, error) {
	c, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return c, nil
}

func (s *Sink) Name() string { return Name }

func (s *Sink) Write(ctx context.Context, rec *sink.Record) error {
	s.pending = append(s.pending, rec)
	if len(s.pending) < s.cfg.BatchSize {
		return nil
	}
	return s.flush(ctx)
}

func (s *Sink) flush(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	recs := s.pending
	s.pending = s.pending[:0:0]

	b, err := s.conn.PrepareInsert(ctx, "INSERT INTO "+s.cfg.Table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range recs {
		if err := b.Append(row(r)...); err != nil {
			return fmt.Errorf("append record: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	slog.Debug("wrote exchanges to clickhouse", "count", len(recs), "table", s.cfg.Table)
	return nil
}

// row orders values like the table columns.
func row(r *sink.Record) []any {
	return []any{
		r.Kind, int64(r.Shard), r.Timestamp, r.Transport, r.Client, r.Service, r.Position,
		r.Key, r.State, r.Reason, r.Status, r.Unit,
		r.RequestTime, r.RspTime, r.ServiceTime, r.RspSpread,
		r.Suspect, r.SuspectWhy,
		int64(r.ReqSegments), int64(r.RspSegments), int64(r.ReqBytes), int64(r.RspBytes),
		r.ReqLabel, r.RspLabel,
	}
}

// Close inserts what is still buffered and closes the connection.
func (s *Sink) Close(ctx context.Context) error {
	ferr := s.flush(ctx)
	if err := s.conn.Close(); err != nil && ferr == nil {
		return err
	}
	return ferr
}
