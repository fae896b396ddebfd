// Package console writes result records to stdout.
package console

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"firestige.xyz/rte/internal/sink"
)

const Name = "console"

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Config are the console sink options.
type Config struct {
	Format string `mapstructure:"format"`
}

type Sink struct {
	format string
	out    io.Writer
	enc    *json.Encoder
	csv    *csv.Writer
	header bool
}

func init() {
	sink.Register(Name, func(options map[string]any) (sink.Sink, error) {
		cfg := Config{Format: FormatText}
		if err := sink.DecodeOptions(options, &cfg); err != nil {
			return nil, err
		}
		return New(cfg, os.Stdout)
	})
}

// New builds a console sink writing to w.
func New(cfg Config, w io.Writer) (*Sink, error) {
	s := &Sink{format: strings.ToLower(cfg.Format), out: w}
	switch s.format {
	case "", FormatText:
		s.format = FormatText
	case FormatJSON:
		s.enc = json.NewEncoder(w)
	case FormatCSV:
		s.csv = csv.NewWriter(w)
	default:
		return nil, fmt.Errorf("unknown console format %q", cfg.Format)
	}
	return s, nil
}

func (s *Sink) Name() string { return Name }

func (s *Sink) Write(_ context.Context, rec *sink.Record) error {
	switch s.format {
	case FormatJSON:
		return s.enc.Encode(rec)
	case FormatCSV:
		if !s.header {
			s.header = true
			if err := s.csv.Write(sink.Columns); err != nil {
				return err
			}
		}
		if err := s.csv.Write(rec.Strings()); err != nil {
			return err
		}
		s.csv.Flush()
		return s.csv.Error()
	default:
		_, err := fmt.Fprintln(s.out, textLine(rec))
		return err
	}
}

// textLine prefers the summariser output and falls back to a short line
// when summaries are disabled.
func textLine(rec *sink.Record) string {
	if rec.Summary != "" {
		return rec.Summary
	}
	conn := rec.ConnKey()
	if rec.Kind == "unmatched" {
		return fmt.Sprintf("%s unmatched response bytes=%d", conn, rec.RspBytes)
	}
	line := fmt.Sprintf("%s key=%q status=%s response_time=%g%s",
		conn, rec.Key, rec.Status, rec.RspTime, rec.Unit)
	if rec.Reason != "" {
		line += " reason=" + rec.Reason
	}
	return line
}

func (s *Sink) Close(context.Context) error {
	if s.csv != nil {
		s.csv.Flush()
		return s.csv.Error()
	}
	return nil
}
