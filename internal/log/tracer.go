package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/rte/internal/config"
	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/exchange"
)

// Tracer writes one debug line per exchange state transition. It only
// reads the exchange, so enabling it never changes results.
type Tracer struct {
	entry  *logrus.Entry
	closer io.Closer
}

// NewTracer builds the state-transition tracer. Output goes to the
// configured trace file (rotated with lumberjack) or to stderr.
func NewTracer(cfg config.LogConfig) *Tracer {
	var w io.Writer = os.Stderr
	var c io.Closer
	if cfg.TraceFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.TraceFile,
			MaxSize:    cfg.Outputs.File.Rotation.MaxSizeMB,
			MaxBackups: cfg.Outputs.File.Rotation.MaxBackups,
			MaxAge:     cfg.Outputs.File.Rotation.MaxAgeDays,
			Compress:   cfg.Outputs.File.Rotation.Compress,
		}
		w, c = lj, lj
	}
	t := NewTracerTo(w)
	t.closer = c
	return t
}

// NewTracerTo builds a tracer writing to w.
func NewTracerTo(w io.Writer) *Tracer {
	l := logrus.New()
	l.SetFormatter(&formatter{pattern: DefaultPattern, time: DefaultTimeLayout})
	l.SetLevel(logrus.DebugLevel)
	l.SetOutput(w)
	return &Tracer{entry: logrus.NewEntry(l).WithField("component", "correlator")}
}

// Transition implements exchange.Tracer.
func (t *Tracer) Transition(conn core.ConnID, ex *exchange.Exchange, from, to exchange.State, why string) {
	e := t.entry.WithFields(logrus.Fields{
		"conn": conn.String(),
		"key":  ex.Key.String(),
		"n":    ex.Ordinal,
	})
	if ex.Reason != exchange.ReasonNone {
		e = e.WithField("reason", string(ex.Reason))
	}
	if ex.Suspect {
		e = e.WithField("suspect", ex.SuspectReason)
	}
	e.Debugf("%s -> %s (%s)", from, to, why)
}

// Close releases the trace file, if any.
func (t *Tracer) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}
