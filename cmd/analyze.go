package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/rte/internal/config"
	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/decoder"
	"firestige.xyz/rte/internal/dispatch"
	"firestige.xyz/rte/internal/engine"
	"firestige.xyz/rte/internal/exchange"
	"firestige.xyz/rte/internal/log"
	"firestige.xyz/rte/internal/metrics"
	"firestige.xyz/rte/internal/sink"
	"firestige.xyz/rte/internal/source"
	"firestige.xyz/rte/internal/source/file"

	// registered sinks
	_ "firestige.xyz/rte/internal/sink/clickhouse"
	_ "firestige.xyz/rte/internal/sink/console"
	_ "firestige.xyz/rte/internal/sink/kafka"
	_ "firestige.xyz/rte/internal/sink/nats"
)

var (
	captureFile   string
	consoleFormat string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Time the request/response exchanges of a capture file",
	Long: `Read a pcap or pcapng file, reconstruct the exchanges of every service
conversation and report their response times.

Examples:
  rte analyze -f trace.pcap                       # defaults, text lines on stdout
  rte analyze -f trace.pcapng -c rte.yaml         # sinks and roles from config
  rte analyze -f trace.pcap --format json         # console sink as JSON lines`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, sinks := setup()
		report, err := runAnalyze(ctx, cfg, captureFile, sinks)
		if err != nil {
			exitWithError("analysis failed", err)
		}
		report.log()
	},
}

// setup loads the configuration, applies --format, initializes logging and
// builds the sinks. Failures exit.
func setup() (*config.Config, []sink.Sink) {
	cfg, err := config.Load(configFile)
	if err != nil {
		exitWithError("failed to load config", err)
	}
	if consoleFormat != "" {
		overrideConsoleFormat(cfg, consoleFormat)
	}
	if err := log.Init(cfg.Log); err != nil {
		exitWithError("failed to init logging", err)
	}
	sinks, err := buildSinks(cfg.Sinks)
	if err != nil {
		exitWithError("failed to create sinks", err)
	}
	return cfg, sinks
}

func init() {
	analyzeCmd.Flags().StringVarP(&captureFile, "file", "f", "", "pcap or pcapng capture to analyze (required)")
	analyzeCmd.Flags().StringVar(&consoleFormat, "format", "", "console sink format: text, json or csv")
	analyzeCmd.MarkFlagRequired("file")
}

// Report summarizes one analysis run.
type Report struct {
	Source   string        `json:"source"`
	Packets  uint64        `json:"packets"`
	Elapsed  time.Duration `json:"elapsed"`
	Decoder  decoder.Stats `json:"decoder"`
	Engine   engine.Stats  `json:"engine"`
	Canceled bool          `json:"canceled"`
}

func (r *Report) log() {
	slog.Info("analysis complete",
		"source", r.Source,
		"packets", r.Packets,
		"elapsed", r.Elapsed,
		"canceled", r.Canceled,
		"tcp", r.Decoder.TCP,
		"udp", r.Decoder.UDP,
		"sip", r.Decoder.SIP,
		"conversations", r.Engine.Conversations,
		"completed", r.Engine.Completed,
		"orphaned", r.Engine.Orphaned,
		"unmatched", r.Engine.Unmatched,
		"suspect", r.Engine.Suspect)
}

// overrideConsoleFormat applies --format to every console sink, adding one
// when none is configured.
func overrideConsoleFormat(cfg *config.Config, format string) {
	found := false
	for i := range cfg.Sinks {
		if cfg.Sinks[i].Type != "console" {
			continue
		}
		found = true
		opts := make(map[string]any, len(cfg.Sinks[i].Options)+1)
		for k, v := range cfg.Sinks[i].Options {
			opts[k] = v
		}
		opts["format"] = format
		cfg.Sinks[i].Options = opts
	}
	if !found {
		cfg.Sinks = append(cfg.Sinks, config.SinkConfig{Type: "console", Options: map[string]any{"format": format}})
	}
}

func buildSinks(cfgs []config.SinkConfig) ([]sink.Sink, error) {
	sinks := make([]sink.Sink, 0, len(cfgs))
	for _, sc := range cfgs {
		s, err := sink.New(sc)
		if err != nil {
			for _, built := range sinks {
				built.Close(context.Background())
			}
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// runAnalyze runs the capture file at path through the pipeline.
func runAnalyze(ctx context.Context, cfg *config.Config, path string, sinks []sink.Sink) (*Report, error) {
	return run(ctx, cfg, path, func() (source.PacketSource, error) { return file.Open(path) }, sinks)
}

// run feeds the packets of the opened source through decoder and dispatcher
// into sinks. The sinks are closed before it returns. Canceling ctx stops
// reading; what was read is still finalized and reported.
func run(ctx context.Context, cfg *config.Config, name string, open func() (source.PacketSource, error), sinks []sink.Sink) (*Report, error) {
	start := time.Now()
	fanout := sink.NewFanout(context.WithoutCancel(ctx), sinks...)
	defer func() {
		if err := fanout.Close(context.Background()); err != nil {
			slog.Error("close sinks", "error", err)
		}
	}()

	prefs, err := config.NewPreferences(cfg)
	if err != nil {
		return nil, err
	}

	src, err := open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	dec, err := decoder.New(prefs.Ports, cfg.Decoder, src.LinkType(), log.Component(cfg.Log, "decoder"))
	if err != nil {
		return nil, err
	}

	var tracer exchange.Tracer
	if prefs.Debug {
		t := log.NewTracer(cfg.Log)
		defer t.Close()
		tracer = t
	}

	d := dispatch.New(prefs, fanout, cfg.Engine.Workers, cfg.Engine.QueueSize, tracer)

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, func() any { return d.Stats() })
		if err := srv.Start(ctx); err != nil {
			d.Close()
			return nil, err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(stopCtx)
		}()
	}

	slog.Info("analyzing",
		"source", name,
		"link", src.LinkType().String(),
		"position", prefs.Role.Position.String(),
		"reassembly", prefs.Reassembly,
		"workers", cfg.Engine.Workers)

	report := &Report{Source: name}
	readErr := feed(ctx, src, dec, d)
	if errors.Is(readErr, context.Canceled) {
		report.Canceled = true
		readErr = nil
	}

	if err := d.Close(); err != nil {
		slog.Warn("dispatcher closed with errors", "error", err)
	}
	report.Packets = src.Count()
	report.Decoder = dec.Stats()
	report.Engine = d.Stats()
	report.Elapsed = time.Since(start)
	if readErr != nil {
		return report, fmt.Errorf("read %s: %w", name, readErr)
	}
	return report, nil
}

func feed(ctx context.Context, src source.PacketSource, dec *decoder.Decoder, d *dispatch.Dispatcher) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, ci, err := src.ReadPacket()
		if errors.Is(err, source.ErrTimeout) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		ev, err := dec.Decode(data, ci)
		if err != nil {
			reason := decodeReason(err)
			metrics.DecoderErrorsTotal.WithLabelValues(reason).Inc()
			if reason == "malformed" {
				slog.Debug("dropping packet", "n", src.Count(), "error", err)
			}
			continue
		}
		if err := d.Submit(ev.Segment); err != nil {
			return err
		}
		if ev.Close {
			if err := d.CloseConversation(ev.Segment.Conn); err != nil {
				return err
			}
		}
	}
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, core.ErrNotService):
		return "not_service"
	case errors.Is(err, decoder.ErrClosedFlow):
		return "closed_flow"
	case errors.Is(err, decoder.ErrSIPAck):
		return "sip_ack"
	case errors.Is(err, core.ErrUnsupportedProto):
		return "unsupported"
	default:
		return "malformed"
	}
}
