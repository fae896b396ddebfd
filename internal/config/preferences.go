package config

import (
	"fmt"

	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/svcport"
)

// EventSelection records which packet of a multi-segment request and response
// triggers the timestamps used for the response-time event. Exactly one of
// first/last is honoured per direction.
type EventSelection struct {
	FirstRequest  bool // false: last request segment
	FirstResponse bool // false: last response segment
}

// SummaryOptions controls the Summariser.
type SummaryOptions struct {
	Enabled      bool
	TDS          bool
	EscapeQuotes bool
}

// Preferences is the validated, immutable snapshot an engine runs on. It is
// built once per run and shared read-only between shards.
type Preferences struct {
	Position        core.Position
	Role            core.Role
	Reassembly      bool
	Ports           *svcport.Classifier
	OrphanKADiscard bool
	Unit            core.Unit
	Selection       EventSelection
	Summary         SummaryOptions
	Debug           bool
	ClosedHistory   int
}

// NewPreferences validates the engine-facing part of cfg and freezes it.
func NewPreferences(cfg *Config) (*Preferences, error) {
	pos, err := core.ParsePosition(cfg.CapturePosition)
	if err != nil {
		return nil, fmt.Errorf("%w: capture_position: %w", core.ErrConfigInvalid, err)
	}
	unit, err := core.ParseUnit(cfg.TimeMultiplier)
	if err != nil {
		return nil, fmt.Errorf("%w: time_multiplier: %w", core.ErrConfigInvalid, err)
	}
	tcp, err := svcport.Parse(cfg.ServicePorts.TCP)
	if err != nil {
		return nil, fmt.Errorf("%w: service_ports.tcp: %w", core.ErrConfigInvalid, err)
	}
	udp, err := svcport.Parse(cfg.ServicePorts.UDP)
	if err != nil {
		return nil, fmt.Errorf("%w: service_ports.udp: %w", core.ErrConfigInvalid, err)
	}
	sel, err := resolveSelection(cfg)
	if err != nil {
		return nil, err
	}

	history := cfg.Engine.ClosedHistory
	if history < 0 {
		return nil, fmt.Errorf("%w: engine.closed_history must be >= 0, got %d", core.ErrConfigInvalid, history)
	}

	return &Preferences{
		Position:        pos,
		Role:            core.RoleFor(pos),
		Reassembly:      cfg.Reassembly,
		Ports:           svcport.NewClassifier(tcp, udp),
		OrphanKADiscard: cfg.OrphanKADiscard,
		Unit:            unit,
		Selection:       sel,
		Summary: SummaryOptions{
			Enabled:      cfg.Summarisers.Enabled,
			TDS:          cfg.Summarisers.TDS,
			EscapeQuotes: cfg.Summarisers.EscapeQuotes,
		},
		Debug:         cfg.Debug,
		ClosedHistory: history,
	}, nil
}

// resolveSelection applies the precedence rule: the "first" flag wins when
// both are set for a direction; neither set is an error.
func resolveSelection(cfg *Config) (EventSelection, error) {
	if !cfg.RTEOnFirstReq && !cfg.RTEOnLastReq {
		return EventSelection{}, fmt.Errorf("%w: one of rte_on_first_req/rte_on_last_req must be set", core.ErrConfigInvalid)
	}
	if !cfg.RTEOnFirstRsp && !cfg.RTEOnLastRsp {
		return EventSelection{}, fmt.Errorf("%w: one of rte_on_first_rsp/rte_on_last_rsp must be set", core.ErrConfigInvalid)
	}
	return EventSelection{
		FirstRequest:  cfg.RTEOnFirstReq,
		FirstResponse: cfg.RTEOnFirstRsp,
	}, nil
}

// Default returns the configuration Load produces without a file.
func Default() *Config {
	return &Config{
		CapturePosition: int(core.PositionClient),
		Reassembly:      true,
		ServicePorts:    ServicePortsConfig{TCP: "25,80,443,1433", UDP: "53,137,161"},
		OrphanKADiscard: true,
		TimeMultiplier:  int(core.UnitSeconds),
		RTEOnLastReq:    true,
		RTEOnLastRsp:    true,
		Summarisers:     SummarisersConfig{Enabled: true},
		Engine:          EngineConfig{Workers: 1, QueueSize: 4096, ClosedHistory: 64},
		Decoder:         DecoderConfig{SIPPorts: "5060", ClosedFlowTTL: "30s"},
		Log:             LogConfig{Level: "info", Format: "text"},
		Metrics:         MetricsConfig{Listen: ":9091", Path: "/metrics"},
		Sinks:           []SinkConfig{{Type: "console"}},
	}
}

// DefaultPreferences is NewPreferences(Default()).
func DefaultPreferences() *Preferences {
	p, err := NewPreferences(Default())
	if err != nil {
		panic(err)
	}
	return p
}
