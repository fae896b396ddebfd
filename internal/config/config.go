// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/svcport"
)

// Config is the raw configuration as read from file and environment. It maps
// to the `rte:` root key in YAML. Use NewPreferences to turn it into the
// validated, immutable snapshot the engine runs on.
type Config struct {
	CapturePosition int                `mapstructure:"capture_position" yaml:"capture_position"` // 1=client 2=intermediate 3=service
	Reassembly      bool               `mapstructure:"reassembly" yaml:"reassembly"`
	ServicePorts    ServicePortsConfig `mapstructure:"service_ports" yaml:"service_ports"`
	OrphanKADiscard bool               `mapstructure:"orphan_ka_discard" yaml:"orphan_ka_discard"`
	TimeMultiplier  int                `mapstructure:"time_multiplier" yaml:"time_multiplier"` // 1 / 1000 / 1000000
	RTEOnFirstReq   bool               `mapstructure:"rte_on_first_req" yaml:"rte_on_first_req"`
	RTEOnLastReq    bool               `mapstructure:"rte_on_last_req" yaml:"rte_on_last_req"`
	RTEOnFirstRsp   bool               `mapstructure:"rte_on_first_rsp" yaml:"rte_on_first_rsp"`
	RTEOnLastRsp    bool               `mapstructure:"rte_on_last_rsp" yaml:"rte_on_last_rsp"`
	Summarisers     SummarisersConfig  `mapstructure:"summarisers" yaml:"summarisers"`
	Debug           bool               `mapstructure:"debug" yaml:"debug"`

	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Decoder DecoderConfig `mapstructure:"decoder" yaml:"decoder"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Sinks   []SinkConfig  `mapstructure:"sinks" yaml:"sinks"`
}

// ServicePortsConfig holds the two port lists, e.g. "25,80,443,8000-8010".
type ServicePortsConfig struct {
	TCP string `mapstructure:"tcp" yaml:"tcp"`
	UDP string `mapstructure:"udp" yaml:"udp"`
}

// SummarisersConfig controls the derived summary strings.
type SummarisersConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled"`
	TDS          bool `mapstructure:"tds" yaml:"tds"`
	EscapeQuotes bool `mapstructure:"escape_quotes" yaml:"escape_quotes"`
}

// ─── Engine ───

// EngineConfig sizes the processing shards.
type EngineConfig struct {
	Workers       int `mapstructure:"workers" yaml:"workers"`               // shards processed in parallel
	QueueSize     int `mapstructure:"queue_size" yaml:"queue_size"`         // per-shard input queue
	ClosedHistory int `mapstructure:"closed_history" yaml:"closed_history"` // closed exchanges kept per conversation
}

// DecoderConfig configures the host-side packet decoder.
type DecoderConfig struct {
	SIPPorts      string `mapstructure:"sip_ports" yaml:"sip_ports"`             // service ports whose payload is parsed as SIP; empty disables
	ClosedFlowTTL string `mapstructure:"closed_flow_ttl" yaml:"closed_flow_ttl"` // how long late packets of a closed TCP flow are ignored
}

// SIPTable parses SIPPorts. An empty list yields an empty table.
func (d DecoderConfig) SIPTable() (*svcport.Table, error) {
	if strings.TrimSpace(d.SIPPorts) == "" {
		return &svcport.Table{}, nil
	}
	return svcport.Parse(d.SIPPorts)
}

// TTL parses ClosedFlowTTL.
func (d DecoderConfig) TTL() (time.Duration, error) {
	ttl, err := time.ParseDuration(d.ClosedFlowTTL)
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d.ClosedFlowTTL)
	}
	return ttl, nil
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level     string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format    string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs   LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
	TraceFile string           `mapstructure:"trace_file" yaml:"trace_file"` // state trace destination when debug is on; empty = stderr
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Sinks ───

// SinkConfig selects one result sink. Options are decoded by the sink itself.
type SinkConfig struct {
	Type    string         `mapstructure:"type" yaml:"type"`
	Options map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `rte: ...`.
type configRoot struct {
	RTE Config `mapstructure:"rte"`
}

// Load loads configuration from file. An empty path loads defaults only.
// Environment variables use the RTE_ prefix (e.g. RTE_TIME_MULTIPLIER).
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// key "rte.time_multiplier" -> env "RTE_TIME_MULTIPLIER"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.RTE

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("rte.capture_position", int(core.PositionClient))
	v.SetDefault("rte.reassembly", true)
	v.SetDefault("rte.service_ports.tcp", "25,80,443,1433")
	v.SetDefault("rte.service_ports.udp", "53,137,161")
	v.SetDefault("rte.orphan_ka_discard", true)
	v.SetDefault("rte.time_multiplier", int(core.UnitSeconds))
	v.SetDefault("rte.rte_on_first_req", false)
	v.SetDefault("rte.rte_on_last_req", true)
	v.SetDefault("rte.rte_on_first_rsp", false)
	v.SetDefault("rte.rte_on_last_rsp", true)
	v.SetDefault("rte.summarisers.enabled", true)
	v.SetDefault("rte.summarisers.tds", false)
	v.SetDefault("rte.summarisers.escape_quotes", false)
	v.SetDefault("rte.debug", false)

	v.SetDefault("rte.engine.workers", 1)
	v.SetDefault("rte.engine.queue_size", 4096)
	v.SetDefault("rte.engine.closed_history", 64)

	v.SetDefault("rte.decoder.sip_ports", "5060")
	v.SetDefault("rte.decoder.closed_flow_ttl", "30s")

	v.SetDefault("rte.log.level", "info")
	v.SetDefault("rte.log.format", "text")
	v.SetDefault("rte.log.outputs.file.enabled", false)
	v.SetDefault("rte.log.outputs.file.path", "/var/log/rte/rte.log")
	v.SetDefault("rte.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("rte.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("rte.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("rte.log.outputs.file.rotation.compress", true)

	v.SetDefault("rte.metrics.enabled", false)
	v.SetDefault("rte.metrics.listen", ":9091")
	v.SetDefault("rte.metrics.path", "/metrics")

	v.SetDefault("rte.sinks", []map[string]any{{"type": "console"}})
}

// Validate checks every field that cannot be coerced. Nothing is silently
// replaced with a default: an invalid value fails the run.
func (cfg *Config) Validate() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Engine ──
	if cfg.Engine.Workers < 1 {
		return fmt.Errorf("%w: engine.workers must be >= 1, got %d", core.ErrConfigInvalid, cfg.Engine.Workers)
	}
	if cfg.Engine.QueueSize < 1 {
		return fmt.Errorf("%w: engine.queue_size must be >= 1, got %d", core.ErrConfigInvalid, cfg.Engine.QueueSize)
	}
	if cfg.Engine.ClosedHistory < 0 {
		return fmt.Errorf("%w: engine.closed_history must be >= 0, got %d", core.ErrConfigInvalid, cfg.Engine.ClosedHistory)
	}

	// ── Decoder ──
	if _, err := cfg.Decoder.SIPTable(); err != nil {
		return fmt.Errorf("%w: decoder.sip_ports: %w", core.ErrConfigInvalid, err)
	}
	if _, err := cfg.Decoder.TTL(); err != nil {
		return fmt.Errorf("%w: decoder.closed_flow_ttl: %w", core.ErrConfigInvalid, err)
	}

	// ── Sinks ──
	for i, s := range cfg.Sinks {
		if s.Type == "" {
			return fmt.Errorf("%w: sinks[%d].type is required", core.ErrConfigInvalid, i)
		}
	}

	// Everything the engine consumes is checked by building the snapshot.
	if _, err := NewPreferences(cfg); err != nil {
		return err
	}
	return nil
}
