// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"firestige.xyz/dissect/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `dissect:` root key in YAML.
type GlobalConfig struct {
	Log        LogConfig                  `mapstructure:"log"`
	Metrics    MetricsConfig              `mapstructure:"metrics"`
	Engine     EngineConfig               `mapstructure:"engine"`
	Capture    CaptureConfig              `mapstructure:"capture"`
	TCP        TCPConfig                  `mapstructure:"tcp"`
	IP         IPConfig                   `mapstructure:"ip"`
	Heuristics map[string]map[string]bool `mapstructure:"heuristics"` // table → short name → enabled
	Ports      map[string]PortsConfig     `mapstructure:"ports"`      // protocol → ports
	Protocols  map[string]map[string]any  `mapstructure:"protocols"`  // per-dissector preferences
	Export     ExportConfig               `mapstructure:"export"`
}

// ─── Engine ───

// EngineConfig controls the dissection runtime itself.
type EngineConfig struct {
	MaxDepth int `mapstructure:"max_depth"` // recursion guard for nested dissector calls
}

// PortsConfig overrides the well-known ports a dissector registers on.
type PortsConfig struct {
	UDP []int `mapstructure:"udp"`
	TCP []int `mapstructure:"tcp"`
}

// ─── Capture ───

// CaptureConfig contains live-capture settings.
type CaptureConfig struct {
	SnapLen      int    `mapstructure:"snap_len"`
	BufferSizeMB int    `mapstructure:"buffer_size_mb"`
	BlockSizeKB  int    `mapstructure:"block_size_kb"`
	Promiscuous  bool   `mapstructure:"promiscuous"`
	PollTimeout  string `mapstructure:"poll_timeout"`
}

// PollTimeoutDuration parses PollTimeout, falling back to 100ms.
func (c CaptureConfig) PollTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.PollTimeout)
	if err != nil || d <= 0 {
		return 100 * time.Millisecond
	}
	return d
}

// ─── Reassembly ───

// TCPConfig controls TCP stream desegmentation.
type TCPConfig struct {
	Desegment       bool `mapstructure:"desegment"`
	MaxPendingBytes int  `mapstructure:"max_pending_bytes"` // per direction
}

// IPConfig controls IPv4 fragment reassembly.
type IPConfig struct {
	Defragment        bool   `mapstructure:"defragment"`
	MaxFragments      int    `mapstructure:"max_fragments"`       // per datagram
	MaxReassembleSize int    `mapstructure:"max_reassemble_size"` // bytes
	MaxFragsPerIP     int    `mapstructure:"max_frags_per_ip"`    // per window, 0 = unlimited
	RateLimitWindow   string `mapstructure:"rate_limit_window"`
	Timeout           string `mapstructure:"timeout"` // capture-time expiry of incomplete datagrams
}

// RateLimitWindowDuration parses RateLimitWindow.
func (c IPConfig) RateLimitWindowDuration() time.Duration {
	d, _ := time.ParseDuration(c.RateLimitWindow)
	return d
}

// TimeoutDuration parses Timeout.
func (c IPConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// ─── Export ───

// ExportConfig selects how dissected frames leave the process.
type ExportConfig struct {
	Format string      `mapstructure:"format"` // text / json / yaml / toml
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig configures the Kafka export sink. It is active when Brokers is set.
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	BatchSize    int      `mapstructure:"batch_size"`
	BatchTimeout string   `mapstructure:"batch_timeout"`
	Compression  string   `mapstructure:"compression"` // none / gzip / snappy / lz4
	MaxAttempts  int      `mapstructure:"max_attempts"`
}

// Enabled reports whether records should be produced to Kafka.
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// BatchTimeoutDuration parses BatchTimeout, falling back to 100ms.
func (c KafkaConfig) BatchTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.BatchTimeout)
	if err != nil || d <= 0 {
		return 100 * time.Millisecond
	}
	return d
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // trace / debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Pattern string           `mapstructure:"pattern"`
	Time    string           `mapstructure:"time"`
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stderr.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `dissect: ...`.
type configRoot struct {
	Dissect GlobalConfig `mapstructure:"dissect"`
}

// Load loads configuration from path; an empty path yields the defaults plus
// environment overrides. Env vars map through the key replacer, e.g. key
// "dissect.log.level" → DISSECT_LOG_LEVEL.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Dissect

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *GlobalConfig {
	cfg, err := Load("")
	if err != nil {
		// defaults are static; failing here means a bad environment override
		cfg = &GlobalConfig{}
		_ = cfg.ValidateAndApplyDefaults()
	}
	return cfg
}

// setDefaults sets default values for configuration.
// All keys use the "dissect." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("dissect.log.level", "info")
	v.SetDefault("dissect.log.format", "text")
	v.SetDefault("dissect.log.pattern", "%time [%level] %field %msg\n")
	v.SetDefault("dissect.log.time", "2006-01-02 15:04:05.000")
	v.SetDefault("dissect.log.outputs.file.enabled", false)
	v.SetDefault("dissect.log.outputs.file.path", "/var/log/dissect/dissect.log")
	v.SetDefault("dissect.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("dissect.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("dissect.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("dissect.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("dissect.metrics.enabled", false)
	v.SetDefault("dissect.metrics.listen", ":9091")
	v.SetDefault("dissect.metrics.path", "/metrics")

	// Engine defaults
	v.SetDefault("dissect.engine.max_depth", 64)

	// Capture defaults
	v.SetDefault("dissect.capture.snap_len", 65535)
	v.SetDefault("dissect.capture.buffer_size_mb", 8)
	v.SetDefault("dissect.capture.block_size_kb", 0)
	v.SetDefault("dissect.capture.promiscuous", true)
	v.SetDefault("dissect.capture.poll_timeout", "100ms")

	// Reassembly defaults
	v.SetDefault("dissect.tcp.desegment", true)
	v.SetDefault("dissect.tcp.max_pending_bytes", 1<<20)
	v.SetDefault("dissect.ip.defragment", true)
	v.SetDefault("dissect.ip.max_fragments", 100)
	v.SetDefault("dissect.ip.max_reassemble_size", 65535)
	v.SetDefault("dissect.ip.max_frags_per_ip", 0)
	v.SetDefault("dissect.ip.rate_limit_window", "10s")
	v.SetDefault("dissect.ip.timeout", "60s")

	// Export defaults
	v.SetDefault("dissect.export.format", "text")
	v.SetDefault("dissect.export.kafka.topic", "dissect-frames")
	v.SetDefault("dissect.export.kafka.batch_size", 100)
	v.SetDefault("dissect.export.kafka.batch_timeout", "100ms")
	v.SetDefault("dissect.export.kafka.compression", "snappy")
	v.SetDefault("dissect.export.kafka.max_attempts", 3)
}

// ValidateAndApplyDefaults validates configuration and fills in zero values that
// viper did not supply (for configs built in code).
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log ──
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level %q (must be trace/debug/info/warn/error): %w", cfg.Log.Level, core.ErrConfigInvalid)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format %q (must be json/text): %w", cfg.Log.Format, core.ErrConfigInvalid)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("log.outputs.file.path is required when file output is enabled: %w", core.ErrConfigInvalid)
	}

	// ── Engine ──
	if cfg.Engine.MaxDepth <= 0 {
		cfg.Engine.MaxDepth = 64
	}

	// ── Capture ──
	if cfg.Capture.SnapLen <= 0 {
		cfg.Capture.SnapLen = 65535
	}
	if cfg.Capture.BufferSizeMB <= 0 {
		cfg.Capture.BufferSizeMB = 8
	}

	// ── Reassembly ──
	if cfg.TCP.MaxPendingBytes <= 0 {
		cfg.TCP.MaxPendingBytes = 1 << 20
	}
	if cfg.IP.MaxFragments <= 0 {
		cfg.IP.MaxFragments = 100
	}
	if cfg.IP.MaxReassembleSize <= 0 || cfg.IP.MaxReassembleSize > 65535 {
		cfg.IP.MaxReassembleSize = 65535
	}
	if cfg.IP.MaxFragsPerIP < 0 {
		return fmt.Errorf("ip.max_frags_per_ip must not be negative: %w", core.ErrConfigInvalid)
	}
	for _, d := range []struct{ name, val string }{
		{"ip.rate_limit_window", cfg.IP.RateLimitWindow},
		{"ip.timeout", cfg.IP.Timeout},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, core.ErrConfigInvalid)
		}
	}

	// ── Ports ──
	for name, ports := range cfg.Ports {
		for _, p := range append(append([]int(nil), ports.UDP...), ports.TCP...) {
			if p <= 0 || p > 65535 {
				return fmt.Errorf("ports.%s: port %d out of range: %w", name, p, core.ErrConfigInvalid)
			}
		}
	}

	// ── Export ──
	if cfg.Export.Format == "" {
		cfg.Export.Format = "text"
	}
	switch cfg.Export.Format {
	case "text", "json", "yaml", "toml":
	default:
		return fmt.Errorf("invalid export format %q (must be text/json/yaml/toml): %w", cfg.Export.Format, core.ErrConfigInvalid)
	}
	if k := &cfg.Export.Kafka; k.Enabled() {
		if k.Topic == "" {
			return fmt.Errorf("export.kafka.topic is required when brokers are set: %w", core.ErrConfigInvalid)
		}
		switch k.Compression {
		case "", "none", "gzip", "snappy", "lz4":
		default:
			return fmt.Errorf("invalid export.kafka.compression %q: %w", k.Compression, core.ErrConfigInvalid)
		}
		if k.BatchSize <= 0 {
			k.BatchSize = 100
		}
		if k.MaxAttempts <= 0 {
			k.MaxAttempts = 3
		}
	}

	// ── Metrics ──
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	return nil
}

// HeuristicEnabled reports whether the configuration overrides the enable state
// of a heuristic dissector.
func (cfg *GlobalConfig) HeuristicEnabled(table, shortName string) (enabled, set bool) {
	byName, ok := cfg.Heuristics[table]
	if !ok {
		return false, false
	}
	enabled, set = byName[shortName]
	return enabled, set
}

// DecodeProtocol decodes the preference map of one dissector into out, a pointer
// to the dissector's preference struct. Missing sections leave out untouched.
func (cfg *GlobalConfig) DecodeProtocol(name string, out any) error {
	raw, ok := cfg.Protocols[name]
	if !ok {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("protocols.%s: %v: %w", name, err, core.ErrConfigInvalid)
	}
	return nil
}
