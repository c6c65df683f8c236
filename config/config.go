package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures the runtime configuration for the settlement tools.
type Config struct {
	Subgraph   SubgraphConfig   `yaml:"subgraph" toml:"subgraph"`
	Chain      ChainConfig      `yaml:"chain" toml:"chain"`
	Settlement SettlementConfig `yaml:"settlement" toml:"settlement"`
	Archive    ArchiveConfig    `yaml:"archive" toml:"archive"`
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Log        LogConfig        `yaml:"log" toml:"log"`
}

// SubgraphConfig points at the indexer serving windows and purchases.
type SubgraphConfig struct {
	URL       string   `yaml:"url" toml:"url"`
	PageSize  int      `yaml:"page_size" toml:"page_size"`
	MaxDepth  int      `yaml:"max_depth" toml:"max_depth"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
	ShareUnit string   `yaml:"share_unit" toml:"share_unit"`
	CheckIDs  *bool    `yaml:"check_ids" toml:"check_ids"`
}

// ChainConfig configures the JSON-RPC endpoint used for ownership and scale reads.
type ChainConfig struct {
	RPCURL           string  `yaml:"rpc_url" toml:"rpc_url"`
	RPCURLEnv        string  `yaml:"rpc_url_env" toml:"rpc_url_env"`
	RoyaltiesAddress string  `yaml:"royalties_address" toml:"royalties_address"`
	PercentScale     uint64  `yaml:"percent_scale" toml:"percent_scale"`
	RateLimit        float64 `yaml:"rate_limit" toml:"rate_limit"`
	Burst            int     `yaml:"burst" toml:"burst"`
	BlockNumber      uint64  `yaml:"block_number" toml:"block_number"`
}

// SettlementConfig tunes the window engine.
type SettlementConfig struct {
	Concurrency int `yaml:"concurrency" toml:"concurrency"`
	MaxDepth    int `yaml:"max_depth" toml:"max_depth"`
}

// ArchiveConfig selects where computed windows are persisted.
type ArchiveConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	Path   string `yaml:"path" toml:"path"`
}

// ServerConfig configures the proof API listener.
type ServerConfig struct {
	Listen       string   `yaml:"listen" toml:"listen"`
	ReadTimeout  Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout  Duration `yaml:"idle_timeout" toml:"idle_timeout"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Enabled  bool              `yaml:"enabled" toml:"enabled"`
	Endpoint string            `yaml:"endpoint" toml:"endpoint"`
	Insecure bool              `yaml:"insecure" toml:"insecure"`
	Headers  map[string]string `yaml:"headers" toml:"headers"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Env  string  `yaml:"env" toml:"env"`
	File LogFile `yaml:"file" toml:"file"`
}

// LogFile enables rotating file output when Path is set.
type LogFile struct {
	Path       string `yaml:"path" toml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// Load reads configuration from path. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(raw), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("decode config: unknown key %s", undecoded[0].String())
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.Chain.normalise(); err != nil {
		return cfg, fmt.Errorf("chain rpc: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// endpoints set.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

func (c *ChainConfig) normalise() error {
	c.RPCURL = strings.TrimSpace(c.RPCURL)
	if c.RPCURL != "" || strings.TrimSpace(c.RPCURLEnv) == "" {
		return nil
	}
	value := strings.TrimSpace(os.Getenv(strings.TrimSpace(c.RPCURLEnv)))
	if value == "" {
		return fmt.Errorf("environment variable %s is empty", c.RPCURLEnv)
	}
	c.RPCURL = value
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Subgraph.PageSize <= 0 {
		cfg.Subgraph.PageSize = 1000
	}
	if cfg.Subgraph.MaxDepth <= 0 {
		cfg.Subgraph.MaxDepth = 5
	}
	if cfg.Subgraph.Timeout.Duration == 0 {
		cfg.Subgraph.Timeout.Duration = 30 * time.Second
	}
	if cfg.Subgraph.ShareUnit == "" {
		cfg.Subgraph.ShareUnit = "percent"
	}
	if cfg.Subgraph.CheckIDs == nil {
		enabled := true
		cfg.Subgraph.CheckIDs = &enabled
	}
	if cfg.Chain.Burst <= 0 {
		cfg.Chain.Burst = 1
	}
	if cfg.Settlement.Concurrency <= 0 {
		cfg.Settlement.Concurrency = 8
	}
	if cfg.Settlement.MaxDepth <= 0 {
		cfg.Settlement.MaxDepth = cfg.Subgraph.MaxDepth
	}
	if cfg.Archive.Driver == "" {
		cfg.Archive.Driver = "memory"
	}
	cfg.Archive.Driver = strings.ToLower(strings.TrimSpace(cfg.Archive.Driver))
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":7090"
	}
	if cfg.Server.ReadTimeout.Duration == 0 {
		cfg.Server.ReadTimeout.Duration = 15 * time.Second
	}
	if cfg.Server.WriteTimeout.Duration == 0 {
		cfg.Server.WriteTimeout.Duration = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout.Duration == 0 {
		cfg.Server.IdleTimeout.Duration = 60 * time.Second
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4318"
	}
	if cfg.Telemetry.Headers == nil {
		cfg.Telemetry.Headers = map[string]string{}
	}
	if cfg.Log.File.Path != "" {
		if cfg.Log.File.MaxSizeMB <= 0 {
			cfg.Log.File.MaxSizeMB = 100
		}
		if cfg.Log.File.MaxBackups <= 0 {
			cfg.Log.File.MaxBackups = 5
		}
		if cfg.Log.File.MaxAgeDays <= 0 {
			cfg.Log.File.MaxAgeDays = 28
		}
	}
}

// Validate reports the first configuration problem found in cfg.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Subgraph.URL) == "" {
		return fmt.Errorf("subgraph url must be configured")
	}
	if cfg.Subgraph.PageSize > 1000 {
		return fmt.Errorf("subgraph page_size %d exceeds the indexer maximum of 1000", cfg.Subgraph.PageSize)
	}
	if cfg.Settlement.MaxDepth > cfg.Subgraph.MaxDepth {
		return fmt.Errorf("settlement max_depth %d exceeds subgraph max_depth %d", cfg.Settlement.MaxDepth, cfg.Subgraph.MaxDepth)
	}
	if cfg.Chain.RPCURL == "" {
		return fmt.Errorf("chain rpc_url or rpc_url_env must be configured")
	}
	if cfg.Chain.PercentScale == 0 {
		if !common.IsHexAddress(cfg.Chain.RoyaltiesAddress) {
			return fmt.Errorf("chain royalties_address must be a hex address when percent_scale is unset")
		}
	} else if cfg.Chain.RoyaltiesAddress != "" && !common.IsHexAddress(cfg.Chain.RoyaltiesAddress) {
		return fmt.Errorf("chain royalties_address %q is not a hex address", cfg.Chain.RoyaltiesAddress)
	}
	if cfg.Chain.RateLimit < 0 {
		return fmt.Errorf("chain rate_limit must not be negative")
	}
	switch cfg.Archive.Driver {
	case "sqlite", "postgres":
		if strings.TrimSpace(cfg.Archive.DSN) == "" {
			return fmt.Errorf("archive dsn required for driver %s", cfg.Archive.Driver)
		}
	case "leveldb":
		if strings.TrimSpace(cfg.Archive.Path) == "" {
			return fmt.Errorf("archive path required for driver leveldb")
		}
	case "memory":
	default:
		return fmt.Errorf("archive driver %q unsupported", cfg.Archive.Driver)
	}
	return nil
}
