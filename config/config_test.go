package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "royaltyd.yaml", `
subgraph:
  url: https://indexer.example/subgraphs/royalties
  page_size: 250
  max_depth: 6
  timeout: 10s
  share_unit: basis_points
  check_ids: false
chain:
  rpc_url: https://rpc.example
  royalties_address: "0x00000000000000000000000000000000000000aa"
  rate_limit: 20
  burst: 5
settlement:
  concurrency: 16
archive:
  driver: SQLite
  dsn: file:archive.db
server:
  listen: 127.0.0.1:9000
  write_timeout: 45s
telemetry:
  enabled: true
  endpoint: collector:4318
  headers:
    authorization: token
log:
  env: staging
  file:
    path: /var/log/royaltyd.log
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Subgraph.PageSize != 250 || cfg.Subgraph.MaxDepth != 6 {
		t.Fatalf("unexpected subgraph paging: %+v", cfg.Subgraph)
	}
	if cfg.Subgraph.Timeout.Duration != 10*time.Second {
		t.Fatalf("expected 10s timeout, got %s", cfg.Subgraph.Timeout)
	}
	if cfg.Subgraph.ShareUnit != "basis_points" || cfg.Subgraph.CheckIDs == nil || *cfg.Subgraph.CheckIDs {
		t.Fatalf("unexpected share settings: %+v", cfg.Subgraph)
	}
	if cfg.Chain.RateLimit != 20 || cfg.Chain.Burst != 5 {
		t.Fatalf("unexpected rate limit: %+v", cfg.Chain)
	}
	if cfg.Settlement.Concurrency != 16 {
		t.Fatalf("expected concurrency 16, got %d", cfg.Settlement.Concurrency)
	}
	if cfg.Settlement.MaxDepth != 6 {
		t.Fatalf("settlement depth should follow the subgraph depth, got %d", cfg.Settlement.MaxDepth)
	}
	if cfg.Archive.Driver != "sqlite" {
		t.Fatalf("driver should be normalised, got %q", cfg.Archive.Driver)
	}
	if cfg.Server.Listen != "127.0.0.1:9000" || cfg.Server.WriteTimeout.Duration != 45*time.Second {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Server.ReadTimeout.Duration != 15*time.Second {
		t.Fatalf("expected default read timeout, got %s", cfg.Server.ReadTimeout)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Headers["authorization"] != "token" {
		t.Fatalf("unexpected telemetry: %+v", cfg.Telemetry)
	}
	if cfg.Log.File.MaxSizeMB != 100 || cfg.Log.File.MaxBackups != 5 || cfg.Log.File.MaxAgeDays != 28 {
		t.Fatalf("expected rotation defaults, got %+v", cfg.Log.File)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "royaltyd.toml", `
[subgraph]
url = "https://indexer.example"
timeout = "1m"

[chain]
rpc_url = "https://rpc.example"
percent_scale = 10000

[archive]
driver = "leveldb"
path = "/data/archive"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Subgraph.Timeout.Duration != time.Minute {
		t.Fatalf("expected 1m timeout, got %s", cfg.Subgraph.Timeout)
	}
	if cfg.Chain.PercentScale != 10_000 {
		t.Fatalf("expected static scale, got %d", cfg.Chain.PercentScale)
	}
	if cfg.Subgraph.PageSize != 1000 || cfg.Subgraph.MaxDepth != 5 || cfg.Settlement.Concurrency != 8 {
		t.Fatalf("expected defaults, got %+v %+v", cfg.Subgraph, cfg.Settlement)
	}
	if cfg.Subgraph.CheckIDs == nil || !*cfg.Subgraph.CheckIDs {
		t.Fatalf("id checks should default on")
	}
	if cfg.Server.Listen != ":7090" {
		t.Fatalf("expected default listen address, got %q", cfg.Server.Listen)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	yamlPath := writeConfig(t, "bad.yaml", "subgraph:\n  url: https://indexer.example\n  pagesize: 10\n")
	if _, err := Load(yamlPath); err == nil {
		t.Fatalf("expected unknown yaml key to fail")
	}
	tomlPath := writeConfig(t, "bad.toml", "[subgraph]\nurl = \"https://indexer.example\"\npagesize = 10\n")
	if _, err := Load(tomlPath); err == nil || !strings.Contains(err.Error(), "pagesize") {
		t.Fatalf("expected unknown toml key to fail, got %v", err)
	}
}

func TestLoadRPCURLFromEnv(t *testing.T) {
	t.Setenv("REVSHARE_TEST_RPC", "https://rpc.example/v3/secret")
	path := writeConfig(t, "env.yaml", `
subgraph:
  url: https://indexer.example
chain:
  rpc_url_env: REVSHARE_TEST_RPC
  percent_scale: 100
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.RPCURL != "https://rpc.example/v3/secret" {
		t.Fatalf("expected rpc url from env, got %q", cfg.Chain.RPCURL)
	}

	t.Setenv("REVSHARE_TEST_RPC", "")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected empty env var to fail")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.Subgraph.URL = "https://indexer.example"
		cfg.Chain.RPCURL = "https://rpc.example"
		cfg.Chain.RoyaltiesAddress = "0x00000000000000000000000000000000000000aa"
		return cfg
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	cases := map[string]func(*Config){
		"missing subgraph":  func(c *Config) { c.Subgraph.URL = "" },
		"page size":         func(c *Config) { c.Subgraph.PageSize = 5000 },
		"settlement depth":  func(c *Config) { c.Settlement.MaxDepth = c.Subgraph.MaxDepth + 1 },
		"missing rpc":       func(c *Config) { c.Chain.RPCURL = "" },
		"missing royalties": func(c *Config) { c.Chain.RoyaltiesAddress = "" },
		"bad royalties": func(c *Config) {
			c.Chain.PercentScale = 100
			c.Chain.RoyaltiesAddress = "royalties"
		},
		"negative rate":  func(c *Config) { c.Chain.RateLimit = -1 },
		"sqlite dsn":     func(c *Config) { c.Archive.Driver = "sqlite" },
		"leveldb path":   func(c *Config) { c.Archive.Driver = "leveldb" },
		"unknown driver": func(c *Config) { c.Archive.Driver = "mongo" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation failure")
			}
		})
	}

	static := base()
	static.Chain.RoyaltiesAddress = ""
	static.Chain.PercentScale = 10_000
	if err := Validate(static); err != nil {
		t.Fatalf("static scale should not need a royalties address: %v", err)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	path := writeConfig(t, "dur.yaml", "subgraph:\n  url: https://indexer.example\n  timeout: soon\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "soon") {
		t.Fatalf("expected duration parse error, got %v", err)
	}
}
