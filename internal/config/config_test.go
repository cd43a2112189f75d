package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/plc-bridge/backend/internal/bridge"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Upstream.FullScale != 32767 {
		t.Errorf("FullScale = %v, want 32767", cfg.Upstream.FullScale)
	}
	if cfg.Upstream.RootNode != "i=84" {
		t.Errorf("RootNode = %q, want i=84", cfg.Upstream.RootNode)
	}
	if len(cfg.Upstream.Groups) != 2 {
		t.Errorf("expected 2 default groups, got %d", len(cfg.Upstream.Groups))
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  max_connections: 5
  allowed_origins:
    - "http://hmi.local"
upstream:
  endpoint: "opc.tcp://10.0.0.5:4840"
  input_b: "AI2"
  reconnect_delay: 2s
  subscription:
    publishing_interval: 250ms
    priority: 1
log:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want default 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Server.MaxConnections != 5 {
		t.Errorf("MaxConnections = %d, want 5", cfg.Server.MaxConnections)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://hmi.local" {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Upstream.Endpoint != "opc.tcp://10.0.0.5:4840" {
		t.Errorf("Endpoint = %q", cfg.Upstream.Endpoint)
	}
	if cfg.Upstream.InputA != "AI0" || cfg.Upstream.InputB != "AI2" {
		t.Errorf("inputs = %q/%q, want AI0/AI2", cfg.Upstream.InputA, cfg.Upstream.InputB)
	}
	if cfg.Upstream.ReconnectDelay != 2*time.Second {
		t.Errorf("ReconnectDelay = %v, want 2s", cfg.Upstream.ReconnectDelay)
	}

	sub := cfg.Upstream.SubscriptionParams()
	if sub.PublishingInterval != 250*time.Millisecond {
		t.Errorf("PublishingInterval = %v, want 250ms", sub.PublishingInterval)
	}
	if sub.Priority != 1 {
		t.Errorf("Priority = %d, want 1", sub.Priority)
	}
	if sub.LifetimeCount != 10 || sub.KeepAliveCount != 2 {
		t.Errorf("unset subscription fields lost their defaults: %+v", sub)
	}

	mon := cfg.Upstream.MonitorParams()
	if mon.QueueSize != 10 || !mon.DiscardOldest {
		t.Errorf("MonitorParams = %+v, want defaults", mon)
	}
	bc := cfg.Upstream.BridgeConfig()
	if bc.InputB != "AI2" || bc.Root != "i=84" || bc.ReconnectDelay != 2*time.Second {
		t.Errorf("BridgeConfig() = %+v", bc)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() on missing file should fail")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Upstream.Output != "OPC_VAL" {
		t.Errorf("Output = %q, want default OPC_VAL", cfg.Upstream.Output)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [port")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() should fail on invalid YAML")
	}
	if _, err := LoadOrDefault(path); err == nil {
		t.Fatal("LoadOrDefault() should not hide a parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"empty endpoint", func(c *Config) { c.Upstream.Endpoint = "" }, "upstream.endpoint"},
		{"no groups", func(c *Config) { c.Upstream.Groups = nil }, "upstream.groups"},
		{"zero full scale", func(c *Config) { c.Upstream.FullScale = 0 }, "full_scale"},
		{"zero timeout", func(c *Config) { c.Upstream.Timeout = 0 }, "timeout"},
		{"negative retry", func(c *Config) { c.Upstream.ReconnectDelay = -time.Second }, "reconnect_delay"},
		{"missing output", func(c *Config) { c.Upstream.Output = "" }, "upstream.output"},
		{"input used as output", func(c *Config) { c.Upstream.Output = "AI0" }, `both name "AI0"`},
		{"same inputs", func(c *Config) { c.Upstream.InputB = "AI0" }, "input_a and upstream.input_b"},
		{"unknown value type", func(c *Config) { c.Upstream.ValueType = "int8" }, "value_type"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"negative max connections", func(c *Config) { c.Server.MaxConnections = -1 }, "max_connections"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"unknown initial mode", func(c *Config) { c.Upstream.InitialMode = "turbo" }, "initial_mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := defaultConfig()
	cfg.Upstream.Endpoint = ""
	cfg.Upstream.FullScale = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{"endpoint", "full_scale"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestBridgeConfigInitialMode(t *testing.T) {
	tests := []struct {
		in   string
		want bridge.Mode
	}{
		{"", bridge.InputA},
		{"input A", bridge.InputA},
		{"input B", bridge.InputB},
		{"manual", bridge.Manual},
	}
	for _, tt := range tests {
		u := defaultConfig().Upstream
		u.InitialMode = tt.in
		if got := u.BridgeConfig().InitialMode; got != tt.want {
			t.Errorf("BridgeConfig(%q).InitialMode = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAddr(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 8080}
	if got := s.Addr(); got != "127.0.0.1:8080" {
		t.Errorf("Addr() = %q", got)
	}
}
