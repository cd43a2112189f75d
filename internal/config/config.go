package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/plc-bridge/backend/internal/bridge"
	"github.com/plc-bridge/backend/internal/upstream"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Mock      MockConfig      `yaml:"mock"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"` // 0 = unlimited
	StaticDir      string   `yaml:"static_dir"`
}

type UpstreamConfig struct {
	Endpoint string `yaml:"endpoint"`
	RootNode string `yaml:"root_node"`
	// Groups are browsed in order to discover the variables below.
	Groups         []string           `yaml:"groups"`
	InputA         string             `yaml:"input_a"`
	InputB         string             `yaml:"input_b"`
	Manual         string             `yaml:"manual"`
	Output         string             `yaml:"output"`
	FullScale      float64            `yaml:"full_scale"`
	ValueType      string             `yaml:"value_type"`
	Timeout        time.Duration      `yaml:"timeout"`
	ReconnectDelay time.Duration      `yaml:"reconnect_delay"`
	// InitialMode is "input A", "input B" or "manual".
	InitialMode    string             `yaml:"initial_mode"`
	Subscription   SubscriptionConfig `yaml:"subscription"`
	Monitoring     MonitoringConfig   `yaml:"monitoring"`
}

type SubscriptionConfig struct {
	PublishingInterval         time.Duration `yaml:"publishing_interval"`
	LifetimeCount              uint32        `yaml:"lifetime_count"`
	KeepAliveCount             uint32        `yaml:"keep_alive_count"`
	MaxNotificationsPerPublish uint32        `yaml:"max_notifications_per_publish"`
	Priority                   uint8         `yaml:"priority"`
}

type MonitoringConfig struct {
	SamplingInterval time.Duration `yaml:"sampling_interval"`
	QueueSize        uint32        `yaml:"queue_size"`
	DiscardOldest    bool          `yaml:"discard_oldest"`
}

type MockConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// MirrorConfig enables publishing of every update to NATS when NATSURL is
// set.
type MirrorConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
	Service  string `yaml:"service"`
	Domain   string `yaml:"domain"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// ValueTypes lists the accepted upstream.value_type settings.
var ValueTypes = []string{"int16", "uint16", "int32", "float", "double"}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Upstream: UpstreamConfig{
			Endpoint: "opc.tcp://192.168.1.2:4840",
			RootNode: "i=84",
			Groups: []string{
				"Objects/Raspberry Pi/Application/IoConfig_Globals_Mapping",
				"Objects/Raspberry Pi/Application/PLC_PRG",
			},
			InputA:         "AI0",
			InputB:         "AI1",
			Manual:         "MAN",
			Output:         "OPC_VAL",
			FullScale:      32767,
			ValueType:      "int16",
			Timeout:        10 * time.Second,
			ReconnectDelay: 5 * time.Second,
			InitialMode:    "input A",
			Subscription: SubscriptionConfig{
				PublishingInterval:         100 * time.Millisecond,
				LifetimeCount:              10,
				KeepAliveCount:             2,
				MaxNotificationsPerPublish: 10,
				Priority:                   10,
			},
			Monitoring: MonitoringConfig{
				SamplingInterval: 100 * time.Millisecond,
				QueueSize:        10,
				DiscardOldest:    true,
			},
		},
		Mock: MockConfig{
			Interval: 100 * time.Millisecond,
		},
		Mirror: MirrorConfig{
			Subject: "plcbridge.updates",
		},
		Discovery: DiscoveryConfig{
			Instance: "plc-bridge",
			Service:  "_plcbridge._tcp",
			Domain:   "local.",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads path over the defaults. Fields absent from the file keep their
// default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	var errs []error
	u := c.Upstream

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if u.Endpoint == "" {
		errs = append(errs, errors.New("upstream.endpoint is required"))
	}
	if len(u.Groups) == 0 {
		errs = append(errs, errors.New("upstream.groups must name at least one path"))
	}
	if u.FullScale <= 0 {
		errs = append(errs, errors.New("upstream.full_scale must be positive"))
	}
	if u.Timeout <= 0 {
		errs = append(errs, errors.New("upstream.timeout must be positive"))
	}
	if u.ReconnectDelay < 0 {
		errs = append(errs, errors.New("upstream.reconnect_delay must not be negative"))
	}

	names := map[string]string{}
	for _, f := range []struct{ key, name string }{
		{"input_a", u.InputA}, {"input_b", u.InputB}, {"manual", u.Manual}, {"output", u.Output},
	} {
		if f.name == "" {
			errs = append(errs, fmt.Errorf("upstream.%s is required", f.key))
			continue
		}
		if other, dup := names[f.name]; dup {
			errs = append(errs, fmt.Errorf("upstream.%s and upstream.%s both name %q", other, f.key, f.name))
			continue
		}
		names[f.name] = f.key
	}

	if _, err := bridge.ParseMode(u.InitialMode); u.InitialMode != "" && err != nil {
		errs = append(errs, fmt.Errorf("upstream.initial_mode: %w", err))
	}
	if !validValueType(u.ValueType) {
		errs = append(errs, fmt.Errorf("upstream.value_type %q is not one of %v", u.ValueType, ValueTypes))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

func validValueType(t string) bool {
	for _, v := range ValueTypes {
		if v == t {
			return true
		}
	}
	return false
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (u UpstreamConfig) SubscriptionParams() upstream.SubscriptionParams {
	return upstream.SubscriptionParams{
		PublishingInterval:         u.Subscription.PublishingInterval,
		LifetimeCount:              u.Subscription.LifetimeCount,
		KeepAliveCount:             u.Subscription.KeepAliveCount,
		MaxNotificationsPerPublish: u.Subscription.MaxNotificationsPerPublish,
		Priority:                   u.Subscription.Priority,
	}
}

func (u UpstreamConfig) MonitorParams() upstream.MonitorParams {
	return upstream.MonitorParams{
		SamplingInterval: u.Monitoring.SamplingInterval,
		QueueSize:        u.Monitoring.QueueSize,
		DiscardOldest:    u.Monitoring.DiscardOldest,
	}
}

// BridgeConfig maps the upstream section onto the bridge. An empty or
// unknown initial mode falls back to input A.
func (u UpstreamConfig) BridgeConfig() bridge.Config {
	mode, err := bridge.ParseMode(u.InitialMode)
	if err != nil {
		mode = bridge.InputA
	}
	return bridge.Config{
		Root:           upstream.NodeHandle(u.RootNode),
		Groups:         u.Groups,
		InputA:         u.InputA,
		InputB:         u.InputB,
		Manual:         u.Manual,
		Output:         u.Output,
		FullScale:      u.FullScale,
		Timeout:        u.Timeout,
		ReconnectDelay: u.ReconnectDelay,
		InitialMode:    mode,
	}
}
