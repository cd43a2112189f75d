package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/plc-bridge/backend/internal/bridge"
	"github.com/plc-bridge/backend/internal/config"
	"github.com/plc-bridge/backend/internal/discovery"
	"github.com/plc-bridge/backend/internal/metrics"
	"github.com/plc-bridge/backend/internal/mirror"
	"github.com/plc-bridge/backend/internal/mock"
	"github.com/plc-bridge/backend/internal/procstat"
	"github.com/plc-bridge/backend/internal/uaclient"
	"github.com/plc-bridge/backend/internal/upstream"
	"github.com/plc-bridge/backend/internal/ws"
)

const version = "1.0.0"

func main() {
	configPath := pflag.String("config", "config.yaml", "Path to config file")
	mockMode := pflag.Bool("mock", false, "Use a simulated PLC instead of the OPC UA endpoint")
	port := pflag.Int("port", 0, "Override server port")
	staticDir := pflag.String("static-dir", "", "Serve files from this directory at /")
	logLevel := pflag.String("log-level", "", "Override log level (debug, info, warn, error)")
	pflag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		boot := newLogger(config.LogConfig{Format: "json"})
		boot.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *staticDir != "" {
		cfg.Server.StaticDir = *staticDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log := newLogger(cfg.Log)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		log.Fatal().Err(err).Msg("register metrics")
	}

	var client upstream.Client
	if *mockMode {
		log.Info().Msg("starting with simulated PLC")
		plc := mock.NewPLCServer()
		mock.NewGenerator(plc, cfg.Upstream.FullScale, cfg.Mock.Interval, component(log, "mock")).Start(ctx)
		client = plc
	} else {
		log.Info().Str("endpoint", cfg.Upstream.Endpoint).Msg("starting with OPC UA upstream")
		client = uaclient.New(cfg.Upstream, component(log, "uaclient"))
	}

	session := upstream.NewSession(client,
		upstream.WithSubscriptionParams(cfg.Upstream.SubscriptionParams()),
		upstream.WithMonitorParams(cfg.Upstream.MonitorParams()),
		upstream.WithLogger(component(log, "session")),
	)

	opts := []bridge.Option{
		bridge.WithLogger(component(log, "bridge")),
		bridge.WithMetrics(m),
	}
	if cfg.Mirror.NATSURL != "" {
		mir, err := mirror.Connect(cfg.Mirror.NATSURL, cfg.Mirror.Subject, component(log, "mirror"))
		if err != nil {
			log.Warn().Err(err).Msg("update mirror disabled")
		} else {
			defer mir.Close()
			opts = append(opts, bridge.WithMirror(mir))
		}
	}

	b := bridge.New(cfg.Upstream.BridgeConfig(), session, opts...)
	b.Start(ctx)
	defer b.Stop()

	server := ws.NewServer(cfg.Server, b, component(log, "ws"))
	server.SetMetrics(reg)
	if sampler, err := procstat.New(); err == nil {
		server.SetProcessSampler(sampler)
	} else {
		log.Warn().Err(err).Msg("process stats unavailable")
	}

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	if cfg.Discovery.Enabled {
		adv, err := discovery.Advertise(cfg.Discovery, cfg.Server.Port, discovery.TXT{
			Path:     "/ws",
			Version:  version,
			Upstream: cfg.Upstream.Endpoint,
		}, component(log, "discovery"))
		if err != nil {
			log.Warn().Err(err).Msg("mdns advertisement disabled")
		} else {
			defer adv.Shutdown()
		}
	}

	if err := ws.ListenAndServe(ctx, cfg.Server.Addr(), mux, component(log, "http")); err != nil {
		log.Error().Err(err).Msg("server error")
		cancel()
		b.Stop()
		os.Exit(1)
	}
	log.Info().Msg("shutting down")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.Format == "json" {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return log.Level(level).With().Timestamp().Logger()
}

func component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
