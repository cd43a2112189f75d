package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/plc-bridge/backend/internal/bridge"
	"github.com/plc-bridge/backend/internal/config"
	"github.com/plc-bridge/backend/internal/procstat"
)

var ErrTooManyConnections = errors.New("too many connections")

const (
	statusTimeout   = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Bridge is the part of *bridge.Bridge the server drives.
type Bridge interface {
	Attach(v bridge.Viewer)
	Detach(id string)
	Command(id string, cmd bridge.Command)
	Status(ctx context.Context) (bridge.Status, error)
}

type ProcessSampler interface {
	Sample(ctx context.Context) (procstat.Stats, error)
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	bridge.Status
	Connections int             `json:"connections"`
	Process     *procstat.Stats `json:"process,omitempty"`
}

type Server struct {
	cfg            config.ServerConfig
	bridge         Bridge
	log            zerolog.Logger
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	gatherer       prometheus.Gatherer
	sampler        ProcessSampler

	mu    sync.Mutex
	conns int
}

func NewServer(cfg config.ServerConfig, b Bridge, log zerolog.Logger) *Server {
	s := &Server{
		cfg:            cfg,
		bridge:         b,
		log:            log,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetMetrics exposes g on /metrics. Must be called before SetupRoutes.
func (s *Server) SetMetrics(g prometheus.Gatherer) {
	s.gatherer = g
}

// SetProcessSampler adds process stats to /api/status.
func (s *Server) SetProcessSampler(p ProcessSampler) {
	s.sampler = p
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)

	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.cfg.StaticDir != "" {
		s.log.Info().Str("dir", s.cfg.StaticDir).Msg("serving static files")
		mux.Handle("/", securityHeaders(http.FileServer(http.Dir(s.cfg.StaticDir))))
	}
}

func (s *Server) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxConnections > 0 && s.conns >= s.cfg.MaxConnections {
		return ErrTooManyConnections
	}
	s.conns++
	return nil
}

func (s *Server) release() {
	s.mu.Lock()
	s.conns--
	s.mu.Unlock()
}

// ConnectionCount returns the number of open viewer connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if err := s.acquire(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release()
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}

	c := newClient(conn, s.log)
	c.log.Info().Str("remote", r.RemoteAddr).Msg("viewer connected")
	go c.writePump()
	s.bridge.Attach(c)

	go func() {
		defer func() {
			s.bridge.Detach(c.id)
			c.Close()
			s.release()
			c.log.Info().Msg("viewer disconnected")
		}()
		c.readPump(func(data []byte) { s.handleInbound(c, data) })
	}()
}

func (s *Server) handleInbound(c *client, data []byte) {
	cmd, err := ParseCommand(data)
	if err != nil {
		c.log.Debug().Err(err).Msg("rejected command")
		c.Send(bridge.Message{Type: bridge.MsgError, Payload: bridge.ErrorPayload{Message: err.Error()}})
		return
	}
	s.bridge.Command(c.id, cmd)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	st, err := s.bridge.Status(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	resp := StatusResponse{Status: st, Connections: s.ConnectionCount()}
	if s.sampler != nil {
		if ps, err := s.sampler.Sample(ctx); err == nil {
			resp.Process = &ps
		} else {
			s.log.Debug().Err(err).Msg("sample process stats")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts the
// listener down gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
