// Package bridge connects one upstream session to any number of viewers.
//
// All shared state (the viewer pool, the variable registry, the current
// mode and the session phase) is owned by a single goroutine that handles
// events from one mailbox. Attach, detach, viewer commands, upstream
// notifications and the results of background setup and teardown are all
// events. Upstream I/O runs in worker goroutines that post their result
// back, so a slow browse or write never stalls the loop.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plc-bridge/backend/internal/metrics"
	"github.com/plc-bridge/backend/internal/registry"
	"github.com/plc-bridge/backend/internal/upstream"
)

var ErrStopped = errors.New("bridge stopped")

const (
	mailboxSize    = 256
	defaultTimeout = 10 * time.Second
)

// Config names the address-space locations the bridge works with.
type Config struct {
	Root upstream.NodeHandle
	// Groups are browsed in order; a name found in a later group replaces
	// the same name from an earlier one.
	Groups []string
	InputA string
	InputB string
	// Manual is used when present in a group. Otherwise a placeholder is
	// seeded from the output's current value.
	Manual    string
	Output    string
	FullScale float64
	// Timeout bounds one setup and one teardown.
	Timeout time.Duration
	// ReconnectDelay is the wait before retrying setup while viewers are
	// attached. Zero disables retries; the next attach retries instead.
	ReconnectDelay time.Duration
	// InitialMode is the mode in force before any viewer selects one.
	InitialMode Mode
}

func (c Config) withDefaults() Config {
	if c.FullScale <= 0 {
		c.FullScale = DefaultFullScale
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

type Phase int

const (
	PhaseClosed Phase = iota
	PhaseOpening
	PhaseReady
	PhaseClosing
)

var phaseNames = map[Phase]string{
	PhaseClosed:  "closed",
	PhaseOpening: "opening",
	PhaseReady:   "ready",
	PhaseClosing: "closing",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Status is a point-in-time view of the bridge.
type Status struct {
	Phase         Phase          `json:"phase"`
	Session       string         `json:"session"`
	Viewers       int            `json:"viewers"`
	Mode          Mode           `json:"mode"`
	Variables     map[string]int `json:"variables"`
	Health        HealthStatus   `json:"health"`
	SetupFailures int            `json:"setupFailures"`
	LastError     string         `json:"lastError,omitempty"`
}

type Bridge struct {
	cfg      Config
	session  *upstream.Session
	resolver *upstream.Resolver
	registry *registry.Registry
	writer   *outputWriter
	metrics  *metrics.Metrics
	mirror   Mirror
	log      zerolog.Logger

	events   chan interface{}
	stopping chan struct{}
	done     chan struct{}
	workCtx  context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup
	stopOnce sync.Once

	// Owned by the loop goroutine.
	phase   Phase
	gen     uint64
	mode    Mode
	output  upstream.NodeHandle
	viewers map[string]Viewer
	pending map[string]bool // attached viewers still owed a snapshot
	reopen  bool
	retry   *time.Timer
	health  setupHealth
}

type Option func(*Bridge)

func WithLogger(l zerolog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithMetrics records bridge activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithMirror copies every broadcast update to m.
func WithMirror(m Mirror) Option {
	return func(b *Bridge) { b.mirror = m }
}

func New(cfg Config, session *upstream.Session, opts ...Option) *Bridge {
	cfg = cfg.withDefaults()
	b := &Bridge{
		cfg:      cfg,
		session:  session,
		resolver: upstream.NewResolver(session, cfg.Root),
		registry: registry.New(),
		log:      zerolog.Nop(),
		events:   make(chan interface{}, mailboxSize),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		mode:     cfg.InitialMode,
		viewers:  make(map[string]Viewer),
		pending:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.writer = newOutputWriter(session, cfg.Timeout, b.metrics, b.log)
	return b
}

// Start runs the bridge until ctx is cancelled or Stop is called.
func (b *Bridge) Start(ctx context.Context) {
	b.workCtx, b.cancel = context.WithCancel(ctx)
	go b.writer.run(b.workCtx)
	go b.run(b.workCtx)
	b.log.Info().Strs("groups", b.cfg.Groups).Msg("bridge started")
}

// Stop closes the upstream session and waits for the loop to exit.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
	})
	if b.cancel != nil {
		<-b.done
	}
}

// Attach adds v to the pool. The first viewer opens the upstream session;
// every viewer gets a snapshot once the session is ready, or an error
// message if setup fails.
func (b *Bridge) Attach(v Viewer) {
	b.post(attachEvent{viewer: v})
}

// Detach removes the viewer with the given id. The last one out closes the
// upstream session.
func (b *Bridge) Detach(id string) {
	b.post(detachEvent{id: id})
}

// Command queues a request from the viewer with the given id.
func (b *Bridge) Command(id string, cmd Command) {
	b.post(commandEvent{id: id, cmd: cmd})
}

func (b *Bridge) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if !b.post(statusEvent{reply: reply}) {
		return Status{}, ErrStopped
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case <-b.done:
		return Status{}, ErrStopped
	}
}

type (
	attachEvent struct{ viewer Viewer }
	detachEvent struct{ id string }

	commandEvent struct {
		id  string
		cmd Command
	}

	notifyEvent struct {
		gen   uint64
		event upstream.Event
	}

	setupDoneEvent struct {
		gen    uint64
		result *setupResult
		err    error
	}

	teardownDoneEvent struct {
		gen uint64
		err error
	}

	retryEvent  struct{ gen uint64 }
	statusEvent struct{ reply chan<- Status }
)

// post queues ev for the loop. It reports false once the bridge is
// stopping.
func (b *Bridge) post(ev interface{}) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.stopping:
		return false
	}
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return
		case ev := <-b.events:
			b.handle(ev)
		}
	}
}

func (b *Bridge) handle(ev interface{}) {
	switch ev := ev.(type) {
	case attachEvent:
		b.attach(ev.viewer)
	case detachEvent:
		b.detach(ev.id)
	case commandEvent:
		b.command(ev.id, ev.cmd)
	case notifyEvent:
		b.notify(ev)
	case setupDoneEvent:
		b.setupDone(ev)
	case teardownDoneEvent:
		b.teardownDone(ev)
	case retryEvent:
		b.retryDue(ev)
	case statusEvent:
		ev.reply <- b.status()
	}
}

func (b *Bridge) shutdown() {
	close(b.stopping)
	b.stopRetry()
	b.workers.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()
	if err := b.session.Close(ctx); err != nil {
		b.log.Warn().Err(err).Msg("close session on shutdown")
	}
	b.phase = PhaseClosed
	b.metrics.SetSessionOpen(false)
	b.log.Info().Msg("bridge stopped")
}

func (b *Bridge) status() Status {
	vars := make(map[string]int)
	for _, v := range b.registry.All() {
		if v.HasValue {
			vars[v.Name] = Normalize(v.Value, b.cfg.FullScale)
		}
	}
	return Status{
		Phase:         b.phase,
		Session:       b.session.State().String(),
		Viewers:       len(b.viewers),
		Mode:          b.mode,
		Variables:     vars,
		Health:        b.health.status(),
		SetupFailures: b.health.failures,
		LastError:     b.health.lastErr,
	}
}
