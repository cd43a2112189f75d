package upstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// State is the lifecycle phase of a Session.
type State int

const (
	Closed State = iota
	Opening
	Open
	SubscriptionActive
	Closing
)

var stateNames = map[State]string{
	Closed:             "closed",
	Opening:            "opening",
	Open:               "open",
	SubscriptionActive: "subscribed",
	Closing:            "closing",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// MonitoredVariable names a node to include in a subscription.
type MonitoredVariable struct {
	Name   string
	Handle NodeHandle
}

type EventKind int

const (
	EventChange EventKind = iota
	EventTerminated
)

// Event is a subscription event translated to variable names.
type Event struct {
	Kind EventKind
	Name string
	Raw  float64
	Err  error
}

const notifyBuffer = 64

// Session owns the single upstream session and its subscription. It does
// no reference counting: the owner calls Open and Close at the points
// where the session should exist.
//
// State transitions:
//
//	Closed -> Opening -> Open -> SubscriptionActive -> Closing -> Closed
//
// An unsolicited termination moves SubscriptionActive straight to Closing;
// the owner is told through an EventTerminated and must call Close.
type Session struct {
	client    Client
	subParams SubscriptionParams
	monParams MonitorParams
	log       zerolog.Logger

	mu         sync.Mutex
	state      State
	closing    bool
	terminated bool
	sub        Subscription
	stop       chan struct{}
	pumpDone   chan struct{}
}

type SessionOption func(*Session)

func WithSubscriptionParams(p SubscriptionParams) SessionOption {
	return func(s *Session) { s.subParams = p }
}

func WithMonitorParams(p MonitorParams) SessionOption {
	return func(s *Session) { s.monParams = p }
}

func WithLogger(l zerolog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

func NewSession(client Client, opts ...SessionOption) *Session {
	s := &Session{
		client: client,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsOpen reports whether the session can serve reads, writes and browses.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked()
}

func (s *Session) usableLocked() bool {
	return s.state == Open || s.state == SubscriptionActive
}

// Open connects and creates the protocol session. Opening an already open
// session is a no-op.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Open, SubscriptionActive:
		s.mu.Unlock()
		return nil
	case Opening, Closing:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("open: session is %s", st)
	}
	s.state = Opening
	s.mu.Unlock()

	if err := s.client.Connect(ctx); err != nil {
		s.setState(Closed)
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	s.setState(Open)
	s.log.Info().Msg("upstream session opened")
	return nil
}

// Subscribe creates one subscription carrying every variable in vars. The
// returned channel yields change events in arrival order and is closed
// when the subscription ends, either through Unsubscribe/Close or after an
// EventTerminated.
func (s *Session) Subscribe(ctx context.Context, vars []MonitoredVariable) (<-chan Event, error) {
	s.mu.Lock()
	if s.state != Open {
		st := s.state
		s.mu.Unlock()
		if st == SubscriptionActive {
			return nil, fmt.Errorf("%w: already subscribed", ErrSubscription)
		}
		return nil, fmt.Errorf("%w: %w", ErrSubscription, ErrNotOpen)
	}
	s.mu.Unlock()

	notify := make(chan Notification, notifyBuffer)
	sub, err := s.client.CreateSubscription(ctx, s.subParams, notify)
	if err != nil {
		return nil, fmt.Errorf("%w: create: %v", ErrSubscription, err)
	}

	names := make(map[uint32]string, len(vars))
	for i, v := range vars {
		clientHandle := uint32(i + 1)
		names[clientHandle] = v.Name
		if err := sub.Monitor(ctx, v.Handle, clientHandle, s.monParams); err != nil {
			if cerr := sub.Cancel(context.WithoutCancel(ctx)); cerr != nil {
				s.log.Warn().Err(cerr).Msg("cancel after failed monitor")
			}
			return nil, fmt.Errorf("%w: monitor %s: %v", ErrSubscription, v.Name, err)
		}
	}

	events := make(chan Event, notifyBuffer)
	stop := make(chan struct{})
	done := make(chan struct{})

	s.mu.Lock()
	s.sub = sub
	s.stop = stop
	s.pumpDone = done
	s.terminated = false
	s.state = SubscriptionActive
	s.mu.Unlock()

	go s.pump(notify, events, names, stop, done)

	s.log.Info().Int("items", len(vars)).Msg("upstream subscription started")
	return events, nil
}

func (s *Session) pump(in <-chan Notification, out chan<- Event, names map[uint32]string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-stop:
			return false
		}
	}

	for {
		select {
		case <-stop:
			return
		case n := <-in:
			if n.Terminated {
				s.markTerminated()
				err := ErrTerminated
				if n.Err != nil {
					err = fmt.Errorf("%w: %v", ErrTerminated, n.Err)
				}
				s.log.Warn().Err(err).Msg("upstream subscription terminated")
				emit(Event{Kind: EventTerminated, Err: err})
				return
			}
			if n.Err != nil {
				s.log.Warn().Err(n.Err).Msg("notification error")
				continue
			}
			for _, c := range n.Changes {
				name, ok := names[c.ClientHandle]
				if !ok {
					continue
				}
				if !emit(Event{Kind: EventChange, Name: name, Raw: c.Value}) {
					return
				}
			}
		}
	}
}

func (s *Session) markTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = true
	if s.state == SubscriptionActive {
		s.state = Closing
	}
}

// Unsubscribe cancels the active subscription, if any, and leaves the
// session open.
func (s *Session) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.sub == nil {
		s.mu.Unlock()
		return nil
	}
	sub, stop, done, terminated := s.detachSubLocked()
	if s.state == SubscriptionActive {
		s.state = Open
	}
	s.mu.Unlock()

	return s.cancel(ctx, sub, stop, done, terminated)
}

// detachSubLocked clears the subscription fields. Caller must hold s.mu.
func (s *Session) detachSubLocked() (Subscription, chan struct{}, chan struct{}, bool) {
	sub, stop, done, terminated := s.sub, s.stop, s.pumpDone, s.terminated
	s.sub = nil
	s.stop = nil
	s.pumpDone = nil
	return sub, stop, done, terminated
}

func (s *Session) cancel(ctx context.Context, sub Subscription, stop, done chan struct{}, terminated bool) error {
	close(stop)
	<-done
	if terminated {
		// The upstream already dropped it; there is nothing to cancel.
		return nil
	}
	if err := sub.Cancel(ctx); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	s.log.Info().Msg("upstream subscription cancelled")
	return nil
}

// Close tears the session down, cancelling the subscription first. It is
// safe to call on a closed session and on a session whose subscription was
// terminated by the upstream.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Closed || s.closing {
		s.mu.Unlock()
		return nil
	}
	if s.state == Opening {
		s.mu.Unlock()
		return fmt.Errorf("close: session is %s", Opening)
	}
	s.state = Closing
	s.closing = true
	var (
		sub        Subscription
		stop, done chan struct{}
		terminated bool
	)
	hadSub := s.sub != nil
	if hadSub {
		sub, stop, done, terminated = s.detachSubLocked()
	}
	s.mu.Unlock()

	var subErr error
	if hadSub {
		subErr = s.cancel(ctx, sub, stop, done, terminated)
		if subErr != nil {
			s.log.Warn().Err(subErr).Msg("unsubscribe during close")
		}
	}

	err := s.client.Close(ctx)

	s.mu.Lock()
	s.state = Closed
	s.closing = false
	s.terminated = false
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	s.log.Info().Msg("upstream session closed")
	return subErr
}

func (s *Session) Browse(ctx context.Context, h NodeHandle) ([]Reference, error) {
	if !s.IsOpen() {
		return nil, ErrNotOpen
	}
	return s.client.Browse(ctx, h)
}

func (s *Session) ReadValue(ctx context.Context, h NodeHandle) (float64, error) {
	if !s.IsOpen() {
		return 0, ErrNotOpen
	}
	return s.client.Read(ctx, h)
}

// WriteValue writes v to h. Every failure wraps ErrWrite.
func (s *Session) WriteValue(ctx context.Context, h NodeHandle, v float64) error {
	if !s.IsOpen() {
		return fmt.Errorf("%w: %w", ErrWrite, ErrNotOpen)
	}
	if err := s.client.Write(ctx, h, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWrite, h, err)
	}
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
