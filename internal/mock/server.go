package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plc-bridge/backend/internal/upstream"
)

// RootHandle is the handle of the address-space root.
const RootHandle upstream.NodeHandle = "i=84"

// terminateWait bounds how long a termination waits for a full consumer.
const terminateWait = 2 * time.Second

var errNotConnected = errors.New("mock: not connected")

type node struct {
	name     string
	handle   upstream.NodeHandle
	children []*node
	value    float64
	hasValue bool
}

// Write records one output write seen by the server.
type Write struct {
	Handle upstream.NodeHandle
	Value  float64
}

// Calls counts the protocol calls a Server has served.
type Calls struct {
	Connects      int
	Closes        int
	Browses       int
	Reads         int
	Subscriptions int
	Monitors      int
	Cancels       int
}

// Server is an in-memory address space implementing upstream.Client. It
// records every call so tests can assert on traffic, and it accepts
// injected failures.
type Server struct {
	mu        sync.Mutex
	nodes     map[upstream.NodeHandle]*node
	byName    map[string]*node
	connected bool
	subs      map[*subscription]bool
	calls     Calls
	writes    []Write

	connectErr   error
	writeErr     error
	subscribeErr error
	monitorErr   error
	connectGate  chan struct{}
}

func NewServer() *Server {
	root := &node{name: "Root", handle: RootHandle}
	return &Server{
		nodes:  map[upstream.NodeHandle]*node{RootHandle: root},
		byName: make(map[string]*node),
		subs:   make(map[*subscription]bool),
	}
}

// NewPLCServer builds the address space of the reference installation:
// two analog inputs and the analog output under IoConfig_Globals_Mapping,
// and the program variables under PLC_PRG. There is no MAN node, so the
// bridge seeds its manual input from the output.
func NewPLCServer() *Server {
	s := NewServer()
	s.AddFolder("Objects/Server")
	s.AddVariable("Objects/Raspberry Pi/Application/IoConfig_Globals_Mapping", "AI0", 0)
	s.AddVariable("Objects/Raspberry Pi/Application/IoConfig_Globals_Mapping", "AI1", 0)
	s.AddVariable("Objects/Raspberry Pi/Application/IoConfig_Globals_Mapping", "OPC_VAL", 0)
	s.AddVariable("Objects/Raspberry Pi/Application/PLC_PRG", "bRunning", 1)
	s.AddVariable("Objects/Raspberry Pi/Application/PLC_PRG", "iCycle", 0)
	return s
}

// AddFolder creates every missing node along path and returns the handle
// of the last one.
func (s *Server) AddFolder(path string) upstream.NodeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensurePathLocked(upstream.SplitPath(path)).handle
}

// AddVariable creates a variable named name under the folder at path.
func (s *Server) AddVariable(path, name string, value float64) upstream.NodeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent := s.ensurePathLocked(upstream.SplitPath(path))
	n := s.childLocked(parent, name)
	n.value = value
	n.hasValue = true
	s.byName[name] = n
	return n.handle
}

func (s *Server) ensurePathLocked(segments []string) *node {
	current := s.nodes[RootHandle]
	for _, seg := range segments {
		current = s.childLocked(current, seg)
	}
	return current
}

func (s *Server) childLocked(parent *node, name string) *node {
	for _, c := range parent.children {
		if c.name == name {
			return c
		}
	}
	handle := upstream.NodeHandle("ns=1;s=" + name)
	if parent.handle != RootHandle {
		handle = parent.handle + "." + upstream.NodeHandle(name)
	}
	n := &node{name: name, handle: handle}
	parent.children = append(parent.children, n)
	s.nodes[handle] = n
	return n
}

// Handle returns the handle of the variable called name.
func (s *Server) Handle(name string) (upstream.NodeHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byName[name]
	if !ok {
		return "", false
	}
	return n.handle, true
}

// Set changes a variable's value and notifies every subscription
// monitoring it.
func (s *Server) Set(name string, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("mock: no variable %q", name)
	}
	n.value = v
	n.hasValue = true
	s.notifyLocked(n.handle, v)
	return nil
}

// Value returns a variable's current value.
func (s *Server) Value(name string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byName[name]
	if !ok || !n.hasValue {
		return 0, false
	}
	return n.value, true
}

func (s *Server) notifyLocked(h upstream.NodeHandle, v float64) {
	for sub := range s.subs {
		for clientHandle, monitored := range sub.items {
			if monitored == h {
				sub.deliver(upstream.Notification{
					Changes: []upstream.DataChange{{ClientHandle: clientHandle, Value: v}},
				})
			}
		}
	}
}

// Terminate drops every live subscription as if the upstream had timed
// them out. Unlike data changes the termination is never dropped.
func (s *Server) Terminate(cause error) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
		delete(s.subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.terminate(upstream.Notification{Terminated: true, Err: cause})
	}
}

func (s *Server) SetConnectError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

func (s *Server) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func (s *Server) SetSubscribeError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeErr = err
}

func (s *Server) SetMonitorError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitorErr = err
}

// HoldConnect makes Connect block until the returned release func is
// called.
func (s *Server) HoldConnect() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.connectGate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.connectGate == gate {
				s.connectGate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

func (s *Server) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Server) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Server) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.calls.Connects++
	gate := s.connectGate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Closes++
	s.connected = false
	for sub := range s.subs {
		delete(s.subs, sub)
	}
	return nil
}

func (s *Server) Browse(ctx context.Context, h upstream.NodeHandle) ([]upstream.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Browses++
	if !s.connected {
		return nil, errNotConnected
	}
	n, ok := s.nodes[h]
	if !ok {
		return nil, fmt.Errorf("mock: unknown node %s", h)
	}
	refs := make([]upstream.Reference, 0, len(n.children))
	for _, c := range n.children {
		refs = append(refs, upstream.Reference{Name: c.name, Handle: c.handle})
	}
	return refs, nil
}

func (s *Server) Read(ctx context.Context, h upstream.NodeHandle) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Reads++
	if !s.connected {
		return 0, errNotConnected
	}
	n, ok := s.nodes[h]
	if !ok || !n.hasValue {
		return 0, fmt.Errorf("mock: node %s has no value", h)
	}
	return n.value, nil
}

func (s *Server) Write(ctx context.Context, h upstream.NodeHandle, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errNotConnected
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	n, ok := s.nodes[h]
	if !ok {
		return fmt.Errorf("mock: unknown node %s", h)
	}
	s.writes = append(s.writes, Write{Handle: h, Value: v})
	n.value = v
	n.hasValue = true
	s.notifyLocked(h, v)
	return nil
}

func (s *Server) CreateSubscription(ctx context.Context, p upstream.SubscriptionParams, out chan<- upstream.Notification) (upstream.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Subscriptions++
	if !s.connected {
		return nil, errNotConnected
	}
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	sub := &subscription{
		server: s,
		out:    out,
		items:  make(map[uint32]upstream.NodeHandle),
	}
	s.subs[sub] = true
	return sub, nil
}

type subscription struct {
	server *Server
	out    chan<- upstream.Notification
	items  map[uint32]upstream.NodeHandle
}

// deliver drops the notification when the consumer's queue is full, like
// a monitored item queue overflowing.
func (sub *subscription) deliver(n upstream.Notification) {
	select {
	case sub.out <- n:
	default:
	}
}

func (sub *subscription) terminate(n upstream.Notification) {
	t := time.NewTimer(terminateWait)
	defer t.Stop()
	select {
	case sub.out <- n:
	case <-t.C:
	}
}

// Monitor registers h and, like a real server, delivers its current value
// as the first notification.
func (sub *subscription) Monitor(ctx context.Context, h upstream.NodeHandle, clientHandle uint32, p upstream.MonitorParams) error {
	s := sub.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Monitors++
	if s.monitorErr != nil {
		return s.monitorErr
	}
	n, ok := s.nodes[h]
	if !ok {
		return fmt.Errorf("mock: unknown node %s", h)
	}
	sub.items[clientHandle] = h
	if n.hasValue {
		sub.deliver(upstream.Notification{
			Changes: []upstream.DataChange{{ClientHandle: clientHandle, Value: n.value}},
		})
	}
	return nil
}

func (sub *subscription) Cancel(ctx context.Context) error {
	s := sub.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Cancels++
	delete(s.subs, sub)
	return nil
}
