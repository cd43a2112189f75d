package bridge

import (
	"context"
	"fmt"

	"github.com/plc-bridge/backend/internal/registry"
	"github.com/plc-bridge/backend/internal/upstream"
)

// setupResult is everything a successful setup hands to the loop.
type setupResult struct {
	variables []registry.Variable
	manual    registry.Variable
	output    upstream.NodeHandle
	events    <-chan upstream.Event
}

func (b *Bridge) startSetup() {
	b.stopRetry()
	b.phase = PhaseOpening
	b.reopen = false
	b.gen++
	gen := b.gen
	ctx := b.workCtx
	held, _ := b.registry.Get(b.cfg.Manual)

	b.log.Info().Uint64("gen", gen).Msg("opening upstream session")
	b.workers.Add(1)
	go func() {
		defer b.workers.Done()
		res, err := b.setup(ctx, held)
		b.post(setupDoneEvent{gen: gen, result: res, err: err})
	}()
}

func (b *Bridge) setupDone(ev setupDoneEvent) {
	if ev.gen != b.gen {
		b.log.Warn().Uint64("gen", ev.gen).Msg("stale setup result dropped")
		return
	}

	if ev.err != nil {
		b.phase = PhaseClosed
		b.health.recordFailure(ev.err)
		b.metrics.ObserveSetupFailure(failureKind(ev.err))
		b.log.Error().Err(ev.err).Int("failures", b.health.failures).Msg("session setup failed")

		msg := errorMessage("upstream unavailable: " + ev.err.Error())
		for id := range b.pending {
			if v, ok := b.viewers[id]; ok {
				b.send(v, msg)
			}
		}
		if len(b.viewers) > 0 {
			b.scheduleRetry()
		}
		return
	}

	res := ev.result
	b.registry.Replace(res.variables)
	b.bindManual(res.manual)
	b.output = res.output
	b.phase = PhaseReady
	b.health.recordSuccess()
	b.metrics.SetSessionOpen(true)
	b.log.Info().Int("variables", b.registry.Len()).Msg("session ready")

	go b.forward(ev.gen, res.events)

	if len(b.viewers) == 0 {
		b.startTeardown()
		return
	}
	for id := range b.pending {
		delete(b.pending, id)
		if v, ok := b.viewers[id]; ok {
			b.sendSnapshot(v)
		}
	}
}

// bindManual registers the manual input after a setup. A node-backed
// manual input keeps the value it was seeded or carried over with.
func (b *Bridge) bindManual(v registry.Variable) {
	if v.Placeholder {
		b.registry.RegisterPlaceholder(v.Name, v.Value)
		return
	}
	b.registry.Register(v.Name, v.Handle)
	if v.HasValue {
		if err := b.registry.SetValue(v.Name, v.Value); err != nil {
			b.log.Warn().Err(err).Msg("manual value lost")
		}
	}
}

// forward feeds subscription events into the mailbox, tagged with the
// generation they belong to.
func (b *Bridge) forward(gen uint64, events <-chan upstream.Event) {
	for ev := range events {
		if !b.post(notifyEvent{gen: gen, event: ev}) {
			return
		}
	}
}

// setup opens the session, resolves the configured groups and subscribes
// to both inputs. held is the manual input from the previous session, if
// any. On failure the session is closed again before returning.
func (b *Bridge) setup(parent context.Context, held registry.Variable) (*setupResult, error) {
	ctx, cancel := context.WithTimeout(parent, b.cfg.Timeout)
	defer cancel()

	if err := b.session.Open(ctx); err != nil {
		return nil, err
	}
	res, err := b.prepare(ctx, held)
	if err != nil {
		if cerr := b.teardown(); cerr != nil {
			b.log.Warn().Err(cerr).Msg("close after failed setup")
		}
		return nil, err
	}
	return res, nil
}

func (b *Bridge) prepare(ctx context.Context, held registry.Variable) (*setupResult, error) {
	nodes := make(map[string]upstream.NodeHandle)
	for _, group := range b.cfg.Groups {
		children, err := b.resolver.ResolveGroup(ctx, group)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", group, err)
		}
		for name, h := range children {
			nodes[name] = h
		}
	}

	lookup := func(name string) (upstream.NodeHandle, error) {
		h, ok := nodes[name]
		if !ok {
			return "", fmt.Errorf("variable %q: %w", name, upstream.ErrNotFound)
		}
		return h, nil
	}
	inputA, err := lookup(b.cfg.InputA)
	if err != nil {
		return nil, err
	}
	inputB, err := lookup(b.cfg.InputB)
	if err != nil {
		return nil, err
	}
	output, err := lookup(b.cfg.Output)
	if err != nil {
		return nil, err
	}

	vars := []registry.Variable{
		{Name: b.cfg.InputA, Handle: inputA},
		{Name: b.cfg.InputB, Handle: inputB},
		{Name: b.cfg.Output, Handle: output},
	}

	manual, err := b.seedManual(ctx, nodes, output, held)
	if err != nil {
		return nil, err
	}

	events, err := b.session.Subscribe(ctx, []upstream.MonitoredVariable{
		{Name: b.cfg.InputA, Handle: inputA},
		{Name: b.cfg.InputB, Handle: inputB},
	})
	if err != nil {
		return nil, err
	}
	return &setupResult{variables: vars, manual: manual, output: output, events: events}, nil
}

// seedManual reads the starting manual value once: from the manual node
// when the address space has one, otherwise from the output. A value held
// from an earlier session is kept and nothing is read.
func (b *Bridge) seedManual(ctx context.Context, nodes map[string]upstream.NodeHandle, output upstream.NodeHandle, held registry.Variable) (registry.Variable, error) {
	h, hasNode := nodes[b.cfg.Manual]
	if held.HasValue {
		b.log.Debug().Str("manual", b.cfg.Manual).Float64("raw", held.Value).Bool("node", hasNode).Msg("manual input carried over")
		return registry.Variable{Name: b.cfg.Manual, Handle: h, Value: held.Value, HasValue: true, Placeholder: !hasNode}, nil
	}
	if hasNode {
		raw, err := b.session.ReadValue(ctx, h)
		if err != nil {
			return registry.Variable{}, fmt.Errorf("read %s: %w", b.cfg.Manual, err)
		}
		return registry.Variable{Name: b.cfg.Manual, Handle: h, Value: raw, HasValue: true}, nil
	}

	raw, err := b.session.ReadValue(ctx, output)
	if err != nil {
		return registry.Variable{}, fmt.Errorf("seed %s from %s: %w", b.cfg.Manual, b.cfg.Output, err)
	}
	b.log.Debug().Str("manual", b.cfg.Manual).Float64("raw", raw).Msg("manual input seeded from output")
	return registry.Variable{Name: b.cfg.Manual, Value: raw, HasValue: true, Placeholder: true}, nil
}

func (b *Bridge) startTeardown() {
	b.phase = PhaseClosing
	b.gen++
	gen := b.gen
	b.writer.reset()
	b.metrics.SetSessionOpen(false)
	for id := range b.viewers {
		b.pending[id] = true
	}

	b.log.Info().Uint64("gen", gen).Msg("closing upstream session")
	b.workers.Add(1)
	go func() {
		defer b.workers.Done()
		err := b.teardown()
		b.post(teardownDoneEvent{gen: gen, err: err})
	}()
}

func (b *Bridge) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()
	return b.session.Close(ctx)
}

func (b *Bridge) teardownDone(ev teardownDoneEvent) {
	if ev.gen != b.gen {
		return
	}
	b.phase = PhaseClosed
	if ev.err != nil {
		b.log.Warn().Err(ev.err).Msg("session close reported an error")
	}

	if len(b.viewers) == 0 {
		return
	}
	if b.reopen {
		b.startSetup()
		return
	}
	b.scheduleRetry()
}
