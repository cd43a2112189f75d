package bridge

import "time"

func (b *Bridge) attach(v Viewer) {
	id := v.ID()
	if _, ok := b.viewers[id]; ok {
		return
	}
	b.viewers[id] = v
	b.metrics.SetViewers(len(b.viewers))
	b.log.Info().Str("viewer", id).Int("viewers", len(b.viewers)).Stringer("phase", b.phase).Msg("viewer attached")

	switch b.phase {
	case PhaseReady:
		b.sendSnapshot(v)
	case PhaseClosed:
		b.pending[id] = true
		b.startSetup()
	case PhaseOpening:
		b.pending[id] = true
	case PhaseClosing:
		b.pending[id] = true
		b.reopen = true
	}
}

func (b *Bridge) detach(id string) {
	if _, ok := b.viewers[id]; !ok {
		return
	}
	delete(b.viewers, id)
	delete(b.pending, id)
	b.metrics.SetViewers(len(b.viewers))
	b.log.Info().Str("viewer", id).Int("viewers", len(b.viewers)).Msg("viewer detached")

	if len(b.viewers) > 0 {
		return
	}
	switch b.phase {
	case PhaseReady:
		b.startTeardown()
	case PhaseClosed:
		b.stopRetry()
	case PhaseClosing:
		b.reopen = false
	}
	// While opening, setupDone sees the empty pool and tears down.
}

// send delivers msg to v and evicts v when it cannot keep up.
func (b *Bridge) send(v Viewer, msg Message) bool {
	if v.Send(msg) {
		return true
	}
	b.metrics.ObserveDroppedSend()
	b.log.Warn().Str("viewer", v.ID()).Msg("viewer too slow, disconnecting")
	v.Close()
	b.detach(v.ID())
	return false
}

// broadcast sends an update to every viewer that already has a snapshot
// and mirrors it.
func (b *Bridge) broadcast(name string, value interface{}) {
	msg := updateMessage(name, value)
	for id, v := range b.viewers {
		if b.pending[id] {
			continue
		}
		b.send(v, msg)
	}
	if b.mirror != nil {
		b.mirror.Publish(name, value)
	}
}

// sendSnapshot sends the normalized value of every tracked variable that
// has one, then the mode.
func (b *Bridge) sendSnapshot(v Viewer) {
	for _, name := range []string{b.cfg.InputA, b.cfg.InputB, b.cfg.Manual} {
		variable, ok := b.registry.Get(name)
		if !ok || !variable.HasValue {
			continue
		}
		if !b.send(v, updateMessage(name, Normalize(variable.Value, b.cfg.FullScale))) {
			return
		}
	}
	b.send(v, updateMessage(ModeName, b.mode.String()))
}

func (b *Bridge) scheduleRetry() {
	if b.cfg.ReconnectDelay <= 0 {
		return
	}
	b.stopRetry()
	gen := b.gen
	b.retry = time.AfterFunc(b.cfg.ReconnectDelay, func() {
		b.post(retryEvent{gen: gen})
	})
	b.log.Info().Dur("delay", b.cfg.ReconnectDelay).Msg("session retry scheduled")
}

func (b *Bridge) stopRetry() {
	if b.retry != nil {
		b.retry.Stop()
		b.retry = nil
	}
}

func (b *Bridge) retryDue(ev retryEvent) {
	if ev.gen != b.gen || b.phase != PhaseClosed || len(b.viewers) == 0 {
		return
	}
	b.retry = nil
	b.startSetup()
}
