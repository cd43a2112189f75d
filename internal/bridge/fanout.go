package bridge

import "github.com/plc-bridge/backend/internal/upstream"

func (b *Bridge) notify(ev notifyEvent) {
	if ev.gen != b.gen || b.phase != PhaseReady {
		return
	}

	switch ev.event.Kind {
	case upstream.EventTerminated:
		b.health.recordTermination(ev.event.Err)
		b.metrics.ObserveTermination()
		b.log.Warn().Err(ev.event.Err).Int("viewers", len(b.viewers)).Msg("subscription lost, tearing down")
		b.startTeardown()
	case upstream.EventChange:
		b.onChange(ev.event.Name, ev.event.Raw)
	}
}

// onChange stores the raw value, broadcasts it normalized and, when name
// drives the output, forwards the raw value to the output.
func (b *Bridge) onChange(name string, raw float64) {
	b.metrics.ObserveNotification(name)
	if err := b.registry.SetValue(name, raw); err != nil {
		b.log.Warn().Err(err).Msg("notification for untracked variable")
		return
	}

	b.broadcast(name, Normalize(raw, b.cfg.FullScale))

	if name == b.inputFor(b.mode) {
		b.writeOutput(raw)
	}
}
