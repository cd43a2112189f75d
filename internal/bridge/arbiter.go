package bridge

import (
	"fmt"
	"math"
)

func (b *Bridge) command(id string, cmd Command) {
	switch cmd.Kind {
	case SelectInputA:
		b.selectMode(InputA)
	case SelectInputB:
		b.selectMode(InputB)
	case SelectManual:
		b.selectMode(Manual)
	case SetManualValue:
		b.applyManualValue(id, cmd.Percent)
	default:
		b.reply(id, fmt.Sprintf("unknown command %d", cmd.Kind))
	}
}

func (b *Bridge) inputFor(m Mode) string {
	switch m {
	case InputA:
		return b.cfg.InputA
	case InputB:
		return b.cfg.InputB
	}
	return b.cfg.Manual
}

// selectMode switches the output source and writes its cached value. The
// upstream is not read again.
func (b *Bridge) selectMode(m Mode) {
	b.mode = m
	b.log.Info().Stringer("mode", m).Msg("mode selected")

	name := b.inputFor(m)
	if v, ok := b.registry.Get(name); ok && v.HasValue {
		b.writeOutput(v.Value)
	} else {
		b.log.Debug().Str("variable", name).Msg("no cached value, output left unchanged")
	}

	b.broadcast(ModeName, m.String())
}

// applyManualValue stores percent as the manual input. The output only
// follows it in manual mode, but every viewer sees the new value.
func (b *Bridge) applyManualValue(id string, percent float64) {
	if math.IsNaN(percent) || percent < 0 || percent > 100 {
		b.reply(id, fmt.Sprintf("manual value %v out of range 0-100", percent))
		return
	}

	raw := Denormalize(percent, b.cfg.FullScale)
	if err := b.registry.SetValue(b.cfg.Manual, raw); err != nil {
		b.registry.RegisterPlaceholder(b.cfg.Manual, raw)
	}

	if b.mode == Manual {
		b.writeOutput(raw)
	}
	b.broadcast(b.cfg.Manual, Normalize(raw, b.cfg.FullScale))
}

func (b *Bridge) writeOutput(raw float64) {
	if b.phase != PhaseReady {
		b.log.Warn().Float64("value", raw).Stringer("phase", b.phase).Msg("output not written, session not ready")
		return
	}
	b.writer.submit(b.output, raw)
}

func (b *Bridge) reply(id, text string) {
	if v, ok := b.viewers[id]; ok {
		b.send(v, errorMessage(text))
	}
}
