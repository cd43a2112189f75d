package mock

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// mockSignal drives one simulated analog input.
type mockSignal struct {
	name    string
	pattern string
	period  int // ticks per cycle
	noise   float64
}

// Generator feeds waveforms into a Server's analog inputs so the bridge
// has something to show without a PLC attached.
type Generator struct {
	server    *Server
	fullScale float64
	interval  time.Duration
	signals   []*mockSignal
	rng       *rand.Rand
	log       zerolog.Logger
	tick      int
}

func NewGenerator(server *Server, fullScale float64, interval time.Duration, log zerolog.Logger) *Generator {
	return &Generator{
		server:    server,
		fullScale: fullScale,
		interval:  interval,
		signals: []*mockSignal{
			{name: "AI0", pattern: "sine", period: 100, noise: 0.01},
			{name: "AI1", pattern: "ramp", period: 60},
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		log: log,
	}
}

func (g *Generator) Start(ctx context.Context) {
	g.log.Info().Dur("interval", g.interval).Int("signals", len(g.signals)).Msg("mock generator started")
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.step()
		}
	}
}

func (g *Generator) step() {
	g.tick++
	for _, sig := range g.signals {
		v := g.sample(sig, g.tick)
		if err := g.server.Set(sig.name, v); err != nil {
			g.log.Warn().Err(err).Str("signal", sig.name).Msg("mock set failed")
		}
	}
}

// sample returns the signal's raw value at tick, clamped to [0, fullScale].
func (g *Generator) sample(sig *mockSignal, tick int) float64 {
	phase := float64(tick%sig.period) / float64(sig.period)

	var frac float64
	switch sig.pattern {
	case "sine":
		frac = 0.5 + 0.5*math.Sin(2*math.Pi*phase)
	case "ramp":
		frac = phase
	case "square":
		if phase < 0.5 {
			frac = 1
		}
	}

	if sig.noise > 0 {
		frac += (g.rng.Float64()*2 - 1) * sig.noise
	}
	frac = math.Max(0, math.Min(1, frac))

	return math.Round(frac * g.fullScale)
}
