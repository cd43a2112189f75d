package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plc-bridge/backend/internal/metrics"
	"github.com/plc-bridge/backend/internal/upstream"
)

// valueWriter is the part of the upstream session the output writer uses.
type valueWriter interface {
	WriteValue(ctx context.Context, h upstream.NodeHandle, v float64) error
}

type writeRequest struct {
	handle upstream.NodeHandle
	value  float64
}

// outputWriter issues output writes off the bridge loop, one at a time.
// Requests submitted while a write is in flight collapse into the latest
// one, so a burst of changes never queues stale writes.
type outputWriter struct {
	target  valueWriter
	timeout time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu      sync.Mutex
	pending *writeRequest
	wake    chan struct{}
}

func newOutputWriter(target valueWriter, timeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *outputWriter {
	return &outputWriter{
		target:  target,
		timeout: timeout,
		metrics: m,
		log:     log,
		wake:    make(chan struct{}, 1),
	}
}

func (w *outputWriter) submit(h upstream.NodeHandle, v float64) {
	w.mu.Lock()
	w.pending = &writeRequest{handle: h, value: v}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// reset drops a request that has not been issued yet.
func (w *outputWriter) reset() {
	w.mu.Lock()
	w.pending = nil
	w.mu.Unlock()
}

func (w *outputWriter) take() *writeRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	req := w.pending
	w.pending = nil
	return req
}

func (w *outputWriter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}

		req := w.take()
		if req == nil {
			continue
		}

		wctx, cancel := context.WithTimeout(ctx, w.timeout)
		err := w.target.WriteValue(wctx, req.handle, req.value)
		cancel()

		w.metrics.ObserveWrite(err)
		if err != nil {
			w.log.Warn().Err(err).Float64("value", req.value).Msg("output write failed")
			continue
		}
		w.log.Debug().Float64("value", req.value).Msg("output written")
	}
}
