package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"helmguard/internal/model"
)

// FlushFunc persists one device's coalesced reading. An error affects only
// that device; the rest of the batch still flushes.
type FlushFunc func(ctx context.Context, t model.Telemetry) error

// Buffer coalesces telemetry to the latest reading per device between
// flushes. Put replaces any pending reading for the same device, so a chatty
// device costs one write per interval no matter how fast it reports.
type Buffer struct {
	mu      sync.Mutex
	pending map[string]model.Telemetry

	interval time.Duration
	flush    FlushFunc
	logger   *slog.Logger
}

func New(interval time.Duration, flush FlushFunc, logger *slog.Logger) *Buffer {
	return &Buffer{
		pending:  make(map[string]model.Telemetry),
		interval: interval,
		flush:    flush,
		logger:   logger,
	}
}

// Put stages a reading for the next flush, displacing any earlier reading
// from the same device.
func (b *Buffer) Put(t model.Telemetry) {
	b.mu.Lock()
	b.pending[t.DeviceID] = t
	b.mu.Unlock()
}

// Len reports the number of devices with a staged reading.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run flushes on the interval until ctx is cancelled, then drains once more
// so shutdown never drops staged readings.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.Flush(context.Background())
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// Flush swaps the staged map out under the lock and writes outside it, so
// ingestion never stalls behind storage. Failed entries are dropped, not
// retried: by the next interval a fresher reading has superseded them.
func (b *Buffer) Flush(ctx context.Context) (flushed, failed int) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return 0, 0
	}
	batch := b.pending
	b.pending = make(map[string]model.Telemetry)
	b.mu.Unlock()

	for id, t := range batch {
		if err := b.flush(ctx, t); err != nil {
			failed++
			if b.logger != nil {
				b.logger.Error("flush failed", "device_id", id, "err", err)
			}
			continue
		}
		flushed++
	}
	return flushed, failed
}
