package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Kind tags what a decoded message carries.
type Kind string

const (
	KindData   Kind = "data"
	KindStatus Kind = "status"
	KindScan   Kind = "scan"
)

// Message is one decoded payload with its transport provenance. DeviceID is
// set when the transport itself names the device (a subject segment); line
// transports leave it empty and the payload supplies it.
type Message struct {
	Source   string
	DeviceID string
	Kind     Kind
	Fields   map[string]any
}

func SendNonBlocking(ctx context.Context, out chan<- Message, msg Message, logger *slog.Logger, drops *prometheus.CounterVec) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	default:
		if drops != nil {
			drops.WithLabelValues(msg.Source).Inc()
		}
		if logger != nil {
			logger.Warn("ingest channel full, dropping message", "source", msg.Source, "device_id", msg.DeviceID)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
