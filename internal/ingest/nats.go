package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"helmguard/internal/config"
)

// StartNATS subscribes to the helmet subjects on an existing connection:
// {prefix}.{device}.data, .status and .scan. The device id in the subject is
// authoritative and overrides any id embedded in the payload. Scan messages
// go to their own channel so attendance never queues behind telemetry.
func StartNATS(ctx context.Context, nc *nats.Conn, cfg *config.Manager, out, scans chan<- Message, logger *slog.Logger, drops *prometheus.CounterVec) error {
	current := cfg.Get().Ingest.NATS
	if !current.Enabled || nc == nil {
		if logger != nil {
			logger.Info("nats ingest disabled")
		}
		return nil
	}
	prefix := current.SubjectPrefix
	if prefix == "" {
		prefix = "helmet"
	}
	if logger != nil {
		logger.Info("nats ingest enabled", "url", current.URL, "subject_prefix", prefix)
	}

	subs := make([]*nats.Subscription, 0, 3)
	for suffix, kind := range map[string]Kind{"data": KindData, "status": KindStatus, "scan": KindScan} {
		kind := kind
		ch := out
		if kind == KindScan {
			ch = scans
		}
		sub, err := nc.Subscribe(fmt.Sprintf("%s.*.%s", prefix, suffix), func(m *nats.Msg) {
			handleNATSMsg(ctx, m, kind, ch, logger, drops)
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("subscribe %s.*.%s: %w", prefix, suffix, err)
		}
		subs = append(subs, sub)
	}
	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}()
	return nil
}

func handleNATSMsg(ctx context.Context, m *nats.Msg, kind Kind, out chan<- Message, logger *slog.Logger, drops *prometheus.CounterVec) {
	var obj map[string]any
	if err := json.Unmarshal(m.Data, &obj); err != nil {
		if logger != nil {
			logger.Warn("nats payload decode error", "subject", m.Subject, "err", err)
		}
		return
	}
	// A literal JSON null decodes into a nil map without an error.
	if obj == nil {
		if logger != nil {
			logger.Warn("nats payload empty", "subject", m.Subject)
		}
		return
	}
	SendNonBlocking(ctx, out, Message{
		Source:   "nats",
		DeviceID: deviceFromSubject(m.Subject),
		Kind:     kind,
		Fields:   obj,
	}, logger, drops)
}

// deviceFromSubject pulls the middle token out of prefix.device.suffix.
func deviceFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-2]
}
