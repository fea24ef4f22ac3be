package engine

import (
	"context"
	"log/slog"
	"time"

	"helmguard/internal/alerts"
	"helmguard/internal/attendance"
	"helmguard/internal/buffer"
	"helmguard/internal/config"
	"helmguard/internal/events"
	"helmguard/internal/ingest"
	"helmguard/internal/metrics"
	"helmguard/internal/model"
	"helmguard/internal/normalize"
	"helmguard/internal/registry"
	"helmguard/internal/rules"
	"helmguard/internal/storage"
)

// Engine routes decoded transport messages through the pipeline: telemetry
// into the presence registry and the flush buffer, scans into the attendance
// state machine, flushed samples through the rule evaluator into the alert
// debouncer. Thresholds and windows are re-read from the config manager on
// every message, so a reload takes effect without restart.
type Engine struct {
	cfg        *config.Manager
	store      storage.Store
	registry   *registry.Registry
	buffer     *buffer.Buffer
	alerts     *alerts.Service
	attendance *attendance.Service
	publisher  events.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger

	in    <-chan ingest.Message
	scans <-chan ingest.Message
}

type Options struct {
	Config     *config.Manager
	Store      storage.Store
	Registry   *registry.Registry
	Alerts     *alerts.Service
	Attendance *attendance.Service
	Publisher  events.Publisher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	In         <-chan ingest.Message
	Scans      <-chan ingest.Message
}

func New(opts Options) *Engine {
	e := &Engine{
		cfg:        opts.Config,
		store:      opts.Store,
		registry:   opts.Registry,
		alerts:     opts.Alerts,
		attendance: opts.Attendance,
		publisher:  opts.Publisher,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		in:         opts.In,
		scans:      opts.Scans,
	}
	e.buffer = buffer.New(opts.Config.Get().Batch.FlushInterval, e.flushSample, opts.Logger)
	return e
}

// Run consumes both channels until ctx is cancelled. The buffer flush loop
// runs alongside and drains on shutdown.
func (e *Engine) Run(ctx context.Context) {
	go e.buffer.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-e.in:
			if !ok {
				return
			}
			e.Handle(ctx, msg)
		case msg, ok := <-e.scans:
			if !ok {
				return
			}
			e.handleScan(ctx, msg)
		}
	}
}

// Handle processes one message synchronously. Scan messages are routed to
// the attendance path, everything else through telemetry.
func (e *Engine) Handle(ctx context.Context, msg ingest.Message) {
	if msg.Kind == ingest.KindScan {
		e.handleScan(ctx, msg)
		return
	}
	e.handle(ctx, msg)
}

func (e *Engine) handle(ctx context.Context, msg ingest.Message) {
	loc := e.timezone()
	if msg.Fields == nil {
		e.metrics.ParseFailures.WithLabelValues(msg.Source).Inc()
		if e.logger != nil {
			e.logger.Warn("payload rejected", "source", msg.Source, "err", "empty payload")
		}
		return
	}
	if msg.DeviceID != "" {
		msg.Fields["device_id"] = msg.DeviceID
	}
	t, err := normalize.Payload(msg.Fields, loc)
	if err != nil {
		e.metrics.ParseFailures.WithLabelValues(msg.Source).Inc()
		if e.logger != nil {
			e.logger.Warn("payload rejected", "source", msg.Source, "err", err)
		}
		return
	}
	t.Source = msg.Source
	e.metrics.Ingested.WithLabelValues(msg.Source).Inc()

	if err := e.registry.Observe(ctx, storage.DeviceObservation{
		DeviceID:  t.DeviceID,
		Timestamp: t.Timestamp,
		Battery:   t.Battery,
		Latitude:  t.Latitude,
		Longitude: t.Longitude,
	}); err != nil && e.logger != nil {
		e.logger.Error("device observe failed", "device_id", t.DeviceID, "err", err)
	}

	// Status heartbeats update presence only; sensor samples also go through
	// persistence and rule evaluation.
	if msg.Kind == ingest.KindStatus {
		return
	}
	e.buffer.Put(t)
}

func (e *Engine) handleScan(ctx context.Context, msg ingest.Message) {
	scan, err := normalize.Scan(msg.Fields, msg.DeviceID, e.timezone())
	if err != nil {
		e.metrics.ParseFailures.WithLabelValues(msg.Source).Inc()
		if e.logger != nil {
			e.logger.Warn("scan rejected", "source", msg.Source, "err", err)
		}
		return
	}
	var res attendance.Result
	switch scan.Type {
	case model.ScanOut:
		res, err = e.attendance.ScanOut(ctx, scan)
	default:
		res, err = e.attendance.ScanIn(ctx, scan)
	}
	if err != nil {
		if e.logger != nil {
			e.logger.Error("scan processing failed", "helmet_id", scan.HelmetID, "type", scan.Type, "err", err)
		}
		return
	}
	if e.logger != nil {
		e.logger.Info("scan processed", "helmet_id", scan.HelmetID, "type", scan.Type, "outcome", res.Outcome)
	}
}

// flushSample is the buffer's per-device callback: persist, evaluate, admit.
func (e *Engine) flushSample(ctx context.Context, t model.Telemetry) error {
	if err := e.store.SaveTelemetry(ctx, t); err != nil {
		e.metrics.FlushErrors.Inc()
		return err
	}
	e.metrics.SamplesPersisted.Inc()

	cfg := e.cfg.Get()
	for _, cand := range rules.Evaluate(t, cfg.Thresholds) {
		alert, admitted, err := e.alerts.Admit(ctx, t.DeviceID, cand, t.Timestamp, cfg.Debounce.Window)
		if err != nil {
			if e.logger != nil {
				e.logger.Error("alert admit failed", "device_id", t.DeviceID, "type", cand.Type, "err", err)
			}
			continue
		}
		if !admitted {
			e.metrics.AlertsSuppressed.Inc()
			continue
		}
		e.metrics.AlertsEmitted.WithLabelValues(string(cand.Type)).Inc()
		if e.logger != nil {
			e.logger.Info("alert raised", "alert_id", alert.ID, "device_id", alert.DeviceID,
				"type", alert.Type, "severity", alert.Severity)
		}
	}

	if e.publisher != nil {
		if err := e.publisher.Publish(events.SubjectSensorUpdate, t); err != nil && e.logger != nil {
			e.logger.Warn("sensor update publish failed", "device_id", t.DeviceID, "err", err)
		}
	}
	return nil
}

// FlushNow forces a buffer flush, for tests and the drain on shutdown.
func (e *Engine) FlushNow(ctx context.Context) (int, int) {
	return e.buffer.Flush(ctx)
}

func (e *Engine) timezone() *time.Location {
	tz := e.cfg.Get().Ingest.Parser.Timezone
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
