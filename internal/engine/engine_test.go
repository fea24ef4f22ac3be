package engine

import (
	"context"
	"testing"
	"time"

	"helmguard/internal/alerts"
	"helmguard/internal/attendance"
	"helmguard/internal/config"
	"helmguard/internal/events"
	"helmguard/internal/ingest"
	"helmguard/internal/metrics"
	"helmguard/internal/model"
	"helmguard/internal/registry"
	"helmguard/internal/storage"
)

type fixture struct {
	engine *Engine
	store  storage.Store
	alerts *alerts.Service
	events *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	rec := events.NewRecorder()
	manager := config.NewStaticManager(config.DefaultConfig())
	alertSvc := alerts.NewService(store, alerts.NewRecent(100), rec, nil)
	attSvc := attendance.NewService(store, manager, rec, metrics.New(), nil)
	eng := New(Options{
		Config:     manager,
		Store:      store,
		Registry:   registry.New(store, nil, rec, nil),
		Alerts:     alertSvc,
		Attendance: attSvc,
		Publisher:  rec,
		Metrics:    metrics.New(),
		Logger:     nil,
	})
	return &fixture{engine: eng, store: store, alerts: alertSvc, events: rec}
}

func dataMsg(fields map[string]any) ingest.Message {
	return ingest.Message{Source: "test", Kind: ingest.KindData, Fields: fields}
}

func TestTelemetryFlowRegistersAndPersists(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.engine.Handle(ctx, dataMsg(map[string]any{
		"device_id": "H-001",
		"hr":        80.0,
		"timestamp": "2026-08-30T08:00:00Z",
	}))

	dev, err := fx.store.GetDevice(ctx, "H-001")
	if err != nil {
		t.Fatalf("device not registered: %v", err)
	}
	if dev.Status != model.DeviceOnline {
		t.Fatalf("status = %q", dev.Status)
	}

	flushed, failed := fx.engine.FlushNow(ctx)
	if flushed != 1 || failed != 0 {
		t.Fatalf("flush = (%d, %d)", flushed, failed)
	}
	if got := fx.events.Events(events.SubjectSensorUpdate); len(got) != 1 {
		t.Fatalf("sensor_update events = %d", len(got))
	}
}

func TestThresholdBreachRaisesDebouncedAlert(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.engine.Handle(ctx, dataMsg(map[string]any{
		"device_id": "H-001",
		"gas":       450.0,
		"timestamp": "2026-08-30T08:00:00Z",
	}))
	fx.engine.FlushNow(ctx)

	list, err := fx.alerts.List(ctx, 10)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(list) != 1 || list[0].Type != model.AlertGas {
		t.Fatalf("alerts = %v", list)
	}

	// Same breach 5 seconds later stays inside the debounce window.
	fx.engine.Handle(ctx, dataMsg(map[string]any{
		"device_id": "H-001",
		"gas":       460.0,
		"timestamp": "2026-08-30T08:00:05Z",
	}))
	fx.engine.FlushNow(ctx)

	list, _ = fx.alerts.List(ctx, 10)
	if len(list) != 1 {
		t.Fatalf("debounce failed, alerts = %d", len(list))
	}

	// Past the window a fresh alert is admitted.
	fx.engine.Handle(ctx, dataMsg(map[string]any{
		"device_id": "H-001",
		"gas":       470.0,
		"timestamp": "2026-08-30T08:01:30Z",
	}))
	fx.engine.FlushNow(ctx)

	list, _ = fx.alerts.List(ctx, 10)
	if len(list) != 2 {
		t.Fatalf("expected second alert after window, got %d", len(list))
	}
}

func TestMalformedPayloadDoesNotCrashPipeline(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.engine.Handle(ctx, dataMsg(map[string]any{"hr": 80.0})) // no device id
	if flushed, _ := fx.engine.FlushNow(ctx); flushed != 0 {
		t.Fatalf("rejected payload reached the buffer")
	}
}

func TestNilFieldsWithSubjectDeviceIDRejected(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// A JSON null body decodes into a nil field map while the subject still
	// supplies a device id. The pipeline must drop it, not panic.
	fx.engine.Handle(ctx, ingest.Message{Source: "nats", Kind: ingest.KindData, DeviceID: "H-009"})
	if flushed, _ := fx.engine.FlushNow(ctx); flushed != 0 {
		t.Fatalf("empty payload reached the buffer")
	}
	if _, err := fx.store.GetDevice(ctx, "H-009"); err == nil {
		t.Fatalf("empty payload registered a device")
	}
}

func TestScanMessageRoutesToAttendance(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.store.UpsertWorker(ctx, model.Worker{ID: "W1", Name: "Asha"}); err != nil {
		t.Fatalf("worker: %v", err)
	}
	if err := fx.store.AssignDevice(ctx, "H-001", "W1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	fx.engine.Handle(ctx, ingest.Message{
		Source: "test",
		Kind:   ingest.KindScan,
		Fields: map[string]any{
			"device_id": "H-001",
			"scan_type": "IN",
			"timestamp": "2026-08-30T08:00:00Z",
		},
	})

	rec, err := fx.store.GetAttendance(ctx, "W1", "2026-08-30")
	if err != nil {
		t.Fatalf("attendance record missing: %v", err)
	}
	if rec.Status != model.AttendancePresent {
		t.Fatalf("status = %q", rec.Status)
	}
}

func TestStatusMessageSkipsPersistence(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.engine.Handle(ctx, ingest.Message{
		Source: "test",
		Kind:   ingest.KindStatus,
		Fields: map[string]any{"device_id": "H-001", "battery": 90.0},
	})

	if _, err := fx.store.GetDevice(ctx, "H-001"); err != nil {
		t.Fatalf("heartbeat must still register the device: %v", err)
	}
	if flushed, _ := fx.engine.FlushNow(ctx); flushed != 0 {
		t.Fatalf("status message must not stage telemetry")
	}
}

func TestTimezoneFallback(t *testing.T) {
	fx := newFixture(t)
	if loc := fx.engine.timezone(); loc != time.UTC {
		t.Fatalf("default timezone = %v", loc)
	}
}
