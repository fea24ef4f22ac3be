package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"helmguard/internal/alerts"
	"helmguard/internal/attendance"
	"helmguard/internal/config"
	"helmguard/internal/engine"
	"helmguard/internal/events"
	"helmguard/internal/ingest"
	"helmguard/internal/metrics"
	"helmguard/internal/model"
	"helmguard/internal/registry"
	"helmguard/internal/storage"
)

type testEnv struct {
	router http.Handler
	store  storage.Store
	alerts *alerts.Service
	engine *engine.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMemory()
	rec := events.NewRecorder()
	manager := config.NewStaticManager(config.DefaultConfig())
	m := metrics.New()
	reg := registry.New(store, nil, rec, nil)
	alertSvc := alerts.NewService(store, alerts.NewRecent(100), rec, nil)
	attSvc := attendance.NewService(store, manager, rec, m, nil)
	eng := engine.New(engine.Options{
		Config:     manager,
		Store:      store,
		Registry:   reg,
		Alerts:     alertSvc,
		Attendance: attSvc,
		Publisher:  rec,
		Metrics:    m,
	})
	srv := NewServer(manager, eng, reg, alertSvc, attSvc, m, nil)
	return &testEnv{router: srv.Router(), store: store, alerts: alertSvc, engine: eng}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestIngestAcceptsSingleAndBatch(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/ingest", `{"device_id":"H-001","hr":80}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("single: status = %d, body %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/ingest", `[{"device_id":"H-002"},{"device_id":"H-003"}]`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("batch: status = %d", w.Code)
	}
	var resp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["accepted"] != 2 {
		t.Fatalf("accepted = %d", resp["accepted"])
	}

	devices, err := env.store.ListDevices(context.Background())
	if err != nil || len(devices) != 3 {
		t.Fatalf("devices = %d, err %v", len(devices), err)
	}
}

func TestIngestRejectsGarbage(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodPost, "/ingest", "not json"); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/ingest", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("empty body: status = %d", w.Code)
	}
}

func TestAlertLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cand := model.AlertCandidate{Type: model.AlertGas, Severity: model.SeverityCritical, Value: "450"}
	alert, admitted, err := env.alerts.Admit(ctx, "H-001", cand, time.Now().UTC(), time.Minute)
	if err != nil || !admitted {
		t.Fatalf("admit: %v, admitted %v", err, admitted)
	}

	w := env.do(t, http.MethodPost, "/alerts/"+alert.ID+"/ack", "")
	if w.Code != http.StatusOK {
		t.Fatalf("ack: status = %d, body %s", w.Code, w.Body.String())
	}
	var got model.Alert
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != model.AlertAcknowledged {
		t.Fatalf("status = %q", got.Status)
	}

	w = env.do(t, http.MethodPost, "/alerts/"+alert.ID+"/resolve", "")
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: status = %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/alerts/missing/ack", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown id: status = %d", w.Code)
	}
}

func TestSupervisorAndCorrectionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.UpsertWorker(ctx, model.Worker{ID: "W1", Name: "Asha"}); err != nil {
		t.Fatalf("worker: %v", err)
	}

	w := env.do(t, http.MethodPost, "/attendance/supervisor",
		`{"worker_id":"W1","scan_type":"IN","timestamp":"2026-08-30T08:00:00Z","verified_by":"SUP-9"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("supervisor: status = %d, body %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/attendance/correction",
		`{"worker_id":"W1","day":"2026-08-30","check_in":"2026-08-30T08:30:00Z","check_out":"2026-08-30T16:30:00Z","status":"checked_out","verified_by":"ADMIN-1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("correction: status = %d, body %s", w.Code, w.Body.String())
	}
	var rec model.AttendanceRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.DurationMinutes != 480 {
		t.Fatalf("duration = %d", rec.DurationMinutes)
	}

	w = env.do(t, http.MethodGet, "/attendance/today?day=2026-08-30", "")
	if w.Code != http.StatusOK {
		t.Fatalf("today: status = %d", w.Code)
	}
	var list []model.AttendanceRecord
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("records = %d", len(list))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Handle(context.Background(), ingest.Message{
		Source: "test",
		Kind:   ingest.KindData,
		Fields: map[string]any{"device_id": "H-001"},
	})
	w := env.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "helmguard") {
		t.Fatalf("metrics body missing namespace:\n%s", w.Body.String())
	}
}
