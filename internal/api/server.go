package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"helmguard/internal/alerts"
	"helmguard/internal/attendance"
	"helmguard/internal/config"
	"helmguard/internal/engine"
	"helmguard/internal/ingest"
	"helmguard/internal/metrics"
	"helmguard/internal/model"
	"helmguard/internal/registry"
	"helmguard/internal/storage"
)

// Server exposes the operational HTTP surface: a REST ingest fallback for
// gateways without a broker, alert lifecycle actions, attendance views and
// corrections, device listing and Prometheus metrics.
type Server struct {
	cfg        *config.Manager
	engine     *engine.Engine
	registry   *registry.Registry
	alerts     *alerts.Service
	attendance *attendance.Service
	metrics    *metrics.Metrics
	logger     *slog.Logger
	started    time.Time
}

func NewServer(cfg *config.Manager, eng *engine.Engine, reg *registry.Registry, al *alerts.Service, att *attendance.Service, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		engine:     eng,
		registry:   reg,
		alerts:     al,
		attendance: att,
		metrics:    m,
		logger:     logger,
		started:    time.Now(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Post("/ingest", s.handleIngest)
	r.Get("/devices", s.handleDevices)

	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", s.handleListAlerts)
		r.Post("/{id}/ack", s.handleAlertAck)
		r.Post("/{id}/resolve", s.handleAlertResolve)
		r.Post("/{id}/escalate", s.handleAlertEscalate)
	})

	r.Route("/attendance", func(r chi.Router) {
		r.Get("/today", s.handleAttendanceToday)
		r.Post("/supervisor", s.handleSupervisorScan)
		r.Post("/correction", s.handleCorrection)
	})
	r.Get("/scans", s.handleScans)

	return r
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) *http.Server {
	current := s.cfg.Get().API
	if !current.Enabled {
		if s.logger != nil {
			s.logger.Info("api disabled")
		}
		return nil
	}
	httpServer := &http.Server{Addr: current.Addr, Handler: s.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	go func() {
		if s.logger != nil {
			s.logger.Info("api listening", "addr", current.Addr)
		}
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	online := 0
	for _, d := range devices {
		if d.Status == model.DeviceOnline {
			online++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"devices":        len(devices),
		"devices_online": online,
	})
}

// handleIngest accepts one payload or an array; processing is synchronous
// against the normalizer but persistence waits for the next buffer flush,
// hence 202.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("empty or unreadable body"))
		return
	}
	var objs []map[string]any
	trim := firstNonSpace(body)
	switch trim {
	case '[':
		if err := json.Unmarshal(body, &objs); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	case '{':
		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		objs = append(objs, obj)
	default:
		writeError(w, http.StatusBadRequest, errors.New("body is not a JSON object or array"))
		return
	}
	for _, obj := range objs {
		s.engine.Handle(r.Context(), ingest.Message{
			Source: "rest",
			Kind:   ingest.ClassifyFields(obj),
			Fields: obj,
		})
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(objs)})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	list, err := s.alerts.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	s.alertTransition(w, r, s.alerts.Acknowledge)
}

func (s *Server) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	s.alertTransition(w, r, s.alerts.Resolve)
}

func (s *Server) alertTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, time.Time) (model.Alert, error)) {
	id := chi.URLParam(r, "id")
	alert, err := fn(r.Context(), id, time.Now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAlertEscalate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.alerts.Escalate(r.Context(), id, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "escalated"})
}

func (s *Server) handleAttendanceToday(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = model.DayOf(time.Now())
	}
	list, err := s.attendance.ListDay(r.Context(), day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type supervisorScanRequest struct {
	WorkerID   string `json:"worker_id"`
	ScanType   string `json:"scan_type"`
	Timestamp  string `json:"timestamp,omitempty"`
	VerifiedBy string `json:"verified_by"`
}

func (s *Server) handleSupervisorScan(w http.ResponseWriter, r *http.Request) {
	var req supervisorScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.WorkerID == "" || req.VerifiedBy == "" {
		writeError(w, http.StatusBadRequest, errors.New("worker_id and verified_by are required"))
		return
	}
	ts := time.Now().UTC()
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ts = parsed.UTC()
	}
	scanType := model.ScanIn
	if req.ScanType == string(model.ScanOut) {
		scanType = model.ScanOut
	}
	res, err := s.attendance.SupervisorScan(r.Context(), req.WorkerID, scanType, ts, req.VerifiedBy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type correctionRequest struct {
	WorkerID   string  `json:"worker_id"`
	Day        string  `json:"day"`
	CheckIn    string  `json:"check_in"`
	CheckOut   *string `json:"check_out,omitempty"`
	Status     string  `json:"status"`
	VerifiedBy string  `json:"verified_by"`
}

func (s *Server) handleCorrection(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.WorkerID == "" || req.Day == "" || req.CheckIn == "" {
		writeError(w, http.StatusBadRequest, errors.New("worker_id, day and check_in are required"))
		return
	}
	checkIn, err := time.Parse(time.RFC3339, req.CheckIn)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var checkOut *time.Time
	if req.CheckOut != nil {
		out, err := time.Parse(time.RFC3339, *req.CheckOut)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		out = out.UTC()
		checkOut = &out
	}
	status := model.AttendanceStatus(req.Status)
	if status == "" {
		status = model.AttendancePresent
		if checkOut != nil {
			status = model.AttendanceCheckedOut
		}
	}
	rec, err := s.attendance.Correction(r.Context(), req.WorkerID, req.Day, checkIn.UTC(), checkOut, status, req.VerifiedBy)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	helmetID := r.URL.Query().Get("helmet_id")
	limit := queryInt(r, "limit", 100)
	list, err := s.attendance.ListScans(r.Context(), helmetID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		if c != ' ' && c != '\n' && c != '\r' && c != '\t' {
			return c
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
