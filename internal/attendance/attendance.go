package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"helmguard/internal/config"
	"helmguard/internal/events"
	"helmguard/internal/geo"
	"helmguard/internal/metrics"
	"helmguard/internal/model"
	"helmguard/internal/normalize"
	"helmguard/internal/storage"
)

// Result is the outcome of one scan attempt. Record is zero-valued when no
// attendance record exists for the attempt.
type Result struct {
	Outcome    model.ScanOutcome
	FailReason string
	Record     model.AttendanceRecord
}

// Service drives the per-(worker, day) attendance lifecycle:
// absent -> present -> checked_out. Atomicity of the create and close steps
// lives in the store's conditional writes, so concurrent scans from two
// transports resolve to exactly one record and the loser observes duplicate.
type Service struct {
	store     storage.Store
	cfg       *config.Manager
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewService(store storage.Store, cfg *config.Manager, publisher events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{store: store, cfg: cfg, publisher: publisher, metrics: m, logger: logger}
}

// ScanIn processes a device-originated check-in. A scan outside the site
// geofence is rejected; a repeat scan on the same day returns the existing
// record unchanged. Every attempt lands in the scan log whatever the
// outcome.
func (s *Service) ScanIn(ctx context.Context, scan normalize.ScanMessage) (Result, error) {
	cfg := s.cfg.Get()

	worker, err := s.store.GetWorkerByDevice(ctx, scan.HelmetID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.reject(ctx, scan, "", model.ScanInvalid, "device not registered to a worker")
	}
	if err != nil {
		return Result{}, fmt.Errorf("worker lookup: %w", err)
	}

	site, haveSite := s.workerSite(ctx, worker, cfg)
	if haveSite {
		check := geo.Validate(&site, scan.Latitude, scan.Longitude)
		if !check.Inside {
			reason := fmt.Sprintf("outside geofence: %.0fm from site, radius %.0fm", check.DistanceM, site.GeofenceRadius)
			return s.reject(ctx, scan, worker.ID, model.ScanGeoFail, reason)
		}
	}

	rec := model.AttendanceRecord{
		ID:          uuid.NewString(),
		WorkerID:    worker.ID,
		SiteID:      worker.AssignedSiteID,
		Day:         model.DayOf(scan.Timestamp),
		CheckInTime: scan.Timestamp,
		CheckInLat:  scan.Latitude,
		CheckInLng:  scan.Longitude,
		Status:      classify(scan.Timestamp, worker.ShiftStart, cfg.Attendance),
		Source:      model.SourceScan,
	}
	existing, created, err := s.store.CreateAttendanceIfAbsent(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("attendance create: %w", err)
	}
	if !created {
		res, err := s.reject(ctx, scan, worker.ID, model.ScanDuplicate, "already checked in today")
		res.Record = existing
		return res, err
	}

	s.logScan(ctx, scan, worker.ID, model.ScanValid, "")
	s.publish(events.SubjectAttendanceUpdate, existing)
	return Result{Outcome: model.ScanValid, Record: existing}, nil
}

// ScanOut closes today's record. A missing check-in is invalid and an
// already-set checkout is a duplicate; a geofence miss is logged as geo_fail
// but never blocks the checkout, a worker must always be able to leave.
func (s *Service) ScanOut(ctx context.Context, scan normalize.ScanMessage) (Result, error) {
	cfg := s.cfg.Get()

	worker, err := s.store.GetWorkerByDevice(ctx, scan.HelmetID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.reject(ctx, scan, "", model.ScanInvalid, "device not registered to a worker")
	}
	if err != nil {
		return Result{}, fmt.Errorf("worker lookup: %w", err)
	}

	day := model.DayOf(scan.Timestamp)
	rec, err := s.store.GetAttendance(ctx, worker.ID, day)
	if errors.Is(err, storage.ErrNotFound) {
		return s.reject(ctx, scan, worker.ID, model.ScanInvalid, "no check-in found")
	}
	if err != nil {
		return Result{}, fmt.Errorf("attendance lookup: %w", err)
	}
	if rec.CheckOutTime != nil {
		res, err := s.reject(ctx, scan, worker.ID, model.ScanDuplicate, "already checked out")
		res.Record = rec
		return res, err
	}

	outcome := model.ScanValid
	failReason := ""
	if site, ok := s.workerSite(ctx, worker, cfg); ok {
		check := geo.Validate(&site, scan.Latitude, scan.Longitude)
		if !check.Inside {
			outcome = model.ScanGeoFail
			failReason = fmt.Sprintf("outside geofence: %.0fm from site, radius %.0fm", check.DistanceM, site.GeofenceRadius)
		}
	}

	duration := model.DurationMinutes(rec.CheckInTime, scan.Timestamp)
	if duration < 0 {
		return Result{}, fmt.Errorf("checkout %s precedes check-in %s for worker %s",
			scan.Timestamp.Format(time.RFC3339), rec.CheckInTime.Format(time.RFC3339), worker.ID)
	}

	closed, updated, err := s.store.CloseAttendance(ctx, worker.ID, day, scan.Timestamp,
		scan.Latitude, scan.Longitude, duration, model.AttendanceCheckedOut)
	if err != nil {
		return Result{}, fmt.Errorf("attendance close: %w", err)
	}
	if !updated {
		res, err := s.reject(ctx, scan, worker.ID, model.ScanDuplicate, "already checked out")
		res.Record = closed
		return res, err
	}

	s.logScan(ctx, scan, worker.ID, outcome, failReason)
	s.publish(events.SubjectAttendanceUpdate, closed)
	return Result{Outcome: outcome, FailReason: failReason, Record: closed}, nil
}

// SupervisorScan follows the same transitions keyed on worker identity
// directly. It is exempt from geofence and device resolution and stamps the
// verifying supervisor.
func (s *Service) SupervisorScan(ctx context.Context, workerID string, scanType model.ScanType, ts time.Time, verifiedBy string) (Result, error) {
	cfg := s.cfg.Get()
	worker, err := s.store.GetWorker(ctx, workerID)
	if errors.Is(err, storage.ErrNotFound) {
		scan := normalize.ScanMessage{HelmetID: "supervisor:" + verifiedBy, Type: scanType, Timestamp: ts}
		return s.reject(ctx, scan, workerID, model.ScanInvalid, "unknown worker")
	}
	if err != nil {
		return Result{}, fmt.Errorf("worker lookup: %w", err)
	}

	scan := normalize.ScanMessage{HelmetID: "supervisor:" + verifiedBy, Type: scanType, Timestamp: ts}
	day := model.DayOf(ts)

	switch scanType {
	case model.ScanIn:
		rec := model.AttendanceRecord{
			ID:          uuid.NewString(),
			WorkerID:    worker.ID,
			SiteID:      worker.AssignedSiteID,
			Day:         day,
			CheckInTime: ts,
			VerifiedBy:  verifiedBy,
			Status:      classify(ts, worker.ShiftStart, cfg.Attendance),
			Source:      model.SourceSupervisor,
		}
		existing, created, err := s.store.CreateAttendanceIfAbsent(ctx, rec)
		if err != nil {
			return Result{}, fmt.Errorf("attendance create: %w", err)
		}
		if !created {
			res, err := s.reject(ctx, scan, worker.ID, model.ScanDuplicate, "already checked in today")
			res.Record = existing
			return res, err
		}
		s.logScan(ctx, scan, worker.ID, model.ScanValid, "")
		s.publish(events.SubjectAttendanceApproval, existing)
		return Result{Outcome: model.ScanValid, Record: existing}, nil

	case model.ScanOut:
		rec, err := s.store.GetAttendance(ctx, worker.ID, day)
		if errors.Is(err, storage.ErrNotFound) {
			return s.reject(ctx, scan, worker.ID, model.ScanInvalid, "no check-in found")
		}
		if err != nil {
			return Result{}, fmt.Errorf("attendance lookup: %w", err)
		}
		if rec.CheckOutTime != nil {
			res, err := s.reject(ctx, scan, worker.ID, model.ScanDuplicate, "already checked out")
			res.Record = rec
			return res, err
		}
		duration := model.DurationMinutes(rec.CheckInTime, ts)
		if duration < 0 {
			return Result{}, fmt.Errorf("checkout %s precedes check-in %s for worker %s",
				ts.Format(time.RFC3339), rec.CheckInTime.Format(time.RFC3339), worker.ID)
		}
		closed, updated, err := s.store.CloseAttendance(ctx, worker.ID, day, ts, nil, nil, duration, model.AttendanceCheckedOut)
		if err != nil {
			return Result{}, fmt.Errorf("attendance close: %w", err)
		}
		if !updated {
			res, err := s.reject(ctx, scan, worker.ID, model.ScanDuplicate, "already checked out")
			res.Record = closed
			return res, err
		}
		s.logScan(ctx, scan, worker.ID, model.ScanValid, "")
		s.publish(events.SubjectAttendanceApproval, closed)
		return Result{Outcome: model.ScanValid, Record: closed}, nil
	}
	return Result{}, fmt.Errorf("unknown scan type %q", scanType)
}

// Correction is the administrative override path. It bypasses the scan
// transitions entirely: times and status are overwritten, duration is
// recomputed, and the record is marked as an override.
func (s *Service) Correction(ctx context.Context, workerID, day string, checkIn time.Time, checkOut *time.Time, status model.AttendanceStatus, actor string) (model.AttendanceRecord, error) {
	rec, err := s.store.GetAttendance(ctx, workerID, day)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	rec.CheckInTime = checkIn
	rec.CheckOutTime = checkOut
	rec.Status = status
	rec.Source = model.SourceManualOverride
	rec.VerifiedBy = actor
	rec.DurationMinutes = 0
	if checkOut != nil {
		d := model.DurationMinutes(checkIn, *checkOut)
		if d < 0 {
			return model.AttendanceRecord{}, fmt.Errorf("checkout %s precedes check-in %s",
				checkOut.Format(time.RFC3339), checkIn.Format(time.RFC3339))
		}
		rec.DurationMinutes = d
	}
	if err := s.store.OverrideAttendance(ctx, rec); err != nil {
		return model.AttendanceRecord{}, err
	}
	updated, err := s.store.GetAttendance(ctx, workerID, day)
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	s.publish(events.SubjectAttendanceUpdate, updated)
	return updated, nil
}

func (s *Service) ListDay(ctx context.Context, day string) ([]model.AttendanceRecord, error) {
	return s.store.ListAttendanceByDay(ctx, day)
}

func (s *Service) ListScans(ctx context.Context, helmetID string, limit int) ([]model.ScanEvent, error) {
	return s.store.ListScanLog(ctx, helmetID, limit)
}

func (s *Service) workerSite(ctx context.Context, worker model.Worker, cfg *config.Config) (model.Site, bool) {
	if worker.AssignedSiteID == "" {
		return model.Site{}, false
	}
	site, err := s.store.GetSite(ctx, worker.AssignedSiteID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) && s.logger != nil {
			s.logger.Warn("site lookup failed", "site_id", worker.AssignedSiteID, "err", err)
		}
		return model.Site{}, false
	}
	if site.GeofenceRadius <= 0 {
		site.GeofenceRadius = cfg.Attendance.DefaultGeofenceRadius
	}
	return site, true
}

func (s *Service) reject(ctx context.Context, scan normalize.ScanMessage, workerID string, outcome model.ScanOutcome, reason string) (Result, error) {
	s.logScan(ctx, scan, workerID, outcome, reason)
	return Result{Outcome: outcome, FailReason: reason}, nil
}

// logScan records the attempt unconditionally; a failure to log is itself
// logged but never surfaces to the scan path.
func (s *Service) logScan(ctx context.Context, scan normalize.ScanMessage, workerID string, outcome model.ScanOutcome, reason string) {
	ev := model.ScanEvent{
		ID:         uuid.NewString(),
		HelmetID:   scan.HelmetID,
		WorkerID:   workerID,
		ScanType:   scan.Type,
		Timestamp:  scan.Timestamp,
		Latitude:   scan.Latitude,
		Longitude:  scan.Longitude,
		Outcome:    outcome,
		FailReason: reason,
	}
	if err := s.store.AppendScanLog(ctx, ev); err != nil && s.logger != nil {
		s.logger.Error("scan log append failed", "helmet_id", scan.HelmetID, "err", err)
	}
	if s.metrics != nil {
		s.metrics.Scans.WithLabelValues(string(outcome)).Inc()
	}
}

func (s *Service) publish(subject string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(subject, payload); err != nil && s.logger != nil {
		s.logger.Warn("attendance publish failed", "subject", subject, "err", err)
	}
}

// classify layers the late variant on top of present by comparing the
// check-in instant against the worker's shift start plus grace.
func classify(ts time.Time, shiftStart string, cfg config.AttendanceConfig) model.AttendanceStatus {
	if shiftStart == "" {
		shiftStart = cfg.DefaultShiftStart
	}
	start, err := time.Parse("15:04", shiftStart)
	if err != nil {
		return model.AttendancePresent
	}
	ts = ts.UTC()
	shift := time.Date(ts.Year(), ts.Month(), ts.Day(), start.Hour(), start.Minute(), 0, 0, time.UTC)
	if ts.After(shift.Add(cfg.LateGrace)) {
		return model.AttendanceLate
	}
	return model.AttendancePresent
}
