package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"helmguard/internal/events"
	"helmguard/internal/model"
	"helmguard/internal/storage"
)

// Service persists alert candidates behind a debounce window and owns the
// alert status lifecycle. Admission for one (device, type) pair is
// serialized through a keyed lock so that near-simultaneous candidates from
// different transports cannot both pass the open-alert check.
type Service struct {
	store     storage.Store
	recent    *Recent
	publisher events.Publisher
	logger    *slog.Logger
	locks     keyedLocks
}

func NewService(store storage.Store, recent *Recent, publisher events.Publisher, logger *slog.Logger) *Service {
	return &Service{store: store, recent: recent, publisher: publisher, logger: logger}
}

// Admit persists the candidate unless an unresolved alert of the same
// (device, type) was created within the window. The window also closes when
// the existing alert leaves the `new` status, whichever comes first. The
// returned bool reports whether a new alert was persisted.
func (s *Service) Admit(ctx context.Context, deviceID string, cand model.AlertCandidate, now time.Time, window time.Duration) (model.Alert, bool, error) {
	key := deviceID + "|" + string(cand.Type)
	lock := s.locks.get(key)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.store.FindOpenAlert(ctx, deviceID, cand.Type, now.Add(-window))
	if err == nil {
		return model.Alert{}, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.Alert{}, false, fmt.Errorf("open alert lookup: %w", err)
	}

	alert := model.Alert{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Type:      cand.Type,
		Severity:  cand.Severity,
		Value:     cand.Value,
		Status:    model.AlertNew,
		CreatedAt: now,
	}
	if worker, err := s.store.GetWorkerByDevice(ctx, deviceID); err == nil {
		alert.WorkerID = worker.ID
	} else if !errors.Is(err, storage.ErrNotFound) && s.logger != nil {
		s.logger.Warn("worker lookup failed", "device_id", deviceID, "err", err)
	}

	if err := s.store.InsertAlert(ctx, alert); err != nil {
		return model.Alert{}, false, fmt.Errorf("insert alert: %w", err)
	}
	if s.recent != nil {
		s.recent.Add(alert)
	}

	s.correlateAttendance(ctx, alert)

	if s.publisher != nil {
		if err := s.publisher.Publish(events.SubjectAlertNew, alert); err != nil && s.logger != nil {
			s.logger.Warn("alert publish failed", "alert_id", alert.ID, "err", err)
		}
	}
	return alert, true, nil
}

// correlateAttendance appends the alert to the worker's open attendance
// record for today, when one exists.
func (s *Service) correlateAttendance(ctx context.Context, alert model.Alert) {
	if alert.WorkerID == "" {
		return
	}
	day := model.DayOf(alert.CreatedAt)
	rec, err := s.store.GetAttendance(ctx, alert.WorkerID, day)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) && s.logger != nil {
			s.logger.Warn("attendance lookup failed", "worker_id", alert.WorkerID, "err", err)
		}
		return
	}
	if rec.CheckOutTime != nil {
		return
	}
	if err := s.store.AppendAttendanceAlert(ctx, alert.WorkerID, day, alert.ID); err != nil && s.logger != nil {
		s.logger.Warn("attendance alert link failed", "worker_id", alert.WorkerID, "alert_id", alert.ID, "err", err)
	}
}

func (s *Service) Acknowledge(ctx context.Context, id string, at time.Time) (model.Alert, error) {
	return s.transition(ctx, id, model.AlertAcknowledged, at)
}

func (s *Service) Resolve(ctx context.Context, id string, at time.Time) (model.Alert, error) {
	return s.transition(ctx, id, model.AlertResolved, at)
}

func (s *Service) transition(ctx context.Context, id string, status model.AlertStatus, at time.Time) (model.Alert, error) {
	alert, err := s.store.UpdateAlertStatus(ctx, id, status, at)
	if err != nil {
		return model.Alert{}, err
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(events.SubjectAlertStatus, alert); err != nil && s.logger != nil {
			s.logger.Warn("alert status publish failed", "alert_id", id, "err", err)
		}
	}
	return alert, nil
}

func (s *Service) Escalate(ctx context.Context, id string, at time.Time) error {
	if err := s.store.EscalateAlert(ctx, id, at); err != nil {
		return err
	}
	if s.publisher != nil {
		alert, err := s.store.GetAlert(ctx, id)
		if err == nil {
			if err := s.publisher.Publish(events.SubjectAlertStatus, alert); err != nil && s.logger != nil {
				s.logger.Warn("alert status publish failed", "alert_id", id, "err", err)
			}
		}
	}
	return nil
}

func (s *Service) List(ctx context.Context, limit int) ([]model.Alert, error) {
	return s.store.ListAlerts(ctx, limit)
}

// keyedLocks hands out one mutex per key. Entries are never evicted; the
// key space is bounded by (devices x alert types).
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	if l, ok := k.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	k.locks[key] = l
	return l
}
