package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"helmguard/internal/model"
)

// memoryStore keeps everything behind one mutex. The conditional-write
// methods are atomic by construction, which makes it suitable both as a
// test double and as a throwaway dev driver.
type memoryStore struct {
	mu         sync.Mutex
	devices    map[string]model.Device
	workers    map[string]model.Worker
	sites      map[string]model.Site
	telemetry  []model.Telemetry
	alerts     map[string]model.Alert
	alertOrder []string
	attendance map[string]model.AttendanceRecord // worker|day
	scanLog    []model.ScanEvent
}

func NewMemory() Store {
	return &memoryStore{
		devices:    make(map[string]model.Device),
		workers:    make(map[string]model.Worker),
		sites:      make(map[string]model.Site),
		alerts:     make(map[string]model.Alert),
		attendance: make(map[string]model.AttendanceRecord),
	}
}

func attKey(workerID, day string) string { return workerID + "|" + day }

func (s *memoryStore) Init(ctx context.Context) error { return nil }
func (s *memoryStore) Close() error                   { return nil }

func (s *memoryStore) ObserveDevice(ctx context.Context, obs DeviceObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[obs.DeviceID]
	if !ok {
		d = model.Device{DeviceID: obs.DeviceID}
	}
	d.Status = model.DeviceOnline
	newer := !obs.Timestamp.Before(d.LastSeen)
	if newer {
		if obs.Battery != nil {
			d.BatteryLevel = obs.Battery
		}
		if obs.Latitude != nil {
			d.LastLat = obs.Latitude
		}
		if obs.Longitude != nil {
			d.LastLng = obs.Longitude
		}
	}
	if obs.Timestamp.After(d.LastSeen) {
		d.LastSeen = obs.Timestamp
	}
	s.devices[obs.DeviceID] = d
	return nil
}

func (s *memoryStore) MarkDeviceOffline(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[deviceID]; ok {
		d.Status = model.DeviceOffline
		s.devices[deviceID] = d
	}
	return nil
}

func (s *memoryStore) GetDevice(ctx context.Context, deviceID string) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return model.Device{}, ErrNotFound
	}
	return d, nil
}

func (s *memoryStore) ListDevices(ctx context.Context) ([]model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *memoryStore) UpsertWorker(ctx context.Context, w model.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.ID] = w
	return nil
}

func (s *memoryStore) GetWorker(ctx context.Context, id string) (model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return model.Worker{}, ErrNotFound
	}
	return w, nil
}

func (s *memoryStore) GetWorkerByDevice(ctx context.Context, deviceID string) (model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok || d.AssignedWorkerID == "" {
		return model.Worker{}, ErrNotFound
	}
	w, ok := s.workers[d.AssignedWorkerID]
	if !ok {
		return model.Worker{}, ErrNotFound
	}
	return w, nil
}

func (s *memoryStore) AssignDevice(ctx context.Context, deviceID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		// Provisioning may run before the helmet ever reports.
		d = model.Device{DeviceID: deviceID, Status: model.DeviceOffline}
	}
	d.AssignedWorkerID = workerID
	s.devices[deviceID] = d
	return nil
}

func (s *memoryStore) UpsertSite(ctx context.Context, site model.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[site.ID] = site
	return nil
}

func (s *memoryStore) GetSite(ctx context.Context, id string) (model.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[id]
	if !ok {
		return model.Site{}, ErrNotFound
	}
	return site, nil
}

func (s *memoryStore) SaveTelemetry(ctx context.Context, t model.Telemetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry = append(s.telemetry, t)
	return nil
}

// TelemetryCount is test-only visibility into persisted sample volume.
func (s *memoryStore) TelemetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.telemetry)
}

func (s *memoryStore) InsertAlert(ctx context.Context, a model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
	s.alertOrder = append(s.alertOrder, a.ID)
	return nil
}

func (s *memoryStore) FindOpenAlert(ctx context.Context, deviceID string, typ model.AlertType, since time.Time) (model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.alertOrder) - 1; i >= 0; i-- {
		a := s.alerts[s.alertOrder[i]]
		if a.DeviceID == deviceID && a.Type == typ && a.Status == model.AlertNew && a.CreatedAt.After(since) {
			return a, nil
		}
	}
	return model.Alert{}, ErrNotFound
}

func (s *memoryStore) GetAlert(ctx context.Context, id string) (model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return model.Alert{}, ErrNotFound
	}
	return a, nil
}

func (s *memoryStore) UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus, at time.Time) (model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return model.Alert{}, ErrNotFound
	}
	a.Status = status
	switch status {
	case model.AlertAcknowledged:
		a.AcknowledgedAt = &at
	case model.AlertResolved:
		a.ResolvedAt = &at
	}
	s.alerts[id] = a
	return a, nil
}

func (s *memoryStore) EscalateAlert(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return ErrNotFound
	}
	a.Escalated = true
	a.EscalatedAt = &at
	s.alerts[id] = a
	return nil
}

func (s *memoryStore) ListAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.alertOrder) {
		limit = len(s.alertOrder)
	}
	out := make([]model.Alert, 0, limit)
	for i := len(s.alertOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.alerts[s.alertOrder[i]])
	}
	return out, nil
}

func (s *memoryStore) CreateAttendanceIfAbsent(ctx context.Context, rec model.AttendanceRecord) (model.AttendanceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attKey(rec.WorkerID, rec.Day)
	if existing, ok := s.attendance[key]; ok {
		return existing, false, nil
	}
	s.attendance[key] = rec
	return rec, true, nil
}

func (s *memoryStore) GetAttendance(ctx context.Context, workerID, day string) (model.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.attendance[attKey(workerID, day)]
	if !ok {
		return model.AttendanceRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *memoryStore) CloseAttendance(ctx context.Context, workerID, day string, out time.Time, lat, lng *float64, duration int, status model.AttendanceStatus) (model.AttendanceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attKey(workerID, day)
	rec, ok := s.attendance[key]
	if !ok {
		return model.AttendanceRecord{}, false, ErrNotFound
	}
	if rec.CheckOutTime != nil {
		return rec, false, nil
	}
	rec.CheckOutTime = &out
	rec.CheckOutLat = lat
	rec.CheckOutLng = lng
	rec.DurationMinutes = duration
	rec.Status = status
	s.attendance[key] = rec
	return rec, true, nil
}

func (s *memoryStore) OverrideAttendance(ctx context.Context, rec model.AttendanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attKey(rec.WorkerID, rec.Day)
	existing, ok := s.attendance[key]
	if !ok {
		return ErrNotFound
	}
	existing.CheckInTime = rec.CheckInTime
	existing.CheckOutTime = rec.CheckOutTime
	existing.Status = rec.Status
	existing.DurationMinutes = rec.DurationMinutes
	existing.Source = rec.Source
	existing.VerifiedBy = rec.VerifiedBy
	s.attendance[key] = existing
	return nil
}

func (s *memoryStore) AppendAttendanceAlert(ctx context.Context, workerID, day, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attKey(workerID, day)
	rec, ok := s.attendance[key]
	if !ok {
		return ErrNotFound
	}
	rec.AlertIDs = append(rec.AlertIDs, alertID)
	s.attendance[key] = rec
	return nil
}

func (s *memoryStore) ListAttendanceByDay(ctx context.Context, day string) ([]model.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AttendanceRecord
	for _, rec := range s.attendance {
		if rec.Day == day {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckInTime.Before(out[j].CheckInTime) })
	return out, nil
}

func (s *memoryStore) AppendScanLog(ctx context.Context, ev model.ScanEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanLog = append(s.scanLog, ev)
	return nil
}

func (s *memoryStore) ListScanLog(ctx context.Context, helmetID string, limit int) ([]model.ScanEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []model.ScanEvent
	for i := len(s.scanLog) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.scanLog[i]
		if helmetID != "" && ev.HelmetID != helmetID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
