package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"helmguard/internal/config"
	"helmguard/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
)

// DeviceObservation is one registry upsert. Optional fields left nil never
// overwrite stored values; the timestamp guards against out-of-order
// messages reverting battery or position to stale readings.
type DeviceObservation struct {
	DeviceID  string
	Timestamp time.Time
	Battery   *float64
	Latitude  *float64
	Longitude *float64
}

type Store interface {
	Init(ctx context.Context) error
	Close() error

	ObserveDevice(ctx context.Context, obs DeviceObservation) error
	MarkDeviceOffline(ctx context.Context, deviceID string) error
	GetDevice(ctx context.Context, deviceID string) (model.Device, error)
	ListDevices(ctx context.Context) ([]model.Device, error)

	UpsertWorker(ctx context.Context, w model.Worker) error
	GetWorker(ctx context.Context, id string) (model.Worker, error)
	GetWorkerByDevice(ctx context.Context, deviceID string) (model.Worker, error)
	AssignDevice(ctx context.Context, deviceID, workerID string) error
	UpsertSite(ctx context.Context, s model.Site) error
	GetSite(ctx context.Context, id string) (model.Site, error)

	SaveTelemetry(ctx context.Context, t model.Telemetry) error

	InsertAlert(ctx context.Context, a model.Alert) error
	FindOpenAlert(ctx context.Context, deviceID string, typ model.AlertType, since time.Time) (model.Alert, error)
	GetAlert(ctx context.Context, id string) (model.Alert, error)
	UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus, at time.Time) (model.Alert, error)
	EscalateAlert(ctx context.Context, id string, at time.Time) error
	ListAlerts(ctx context.Context, limit int) ([]model.Alert, error)

	// CreateAttendanceIfAbsent is the atomic find-or-create behind scan-in:
	// at most one record ever exists per (worker, day). The bool reports
	// whether this call created the record; when false the existing record
	// is returned unchanged.
	CreateAttendanceIfAbsent(ctx context.Context, rec model.AttendanceRecord) (model.AttendanceRecord, bool, error)
	GetAttendance(ctx context.Context, workerID, day string) (model.AttendanceRecord, error)
	// CloseAttendance sets checkout exactly once; the bool is false when the
	// record was already closed.
	CloseAttendance(ctx context.Context, workerID, day string, out time.Time, lat, lng *float64, duration int, status model.AttendanceStatus) (model.AttendanceRecord, bool, error)
	OverrideAttendance(ctx context.Context, rec model.AttendanceRecord) error
	AppendAttendanceAlert(ctx context.Context, workerID, day, alertID string) error
	ListAttendanceByDay(ctx context.Context, day string) ([]model.AttendanceRecord, error)

	AppendScanLog(ctx context.Context, ev model.ScanEvent) error
	ListScanLog(ctx context.Context, helmetID string, limit int) ([]model.ScanEvent, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeIDs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}

func boolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
