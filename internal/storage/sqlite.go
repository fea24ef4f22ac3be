package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"helmguard/internal/model"
)

// Fixed-width UTC layout so stored timestamps sort lexicographically.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:helmguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func sqtime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func sqtimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqtime(*t)
}

func parseSqtime(s string) time.Time {
	t, _ := time.Parse(sqliteTimeLayout, s)
	return t
}

func parseSqtimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseSqtime(s.String)
	return &t
}

func (s *sqliteStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			assigned_worker_id TEXT,
			status TEXT NOT NULL,
			battery_level REAL,
			last_seen TEXT NOT NULL,
			last_lat REAL,
			last_lng REAL
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			assigned_site_id TEXT,
			shift_start TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS sites (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			center_lat REAL NOT NULL,
			center_lng REAL NOT NULL,
			geofence_radius REAL NOT NULL DEFAULT 100
		)`,
		`CREATE TABLE IF NOT EXISTS telemetry (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			heart_rate REAL,
			temperature REAL,
			gas_level REAL,
			helmet_on INTEGER,
			latitude REAL,
			longitude REAL,
			ambient_temp REAL,
			battery REAL,
			accel_magnitude REAL,
			sos INTEGER NOT NULL DEFAULT 0,
			fall INTEGER NOT NULL DEFAULT 0,
			unsafe_behavior TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_device_ts ON telemetry(device_id, ts)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			worker_id TEXT,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			value TEXT,
			status TEXT NOT NULL,
			escalated INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			acknowledged_at TEXT,
			resolved_at TEXT,
			escalated_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_device_type ON alerts(device_id, type, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS attendance (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			site_id TEXT,
			day TEXT NOT NULL,
			check_in_time TEXT NOT NULL,
			check_out_time TEXT,
			check_in_lat REAL,
			check_in_lng REAL,
			check_out_lat REAL,
			check_out_lng REAL,
			verified_by TEXT,
			status TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL,
			alert_ids TEXT,
			UNIQUE(worker_id, day)
		)`,
		`CREATE TABLE IF NOT EXISTS scan_log (
			id TEXT PRIMARY KEY,
			helmet_id TEXT NOT NULL,
			worker_id TEXT,
			scan_type TEXT NOT NULL,
			ts TEXT NOT NULL,
			latitude REAL,
			longitude REAL,
			outcome TEXT NOT NULL,
			fail_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_log_helmet_ts ON scan_log(helmet_id, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) ObserveDevice(ctx context.Context, obs DeviceObservation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (device_id, status, battery_level, last_seen, last_lat, last_lng)
		VALUES (?, 'online', ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			status = 'online',
			battery_level = CASE WHEN excluded.last_seen >= devices.last_seen AND excluded.battery_level IS NOT NULL
				THEN excluded.battery_level ELSE devices.battery_level END,
			last_lat = CASE WHEN excluded.last_seen >= devices.last_seen AND excluded.last_lat IS NOT NULL
				THEN excluded.last_lat ELSE devices.last_lat END,
			last_lng = CASE WHEN excluded.last_seen >= devices.last_seen AND excluded.last_lng IS NOT NULL
				THEN excluded.last_lng ELSE devices.last_lng END,
			last_seen = MAX(devices.last_seen, excluded.last_seen)`,
		obs.DeviceID, nullFloat(obs.Battery), sqtime(obs.Timestamp),
		nullFloat(obs.Latitude), nullFloat(obs.Longitude),
	)
	return err
}

func (s *sqliteStore) MarkDeviceOffline(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = 'offline' WHERE device_id = ?`, deviceID)
	return err
}

func (s *sqliteStore) GetDevice(ctx context.Context, deviceID string) (model.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT device_id, assigned_worker_id, status, battery_level, last_seen, last_lat, last_lng
		FROM devices WHERE device_id = ?`, deviceID)
	return scanSqliteDevice(row)
}

func (s *sqliteStore) ListDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, assigned_worker_id, status, battery_level, last_seen, last_lat, last_lng
		FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Device
	for rows.Next() {
		d, err := scanSqliteDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSqliteDevice(row rowScanner) (model.Device, error) {
	var d model.Device
	var worker sql.NullString
	var battery, lat, lng sql.NullFloat64
	var lastSeen string
	err := row.Scan(&d.DeviceID, &worker, &d.Status, &battery, &lastSeen, &lat, &lng)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, ErrNotFound
	}
	if err != nil {
		return model.Device{}, err
	}
	d.AssignedWorkerID = worker.String
	d.BatteryLevel = floatPtr(battery)
	d.LastSeen = parseSqtime(lastSeen)
	d.LastLat = floatPtr(lat)
	d.LastLng = floatPtr(lng)
	return d, nil
}

func (s *sqliteStore) UpsertWorker(ctx context.Context, w model.Worker) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (id, name, assigned_site_id, shift_start) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name,
			assigned_site_id = excluded.assigned_site_id, shift_start = excluded.shift_start`,
		w.ID, w.Name, nullString(w.AssignedSiteID), nullString(w.ShiftStart))
	return err
}

func (s *sqliteStore) GetWorker(ctx context.Context, id string) (model.Worker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, assigned_site_id, shift_start FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

func (s *sqliteStore) GetWorkerByDevice(ctx context.Context, deviceID string) (model.Worker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT w.id, w.name, w.assigned_site_id, w.shift_start
		FROM workers w JOIN devices d ON d.assigned_worker_id = w.id
		WHERE d.device_id = ?`, deviceID)
	return scanWorker(row)
}

func scanWorker(row rowScanner) (model.Worker, error) {
	var w model.Worker
	var site, shift sql.NullString
	err := row.Scan(&w.ID, &w.Name, &site, &shift)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Worker{}, ErrNotFound
	}
	if err != nil {
		return model.Worker{}, err
	}
	w.AssignedSiteID = site.String
	w.ShiftStart = shift.String
	return w, nil
}

func (s *sqliteStore) AssignDevice(ctx context.Context, deviceID, workerID string) error {
	// Provisioning may run before the helmet ever reports, so the device
	// row is created on demand.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (device_id, assigned_worker_id, status, last_seen)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (device_id) DO UPDATE SET assigned_worker_id = excluded.assigned_worker_id`,
		deviceID, nullString(workerID), string(model.DeviceOffline), sqtime(time.Time{}))
	return err
}

func (s *sqliteStore) UpsertSite(ctx context.Context, site model.Site) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sites (id, name, center_lat, center_lng, geofence_radius) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, center_lat = excluded.center_lat,
			center_lng = excluded.center_lng, geofence_radius = excluded.geofence_radius`,
		site.ID, site.Name, site.CenterLat, site.CenterLng, site.GeofenceRadius)
	return err
}

func (s *sqliteStore) GetSite(ctx context.Context, id string) (model.Site, error) {
	var site model.Site
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, center_lat, center_lng, geofence_radius FROM sites WHERE id = ?`, id).
		Scan(&site.ID, &site.Name, &site.CenterLat, &site.CenterLng, &site.GeofenceRadius)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Site{}, ErrNotFound
	}
	return site, err
}

func (s *sqliteStore) SaveTelemetry(ctx context.Context, t model.Telemetry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO telemetry (device_id, ts, heart_rate, temperature, gas_level, helmet_on,
			latitude, longitude, ambient_temp, battery, accel_magnitude, sos, fall, unsafe_behavior)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.DeviceID, sqtime(t.Timestamp), nullFloat(t.HeartRate), nullFloat(t.Temperature),
		nullFloat(t.GasLevel), nullBool(t.HelmetOn), nullFloat(t.Latitude), nullFloat(t.Longitude),
		nullFloat(t.AmbientTemp), nullFloat(t.Battery), nullFloat(t.AccelMagnitude),
		t.SOS, t.Fall, nullString(t.UnsafeBehavior))
	return err
}

func (s *sqliteStore) InsertAlert(ctx context.Context, a model.Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, device_id, worker_id, type, severity, value, status, escalated,
			created_at, acknowledged_at, resolved_at, escalated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DeviceID, nullString(a.WorkerID), string(a.Type), string(a.Severity), a.Value,
		string(a.Status), a.Escalated, sqtime(a.CreatedAt),
		sqtimePtr(a.AcknowledgedAt), sqtimePtr(a.ResolvedAt), sqtimePtr(a.EscalatedAt))
	return err
}

func (s *sqliteStore) FindOpenAlert(ctx context.Context, deviceID string, typ model.AlertType, since time.Time) (model.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, worker_id, type, severity, value, status, escalated,
			created_at, acknowledged_at, resolved_at, escalated_at
		FROM alerts
		WHERE device_id = ? AND type = ? AND status = 'new' AND created_at > ?
		ORDER BY created_at DESC LIMIT 1`,
		deviceID, string(typ), sqtime(since))
	return scanSqliteAlert(row)
}

func (s *sqliteStore) GetAlert(ctx context.Context, id string) (model.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, worker_id, type, severity, value, status, escalated,
			created_at, acknowledged_at, resolved_at, escalated_at
		FROM alerts WHERE id = ?`, id)
	return scanSqliteAlert(row)
}

func (s *sqliteStore) UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus, at time.Time) (model.Alert, error) {
	column := ""
	switch status {
	case model.AlertAcknowledged:
		column = "acknowledged_at"
	case model.AlertResolved:
		column = "resolved_at"
	default:
		return model.Alert{}, errors.New("invalid alert status transition")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ?, `+column+` = ? WHERE id = ?`,
		string(status), sqtime(at), id)
	if err != nil {
		return model.Alert{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Alert{}, ErrNotFound
	}
	return s.GetAlert(ctx, id)
}

func (s *sqliteStore) EscalateAlert(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET escalated = 1, escalated_at = ? WHERE id = ?`, sqtime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, worker_id, type, severity, value, status, escalated,
			created_at, acknowledged_at, resolved_at, escalated_at
		FROM alerts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		a, err := scanSqliteAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanSqliteAlert(row rowScanner) (model.Alert, error) {
	var a model.Alert
	var worker sql.NullString
	var created string
	var ack, res, esc sql.NullString
	err := row.Scan(&a.ID, &a.DeviceID, &worker, &a.Type, &a.Severity, &a.Value, &a.Status,
		&a.Escalated, &created, &ack, &res, &esc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Alert{}, ErrNotFound
	}
	if err != nil {
		return model.Alert{}, err
	}
	a.WorkerID = worker.String
	a.CreatedAt = parseSqtime(created)
	a.AcknowledgedAt = parseSqtimePtr(ack)
	a.ResolvedAt = parseSqtimePtr(res)
	a.EscalatedAt = parseSqtimePtr(esc)
	return a, nil
}

func (s *sqliteStore) CreateAttendanceIfAbsent(ctx context.Context, rec model.AttendanceRecord) (model.AttendanceRecord, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attendance (id, worker_id, site_id, day, check_in_time, check_in_lat, check_in_lng,
			verified_by, status, duration_minutes, source, alert_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(worker_id, day) DO NOTHING`,
		rec.ID, rec.WorkerID, nullString(rec.SiteID), rec.Day, sqtime(rec.CheckInTime),
		nullFloat(rec.CheckInLat), nullFloat(rec.CheckInLng), nullString(rec.VerifiedBy),
		string(rec.Status), string(rec.Source), encodeJSON(rec.AlertIDs))
	if err != nil {
		return model.AttendanceRecord{}, false, err
	}
	n, _ := res.RowsAffected()
	existing, err := s.GetAttendance(ctx, rec.WorkerID, rec.Day)
	if err != nil {
		return model.AttendanceRecord{}, false, err
	}
	return existing, n > 0, nil
}

func (s *sqliteStore) GetAttendance(ctx context.Context, workerID, day string) (model.AttendanceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, worker_id, site_id, day, check_in_time, check_out_time, check_in_lat, check_in_lng,
			check_out_lat, check_out_lng, verified_by, status, duration_minutes, source, alert_ids
		FROM attendance WHERE worker_id = ? AND day = ?`, workerID, day)
	return scanSqliteAttendance(row)
}

func (s *sqliteStore) CloseAttendance(ctx context.Context, workerID, day string, out time.Time, lat, lng *float64, duration int, status model.AttendanceStatus) (model.AttendanceRecord, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attendance SET check_out_time = ?, check_out_lat = ?, check_out_lng = ?,
			duration_minutes = ?, status = ?
		WHERE worker_id = ? AND day = ? AND check_out_time IS NULL`,
		sqtime(out), nullFloat(lat), nullFloat(lng), duration, string(status), workerID, day)
	if err != nil {
		return model.AttendanceRecord{}, false, err
	}
	n, _ := res.RowsAffected()
	rec, err := s.GetAttendance(ctx, workerID, day)
	if err != nil {
		return model.AttendanceRecord{}, false, err
	}
	return rec, n > 0, nil
}

func (s *sqliteStore) OverrideAttendance(ctx context.Context, rec model.AttendanceRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attendance SET check_in_time = ?, check_out_time = ?, status = ?,
			duration_minutes = ?, source = ?, verified_by = ?
		WHERE worker_id = ? AND day = ?`,
		sqtime(rec.CheckInTime), sqtimePtr(rec.CheckOutTime), string(rec.Status),
		rec.DurationMinutes, string(rec.Source), nullString(rec.VerifiedBy),
		rec.WorkerID, rec.Day)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AppendAttendanceAlert(ctx context.Context, workerID, day, alertID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var raw sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT alert_ids FROM attendance WHERE worker_id = ? AND day = ?`, workerID, day).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return ErrNotFound
	}
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	ids := append(decodeIDs(raw.String), alertID)
	if _, err := tx.ExecContext(ctx,
		`UPDATE attendance SET alert_ids = ? WHERE worker_id = ? AND day = ?`,
		encodeJSON(ids), workerID, day); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListAttendanceByDay(ctx context.Context, day string) ([]model.AttendanceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, worker_id, site_id, day, check_in_time, check_out_time, check_in_lat, check_in_lng,
			check_out_lat, check_out_lng, verified_by, status, duration_minutes, source, alert_ids
		FROM attendance WHERE day = ? ORDER BY check_in_time`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AttendanceRecord
	for rows.Next() {
		rec, err := scanSqliteAttendance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSqliteAttendance(row rowScanner) (model.AttendanceRecord, error) {
	var rec model.AttendanceRecord
	var site, verified, alertIDs sql.NullString
	var checkIn string
	var checkOut sql.NullString
	var inLat, inLng, outLat, outLng sql.NullFloat64
	err := row.Scan(&rec.ID, &rec.WorkerID, &site, &rec.Day, &checkIn, &checkOut,
		&inLat, &inLng, &outLat, &outLng, &verified, &rec.Status, &rec.DurationMinutes,
		&rec.Source, &alertIDs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AttendanceRecord{}, ErrNotFound
	}
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	rec.SiteID = site.String
	rec.CheckInTime = parseSqtime(checkIn)
	rec.CheckOutTime = parseSqtimePtr(checkOut)
	rec.CheckInLat = floatPtr(inLat)
	rec.CheckInLng = floatPtr(inLng)
	rec.CheckOutLat = floatPtr(outLat)
	rec.CheckOutLng = floatPtr(outLng)
	rec.VerifiedBy = verified.String
	rec.AlertIDs = decodeIDs(alertIDs.String)
	return rec, nil
}

func (s *sqliteStore) AppendScanLog(ctx context.Context, ev model.ScanEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_log (id, helmet_id, worker_id, scan_type, ts, latitude, longitude, outcome, fail_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.HelmetID, nullString(ev.WorkerID), string(ev.ScanType), sqtime(ev.Timestamp),
		nullFloat(ev.Latitude), nullFloat(ev.Longitude), string(ev.Outcome), nullString(ev.FailReason))
	return err
}

func (s *sqliteStore) ListScanLog(ctx context.Context, helmetID string, limit int) ([]model.ScanEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, helmet_id, worker_id, scan_type, ts, latitude, longitude, outcome, fail_reason
		FROM scan_log`
	args := []any{}
	if helmetID != "" {
		query += ` WHERE helmet_id = ?`
		args = append(args, helmetID)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ScanEvent
	for rows.Next() {
		var ev model.ScanEvent
		var worker, reason sql.NullString
		var ts string
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&ev.ID, &ev.HelmetID, &worker, &ev.ScanType, &ts, &lat, &lng,
			&ev.Outcome, &reason); err != nil {
			return nil, err
		}
		ev.WorkerID = worker.String
		ev.Timestamp = parseSqtime(ts)
		ev.Latitude = floatPtr(lat)
		ev.Longitude = floatPtr(lng)
		ev.FailReason = reason.String
		out = append(out, ev)
	}
	return out, rows.Err()
}
