package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"helmguard/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/helmguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			assigned_worker_id TEXT,
			status TEXT NOT NULL,
			battery_level DOUBLE PRECISION,
			last_seen TIMESTAMPTZ NOT NULL,
			last_lat DOUBLE PRECISION,
			last_lng DOUBLE PRECISION
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
			center_lat DOUBLE PRECISION NOT NULL,
			center_lng DOUBLE PRECISION NOT NULL,
			geofence_radius DOUBLE PRECISION NOT NULL DEFAULT 100
		)`,
		`CREATE TABLE IF NOT EXISTS telemetry (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			heart_rate DOUBLE PRECISION,
			temperature DOUBLE PRECISION,
			gas_level DOUBLE PRECISION,
			helmet_on BOOLEAN,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			ambient_temp DOUBLE PRECISION,
			battery DOUBLE PRECISION,
			accel_magnitude DOUBLE PRECISION,
			sos BOOLEAN NOT NULL DEFAULT FALSE,
			fall BOOLEAN NOT NULL DEFAULT FALSE,
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
			escalated BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			acknowledged_at TIMESTAMPTZ,
			resolved_at TIMESTAMPTZ,
			escalated_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_device_type ON alerts(device_id, type, status, created_at)`,
		`CREATE TABLE IF NOT EXISTS attendance (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			site_id TEXT,
			day TEXT NOT NULL,
			check_in_time TIMESTAMPTZ NOT NULL,
			check_out_time TIMESTAMPTZ,
			check_in_lat DOUBLE PRECISION,
			check_in_lng DOUBLE PRECISION,
			check_out_lat DOUBLE PRECISION,
			check_out_lng DOUBLE PRECISION,
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
			ts TIMESTAMPTZ NOT NULL,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
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

func (s *postgresStore) ObserveDevice(ctx context.Context, obs DeviceObservation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (device_id, status, battery_level, last_seen, last_lat, last_lng)
		VALUES ($1, 'online', $2, $3, $4, $5)
		ON CONFLICT (device_id) DO UPDATE SET
			status = 'online',
			battery_level = CASE WHEN EXCLUDED.last_seen >= devices.last_seen AND EXCLUDED.battery_level IS NOT NULL
				THEN EXCLUDED.battery_level ELSE devices.battery_level END,
			last_lat = CASE WHEN EXCLUDED.last_seen >= devices.last_seen AND EXCLUDED.last_lat IS NOT NULL
				THEN EXCLUDED.last_lat ELSE devices.last_lat END,
			last_lng = CASE WHEN EXCLUDED.last_seen >= devices.last_seen AND EXCLUDED.last_lng IS NOT NULL
				THEN EXCLUDED.last_lng ELSE devices.last_lng END,
			last_seen = GREATEST(devices.last_seen, EXCLUDED.last_seen)`,
		obs.DeviceID, nullFloat(obs.Battery), obs.Timestamp.UTC(),
		nullFloat(obs.Latitude), nullFloat(obs.Longitude),
	)
	return err
}

func (s *postgresStore) MarkDeviceOffline(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = 'offline' WHERE device_id = $1`, deviceID)
	return err
}

func (s *postgresStore) GetDevice(ctx context.Context, deviceID string) (model.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT device_id, assigned_worker_id, status, battery_level, last_seen, last_lat, last_lng
		FROM devices WHERE device_id = $1`, deviceID)
	return scanPgDevice(row)
}

func (s *postgresStore) ListDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, assigned_worker_id, status, battery_level, last_seen, last_lat, last_lng
		FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Device
	for rows.Next() {
		d, err := scanPgDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanPgDevice(row rowScanner) (model.Device, error) {
	var d model.Device
	var worker sql.NullString
	var battery, lat, lng sql.NullFloat64
	var lastSeen time.Time
	err := row.Scan(&d.DeviceID, &worker, &d.Status, &battery, &lastSeen, &lat, &lng)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, ErrNotFound
	}
	if err != nil {
		return model.Device{}, err
	}
	d.AssignedWorkerID = worker.String
	d.BatteryLevel = floatPtr(battery)
	d.LastSeen = lastSeen.UTC()
	d.LastLat = floatPtr(lat)
	d.LastLng = floatPtr(lng)
	return d, nil
}

func (s *postgresStore) UpsertWorker(ctx context.Context, w model.Worker) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (id, name, assigned_site_id, shift_start) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
			assigned_site_id = EXCLUDED.assigned_site_id, shift_start = EXCLUDED.shift_start`,
		w.ID, w.Name, nullString(w.AssignedSiteID), nullString(w.ShiftStart))
	return err
}

func (s *postgresStore) GetWorker(ctx context.Context, id string) (model.Worker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, assigned_site_id, shift_start FROM workers WHERE id = $1`, id)
	return scanWorker(row)
}

func (s *postgresStore) GetWorkerByDevice(ctx context.Context, deviceID string) (model.Worker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT w.id, w.name, w.assigned_site_id, w.shift_start
		FROM workers w JOIN devices d ON d.assigned_worker_id = w.id
		WHERE d.device_id = $1`, deviceID)
	return scanWorker(row)
}

func (s *postgresStore) AssignDevice(ctx context.Context, deviceID, workerID string) error {
	// Provisioning may run before the helmet ever reports, so the device
	// row is created on demand.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (device_id, assigned_worker_id, status, last_seen)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (device_id) DO UPDATE SET assigned_worker_id = EXCLUDED.assigned_worker_id`,
		deviceID, nullString(workerID), string(model.DeviceOffline), time.Time{})
	return err
}

func (s *postgresStore) UpsertSite(ctx context.Context, site model.Site) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sites (id, name, center_lat, center_lng, geofence_radius) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, center_lat = EXCLUDED.center_lat,
			center_lng = EXCLUDED.center_lng, geofence_radius = EXCLUDED.geofence_radius`,
		site.ID, site.Name, site.CenterLat, site.CenterLng, site.GeofenceRadius)
	return err
}

func (s *postgresStore) GetSite(ctx context.Context, id string) (model.Site, error) {
	var site model.Site
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, center_lat, center_lng, geofence_radius FROM sites WHERE id = $1`, id).
		Scan(&site.ID, &site.Name, &site.CenterLat, &site.CenterLng, &site.GeofenceRadius)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Site{}, ErrNotFound
	}
	return site, err
}

func (s *postgresStore) SaveTelemetry(ctx context.Context, t model.Telemetry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO telemetry (device_id, ts, heart_rate, temperature, gas_level, helmet_on,
			latitude, longitude, ambient_temp, battery, accel_magnitude, sos, fall, unsafe_behavior)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.DeviceID, t.Timestamp.UTC(), nullFloat(t.HeartRate), nullFloat(t.Temperature),
		nullFloat(t.GasLevel), nullBool(t.HelmetOn), nullFloat(t.Latitude), nullFloat(t.Longitude),
		nullFloat(t.AmbientTemp), nullFloat(t.Battery), nullFloat(t.AccelMagnitude),
		t.SOS, t.Fall, nullString(t.UnsafeBehavior))
	return err
}

func (s *postgresStore) InsertAlert(ctx context.Context, a model.Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, device_id, worker_id, type, severity, value, status, escalated,
			created_at, acknowledged_at, resolved_at, escalated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.DeviceID, nullString(a.WorkerID), string(a.Type), string(a.Severity), a.Value,
		string(a.Status), a.Escalated, a.CreatedAt.UTC(),
		nullTime(a.AcknowledgedAt), nullTime(a.ResolvedAt), nullTime(a.EscalatedAt))
	return err
}

func (s *postgresStore) FindOpenAlert(ctx context.Context, deviceID string, typ model.AlertType, since time.Time) (model.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, worker_id, type, severity, value, status, escalated,
			created_at, acknowledged_at, resolved_at, escalated_at
		FROM alerts
		WHERE device_id = $1 AND type = $2 AND status = 'new' AND created_at > $3
		ORDER BY created_at DESC LIMIT 1`,
		deviceID, string(typ), since.UTC())
	return scanPgAlert(row)
}

func (s *postgresStore) GetAlert(ctx context.Context, id string) (model.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, worker_id, type, severity, value, status, escalated,
			created_at, acknowledged_at, resolved_at, escalated_at
		FROM alerts WHERE id = $1`, id)
	return scanPgAlert(row)
}

func (s *postgresStore) UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus, at time.Time) (model.Alert, error) {
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
		`UPDATE alerts SET status = $1, `+column+` = $2 WHERE id = $3`,
		string(status), at.UTC(), id)
	if err != nil {
		return model.Alert{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Alert{}, ErrNotFound
	}
	return s.GetAlert(ctx, id)
}

func (s *postgresStore) EscalateAlert(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET escalated = TRUE, escalated_at = $1 WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) ListAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, worker_id, type, severity, value, status, escalated,
			created_at, acknowledged_at, resolved_at, escalated_at
		FROM alerts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		a, err := scanPgAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanPgAlert(row rowScanner) (model.Alert, error) {
	var a model.Alert
	var worker sql.NullString
	var created time.Time
	var ack, res, esc sql.NullTime
	err := row.Scan(&a.ID, &a.DeviceID, &worker, &a.Type, &a.Severity, &a.Value, &a.Status,
		&a.Escalated, &created, &ack, &res, &esc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Alert{}, ErrNotFound
	}
	if err != nil {
		return model.Alert{}, err
	}
	a.WorkerID = worker.String
	a.CreatedAt = created.UTC()
	a.AcknowledgedAt = timePtr(ack)
	a.ResolvedAt = timePtr(res)
	a.EscalatedAt = timePtr(esc)
	return a, nil
}

func (s *postgresStore) CreateAttendanceIfAbsent(ctx context.Context, rec model.AttendanceRecord) (model.AttendanceRecord, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attendance (id, worker_id, site_id, day, check_in_time, check_in_lat, check_in_lng,
			verified_by, status, duration_minutes, source, alert_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11)
		ON CONFLICT (worker_id, day) DO NOTHING`,
		rec.ID, rec.WorkerID, nullString(rec.SiteID), rec.Day, rec.CheckInTime.UTC(),
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

func (s *postgresStore) GetAttendance(ctx context.Context, workerID, day string) (model.AttendanceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, worker_id, site_id, day, check_in_time, check_out_time, check_in_lat, check_in_lng,
			check_out_lat, check_out_lng, verified_by, status, duration_minutes, source, alert_ids
		FROM attendance WHERE worker_id = $1 AND day = $2`, workerID, day)
	return scanPgAttendance(row)
}

func (s *postgresStore) CloseAttendance(ctx context.Context, workerID, day string, out time.Time, lat, lng *float64, duration int, status model.AttendanceStatus) (model.AttendanceRecord, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attendance SET check_out_time = $1, check_out_lat = $2, check_out_lng = $3,
			duration_minutes = $4, status = $5
		WHERE worker_id = $6 AND day = $7 AND check_out_time IS NULL`,
		out.UTC(), nullFloat(lat), nullFloat(lng), duration, string(status), workerID, day)
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

func (s *postgresStore) OverrideAttendance(ctx context.Context, rec model.AttendanceRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attendance SET check_in_time = $1, check_out_time = $2, status = $3,
			duration_minutes = $4, source = $5, verified_by = $6
		WHERE worker_id = $7 AND day = $8`,
		rec.CheckInTime.UTC(), nullTime(rec.CheckOutTime), string(rec.Status),
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

func (s *postgresStore) AppendAttendanceAlert(ctx context.Context, workerID, day, alertID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var raw sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT alert_ids FROM attendance WHERE worker_id = $1 AND day = $2 FOR UPDATE`,
		workerID, day).Scan(&raw)
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
		`UPDATE attendance SET alert_ids = $1 WHERE worker_id = $2 AND day = $3`,
		encodeJSON(ids), workerID, day); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *postgresStore) ListAttendanceByDay(ctx context.Context, day string) ([]model.AttendanceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, worker_id, site_id, day, check_in_time, check_out_time, check_in_lat, check_in_lng,
			check_out_lat, check_out_lng, verified_by, status, duration_minutes, source, alert_ids
		FROM attendance WHERE day = $1 ORDER BY check_in_time`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AttendanceRecord
	for rows.Next() {
		rec, err := scanPgAttendance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanPgAttendance(row rowScanner) (model.AttendanceRecord, error) {
	var rec model.AttendanceRecord
	var site, verified, alertIDs sql.NullString
	var checkIn time.Time
	var checkOut sql.NullTime
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
	rec.CheckInTime = checkIn.UTC()
	rec.CheckOutTime = timePtr(checkOut)
	rec.CheckInLat = floatPtr(inLat)
	rec.CheckInLng = floatPtr(inLng)
	rec.CheckOutLat = floatPtr(outLat)
	rec.CheckOutLng = floatPtr(outLng)
	rec.VerifiedBy = verified.String
	rec.AlertIDs = decodeIDs(alertIDs.String)
	return rec, nil
}

func (s *postgresStore) AppendScanLog(ctx context.Context, ev model.ScanEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_log (id, helmet_id, worker_id, scan_type, ts, latitude, longitude, outcome, fail_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.HelmetID, nullString(ev.WorkerID), string(ev.ScanType), ev.Timestamp.UTC(),
		nullFloat(ev.Latitude), nullFloat(ev.Longitude), string(ev.Outcome), nullString(ev.FailReason))
	return err
}

func (s *postgresStore) ListScanLog(ctx context.Context, helmetID string, limit int) ([]model.ScanEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if helmetID != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, helmet_id, worker_id, scan_type, ts, latitude, longitude, outcome, fail_reason
			FROM scan_log WHERE helmet_id = $1 ORDER BY ts DESC LIMIT $2`, helmetID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, helmet_id, worker_id, scan_type, ts, latitude, longitude, outcome, fail_reason
			FROM scan_log ORDER BY ts DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ScanEvent
	for rows.Next() {
		var ev model.ScanEvent
		var worker, reason sql.NullString
		var ts time.Time
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&ev.ID, &ev.HelmetID, &worker, &ev.ScanType, &ts, &lat, &lng,
			&ev.Outcome, &reason); err != nil {
			return nil, err
		}
		ev.WorkerID = worker.String
		ev.Timestamp = ts.UTC()
		ev.Latitude = floatPtr(lat)
		ev.Longitude = floatPtr(lng)
		ev.FailReason = reason.String
		out = append(out, ev)
	}
	return out, rows.Err()
}
