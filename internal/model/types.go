package model

import "time"

type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

type AlertType string

const (
	AlertSOS               AlertType = "SOS"
	AlertGas               AlertType = "GAS"
	AlertHighTemp          AlertType = "high_temp"
	AlertAbnormalHeartRate AlertType = "abnormal_heart_rate"
	AlertHelmetOff         AlertType = "helmet_off"
	AlertFall              AlertType = "fall"
	AlertUnsafeBehavior    AlertType = "unsafe_behavior"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type AlertStatus string

const (
	AlertNew          AlertStatus = "new"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

type ScanType string

const (
	ScanIn  ScanType = "IN"
	ScanOut ScanType = "OUT"
)

type ScanOutcome string

const (
	ScanValid     ScanOutcome = "valid"
	ScanInvalid   ScanOutcome = "invalid"
	ScanDuplicate ScanOutcome = "duplicate"
	ScanGeoFail   ScanOutcome = "geo_fail"
)

type AttendanceStatus string

const (
	AttendancePresent    AttendanceStatus = "present"
	AttendanceLate       AttendanceStatus = "late"
	AttendanceCheckedOut AttendanceStatus = "checked_out"
)

type AttendanceSource string

const (
	SourceScan           AttendanceSource = "scan"
	SourceSupervisor     AttendanceSource = "supervisor"
	SourceManualOverride AttendanceSource = "manual_override"
)

// Telemetry is one normalized observation from a device. Every sensor field
// is optional; a payload may report any subset.
type Telemetry struct {
	DeviceID       string    `json:"device_id"`
	Timestamp      time.Time `json:"timestamp"`
	HeartRate      *float64  `json:"heart_rate,omitempty"`
	Temperature    *float64  `json:"temperature,omitempty"`
	GasLevel       *float64  `json:"gas_level,omitempty"`
	HelmetOn       *bool     `json:"helmet_on,omitempty"`
	Latitude       *float64  `json:"latitude,omitempty"`
	Longitude      *float64  `json:"longitude,omitempty"`
	AmbientTemp    *float64  `json:"ambient_temp,omitempty"`
	Battery        *float64  `json:"battery,omitempty"`
	AccelMagnitude *float64  `json:"accel_magnitude,omitempty"`
	SOS            bool      `json:"sos,omitempty"`
	Fall           bool      `json:"fall,omitempty"`
	UnsafeBehavior string    `json:"unsafe_behavior,omitempty"`
	Source         string    `json:"source,omitempty"`
}

// Device is mutated exclusively by the registry on each observation and is
// never deleted by this engine.
type Device struct {
	DeviceID         string       `json:"device_id"`
	AssignedWorkerID string       `json:"assigned_worker_id,omitempty"`
	Status           DeviceStatus `json:"status"`
	BatteryLevel     *float64     `json:"battery_level,omitempty"`
	LastSeen         time.Time    `json:"last_seen"`
	LastLat          *float64     `json:"last_lat,omitempty"`
	LastLng          *float64     `json:"last_lng,omitempty"`
}

type Worker struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	AssignedSiteID string `json:"assigned_site_id,omitempty"`
	ShiftStart     string `json:"shift_start,omitempty"` // "15:04" wall clock
}

type Site struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	CenterLat      float64 `json:"center_lat"`
	CenterLng      float64 `json:"center_lng"`
	GeofenceRadius float64 `json:"geofence_radius"` // meters, 0 means default
}

// AlertCandidate is transient rule-engine output; it is never persisted on
// its own.
type AlertCandidate struct {
	Type     AlertType `json:"type"`
	Severity Severity  `json:"severity"`
	Value    string    `json:"value"`
}

type Alert struct {
	ID             string      `json:"id"`
	DeviceID       string      `json:"device_id"`
	WorkerID       string      `json:"worker_id,omitempty"`
	Type           AlertType   `json:"type"`
	Severity       Severity    `json:"severity"`
	Value          string      `json:"value"`
	Status         AlertStatus `json:"status"`
	Escalated      bool        `json:"escalated"`
	CreatedAt      time.Time   `json:"created_at"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	EscalatedAt    *time.Time  `json:"escalated_at,omitempty"`
}

// ScanEvent records one scan attempt. Every attempt is logged regardless of
// outcome; this is an audit requirement.
type ScanEvent struct {
	ID         string      `json:"id"`
	HelmetID   string      `json:"helmet_id"`
	WorkerID   string      `json:"worker_id,omitempty"`
	ScanType   ScanType    `json:"scan_type"`
	Timestamp  time.Time   `json:"timestamp"`
	Latitude   *float64    `json:"latitude,omitempty"`
	Longitude  *float64    `json:"longitude,omitempty"`
	Outcome    ScanOutcome `json:"outcome"`
	FailReason string      `json:"fail_reason,omitempty"`
}

type AttendanceRecord struct {
	ID              string           `json:"id"`
	WorkerID        string           `json:"worker_id"`
	SiteID          string           `json:"site_id,omitempty"`
	Day             string           `json:"day"` // calendar date "2006-01-02"
	CheckInTime     time.Time        `json:"check_in_time"`
	CheckOutTime    *time.Time       `json:"check_out_time,omitempty"`
	CheckInLat      *float64         `json:"check_in_lat,omitempty"`
	CheckInLng      *float64         `json:"check_in_lng,omitempty"`
	CheckOutLat     *float64         `json:"check_out_lat,omitempty"`
	CheckOutLng     *float64         `json:"check_out_lng,omitempty"`
	VerifiedBy      string           `json:"verified_by,omitempty"`
	Status          AttendanceStatus `json:"status"`
	DurationMinutes int              `json:"duration_minutes"`
	Source          AttendanceSource `json:"source"`
	AlertIDs        []string         `json:"alert_ids,omitempty"`
}

// DayOf truncates a timestamp to its calendar date in UTC.
func DayOf(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}

// DurationMinutes rounds the checked-in span to whole minutes:
// round(ms / 60000).
func DurationMinutes(checkIn, checkOut time.Time) int {
	ms := checkOut.Sub(checkIn).Milliseconds()
	if ms < 0 {
		return int((ms - 30000) / 60000)
	}
	return int((ms + 30000) / 60000)
}
