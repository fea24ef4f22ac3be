package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"helmguard/internal/config"
	"helmguard/internal/events"
	"helmguard/internal/model"
	"helmguard/internal/normalize"
	"helmguard/internal/storage"
)

func f(v float64) *float64 { return &v }

func testFixture(t *testing.T) (*Service, storage.Store, *events.Recorder) {
	t.Helper()
	store := storage.NewMemory()
	ctx := context.Background()
	if err := store.UpsertSite(ctx, model.Site{ID: "S1", Name: "north yard", CenterLat: 12.9700, CenterLng: 77.5900, GeofenceRadius: 100}); err != nil {
		t.Fatalf("site: %v", err)
	}
	if err := store.UpsertWorker(ctx, model.Worker{ID: "W1", Name: "Asha", AssignedSiteID: "S1", ShiftStart: "09:00"}); err != nil {
		t.Fatalf("worker: %v", err)
	}
	if err := store.AssignDevice(ctx, "H-001", "W1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	rec := events.NewRecorder()
	cfg := config.NewStaticManager(config.DefaultConfig())
	return NewService(store, cfg, rec, nil, nil), store, rec
}

func scanAt(ts time.Time, typ model.ScanType) normalize.ScanMessage {
	return normalize.ScanMessage{
		HelmetID:  "H-001",
		Type:      typ,
		Timestamp: ts,
		Latitude:  f(12.9700),
		Longitude: f(77.5901),
	}
}

func TestScanInCreatesPresentRecord(t *testing.T) {
	svc, store, rec := testFixture(t)
	ctx := context.Background()
	ts := time.Date(2026, 8, 30, 8, 55, 0, 0, time.UTC)

	res, err := svc.ScanIn(ctx, scanAt(ts, model.ScanIn))
	if err != nil {
		t.Fatalf("scan in: %v", err)
	}
	if res.Outcome != model.ScanValid {
		t.Fatalf("outcome = %q, reason %q", res.Outcome, res.FailReason)
	}
	if res.Record.Status != model.AttendancePresent {
		t.Fatalf("status = %q", res.Record.Status)
	}
	if res.Record.Source != model.SourceScan {
		t.Fatalf("source = %q", res.Record.Source)
	}
	logs, err := store.ListScanLog(ctx, "H-001", 10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("scan log entries = %d, err %v", len(logs), err)
	}
	if got := rec.Events(events.SubjectAttendanceUpdate); len(got) != 1 {
		t.Fatalf("attendance_update events = %d", len(got))
	}
}

func TestScanInAfterGraceIsLate(t *testing.T) {
	svc, _, _ := testFixture(t)
	ts := time.Date(2026, 8, 30, 9, 6, 0, 0, time.UTC) // grace is 5m past 09:00

	res, err := svc.ScanIn(context.Background(), scanAt(ts, model.ScanIn))
	if err != nil {
		t.Fatalf("scan in: %v", err)
	}
	if res.Record.Status != model.AttendanceLate {
		t.Fatalf("status = %q, want late", res.Record.Status)
	}
}

func TestDuplicateScanInKeepsOriginal(t *testing.T) {
	svc, store, _ := testFixture(t)
	ctx := context.Background()
	first := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)

	if _, err := svc.ScanIn(ctx, scanAt(first, model.ScanIn)); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	res, err := svc.ScanIn(ctx, scanAt(first.Add(time.Hour), model.ScanIn))
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if res.Outcome != model.ScanDuplicate {
		t.Fatalf("outcome = %q, want duplicate", res.Outcome)
	}
	if !res.Record.CheckInTime.Equal(first) {
		t.Fatalf("check-in mutated to %v", res.Record.CheckInTime)
	}
	logs, _ := store.ListScanLog(ctx, "H-001", 10)
	if len(logs) != 2 {
		t.Fatalf("every attempt must be logged, got %d", len(logs))
	}
}

func TestScanInOutsideGeofenceBlocked(t *testing.T) {
	svc, store, _ := testFixture(t)
	ctx := context.Background()
	scan := scanAt(time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC), model.ScanIn)
	scan.Latitude = f(12.9800) // ~1.1km north

	res, err := svc.ScanIn(ctx, scan)
	if err != nil {
		t.Fatalf("scan in: %v", err)
	}
	if res.Outcome != model.ScanGeoFail {
		t.Fatalf("outcome = %q, want geo_fail", res.Outcome)
	}
	if _, err := store.GetAttendance(ctx, "W1", "2026-08-30"); err == nil {
		t.Fatalf("blocked scan must not create a record")
	}
}

func TestScanOutWithoutCheckInInvalid(t *testing.T) {
	svc, _, _ := testFixture(t)
	res, err := svc.ScanOut(context.Background(), scanAt(time.Date(2026, 8, 30, 17, 0, 0, 0, time.UTC), model.ScanOut))
	if err != nil {
		t.Fatalf("scan out: %v", err)
	}
	if res.Outcome != model.ScanInvalid {
		t.Fatalf("outcome = %q, want invalid", res.Outcome)
	}
}

func TestScanOutComputesDuration(t *testing.T) {
	svc, _, _ := testFixture(t)
	ctx := context.Background()
	in := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	out := time.Date(2026, 8, 30, 17, 30, 0, 0, time.UTC)

	if _, err := svc.ScanIn(ctx, scanAt(in, model.ScanIn)); err != nil {
		t.Fatalf("scan in: %v", err)
	}
	res, err := svc.ScanOut(ctx, scanAt(out, model.ScanOut))
	if err != nil {
		t.Fatalf("scan out: %v", err)
	}
	if res.Outcome != model.ScanValid {
		t.Fatalf("outcome = %q", res.Outcome)
	}
	if res.Record.DurationMinutes != 510 {
		t.Fatalf("duration = %d, want 510", res.Record.DurationMinutes)
	}
	if res.Record.Status != model.AttendanceCheckedOut {
		t.Fatalf("status = %q", res.Record.Status)
	}
}

func TestScanOutOutsideGeofenceStillCloses(t *testing.T) {
	svc, store, _ := testFixture(t)
	ctx := context.Background()
	in := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	if _, err := svc.ScanIn(ctx, scanAt(in, model.ScanIn)); err != nil {
		t.Fatalf("scan in: %v", err)
	}

	out := scanAt(in.Add(8*time.Hour), model.ScanOut)
	out.Latitude = f(12.9800)
	res, err := svc.ScanOut(ctx, out)
	if err != nil {
		t.Fatalf("scan out: %v", err)
	}
	if res.Outcome != model.ScanGeoFail {
		t.Fatalf("outcome = %q, want geo_fail logged", res.Outcome)
	}
	rec, err := store.GetAttendance(ctx, "W1", "2026-08-30")
	if err != nil {
		t.Fatalf("attendance: %v", err)
	}
	if rec.CheckOutTime == nil {
		t.Fatalf("checkout must proceed despite geofence miss")
	}
}

func TestDuplicateScanOut(t *testing.T) {
	svc, _, _ := testFixture(t)
	ctx := context.Background()
	in := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	if _, err := svc.ScanIn(ctx, scanAt(in, model.ScanIn)); err != nil {
		t.Fatalf("scan in: %v", err)
	}
	if _, err := svc.ScanOut(ctx, scanAt(in.Add(8*time.Hour), model.ScanOut)); err != nil {
		t.Fatalf("first scan out: %v", err)
	}
	res, err := svc.ScanOut(ctx, scanAt(in.Add(9*time.Hour), model.ScanOut))
	if err != nil {
		t.Fatalf("second scan out: %v", err)
	}
	if res.Outcome != model.ScanDuplicate {
		t.Fatalf("outcome = %q, want duplicate", res.Outcome)
	}
}

func TestScanUnknownDeviceInvalid(t *testing.T) {
	svc, store, _ := testFixture(t)
	ctx := context.Background()
	scan := scanAt(time.Now(), model.ScanIn)
	scan.HelmetID = "H-UNKNOWN"

	res, err := svc.ScanIn(ctx, scan)
	if err != nil {
		t.Fatalf("scan in: %v", err)
	}
	if res.Outcome != model.ScanInvalid {
		t.Fatalf("outcome = %q, want invalid", res.Outcome)
	}
	logs, _ := store.ListScanLog(ctx, "H-UNKNOWN", 10)
	if len(logs) != 1 {
		t.Fatalf("unknown device attempt must still be logged")
	}
}

func TestConcurrentScanInSingleRecord(t *testing.T) {
	svc, store, _ := testFixture(t)
	ctx := context.Background()
	ts := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	outcomes := make(chan model.ScanOutcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.ScanIn(ctx, scanAt(ts, model.ScanIn))
			if err != nil {
				t.Errorf("scan in: %v", err)
				return
			}
			outcomes <- res.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	valid := 0
	for o := range outcomes {
		if o == model.ScanValid {
			valid++
		}
	}
	if valid != 1 {
		t.Fatalf("concurrent scans produced %d valid check-ins, want 1", valid)
	}
	if _, err := store.GetAttendance(ctx, "W1", "2026-08-30"); err != nil {
		t.Fatalf("record missing: %v", err)
	}
}

func TestSupervisorScanSkipsGeofence(t *testing.T) {
	svc, _, rec := testFixture(t)
	ctx := context.Background()
	ts := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)

	res, err := svc.SupervisorScan(ctx, "W1", model.ScanIn, ts, "SUP-9")
	if err != nil {
		t.Fatalf("supervisor scan: %v", err)
	}
	if res.Outcome != model.ScanValid {
		t.Fatalf("outcome = %q", res.Outcome)
	}
	if res.Record.VerifiedBy != "SUP-9" {
		t.Fatalf("verified_by = %q", res.Record.VerifiedBy)
	}
	if res.Record.Source != model.SourceSupervisor {
		t.Fatalf("source = %q", res.Record.Source)
	}
	if got := rec.Events(events.SubjectAttendanceApproval); len(got) != 1 {
		t.Fatalf("attendance_approval events = %d", len(got))
	}
}

func TestCorrectionOverridesTimes(t *testing.T) {
	svc, _, _ := testFixture(t)
	ctx := context.Background()
	in := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	if _, err := svc.ScanIn(ctx, scanAt(in, model.ScanIn)); err != nil {
		t.Fatalf("scan in: %v", err)
	}

	correctedIn := time.Date(2026, 8, 30, 8, 30, 0, 0, time.UTC)
	correctedOut := time.Date(2026, 8, 30, 16, 30, 0, 0, time.UTC)
	rec, err := svc.Correction(ctx, "W1", "2026-08-30", correctedIn, &correctedOut, model.AttendanceCheckedOut, "ADMIN-1")
	if err != nil {
		t.Fatalf("correction: %v", err)
	}
	if rec.Source != model.SourceManualOverride {
		t.Fatalf("source = %q", rec.Source)
	}
	if rec.DurationMinutes != 480 {
		t.Fatalf("duration = %d, want 480", rec.DurationMinutes)
	}
	if rec.VerifiedBy != "ADMIN-1" {
		t.Fatalf("verified_by = %q", rec.VerifiedBy)
	}
}

func TestCorrectionRejectsNegativeDuration(t *testing.T) {
	svc, _, _ := testFixture(t)
	ctx := context.Background()
	in := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	if _, err := svc.ScanIn(ctx, scanAt(in, model.ScanIn)); err != nil {
		t.Fatalf("scan in: %v", err)
	}
	before := in.Add(-time.Hour)
	if _, err := svc.Correction(ctx, "W1", "2026-08-30", in, &before, model.AttendanceCheckedOut, "ADMIN-1"); err == nil {
		t.Fatalf("expected error for checkout before check-in")
	}
}
