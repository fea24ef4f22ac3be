package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmguard/internal/events"
	"helmguard/internal/model"
	"helmguard/internal/storage"
)

func f(v float64) *float64 { return &v }

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestObserveRegistersAndMirrors(t *testing.T) {
	rdb := testRedis(t)
	rec := events.NewRecorder()
	reg := New(storage.NewMemory(), rdb, rec, nil)
	ctx := context.Background()

	obs := storage.DeviceObservation{
		DeviceID:  "H-001",
		Timestamp: time.Now().UTC(),
		Battery:   f(84),
		Latitude:  f(12.97),
		Longitude: f(77.59),
	}
	require.NoError(t, reg.Observe(ctx, obs))

	dev, err := reg.Get(ctx, "H-001")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceOnline, dev.Status)

	state := rdb.HGetAll(ctx, "device:H-001:state").Val()
	assert.Equal(t, "H-001", state["device_id"])
	assert.Equal(t, "84", state["battery"])

	geo, err := rdb.GeoPos(ctx, "devices:geo", "H-001").Result()
	require.NoError(t, err)
	require.Len(t, geo, 1)
	require.NotNil(t, geo[0])
}

func TestObserveEmitsStatusEventOncePerTransition(t *testing.T) {
	rec := events.NewRecorder()
	reg := New(storage.NewMemory(), nil, rec, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, reg.Observe(ctx, storage.DeviceObservation{DeviceID: "H-001", Timestamp: now}))
	require.NoError(t, reg.Observe(ctx, storage.DeviceObservation{DeviceID: "H-001", Timestamp: now.Add(time.Second)}))

	assert.Len(t, rec.Events(events.SubjectDeviceStatus), 1, "repeat observation of an online device must not re-emit")

	require.NoError(t, reg.MarkOffline(ctx, "H-001"))
	require.NoError(t, reg.Observe(ctx, storage.DeviceObservation{DeviceID: "H-001", Timestamp: now.Add(2 * time.Second)}))
	assert.Len(t, rec.Events(events.SubjectDeviceStatus), 3, "offline and the return to online both emit")
}

func TestConcurrentFirstObservationsEmitOneOnlineEvent(t *testing.T) {
	rec := events.NewRecorder()
	reg := New(storage.NewMemory(), nil, rec, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.Observe(ctx, storage.DeviceObservation{DeviceID: "H-100", Timestamp: now}))
		}()
	}
	wg.Wait()

	assert.Len(t, rec.Events(events.SubjectDeviceStatus), 1, "a burst of first observations is one transition")
}

func TestObserveRejectsEmptyDeviceID(t *testing.T) {
	reg := New(storage.NewMemory(), nil, nil, nil)
	assert.Error(t, reg.Observe(context.Background(), storage.DeviceObservation{}))
}

func TestStaleObservationDoesNotRevertFields(t *testing.T) {
	store := storage.NewMemory()
	reg := New(store, nil, nil, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, reg.Observe(ctx, storage.DeviceObservation{DeviceID: "H-001", Timestamp: now, Battery: f(80)}))
	// An older message arriving late must not roll the battery back.
	require.NoError(t, reg.Observe(ctx, storage.DeviceObservation{DeviceID: "H-001", Timestamp: now.Add(-time.Minute), Battery: f(95)}))

	dev, err := store.GetDevice(ctx, "H-001")
	require.NoError(t, err)
	require.NotNil(t, dev.BatteryLevel)
	assert.Equal(t, float64(80), *dev.BatteryLevel)
	assert.Equal(t, now.Unix(), dev.LastSeen.Unix())
}
