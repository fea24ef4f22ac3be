package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"helmguard/internal/events"
	"helmguard/internal/model"
	"helmguard/internal/storage"
)

const liveStateTTL = 60 * time.Second

// Registry is the authoritative device map. Every observation upserts the
// stored row; a Redis mirror keeps the latest state and a geo index hot for
// dashboard readers without touching the store. Mirror failures are logged
// and never fail the observation.
type Registry struct {
	store     storage.Store
	rdb       *redis.Client
	publisher events.Publisher
	logger    *slog.Logger

	mu     sync.Mutex
	online map[string]struct{}
}

func New(store storage.Store, rdb *redis.Client, publisher events.Publisher, logger *slog.Logger) *Registry {
	return &Registry{
		store:     store,
		rdb:       rdb,
		publisher: publisher,
		logger:    logger,
		online:    make(map[string]struct{}),
	}
}

// Observe upserts the device record. An unseen or offline device transitions
// to online and emits a device status event. Field updates are guarded by
// the observation timestamp in the store, so an out-of-order message never
// reverts battery or position to stale values.
func (r *Registry) Observe(ctx context.Context, obs storage.DeviceObservation) error {
	if obs.DeviceID == "" {
		return errors.New("observation has no device id")
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}

	// Claim the online transition under the lock so concurrent first
	// observations of one device emit a single status event.
	r.mu.Lock()
	_, known := r.online[obs.DeviceID]
	if !known {
		r.online[obs.DeviceID] = struct{}{}
	}
	r.mu.Unlock()

	wasOnline := known
	if !known {
		if prev, err := r.store.GetDevice(ctx, obs.DeviceID); err == nil {
			wasOnline = prev.Status == model.DeviceOnline
		} else if !errors.Is(err, storage.ErrNotFound) {
			r.unclaim(obs.DeviceID)
			return fmt.Errorf("device lookup: %w", err)
		}
	}

	if err := r.store.ObserveDevice(ctx, obs); err != nil {
		if !known {
			r.unclaim(obs.DeviceID)
		}
		return fmt.Errorf("device upsert: %w", err)
	}

	if !wasOnline && r.publisher != nil {
		if err := r.publisher.Publish(events.SubjectDeviceStatus, map[string]any{
			"device_id": obs.DeviceID,
			"status":    string(model.DeviceOnline),
			"last_seen": obs.Timestamp,
		}); err != nil && r.logger != nil {
			r.logger.Warn("device status publish failed", "device_id", obs.DeviceID, "err", err)
		}
	}

	r.mirror(ctx, obs)
	return nil
}

// MarkOffline is invoked by the heartbeat-timeout collaborator, not by the
// ingestion paths.
func (r *Registry) MarkOffline(ctx context.Context, deviceID string) error {
	if err := r.store.MarkDeviceOffline(ctx, deviceID); err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	r.unclaim(deviceID)
	if r.publisher != nil {
		if err := r.publisher.Publish(events.SubjectDeviceStatus, map[string]any{
			"device_id": deviceID,
			"status":    string(model.DeviceOffline),
		}); err != nil && r.logger != nil {
			r.logger.Warn("device status publish failed", "device_id", deviceID, "err", err)
		}
	}
	return nil
}

func (r *Registry) unclaim(deviceID string) {
	r.mu.Lock()
	delete(r.online, deviceID)
	r.mu.Unlock()
}

func (r *Registry) Get(ctx context.Context, deviceID string) (model.Device, error) {
	return r.store.GetDevice(ctx, deviceID)
}

func (r *Registry) List(ctx context.Context) ([]model.Device, error) {
	return r.store.ListDevices(ctx)
}

func (r *Registry) mirror(ctx context.Context, obs storage.DeviceObservation) {
	if r.rdb == nil {
		return
	}
	stateKey := fmt.Sprintf("device:%s:state", obs.DeviceID)
	state := map[string]any{
		"device_id": obs.DeviceID,
		"status":    string(model.DeviceOnline),
		"last_seen": obs.Timestamp.Unix(),
	}
	if obs.Battery != nil {
		state["battery"] = *obs.Battery
	}
	if obs.Latitude != nil {
		state["lat"] = *obs.Latitude
	}
	if obs.Longitude != nil {
		state["lng"] = *obs.Longitude
	}

	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, stateKey, state)
	pipe.Expire(ctx, stateKey, liveStateTTL)
	if obs.Latitude != nil && obs.Longitude != nil {
		pipe.GeoAdd(ctx, "devices:geo", &redis.GeoLocation{
			Name:      obs.DeviceID,
			Latitude:  *obs.Latitude,
			Longitude: *obs.Longitude,
		})
	}
	pipe.Publish(ctx, "devices:updates", obs.DeviceID)
	if _, err := pipe.Exec(ctx); err != nil && r.logger != nil {
		r.logger.Warn("live state mirror failed", "device_id", obs.DeviceID, "err", err)
	}
}
