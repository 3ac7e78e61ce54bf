package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/GPE-Sistemas/tripero-sub000/business/data/fleet"
)

//defaultStateTTL keeps hot entries around for a week of device silence
const defaultStateTTL = 7 * 24 * time.Hour

//throttleTTL is the duplicate/out-of-order suppression window
const throttleTTL = 5 * time.Second

// StateStore is the hot per-device state mapping. The redis implementation
// is the real one, tests use an in-memory fake.
type StateStore interface {
	//DeviceState returns the hot motion state, nil when the device is unseen
	DeviceState(ctx context.Context, deviceId string) (*DeviceState, error)
	SaveDeviceState(ctx context.Context, state *DeviceState) error
	DeleteDeviceState(ctx context.Context, deviceId string) error

	//TrackerState reads through to the database on a hot-store miss and
	//hydrates the result back
	TrackerState(ctx context.Context, deviceId string) (*fleet.TrackerState, error)
	SaveTrackerState(ctx context.Context, state *fleet.TrackerState) error
	//PersistTrackerState writes the durable tracker_state row, on top of the
	//hot copy SaveTrackerState maintains
	PersistTrackerState(ctx context.Context, state *fleet.TrackerState) error

	//SetOdometerOffset is the only writer of the operator offset, in both
	//tiers. The tracker's writes never carry the offset, so an operator
	//change can't be reverted by a sample already in flight; TrackerState
	//overlays the stored offset on every read.
	SetOdometerOffset(ctx context.Context, deviceId string, offset float64) error

	//ShouldProcess implements the throttle: a sample whose GPS timestamp is
	//at or before the last processed one inside the throttle window is a
	//duplicate and must be dropped. GPS time is used rather than arrival
	//time because arrival time can never repeat.
	ShouldProcess(ctx context.Context, deviceId string, timestamp int64) (bool, error)

	//BumpPersistCounter counts positions since the last database persist,
	//the counter expires after an hour so a persist happens at least hourly
	BumpPersistCounter(ctx context.Context, deviceId string) (int64, error)
	ResetPersistCounter(ctx context.Context, deviceId string) error

	//DeviceIds lists every device with hot motion state, for the reaper
	DeviceIds(ctx context.Context) ([]string, error)
}

// redisStateStore keeps hot state in redis with TTLs and falls through to
// the tracker_state table for durable reads.
type redisStateStore struct {
	client   *redis.Client
	db       *sqlx.DB
	prefix   string
	stateTTL time.Duration
}

// NewStateStore builds the redis-backed StateStore. prefix namespaces every
// key so the redis instance can be shared. stateTTL of zero means the 7 day
// default.
func NewStateStore(client *redis.Client, db *sqlx.DB, prefix string, stateTTL time.Duration) StateStore {
	if stateTTL <= 0 {
		stateTTL = defaultStateTTL
	}
	return &redisStateStore{
		client:   client,
		db:       db,
		prefix:   prefix,
		stateTTL: stateTTL,
	}
}

func (r *redisStateStore) motionKey(deviceId string) string {
	return r.prefix + "tracker:motionstate:" + deviceId
}

func (r *redisStateStore) trackerKey(deviceId string) string {
	return r.prefix + "tracker:trackerstate:" + deviceId
}

func (r *redisStateStore) throttleKey(deviceId string) string {
	return r.prefix + "tracker:lastprocessed:" + deviceId
}

func (r *redisStateStore) persistKey(deviceId string) string {
	return r.prefix + "tracker:persistcount:" + deviceId
}

func (r *redisStateStore) offsetKey(deviceId string) string {
	return r.prefix + "tracker:odometeroffset:" + deviceId
}

func (r *redisStateStore) DeviceState(ctx context.Context, deviceId string) (*DeviceState, error) {
	data, err := r.client.Get(ctx, r.motionKey(deviceId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading motion state for %s: %w", deviceId, err)
	}
	var state DeviceState
	if err = json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding motion state for %s: %w", deviceId, err)
	}
	return &state, nil
}

func (r *redisStateStore) SaveDeviceState(ctx context.Context, state *DeviceState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding motion state for %s: %w", state.DeviceId, err)
	}
	return r.client.Set(ctx, r.motionKey(state.DeviceId), data, r.stateTTL).Err()
}

func (r *redisStateStore) DeleteDeviceState(ctx context.Context, deviceId string) error {
	return r.client.Del(ctx, r.motionKey(deviceId)).Err()
}

func (r *redisStateStore) TrackerState(ctx context.Context, deviceId string) (*fleet.TrackerState, error) {
	data, err := r.client.Get(ctx, r.trackerKey(deviceId)).Bytes()
	if err == nil {
		var state fleet.TrackerState
		if err = json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("decoding tracker state for %s: %w", deviceId, err)
		}
		return &state, r.overlayOdometerOffset(ctx, &state)
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reading tracker state for %s: %w", deviceId, err)
	}

	//hot-store miss, fall through to the system of record and hydrate back
	state, err := fleet.GetTrackerState(deviceId, r.db)
	if err != nil {
		return nil, fmt.Errorf("loading tracker state for %s: %w", deviceId, err)
	}
	if state == nil {
		return nil, nil
	}
	if err = r.SaveTrackerState(ctx, state); err != nil {
		return nil, err
	}
	return state, r.overlayOdometerOffset(ctx, state)
}

//overlayOdometerOffset replaces the state's offset with the one the operator
//last set, when one is cached. The hot json mirror may carry an older value
//written by the tracker.
func (r *redisStateStore) overlayOdometerOffset(ctx context.Context, state *fleet.TrackerState) error {
	offset, err := r.client.Get(ctx, r.offsetKey(state.DeviceId)).Float64()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading odometer offset for %s: %w", state.DeviceId, err)
	}
	state.OdometerOffset = offset
	return nil
}

func (r *redisStateStore) SaveTrackerState(ctx context.Context, state *fleet.TrackerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding tracker state for %s: %w", state.DeviceId, err)
	}
	return r.client.Set(ctx, r.trackerKey(state.DeviceId), data, r.stateTTL).Err()
}

func (r *redisStateStore) PersistTrackerState(_ context.Context, state *fleet.TrackerState) error {
	return fleet.UpsertTrackerState(state, r.db)
}

func (r *redisStateStore) SetOdometerOffset(ctx context.Context, deviceId string, offset float64) error {
	if err := fleet.SetOdometerOffset(deviceId, offset, r.db); err != nil {
		return fmt.Errorf("persisting odometer offset for %s: %w", deviceId, err)
	}
	if err := r.client.Set(ctx, r.offsetKey(deviceId), offset, r.stateTTL).Err(); err != nil {
		return fmt.Errorf("caching odometer offset for %s: %w", deviceId, err)
	}
	return nil
}

func (r *redisStateStore) ShouldProcess(ctx context.Context, deviceId string, timestamp int64) (bool, error) {
	key := r.throttleKey(deviceId)
	stored, err := r.client.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("reading throttle key for %s: %w", deviceId, err)
	}
	if err == nil {
		last, parseErr := strconv.ParseInt(stored, 10, 64)
		if parseErr == nil && timestamp <= last {
			return false, nil
		}
	}
	if err = r.client.Set(ctx, key, strconv.FormatInt(timestamp, 10), throttleTTL).Err(); err != nil {
		return false, fmt.Errorf("writing throttle key for %s: %w", deviceId, err)
	}
	return true, nil
}

func (r *redisStateStore) BumpPersistCounter(ctx context.Context, deviceId string) (int64, error) {
	key := r.persistKey(deviceId)
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("bumping persist counter for %s: %w", deviceId, err)
	}
	if count == 1 {
		//first position in the window, start the hourly clock
		if err = r.client.Expire(ctx, key, time.Hour).Err(); err != nil {
			return count, fmt.Errorf("setting persist counter ttl for %s: %w", deviceId, err)
		}
	}
	return count, nil
}

func (r *redisStateStore) ResetPersistCounter(ctx context.Context, deviceId string) error {
	return r.client.Del(ctx, r.persistKey(deviceId)).Err()
}

func (r *redisStateStore) DeviceIds(ctx context.Context) ([]string, error) {
	pattern := r.prefix + "tracker:motionstate:*"
	keyPrefixLen := len(r.prefix + "tracker:motionstate:")
	ids := make([]string, 0)
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning motion state keys: %w", err)
		}
		for _, key := range keys {
			ids = append(ids, key[keyPrefixLen:])
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}
