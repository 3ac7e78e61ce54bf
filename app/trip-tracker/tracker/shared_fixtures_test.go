package tracker

import (
	"context"
	logger "log"
	"os"
	"sort"

	"github.com/GPE-Sistemas/tripero-sub000/business/data/fleet"
	"github.com/GPE-Sistemas/tripero-sub000/business/detection"
)

func testLogger() *logger.Logger {
	return logger.New(os.Stdout, "TEST : ", logger.LstdFlags)
}

func makeTestSample(deviceId string, ts int64, lat, lon, speed float64, ignition bool) *detection.PositionSample {
	ign := ignition
	return &detection.PositionSample{
		DeviceId:  deviceId,
		Timestamp: ts,
		Lat:       lat,
		Lon:       lon,
		Speed:     speed,
		Ignition:  &ign,
	}
}

//memoryStateStore is the in-memory detection.StateStore the unit tests run
//against. All accesses happen from a single goroutine, no locking needed.
type memoryStateStore struct {
	deviceStates  map[string]*detection.DeviceState
	trackerStates map[string]*fleet.TrackerState
	//persistedRows counts durable tracker_state writes per device
	persistedRows map[string]int
	//persistedOffsets is the offset the durable tier holds per device, the
	//tracker's persists never touch it
	persistedOffsets map[string]float64
	lastProcessed    map[string]int64
	counters         map[string]int64
}

func newMemoryStateStore() *memoryStateStore {
	return &memoryStateStore{
		deviceStates:     make(map[string]*detection.DeviceState),
		trackerStates:    make(map[string]*fleet.TrackerState),
		persistedRows:    make(map[string]int),
		persistedOffsets: make(map[string]float64),
		lastProcessed:    make(map[string]int64),
		counters:         make(map[string]int64),
	}
}

func (m *memoryStateStore) DeviceState(_ context.Context, deviceId string) (*detection.DeviceState, error) {
	return m.deviceStates[deviceId], nil
}

func (m *memoryStateStore) SaveDeviceState(_ context.Context, state *detection.DeviceState) error {
	m.deviceStates[state.DeviceId] = state
	return nil
}

func (m *memoryStateStore) DeleteDeviceState(_ context.Context, deviceId string) error {
	delete(m.deviceStates, deviceId)
	return nil
}

func (m *memoryStateStore) TrackerState(_ context.Context, deviceId string) (*fleet.TrackerState, error) {
	state := m.trackerStates[deviceId]
	if state != nil {
		if offset, present := m.persistedOffsets[deviceId]; present {
			state.OdometerOffset = offset
		}
	}
	return state, nil
}

func (m *memoryStateStore) SaveTrackerState(_ context.Context, state *fleet.TrackerState) error {
	m.trackerStates[state.DeviceId] = state
	return nil
}

func (m *memoryStateStore) PersistTrackerState(_ context.Context, state *fleet.TrackerState) error {
	m.persistedRows[state.DeviceId]++
	return nil
}

func (m *memoryStateStore) SetOdometerOffset(_ context.Context, deviceId string, offset float64) error {
	m.persistedOffsets[deviceId] = offset
	return nil
}

func (m *memoryStateStore) ShouldProcess(_ context.Context, deviceId string, timestamp int64) (bool, error) {
	if last, present := m.lastProcessed[deviceId]; present && timestamp <= last {
		return false, nil
	}
	m.lastProcessed[deviceId] = timestamp
	return true, nil
}

func (m *memoryStateStore) BumpPersistCounter(_ context.Context, deviceId string) (int64, error) {
	m.counters[deviceId]++
	return m.counters[deviceId], nil
}

func (m *memoryStateStore) ResetPersistCounter(_ context.Context, deviceId string) error {
	m.counters[deviceId] = 0
	return nil
}

func (m *memoryStateStore) DeviceIds(_ context.Context) ([]string, error) {
	ids := make([]string, 0, len(m.deviceStates))
	for id := range m.deviceStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

//publishedEvent is one capture of the fake publisher
type publishedEvent struct {
	subject string
	payload interface{}
}

//capturePublisher records published events in order instead of hitting a bus
type capturePublisher struct {
	events []publishedEvent
}

func (c *capturePublisher) Publish(subject string, payload interface{}) error {
	c.events = append(c.events, publishedEvent{subject: subject, payload: payload})
	return nil
}

func (c *capturePublisher) subjects() []string {
	subjects := make([]string, 0, len(c.events))
	for _, e := range c.events {
		subjects = append(subjects, e.subject)
	}
	return subjects
}

func (c *capturePublisher) ofSubject(subject string) []publishedEvent {
	var results []publishedEvent
	for _, e := range c.events {
		if e.subject == subject {
			results = append(results, e)
		}
	}
	return results
}

//captureToucher records trip touches instead of writing rows
type captureToucher struct {
	touched []string
}

func (c *captureToucher) TouchTrip(_ string, tripId string) {
	c.touched = append(c.touched, tripId)
}
