package tracker

import (
	"context"
	"log"
	"time"

	"github.com/GPE-Sistemas/tripero-sub000/business/data/fleet"
	"github.com/GPE-Sistemas/tripero-sub000/business/detection"
)

//dbPersistEvery is how many positions may accumulate before the tracker
//state row is written to the database. The persist counter's one hour TTL
//guarantees at least one write per hour regardless of rate.
const dbPersistEvery = 100

//switchedPowerGapThreshold is how many overnight gaps a tracker must show
//before it is assumed to be wired to the ignition line
const switchedPowerGapThreshold = 3

// TrackerStateService maintains the cumulative per-device odometer, last
// known position and lifetime counters. All methods run inside the device's
// dispatcher task, so the state they mutate is never shared.
type TrackerStateService struct {
	log   *log.Logger
	store detection.StateStore
}

// NewTrackerStateService builds the odometer/tracker-state service.
func NewTrackerStateService(log *log.Logger, store detection.StateStore) *TrackerStateService {
	return &TrackerStateService{log: log, store: store}
}

// ApplySample advances the odometer and last-position fields for a valid
// sample, creating the tracker state on first sight. The distance delta is
// discarded when it implies an impossible speed or looks like stationary
// jitter, the sample still counts for position tracking.
func (t *TrackerStateService) ApplySample(ctx context.Context, state *fleet.TrackerState, s *detection.PositionSample, ignition bool) *fleet.TrackerState {
	now := time.Now()
	sampleTime := s.Time()

	if state == nil {
		state = &fleet.TrackerState{
			DeviceId:    s.DeviceId,
			PowerType:   fleet.PowerTypeUnknown,
			FirstSeenAt: now,
		}
	} else {
		delta := detection.HaversineMeters(state.LastLat, state.LastLon, s.Lat, s.Lon)
		deltaSeconds := sampleTime.Sub(state.LastTimestamp).Seconds()
		if deltaSeconds > 0 && (delta/deltaSeconds)*3.6 > detection.MaxPlausibleSpeed {
			delta = 0
		}
		if deltaSeconds <= 0 {
			delta = 0
		}
		//a zero-speed wobble is GPS jitter, a parked vehicle must not creep
		//the odometer forward
		if s.Speed == 0 && delta < detection.JitterMaxDistance {
			delta = 0
		}
		state.TotalOdometer += delta
	}

	state.LastLat = s.Lat
	state.LastLon = s.Lon
	state.LastSpeed = s.Speed
	state.LastIgnition = ignition
	state.LastTimestamp = sampleTime
	state.LastSeenAt = now

	t.persistOnCadence(ctx, state)
	return state
}

//persistOnCadence writes the tracker state row every dbPersistEvery
//positions and at least once per counter window
func (t *TrackerStateService) persistOnCadence(ctx context.Context, state *fleet.TrackerState) {
	count, err := t.store.BumpPersistCounter(ctx, state.DeviceId)
	if err != nil {
		t.log.Printf("persist counter for device %s: %v", state.DeviceId, err)
		return
	}
	if count != 1 && count < dbPersistEvery {
		return
	}
	if count >= dbPersistEvery {
		if err = t.store.ResetPersistCounter(ctx, state.DeviceId); err != nil {
			t.log.Printf("resetting persist counter for device %s: %v", state.DeviceId, err)
		}
	}
	if err = t.store.PersistTrackerState(ctx, state); err != nil {
		t.log.Printf("persisting tracker state for device %s: %v", state.DeviceId, err)
	}
}

// StateChanged forces a tracker state row write so the database mirror is
// fresh at every motion state boundary, whatever the persist cadence says.
func (t *TrackerStateService) StateChanged(ctx context.Context, state *fleet.TrackerState) {
	if err := t.store.PersistTrackerState(ctx, state); err != nil {
		t.log.Printf("persisting tracker state on state change for device %s: %v", state.DeviceId, err)
	}
}

// TripStarted snapshots the odometer so the trip's final distance can be
// computed as an odometer delta at close.
func (t *TrackerStateService) TripStarted(state *fleet.TrackerState) {
	snapshot := state.TotalOdometer
	state.TripOdometerStart = &snapshot
}

// TripCompleted returns the final distance reported to consumers: the
// odometer delta since trip start, which captures movement that happened
// inside stops. Falls back to the state machine's accumulated distance when
// the snapshot is missing. Lifetime trip counters advance here.
func (t *TrackerStateService) TripCompleted(state *fleet.TrackerState, trip *detection.TripSummary) float64 {
	distance := trip.Distance
	if state.TripOdometerStart != nil {
		delta := state.TotalOdometer - *state.TripOdometerStart
		if delta >= 0 {
			distance = delta
		}
	}
	state.TripOdometerStart = nil
	state.TotalTripsCount++
	state.TotalDrivingTime += trip.DurationSeconds
	return distance
}

// TripDiscarded clears the odometer snapshot without touching counters.
func (t *TrackerStateService) TripDiscarded(state *fleet.TrackerState) {
	state.TripOdometerStart = nil
}

// StopCompleted advances the stop counters. Idle time only accrues for
// stops where the motor kept running.
func (t *TrackerStateService) StopCompleted(state *fleet.TrackerState, stop *detection.StopSummary) {
	state.TotalStopsCount++
	if stop.Reason == fleet.StopReasonNoMovement {
		state.TotalIdleTime += stop.DurationSeconds
	}
}

// OvernightGap records a long silence. After enough of them the tracker is
// assumed to lose power with the ignition.
func (t *TrackerStateService) OvernightGap(state *fleet.TrackerState) {
	now := time.Now()
	state.OvernightGapCount++
	state.LastOvernightGapAt = &now
	if state.PowerType == fleet.PowerTypeUnknown &&
		state.OvernightGapCount >= switchedPowerGapThreshold {
		state.PowerType = fleet.PowerTypeSwitched
	}
}
