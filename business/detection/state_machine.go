package detection

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/GPE-Sistemas/tripero-sub000/business/data/fleet"
)

//ActionType tags the domain actions a processed sample can produce
type ActionType string

const (
	ActionTripStarted   ActionType = "tripStarted"
	ActionTripCompleted ActionType = "tripCompleted"
	//ActionTripDiscarded is silent cleanup, nothing is published for it
	ActionTripDiscarded ActionType = "tripDiscarded"
	ActionStopStarted   ActionType = "stopStarted"
	ActionStopCompleted ActionType = "stopCompleted"
	ActionStateChanged  ActionType = "stateChanged"
	ActionOvernightGap  ActionType = "overnightGap"
)

// TripSummary captures a closing trip's fields before the device state is
// reinitialized, so the caller can emit the completion event with the
// correct data even when a new trip opens on the same sample.
type TripSummary struct {
	TripId          string
	DeviceId        string
	StartTime       int64
	EndTime         int64
	StartLat        float64
	StartLon        float64
	EndLat          float64
	EndLon          float64
	Distance        float64
	DurationSeconds int64
	MaxSpeed        float64
	AvgSpeed        float64
	StopsCount      int
	DetectionMethod DetectionMethod
	//EndState is the stationary state that ended the trip
	EndState MotionState
	Metadata fleet.Metadata

	//quality analyzer inputs
	MaxDistanceFromOrigin float64
	BBoxDiameter          float64
	SegmentsTotal         int
	SegmentsAdjusted      int
	OriginalDistance      float64
	GpsNoiseSegments      int
	SpeedSum              float64
	PositionCount         int
}

// StopSummary captures a closing stop's fields.
type StopSummary struct {
	StopId          string
	TripId          *string
	DeviceId        string
	StartTime       int64
	EndTime         int64
	DurationSeconds int64
	Lat             float64
	Lon             float64
	Reason          fleet.StopReason
	StartOdometer   float64
	Metadata        fleet.Metadata
}

// Action is one domain action produced by the state machine for a sample.
// Exactly one of the payload fields is set, selected by Type.
type Action struct {
	Type ActionType

	TripStart *TripContext
	Trip      *TripSummary
	StopStart *StopContext
	Stop      *StopSummary

	PreviousState MotionState
	NewState      MotionState

	GapSeconds int64
}

// StateMachine owns the trip/stop open and close policy. It is purely
// synchronous: all I/O around it belongs to the processor.
type StateMachine struct {
	cfg DetectionConfig
}

func NewStateMachine(cfg DetectionConfig) *StateMachine {
	return &StateMachine{cfg: cfg}
}

//mintId builds an opaque collision-free id from the device, the sample
//timestamp and a random suffix
func mintId(deviceId string, timestamp int64) string {
	return fmt.Sprintf("%s-%d-%s", deviceId, timestamp, uuid.NewString()[:8])
}

// ProcessSample runs one sample through the device's state machine, mutating
// ds in place and returning the domain actions in emission order. Identical
// sample sequences produce identical action sequences.
func (m *StateMachine) ProcessSample(ds *DeviceState, s *PositionSample) []Action {
	ignition := ds.LastIgnition
	if s.Ignition != nil {
		ignition = *s.Ignition
	}

	if ds.State == StateUnknown {
		return m.firstSample(ds, s, ignition)
	}

	if s.Timestamp-ds.LastTimestamp > m.cfg.MaxGapDuration*1000 {
		return m.handleGap(ds, s, ignition)
	}

	if ds.Trip != nil {
		m.accumulateDistance(ds, s)
	}

	ds.pushPosition(s, m.cfg.PositionBufferSize)
	newState := m.classify(ds, s, ignition)

	var actions []Action
	previous := ds.State

	switch {
	case previous == newState:
		if newState == StateIdle && ds.Trip != nil &&
			s.Timestamp-ds.StateSince >= m.cfg.MaxIdleDuration*1000 {
			//the vehicle has been idling long enough that the trip is over,
			//the stop stays open and closes on its own later
			endTime := ds.StateSince
			endLat, endLon := ds.LastLat, ds.LastLon
			if ds.Stop != nil {
				endTime = ds.Stop.StartTime
				endLat, endLon = ds.Stop.Lat, ds.Stop.Lon
			}
			actions = append(actions, m.closeTripAt(ds, endTime, endLat, endLon))
		}

	case (previous == StateStopped || previous == StateIdle) && newState == StateMoving:
		actions = append(actions, m.resumeMoving(ds, s)...)

	case previous == StateMoving:
		actions = append(actions, m.openStop(ds, s, stopReasonFor(newState)))

	default:
		//STOPPED<->IDLE, the stop reason flips
		if ds.Stop != nil {
			actions = append(actions, m.closeStop(ds, s.Timestamp, true))
		}
		actions = append(actions, m.openStop(ds, s, stopReasonFor(newState)))
	}

	if newState != previous {
		actions = append(actions, Action{
			Type:          ActionStateChanged,
			PreviousState: previous,
			NewState:      newState,
		})
		ds.State = newState
		ds.StateSince = s.Timestamp
	}

	m.observe(ds, s, ignition)
	return actions
}

//firstSample initializes a device that has never produced a valid sample
func (m *StateMachine) firstSample(ds *DeviceState, s *PositionSample, ignition bool) []Action {
	ds.pushPosition(s, m.cfg.PositionBufferSize)
	newState := m.classify(ds, s, ignition)

	var actions []Action
	if newState == StateMoving {
		actions = append(actions, m.openTrip(ds, s, DetectionMotion))
	} else {
		actions = append(actions, m.openStop(ds, s, stopReasonFor(newState)))
	}
	actions = append(actions, Action{
		Type:          ActionStateChanged,
		PreviousState: StateUnknown,
		NewState:      newState,
	})

	ds.State = newState
	ds.StateSince = s.Timestamp
	m.observe(ds, s, ignition)
	return actions
}

//classify decides the sample's motion state. Ignition wins first, then the
//instantaneous speed and the 30s average must agree, disagreement keeps the
//current state so the machine doesn't flap around the threshold.
func (m *StateMachine) classify(ds *DeviceState, s *PositionSample, ignition bool) MotionState {
	if !ignition {
		return StateStopped
	}
	currentMoving := s.Speed >= m.cfg.MinMovingSpeed
	averageMoving := ds.speedAverage(30, s.Timestamp) >= m.cfg.MinMovingSpeed
	if currentMoving && averageMoving {
		return StateMoving
	}
	if !currentMoving && !averageMoving {
		return StateIdle
	}
	if ds.State == StateUnknown {
		return StateIdle
	}
	return ds.State
}

//stopReasonFor maps a stationary state to its stop reason
func stopReasonFor(state MotionState) fleet.StopReason {
	if state == StateStopped {
		return fleet.StopReasonIgnitionOff
	}
	return fleet.StopReasonNoMovement
}

//accumulateDistance runs the segment validator against the active trip and
//folds the verdict into the trip's distance and quality counters
func (m *StateMachine) accumulateDistance(ds *DeviceState, s *PositionSample) {
	prev := PositionSample{
		DeviceId:  ds.DeviceId,
		Timestamp: ds.LastTimestamp,
		Lat:       ds.LastLat,
		Lon:       ds.LastLon,
		Speed:     ds.LastSpeed,
	}
	result := validateSegment(&prev, s, ds.Trip)

	trip := ds.Trip
	trip.SegmentsTotal++
	trip.OriginalDistance += result.originalDistance
	if result.adjustedDistance != result.originalDistance {
		trip.SegmentsAdjusted++
	}
	if result.isValid {
		trip.Distance += result.adjustedDistance
		trip.AdjustedDistance += result.adjustedDistance
		if result.reason == AnomalyGpsNoise {
			trip.GpsNoiseSegments++
		}
	}
	if s.Speed > trip.MaxSpeed {
		trip.MaxSpeed = s.Speed
	}

	updateTripContext(trip, s)
	if trip.MaxDistanceFromOrigin >= provenMotionDistance {
		trip.Confirmed = true
	}
}

//resumeMoving handles STOPPED/IDLE -> MOVING. The stop closes, and when it
//lasted long enough the old trip is closed and a fresh one opened, otherwise
//the existing trip simply continues.
func (m *StateMachine) resumeMoving(ds *DeviceState, s *PositionSample) []Action {
	var actions []Action

	method := DetectionMotion
	if ds.State == StateStopped {
		method = DetectionIgnition
	}

	splits := false
	if ds.Stop != nil && ds.Trip != nil {
		splits = s.Timestamp-ds.Stop.StartTime >= m.cfg.MinStopDuration*1000
	}

	var stopStartTime int64
	var stopLat, stopLon float64
	if ds.Stop != nil {
		stopStartTime = ds.Stop.StartTime
		stopLat, stopLon = ds.Stop.Lat, ds.Stop.Lon
		//a stop that splits the trip is the trip's terminal stop, it doesn't
		//count toward the trip's stop counter
		actions = append(actions, m.closeStop(ds, s.Timestamp, !splits))
	}

	switch {
	case ds.Trip == nil:
		actions = append(actions, m.openTrip(ds, s, method))
	case splits:
		actions = append(actions, m.closeTripAt(ds, stopStartTime, stopLat, stopLon))
		actions = append(actions, m.openTrip(ds, s, method))
	}
	return actions
}

//handleGap processes a sample arriving after a silence longer than
//MaxGapDuration: decide the old trip's fate, then restart as if this were
//the device's first sample, carrying the trip forward when it survives.
func (m *StateMachine) handleGap(ds *DeviceState, s *PositionSample, ignition bool) []Action {
	var actions []Action

	gapMs := s.Timestamp - ds.LastTimestamp
	overnight := gapMs >= m.cfg.MaxOvernightGapDuration*1000

	stopStart := ds.LastTimestamp
	if ds.Stop != nil {
		stopStart = ds.Stop.StartTime
	}
	stopDurationMs := s.Timestamp - stopStart

	if ds.Trip != nil && (stopDurationMs >= m.cfg.MinStopDuration*1000 || overnight) {
		//the stop predates the gap, both it and the trip end at the last
		//sample we actually saw
		if ds.Stop != nil {
			actions = append(actions, m.closeStop(ds, ds.LastTimestamp, false))
		}
		actions = append(actions, m.closeTripAt(ds, ds.LastTimestamp, ds.LastLat, ds.LastLon))
	}

	ds.Buffer = nil
	ds.pushPosition(s, m.cfg.PositionBufferSize)
	previous := ds.State
	newState := m.classify(ds, s, ignition)

	if ds.Stop != nil && newState == StateMoving {
		actions = append(actions, m.closeStop(ds, s.Timestamp, ds.Trip != nil))
	}
	if newState == StateMoving && ds.Trip == nil {
		actions = append(actions, m.openTrip(ds, s, DetectionMotion))
	}
	if newState != StateMoving && ds.Stop == nil {
		actions = append(actions, m.openStop(ds, s, stopReasonFor(newState)))
	}

	if newState != previous {
		actions = append(actions, Action{
			Type:          ActionStateChanged,
			PreviousState: previous,
			NewState:      newState,
		})
	}
	ds.State = newState
	ds.StateSince = s.Timestamp

	if overnight {
		actions = append(actions, Action{
			Type:       ActionOvernightGap,
			GapSeconds: gapMs / 1000,
		})
	}

	m.observe(ds, s, ignition)
	return actions
}

//openTrip starts a fresh trip context on the sample
func (m *StateMachine) openTrip(ds *DeviceState, s *PositionSample, method DetectionMethod) Action {
	trip := &TripContext{
		TripId:          mintId(ds.DeviceId, s.Timestamp),
		StartTime:       s.Timestamp,
		StartLat:        s.Lat,
		StartLon:        s.Lon,
		DetectionMethod: method,
		Metadata:        s.Metadata,
	}
	updateTripContext(trip, s)
	ds.Trip = trip
	return Action{Type: ActionTripStarted, TripStart: trip}
}

//closeTripAt closes the active trip at the given end point. A trip persists
//only when it lasted and covered enough, otherwise it is discarded and only
//hot state is cleaned up.
func (m *StateMachine) closeTripAt(ds *DeviceState, endTime int64, endLat, endLon float64) Action {
	trip := ds.Trip
	duration := (endTime - trip.StartTime) / 1000
	if duration < 0 {
		duration = 0
	}
	avgSpeed := 0.0
	if duration > 0 {
		avgSpeed = trip.Distance / float64(duration) * 3.6
	}

	//the trip was ended by a stationary spell, a post-close transition to
	//MOVING must not leak into the closing state
	endState := ds.State
	if endState != StateStopped && endState != StateIdle {
		endState = StateStopped
	}

	bbox := trip.bbox()
	summary := &TripSummary{
		TripId:          trip.TripId,
		DeviceId:        ds.DeviceId,
		StartTime:       trip.StartTime,
		EndTime:         endTime,
		StartLat:        trip.StartLat,
		StartLon:        trip.StartLon,
		EndLat:          endLat,
		EndLon:          endLon,
		Distance:        trip.Distance,
		DurationSeconds: duration,
		MaxSpeed:        trip.MaxSpeed,
		AvgSpeed:        avgSpeed,
		StopsCount:      trip.StopsCount,
		DetectionMethod: trip.DetectionMethod,
		EndState:        endState,
		Metadata:        trip.Metadata,

		MaxDistanceFromOrigin: trip.MaxDistanceFromOrigin,
		BBoxDiameter:          bbox.diameterMeters(),
		SegmentsTotal:         trip.SegmentsTotal,
		SegmentsAdjusted:      trip.SegmentsAdjusted,
		OriginalDistance:      trip.OriginalDistance,
		GpsNoiseSegments:      trip.GpsNoiseSegments,
		SpeedSum:              trip.SpeedSum,
		PositionCount:         trip.PositionCount,
	}
	ds.Trip = nil

	if duration >= m.cfg.MinTripDuration && trip.Distance >= m.cfg.MinTripDistance {
		return Action{Type: ActionTripCompleted, Trip: summary}
	}

	//a discarded trip leaves its still-open stop in place, unlinked, so the
	//stop keeps closing naturally. The trip's row is left to the orphan sweep.
	if ds.Stop != nil && ds.Stop.TripId != nil && *ds.Stop.TripId == trip.TripId {
		ds.Stop.TripId = nil
	}
	return Action{Type: ActionTripDiscarded, Trip: summary}
}

//openStop starts a stop context on the sample, linked to the active trip
//when one exists
func (m *StateMachine) openStop(ds *DeviceState, s *PositionSample, reason fleet.StopReason) Action {
	stop := &StopContext{
		StopId:    mintId(ds.DeviceId, s.Timestamp),
		StartTime: s.Timestamp,
		Lat:       s.Lat,
		Lon:       s.Lon,
		Reason:    reason,
		Metadata:  s.Metadata,
	}
	if ds.Trip != nil {
		tripId := ds.Trip.TripId
		stop.TripId = &tripId
	}
	ds.Stop = stop
	return Action{Type: ActionStopStarted, StopStart: stop}
}

//closeStop closes the open stop at endTime. countTowardTrip adds the stop to
//the surrounding trip's stop counter when the trip continues through it.
func (m *StateMachine) closeStop(ds *DeviceState, endTime int64, countTowardTrip bool) Action {
	stop := ds.Stop
	duration := (endTime - stop.StartTime) / 1000
	if duration < 0 {
		duration = 0
	}
	summary := &StopSummary{
		StopId:          stop.StopId,
		TripId:          stop.TripId,
		DeviceId:        ds.DeviceId,
		StartTime:       stop.StartTime,
		EndTime:         endTime,
		DurationSeconds: duration,
		Lat:             stop.Lat,
		Lon:             stop.Lon,
		Reason:          stop.Reason,
		StartOdometer:   stop.StartOdometer,
		Metadata:        stop.Metadata,
	}
	ds.Stop = nil

	if countTowardTrip && ds.Trip != nil && stop.TripId != nil && *stop.TripId == ds.Trip.TripId {
		ds.Trip.StopsCount++
	}
	return Action{Type: ActionStopCompleted, Stop: summary}
}

//observe records the sample as the device's last known position and bumps
//the state version
func (m *StateMachine) observe(ds *DeviceState, s *PositionSample, ignition bool) {
	ds.LastTimestamp = s.Timestamp
	ds.LastLat = s.Lat
	ds.LastLon = s.Lon
	ds.LastSpeed = s.Speed
	ds.LastIgnition = ignition
	ds.Version++
}
