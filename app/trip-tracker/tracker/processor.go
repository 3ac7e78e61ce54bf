package tracker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/GPE-Sistemas/tripero-sub000/business/data/fleet"
	"github.com/GPE-Sistemas/tripero-sub000/business/detection"
)

//tripTouchIntervalMs is how often an active trip's row gets its updated_at
//refreshed so the orphan reaper can tell a live trip from a dead one
const tripTouchIntervalMs = 5 * 60 * 1000

// TripToucher refreshes the liveness timestamp of an active trip row. The
// persistence writer implements it, tests stub it.
type TripToucher interface {
	TouchTrip(deviceId string, tripId string)
}

// Processor runs one device's sample through the full pipeline: throttle,
// state machine, odometer, event emission and hot-state writeback. It is
// invoked from inside the sample dispatcher, so per-device calls never
// overlap.
type Processor struct {
	log     *log.Logger
	machine *detection.StateMachine
	store   detection.StateStore
	tracker *TrackerStateService
	pub     EventPublisher
	toucher TripToucher
}

// NewProcessor wires the sample pipeline.
func NewProcessor(log *log.Logger,
	cfg detection.DetectionConfig,
	store detection.StateStore,
	tracker *TrackerStateService,
	pub EventPublisher,
	toucher TripToucher) *Processor {

	return &Processor{
		log:     log,
		machine: detection.NewStateMachine(cfg),
		store:   store,
		tracker: tracker,
		pub:     pub,
		toucher: toucher,
	}
}

// HandleSample processes one validated position sample. source labels what
// produced the sample ("position" or "ignition") for the state-change event.
func (p *Processor) HandleSample(ctx context.Context, s *detection.PositionSample, source string) error {
	ok, err := p.store.ShouldProcess(ctx, s.DeviceId, s.Timestamp)
	if err != nil {
		return fmt.Errorf("throttle check for device %s: %w", s.DeviceId, err)
	}
	if !ok {
		return nil
	}

	ds, err := p.store.DeviceState(ctx, s.DeviceId)
	if err != nil {
		return fmt.Errorf("loading device state for %s: %w", s.DeviceId, err)
	}
	if ds == nil {
		ds = detection.NewDeviceState(s.DeviceId)
	}

	trackerState, err := p.store.TrackerState(ctx, s.DeviceId)
	if err != nil {
		return fmt.Errorf("loading tracker state for %s: %w", s.DeviceId, err)
	}

	//fill the ignition fallback chain: sample, then last known, then false
	if s.Ignition == nil {
		ignition := false
		if trackerState != nil {
			ignition = trackerState.LastIgnition
		} else if ds.Version > 0 {
			ignition = ds.LastIgnition
		}
		s.Ignition = &ignition
	}

	actions := p.machine.ProcessSample(ds, s)
	trackerState = p.tracker.ApplySample(ctx, trackerState, s, s.IgnitionOn())

	for _, action := range actions {
		p.emit(ctx, ds, trackerState, s, action, source)
	}

	if ds.Trip != nil && s.Timestamp-ds.Trip.LastTouched >= tripTouchIntervalMs {
		ds.Trip.LastTouched = s.Timestamp
		if p.toucher != nil {
			p.toucher.TouchTrip(ds.DeviceId, ds.Trip.TripId)
		}
	}

	if err = p.store.SaveDeviceState(ctx, ds); err != nil {
		return fmt.Errorf("saving device state for %s: %w", s.DeviceId, err)
	}
	if err = p.store.SaveTrackerState(ctx, trackerState); err != nil {
		return fmt.Errorf("saving tracker state for %s: %w", s.DeviceId, err)
	}
	return nil
}

// HandleIgnition folds an ignition:changed event into the state machine by
// synthesizing a position sample at the event's location, or at the last
// known location when the event carries none.
func (p *Processor) HandleIgnition(ctx context.Context, ev *detection.IgnitionChangedEvent) error {
	lat, lon := 0.0, 0.0
	located := false
	if ev.Latitude != nil && ev.Longitude != nil {
		lat, lon = *ev.Latitude, *ev.Longitude
		located = true
	} else {
		trackerState, err := p.store.TrackerState(ctx, ev.DeviceId)
		if err != nil {
			return fmt.Errorf("loading tracker state for %s: %w", ev.DeviceId, err)
		}
		if trackerState != nil {
			lat, lon = trackerState.LastLat, trackerState.LastLon
			located = true
		}
	}
	if !located {
		p.log.Printf("dropping ignition change for unseen device %s with no location", ev.DeviceId)
		return nil
	}

	sample := &detection.PositionSample{
		DeviceId:  ev.DeviceId,
		Timestamp: *ev.Timestamp,
		Lat:       lat,
		Lon:       lon,
		Speed:     0,
		Ignition:  ev.Ignition,
	}
	return p.HandleSample(ctx, sample, "ignition")
}

//emit translates one state machine action into tracker-state bookkeeping
//and a published event
func (p *Processor) emit(ctx context.Context,
	ds *detection.DeviceState,
	trackerState *fleet.TrackerState,
	s *detection.PositionSample,
	action detection.Action,
	source string) {

	switch action.Type {

	case detection.ActionTripStarted:
		p.tracker.TripStarted(trackerState)
		trip := action.TripStart
		p.publish(detection.SubjectTripStarted, detection.TripStartedEvent{
			TripId:          trip.TripId,
			DeviceId:        ds.DeviceId,
			StartTime:       time.UnixMilli(trip.StartTime),
			StartLocation:   detection.NewGeoPoint(trip.StartLat, trip.StartLon),
			DetectionMethod: trip.DetectionMethod,
			CurrentState:    detection.StateMoving,
			Odometer:        trackerState.TotalOdometer,
			Metadata:        trip.Metadata,
		})

	case detection.ActionTripCompleted:
		trip := action.Trip
		distance := p.tracker.TripCompleted(trackerState, trip)
		quality := detection.AnalyzeTripQuality(trip, distance)
		avgSpeed := trip.AvgSpeed
		if trip.DurationSeconds > 0 {
			avgSpeed = distance / float64(trip.DurationSeconds) * 3.6
		}
		p.publish(detection.SubjectTripCompleted, detection.TripCompletedEvent{
			TripId:          trip.TripId,
			DeviceId:        ds.DeviceId,
			StartTime:       time.UnixMilli(trip.StartTime),
			EndTime:         time.UnixMilli(trip.EndTime),
			StartLocation:   detection.NewGeoPoint(trip.StartLat, trip.StartLon),
			EndLocation:     detection.NewGeoPoint(trip.EndLat, trip.EndLon),
			DetectionMethod: trip.DetectionMethod,
			DurationSeconds: trip.DurationSeconds,
			Distance:        distance,
			AvgSpeed:        avgSpeed,
			MaxSpeed:        trip.MaxSpeed,
			StopsCount:      trip.StopsCount,
			CurrentState:    trip.EndState,
			Odometer:        trackerState.TotalOdometer,
			Quality:         quality,
			Metadata:        trip.Metadata,
		})

	case detection.ActionTripDiscarded:
		p.tracker.TripDiscarded(trackerState)
		p.log.Printf("discarding trip %s for device %s, duration %ds distance %.0fm below thresholds",
			action.Trip.TripId, ds.DeviceId, action.Trip.DurationSeconds, action.Trip.Distance)

	case detection.ActionStopStarted:
		stop := action.StopStart
		stop.StartOdometer = trackerState.TotalOdometer
		p.publish(detection.SubjectStopStarted, detection.StopStartedEvent{
			StopId:       stop.StopId,
			TripId:       stop.TripId,
			DeviceId:     ds.DeviceId,
			StartTime:    time.UnixMilli(stop.StartTime),
			Location:     detection.NewGeoPoint(stop.Lat, stop.Lon),
			Reason:       stop.Reason,
			CurrentState: ds.State,
			Odometer:     trackerState.TotalOdometer,
			Metadata:     stop.Metadata,
		})

	case detection.ActionStopCompleted:
		stop := action.Stop
		p.tracker.StopCompleted(trackerState, stop)
		p.publish(detection.SubjectStopCompleted, detection.StopCompletedEvent{
			StopId:          stop.StopId,
			TripId:          stop.TripId,
			DeviceId:        ds.DeviceId,
			StartTime:       time.UnixMilli(stop.StartTime),
			EndTime:         time.UnixMilli(stop.EndTime),
			DurationSeconds: stop.DurationSeconds,
			Location:        detection.NewGeoPoint(stop.Lat, stop.Lon),
			Reason:          stop.Reason,
			CurrentState:    ds.State,
			Odometer:        trackerState.TotalOdometer,
			Metadata:        stop.Metadata,
		})

	case detection.ActionStateChanged:
		p.tracker.StateChanged(ctx, trackerState)
		snapshot := detection.OdometerSnapshot{
			Total:   trackerState.TotalOdometer,
			TotalKm: trackerState.TotalOdometer / 1000,
		}
		var currentTrip *string
		if ds.Trip != nil {
			tripId := ds.Trip.TripId
			currentTrip = &tripId
			if trackerState.TripOdometerStart != nil {
				tripMeters := trackerState.TotalOdometer - *trackerState.TripOdometerStart
				tripKm := tripMeters / 1000
				snapshot.CurrentTrip = &tripMeters
				snapshot.CurrentTripKm = &tripKm
			}
		}
		p.publish(detection.SubjectTrackerStateChanged, detection.TrackerStateChangedEvent{
			TrackerId:     ds.DeviceId,
			DeviceId:      ds.DeviceId,
			PreviousState: action.PreviousState,
			CurrentState:  action.NewState,
			Timestamp:     s.Time(),
			Reason:        source,
			Odometer:      snapshot,
			LastPosition:  detection.NewGeoPoint(s.Lat, s.Lon),
			CurrentTrip:   currentTrip,
		})

	case detection.ActionOvernightGap:
		p.tracker.OvernightGap(trackerState)
		p.log.Printf("device %s overnight gap of %ds, gap count now %d power type %s",
			ds.DeviceId, action.GapSeconds, trackerState.OvernightGapCount, trackerState.PowerType)
	}
}

//publish sends one event, logging rather than failing the sample on error
func (p *Processor) publish(subject string, payload interface{}) {
	if err := p.pub.Publish(subject, payload); err != nil {
		p.log.Printf("publishing %s: %v", subject, err)
	}
}
