package tracker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"

	"github.com/GPE-Sistemas/tripero-sub000/business/data/fleet"
	"github.com/GPE-Sistemas/tripero-sub000/business/detection"
)

//staleActiveRowAge is how old an active row's updated_at may be before the
//startup sweep closes it
const staleActiveRowAge = 24 * time.Hour

// PersistenceWriter materializes trip and stop rows from the events the
// state machine emits. All writes for one device run through the
// persistence dispatcher, so they are serialized in emission order.
type PersistenceWriter struct {
	log        *log.Logger
	db         *sqlx.DB
	dispatcher *Dispatcher
	prefix     string
}

// NewPersistenceWriter builds the writer over the shared database pool.
func NewPersistenceWriter(log *log.Logger, db *sqlx.DB, dispatcher *Dispatcher, prefix string) *PersistenceWriter {
	return &PersistenceWriter{
		log:        log,
		db:         db,
		dispatcher: dispatcher,
		prefix:     prefix,
	}
}

// TouchTrip implements TripToucher, refreshing updated_at on an active trip
// so the reaper knows the device is alive.
func (w *PersistenceWriter) TouchTrip(deviceId string, tripId string) {
	w.dispatcher.Enqueue(deviceId, func(_ context.Context) {
		if err := fleet.TouchTrip(tripId, deviceId, w.db); err != nil {
			w.log.Printf("touching trip %s: %v", tripId, err)
		}
	})
}

// StartupSweep closes trips and stops that a previous process left active
// for over a day. Runs once before subscriptions open.
func (w *PersistenceWriter) StartupSweep() error {
	cutoff := time.Now().Add(-staleActiveRowAge)

	trips, err := fleet.ActiveTripsOlderThan(cutoff, w.db)
	if err != nil {
		return err
	}
	for i := range trips {
		if err = fleet.CloseOrphanTrip(&trips[i], "startup_sweep", w.db); err != nil {
			w.log.Printf("closing stale trip %s: %v", trips[i].TripId, err)
		}
	}

	stops, err := fleet.ActiveStopsOlderThan(cutoff, w.db)
	if err != nil {
		return err
	}
	for i := range stops {
		if err = fleet.CloseOrphanStop(&stops[i], "startup_sweep", w.db); err != nil {
			w.log.Printf("closing stale stop %s: %v", stops[i].StopId, err)
		}
	}

	if len(trips) > 0 || len(stops) > 0 {
		w.log.Printf("startup sweep closed %d trips and %d stops", len(trips), len(stops))
	}
	return nil
}

// Run subscribes to the trip and stop events and writes rows until the
// shutdown channel closes.
func (w *PersistenceWriter) Run(conn *nats.Conn, queue string, shutdown chan struct{}) error {
	subjects := []string{detection.SubjectTripStarted, detection.SubjectTripCompleted, detection.SubjectStopStarted, detection.SubjectStopCompleted}
	channels := make([]chan *nats.Msg, 0, len(subjects))
	subs := make([]*nats.Subscription, 0, len(subjects))

	for _, subject := range subjects {
		ch, sub, err := Subscribe(conn, w.prefix, subject, queue)
		if err != nil {
			for i, s := range subs {
				Unsubscribe(w.log, s, subjects[i])
			}
			return err
		}
		channels = append(channels, ch)
		subs = append(subs, sub)
	}
	w.log.Printf("persistence writer subscribed to trip and stop events in queue group %s", queue)

	for {
		select {
		case msg := <-channels[0]:
			w.handleTripStarted(msg)
		case msg := <-channels[1]:
			w.handleTripCompleted(msg)
		case msg := <-channels[2]:
			w.handleStopStarted(msg)
		case msg := <-channels[3]:
			w.handleStopCompleted(msg)
		case <-shutdown:
			for i, s := range subs {
				Unsubscribe(w.log, s, subjects[i])
			}
			w.log.Printf("persistence writer exiting on shutdown signal")
			return nil
		}
	}
}

func (w *PersistenceWriter) handleTripStarted(msg *nats.Msg) {
	var ev detection.TripStartedEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		w.log.Printf("dropping malformed trip:started payload: %v", err)
		return
	}
	w.dispatcher.Enqueue(ev.DeviceId, func(_ context.Context) {
		row := &fleet.Trip{
			TripId:          ev.TripId,
			DeviceId:        ev.DeviceId,
			StartTime:       ev.StartTime,
			StartLat:        ev.StartLocation.Coordinates[1],
			StartLon:        ev.StartLocation.Coordinates[0],
			DetectionMethod: string(ev.DetectionMethod),
			Metadata:        ev.Metadata,
		}
		if err := fleet.RecordTripStart(row, w.db); err != nil {
			w.log.Printf("inserting trip %s: %v", ev.TripId, err)
		}
	})
}

func (w *PersistenceWriter) handleTripCompleted(msg *nats.Msg) {
	var ev detection.TripCompletedEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		w.log.Printf("dropping malformed trip:completed payload: %v", err)
		return
	}
	w.dispatcher.Enqueue(ev.DeviceId, func(_ context.Context) {
		existing, err := fleet.GetTrip(ev.TripId, w.db)
		if err != nil {
			w.log.Printf("loading trip %s: %v", ev.TripId, err)
			return
		}
		if existing == nil {
			w.log.Printf("dropping completion for unknown trip %s", ev.TripId)
			return
		}
		if existing.DeviceId != ev.DeviceId {
			w.log.Printf("dropping completion for trip %s: device %s does not own it", ev.TripId, ev.DeviceId)
			return
		}

		endLat := ev.EndLocation.Coordinates[1]
		endLon := ev.EndLocation.Coordinates[0]
		endTime := ev.EndTime
		qualityFlag := string(ev.Quality.Flag)

		existing.EndTime = &endTime
		existing.EndLat = &endLat
		existing.EndLon = &endLon
		existing.Distance = ev.Distance
		existing.DurationSeconds = ev.DurationSeconds
		existing.MaxSpeed = ev.MaxSpeed
		existing.AvgSpeed = ev.AvgSpeed
		existing.StopCount = ev.StopsCount
		existing.OriginalDistance = &ev.Quality.OriginalDistance
		existing.LinearDistance = &ev.Quality.LinearDistance
		existing.RouteLinearRatio = &ev.Quality.RouteLinearRatio
		existing.OperationAreaDiameter = &ev.Quality.OperationAreaDiameter
		existing.QualityFlag = &qualityFlag
		if ev.Metadata != nil {
			existing.Metadata = ev.Metadata
		}

		if err = fleet.CompleteTrip(existing, w.db); err != nil {
			w.log.Printf("completing trip %s: %v", ev.TripId, err)
		}
	})
}

func (w *PersistenceWriter) handleStopStarted(msg *nats.Msg) {
	var ev detection.StopStartedEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		w.log.Printf("dropping malformed stop:started payload: %v", err)
		return
	}
	w.dispatcher.Enqueue(ev.DeviceId, func(_ context.Context) {
		startOdometer := ev.Odometer
		row := &fleet.Stop{
			StopId:        ev.StopId,
			TripId:        ev.TripId,
			DeviceId:      ev.DeviceId,
			StartTime:     ev.StartTime,
			Lat:           ev.Location.Coordinates[1],
			Lon:           ev.Location.Coordinates[0],
			Reason:        ev.Reason,
			StartOdometer: &startOdometer,
			Metadata:      ev.Metadata,
		}
		if err := fleet.RecordStopStart(row, w.db); err != nil {
			w.log.Printf("inserting stop %s: %v", ev.StopId, err)
		}
	})
}

func (w *PersistenceWriter) handleStopCompleted(msg *nats.Msg) {
	var ev detection.StopCompletedEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		w.log.Printf("dropping malformed stop:completed payload: %v", err)
		return
	}
	w.dispatcher.Enqueue(ev.DeviceId, func(_ context.Context) {
		existing, err := fleet.GetStop(ev.StopId, w.db)
		if err != nil {
			w.log.Printf("loading stop %s: %v", ev.StopId, err)
			return
		}
		if existing == nil {
			w.log.Printf("dropping completion for unknown stop %s", ev.StopId)
			return
		}
		if existing.DeviceId != ev.DeviceId {
			w.log.Printf("dropping completion for stop %s: device %s does not own it", ev.StopId, ev.DeviceId)
			return
		}

		endTime := ev.EndTime
		endOdometer := ev.Odometer
		existing.EndTime = &endTime
		existing.DurationSeconds = ev.DurationSeconds
		existing.EndOdometer = &endOdometer
		if ev.Metadata != nil {
			existing.Metadata = ev.Metadata
		}

		if err = fleet.CompleteStop(existing, w.db); err != nil {
			w.log.Printf("completing stop %s: %v", ev.StopId, err)
		}
	})
}
