package tracker

import (
	"context"
	"math"
	"testing"

	"github.com/GPE-Sistemas/tripero-sub000/business/detection"
)

func makeTestProcessor() (*Processor, *memoryStateStore, *capturePublisher, *captureToucher) {
	store := newMemoryStateStore()
	pub := &capturePublisher{}
	toucher := &captureToucher{}
	tracker := NewTrackerStateService(testLogger(), store)
	p := NewProcessor(testLogger(), detection.DefaultDetectionConfig(), store, tracker, pub, toucher)
	return p, store, pub, toucher
}

func TestProcessor_TripLifecycle(t *testing.T) {
	p, store, pub, _ := makeTestProcessor()
	ctx := context.Background()
	deviceId := "veh-9"

	//parked with the ignition off
	if err := p.HandleSample(ctx, makeTestSample(deviceId, 0, 10.0, 20.0, 0, false), "position"); err != nil {
		t.Fatalf("HandleSample() error = %v", err)
	}

	//a two minute drive north at 40 km/h
	for i := 0; i < 24; i++ {
		ts := 5000 + int64(i)*5000
		lat := 10.0005 + float64(i)*0.0005
		if err := p.HandleSample(ctx, makeTestSample(deviceId, ts, lat, 20.0, 40, true), "position"); err != nil {
			t.Fatalf("HandleSample() error = %v", err)
		}
	}

	//parked again, then driving off after 310 seconds closes the trip
	if err := p.HandleSample(ctx, makeTestSample(deviceId, 125000, 10.012, 20.0, 0, false), "position"); err != nil {
		t.Fatalf("HandleSample() error = %v", err)
	}
	if err := p.HandleSample(ctx, makeTestSample(deviceId, 435000, 10.0125, 20.0, 35, true), "position"); err != nil {
		t.Fatalf("HandleSample() error = %v", err)
	}

	started := pub.ofSubject(detection.SubjectTripStarted)
	if len(started) != 2 {
		t.Fatalf("published %d trip:started events, want 2", len(started))
	}
	completed := pub.ofSubject(detection.SubjectTripCompleted)
	if len(completed) != 1 {
		t.Fatalf("published %d trip:completed events, want 1", len(completed))
	}

	startEvent := started[0].payload.(detection.TripStartedEvent)
	endEvent := completed[0].payload.(detection.TripCompletedEvent)
	if endEvent.TripId != startEvent.TripId {
		t.Errorf("completed trip %s does not match started trip %s", endEvent.TripId, startEvent.TripId)
	}
	if endEvent.DeviceId != deviceId {
		t.Errorf("completed trip device = %s, want %s", endEvent.DeviceId, deviceId)
	}
	//the event reports the stationary state that ended the trip, not the
	//MOVING the drive-off already switched to
	if endEvent.CurrentState != detection.StateStopped {
		t.Errorf("completed trip CurrentState = %s, want %s", endEvent.CurrentState, detection.StateStopped)
	}

	//final distance comes from the odometer delta and stays close to the
	//distance actually driven inside the trip
	trackerState := store.trackerStates[deviceId]
	if trackerState == nil {
		t.Fatal("tracker state must exist after the drive")
	}
	if endEvent.Distance <= 1000 || endEvent.Distance > trackerState.TotalOdometer {
		t.Errorf("completed distance = %f, want positive and bounded by the odometer %f",
			endEvent.Distance, trackerState.TotalOdometer)
	}
	if endEvent.Quality.Flag == "" {
		t.Error("completed trip must carry a quality flag")
	}
	//avg speed is recomputed from the final distance
	wantAvg := endEvent.Distance / float64(endEvent.DurationSeconds) * 3.6
	if math.Abs(endEvent.AvgSpeed-wantAvg) > 0.001 {
		t.Errorf("AvgSpeed = %f, want %f", endEvent.AvgSpeed, wantAvg)
	}

	//every state transition was announced and persisted durably
	changes := pub.ofSubject(detection.SubjectTrackerStateChanged)
	if len(changes) != 4 {
		t.Errorf("published %d tracker:state:changed events, want 4", len(changes))
	}
	if store.persistedRows[deviceId] < len(changes) {
		t.Errorf("tracker state persisted %d times, want at least one per state change (%d)",
			store.persistedRows[deviceId], len(changes))
	}

	//the hot motion state reflects the new active trip
	ds := store.deviceStates[deviceId]
	if ds == nil || ds.Trip == nil {
		t.Fatal("device state with an active trip must be saved")
	}
	if ds.Trip.TripId != started[1].payload.(detection.TripStartedEvent).TripId {
		t.Error("hot state trip does not match the second trip:started event")
	}
}

func TestProcessor_ThrottleDropsDuplicates(t *testing.T) {
	p, store, pub, _ := makeTestProcessor()
	ctx := context.Background()
	deviceId := "veh-9"

	sample := makeTestSample(deviceId, 5000, 10.0, 20.0, 0, true)
	if err := p.HandleSample(ctx, sample, "position"); err != nil {
		t.Fatalf("HandleSample() error = %v", err)
	}
	eventsAfterFirst := len(pub.events)
	versionAfterFirst := store.deviceStates[deviceId].Version

	//the identical sample again, and one older than it
	if err := p.HandleSample(ctx, makeTestSample(deviceId, 5000, 10.0, 20.0, 0, true), "position"); err != nil {
		t.Fatalf("HandleSample() duplicate error = %v", err)
	}
	if err := p.HandleSample(ctx, makeTestSample(deviceId, 3000, 10.0, 20.0, 0, true), "position"); err != nil {
		t.Fatalf("HandleSample() stale error = %v", err)
	}

	if len(pub.events) != eventsAfterFirst {
		t.Errorf("duplicate samples published %d extra events", len(pub.events)-eventsAfterFirst)
	}
	if store.deviceStates[deviceId].Version != versionAfterFirst {
		t.Errorf("duplicate samples advanced the state version to %d", store.deviceStates[deviceId].Version)
	}
}

func TestProcessor_IgnitionFallback(t *testing.T) {
	p, store, pub, _ := makeTestProcessor()
	ctx := context.Background()
	deviceId := "veh-9"

	//the device is known with the ignition on
	first := makeTestSample(deviceId, 0, 10.0, 20.0, 0, true)
	if err := p.HandleSample(ctx, first, "position"); err != nil {
		t.Fatalf("HandleSample() error = %v", err)
	}
	if store.trackerStates[deviceId] == nil || !store.trackerStates[deviceId].LastIgnition {
		t.Fatal("tracker state must remember the ignition")
	}

	//a sample without an ignition flag inherits the last known one
	bare := &detection.PositionSample{DeviceId: deviceId, Timestamp: 5000, Lat: 10.0, Lon: 20.0, Speed: 0}
	if err := p.HandleSample(ctx, bare, "position"); err != nil {
		t.Fatalf("HandleSample() error = %v", err)
	}
	if store.deviceStates[deviceId].State != detection.StateIdle {
		t.Errorf("state = %s, want %s, the inherited ignition keeps the engine on",
			store.deviceStates[deviceId].State, detection.StateIdle)
	}
	//idle from the first sample on, no state change was published for the second
	if got := len(pub.ofSubject(detection.SubjectTrackerStateChanged)); got != 1 {
		t.Errorf("published %d tracker:state:changed events, want 1", got)
	}
}

func TestProcessor_HandleIgnition(t *testing.T) {
	p, store, pub, _ := makeTestProcessor()
	ctx := context.Background()
	deviceId := "veh-9"

	//an ignition event for a never-seen device with no location is dropped
	ts := int64(5000)
	on := true
	err := p.HandleIgnition(ctx, &detection.IgnitionChangedEvent{DeviceId: deviceId, Timestamp: &ts, Ignition: &on})
	if err != nil {
		t.Fatalf("HandleIgnition() error = %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("an unlocatable ignition event published %d events, want 0", len(pub.events))
	}

	//once the device has reported, ignition-off lands at its last position
	if err = p.HandleSample(ctx, makeTestSample(deviceId, 10000, 10.0, 20.0, 0, true), "position"); err != nil {
		t.Fatalf("HandleSample() error = %v", err)
	}
	off := false
	offTs := int64(20000)
	err = p.HandleIgnition(ctx, &detection.IgnitionChangedEvent{DeviceId: deviceId, Timestamp: &offTs, Ignition: &off})
	if err != nil {
		t.Fatalf("HandleIgnition() error = %v", err)
	}

	if store.deviceStates[deviceId].State != detection.StateStopped {
		t.Errorf("state = %s, want %s after ignition off", store.deviceStates[deviceId].State, detection.StateStopped)
	}
	stops := pub.ofSubject(detection.SubjectStopStarted)
	if len(stops) == 0 {
		t.Fatal("ignition off must open a stop")
	}
	last := stops[len(stops)-1].payload.(detection.StopStartedEvent)
	if last.Location.Coordinates[1] != 10.0 || last.Location.Coordinates[0] != 20.0 {
		t.Errorf("stop located at %v, want the device's last known position", last.Location.Coordinates)
	}
}

func TestProcessor_OffsetSurvivesInFlightSamples(t *testing.T) {
	p, store, _, _ := makeTestProcessor()
	ctx := context.Background()
	deviceId := "veh-9"

	if err := p.HandleSample(ctx, makeTestSample(deviceId, 0, 10.0, 20.0, 0, true), "position"); err != nil {
		t.Fatalf("HandleSample() error = %v", err)
	}

	//the operator corrects the odometer while the device keeps reporting
	if err := store.SetOdometerOffset(ctx, deviceId, 150000); err != nil {
		t.Fatalf("SetOdometerOffset() error = %v", err)
	}
	for i := 1; i <= 5; i++ {
		ts := int64(i) * 5000
		lat := 10.0 + float64(i)*0.0005
		if err := p.HandleSample(ctx, makeTestSample(deviceId, ts, lat, 20.0, 40, true), "position"); err != nil {
			t.Fatalf("HandleSample() error = %v", err)
		}
	}

	state, err := store.TrackerState(ctx, deviceId)
	if err != nil {
		t.Fatalf("TrackerState() error = %v", err)
	}
	if state.OdometerOffset != 150000 {
		t.Errorf("OdometerOffset = %f after more samples, want 150000", state.OdometerOffset)
	}
	if state.TotalOdometer == 0 {
		t.Error("the accumulator must keep advancing under the new offset")
	}
}

func TestProcessor_TouchesLongRunningTrip(t *testing.T) {
	p, _, _, toucher := makeTestProcessor()
	ctx := context.Background()
	deviceId := "veh-9"

	if err := p.HandleSample(ctx, makeTestSample(deviceId, 0, 10.0, 20.0, 0, false), "position"); err != nil {
		t.Fatalf("HandleSample() error = %v", err)
	}
	//an hour of driving, one sample per 30 seconds
	for i := 0; i < 120; i++ {
		ts := 5000 + int64(i)*30000
		lat := 10.0005 + float64(i)*0.002
		if err := p.HandleSample(ctx, makeTestSample(deviceId, ts, lat, 20.0, 40, true), "position"); err != nil {
			t.Fatalf("HandleSample() error = %v", err)
		}
	}

	//the active trip row must have been kept alive for the reaper, roughly
	//once per five minutes
	if len(toucher.touched) < 10 {
		t.Errorf("trip touched %d times over an hour, want at least 10", len(toucher.touched))
	}
}
