package detection

import (
	"encoding/json"
	"time"

	"github.com/GPE-Sistemas/tripero-sub000/business/data/fleet"
)

//canonical bus subjects, a global prefix may be applied on top
const (
	SubjectPositionNew         = "position:new"
	SubjectPositionRejected    = "position:rejected"
	SubjectIgnitionChanged     = "ignition:changed"
	SubjectTripStarted         = "trip:started"
	SubjectTripCompleted       = "trip:completed"
	SubjectStopStarted         = "stop:started"
	SubjectStopCompleted       = "stop:completed"
	SubjectTrackerStateChanged = "tracker:state:changed"
)

// GeoPoint is a GeoJSON point, coordinates ordered [lon, lat].
type GeoPoint struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

//NewGeoPoint builds a GeoPoint from a lat/lon pair
func NewGeoPoint(lat, lon float64) GeoPoint {
	return GeoPoint{Type: "Point", Coordinates: [2]float64{lon, lat}}
}

// PositionEvent is the inbound position:new payload. Numeric fields are
// pointers where absence must be distinguished from zero.
type PositionEvent struct {
	DeviceId   string         `json:"deviceId"`
	Timestamp  *int64         `json:"timestamp"`
	Latitude   *float64       `json:"latitude"`
	Longitude  *float64       `json:"longitude"`
	Speed      *float64       `json:"speed"`
	Ignition   *bool          `json:"ignition,omitempty"`
	Heading    *float64       `json:"heading,omitempty"`
	Altitude   *float64       `json:"altitude,omitempty"`
	Accuracy   *float64       `json:"accuracy,omitempty"`
	Satellites *int           `json:"satellites,omitempty"`
	Metadata   fleet.Metadata `json:"metadata,omitempty"`
}

// PositionRejectedEvent is published when an inbound position fails
// validation. OriginalEvent carries the offending payload verbatim.
type PositionRejectedEvent struct {
	DeviceId      string          `json:"deviceId"`
	Reason        string          `json:"reason"`
	RejectedAt    time.Time       `json:"rejectedAt"`
	OriginalEvent json.RawMessage `json:"originalEvent"`
}

// IgnitionChangedEvent is the inbound ignition:changed payload.
type IgnitionChangedEvent struct {
	DeviceId  string   `json:"deviceId"`
	Timestamp *int64   `json:"timestamp"`
	Ignition  *bool    `json:"ignition"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// TripStartedEvent is published the moment a trip opens.
type TripStartedEvent struct {
	TripId          string          `json:"tripId"`
	DeviceId        string          `json:"deviceId"`
	StartTime       time.Time       `json:"startTime"`
	StartLocation   GeoPoint        `json:"startLocation"`
	DetectionMethod DetectionMethod `json:"detectionMethod"`
	CurrentState    MotionState     `json:"currentState"`
	//Odometer is the device total in meters at trip start
	Odometer float64        `json:"odometer"`
	Metadata fleet.Metadata `json:"metadata,omitempty"`
}

// TripCompletedEvent is published when a qualifying trip closes. Distance is
// final, persistence applies no further correction.
type TripCompletedEvent struct {
	TripId          string          `json:"tripId"`
	DeviceId        string          `json:"deviceId"`
	StartTime       time.Time       `json:"startTime"`
	EndTime         time.Time       `json:"endTime"`
	StartLocation   GeoPoint        `json:"startLocation"`
	EndLocation     GeoPoint        `json:"endLocation"`
	DetectionMethod DetectionMethod `json:"detectionMethod"`
	//DurationSeconds of the trip
	DurationSeconds int64 `json:"duration"`
	//Distance in meters
	Distance float64 `json:"distance"`
	//speeds in km/h
	AvgSpeed     float64        `json:"avgSpeed"`
	MaxSpeed     float64        `json:"maxSpeed"`
	StopsCount   int            `json:"stopsCount"`
	CurrentState MotionState    `json:"currentState"`
	Odometer     float64        `json:"odometer"`
	Quality      TripQuality    `json:"quality"`
	Metadata     fleet.Metadata `json:"metadata,omitempty"`
}

// StopStartedEvent is published the moment a stop opens.
type StopStartedEvent struct {
	StopId       string           `json:"stopId"`
	TripId       *string          `json:"tripId,omitempty"`
	DeviceId     string           `json:"deviceId"`
	StartTime    time.Time        `json:"startTime"`
	Location     GeoPoint         `json:"location"`
	Reason       fleet.StopReason `json:"reason"`
	CurrentState MotionState      `json:"currentState"`
	Odometer     float64          `json:"odometer"`
	Metadata     fleet.Metadata   `json:"metadata,omitempty"`
}

// StopCompletedEvent is published when a stop closes.
type StopCompletedEvent struct {
	StopId          string           `json:"stopId"`
	TripId          *string          `json:"tripId,omitempty"`
	DeviceId        string           `json:"deviceId"`
	StartTime       time.Time        `json:"startTime"`
	EndTime         time.Time        `json:"endTime"`
	DurationSeconds int64            `json:"duration"`
	Location        GeoPoint         `json:"location"`
	Reason          fleet.StopReason `json:"reason"`
	CurrentState    MotionState      `json:"currentState"`
	Odometer        float64          `json:"odometer"`
	Metadata        fleet.Metadata   `json:"metadata,omitempty"`
}

// OdometerSnapshot carries the odometer block of a state-change event.
type OdometerSnapshot struct {
	Total         float64  `json:"total"`
	TotalKm       float64  `json:"totalKm"`
	CurrentTrip   *float64 `json:"currentTrip,omitempty"`
	CurrentTripKm *float64 `json:"currentTripKm,omitempty"`
}

// TrackerStateChangedEvent is published on every motion state transition.
type TrackerStateChangedEvent struct {
	TrackerId     string           `json:"trackerId"`
	DeviceId      string           `json:"deviceId"`
	PreviousState MotionState      `json:"previousState"`
	CurrentState  MotionState      `json:"currentState"`
	Timestamp     time.Time        `json:"timestamp"`
	Reason        string           `json:"reason"`
	Odometer      OdometerSnapshot `json:"odometer"`
	LastPosition  GeoPoint         `json:"lastPosition"`
	CurrentTrip   *string          `json:"currentTrip,omitempty"`
}
