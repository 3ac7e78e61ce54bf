package detection

import (
	"github.com/GPE-Sistemas/tripero-sub000/business/data/fleet"
)

// MotionState is the live movement classification of a device.
type MotionState string

const (
	//StateUnknown only ever appears as the prior state of a device that has
	//not produced a valid sample yet
	StateUnknown MotionState = "UNKNOWN"
	StateStopped MotionState = "STOPPED"
	StateIdle    MotionState = "IDLE"
	StateMoving  MotionState = "MOVING"
)

// DetectionMethod describes what evidence opened a trip.
type DetectionMethod string

const (
	DetectionIgnition DetectionMethod = "ignition"
	DetectionMotion   DetectionMethod = "motion"
)

//bufferedPosition is one entry of the rolling position buffer
type bufferedPosition struct {
	Timestamp int64   `json:"ts"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Speed     float64 `json:"speed"`
}

// TripContext is the in-flight trip a device is currently on, including the
// noise-detection context the segment validator consults and the quality
// counters reported at completion.
type TripContext struct {
	TripId          string          `json:"tripId"`
	StartTime       int64           `json:"startTime"`
	StartLat        float64         `json:"startLat"`
	StartLon        float64         `json:"startLon"`
	Distance        float64         `json:"distance"`
	MaxSpeed        float64         `json:"maxSpeed"`
	StopsCount      int             `json:"stopsCount"`
	Confirmed       bool            `json:"confirmed"`
	DetectionMethod DetectionMethod `json:"detectionMethod"`
	Metadata        fleet.Metadata  `json:"metadata,omitempty"`
	//LastTouched is when the trip row's liveness timestamp was last refreshed
	LastTouched int64 `json:"lastTouched,omitempty"`

	//noise-detection context
	MaxDistanceFromOrigin float64 `json:"maxDistanceFromOrigin"`
	BBoxMinLat            float64 `json:"bboxMinLat"`
	BBoxMaxLat            float64 `json:"bboxMaxLat"`
	BBoxMinLon            float64 `json:"bboxMinLon"`
	BBoxMaxLon            float64 `json:"bboxMaxLon"`
	BBoxSet               bool    `json:"bboxSet"`
	SpeedSum              float64 `json:"speedSum"`
	PositionCount         int     `json:"positionCount"`

	//per-trip quality counters
	SegmentsTotal    int     `json:"segmentsTotal"`
	SegmentsAdjusted int     `json:"segmentsAdjusted"`
	OriginalDistance float64 `json:"originalDistance"`
	AdjustedDistance float64 `json:"adjustedDistance"`
	GpsNoiseSegments int     `json:"gpsNoiseSegments"`
}

//bbox reconstitutes the bounding box accumulator from the stored fields
func (tc *TripContext) bbox() boundingBox {
	return boundingBox{
		minLat: tc.BBoxMinLat,
		maxLat: tc.BBoxMaxLat,
		minLon: tc.BBoxMinLon,
		maxLon: tc.BBoxMaxLon,
		set:    tc.BBoxSet,
	}
}

//setBBox stores the bounding box accumulator back onto the context
func (tc *TripContext) setBBox(b boundingBox) {
	tc.BBoxMinLat = b.minLat
	tc.BBoxMaxLat = b.maxLat
	tc.BBoxMinLon = b.minLon
	tc.BBoxMaxLon = b.maxLon
	tc.BBoxSet = b.set
}

// StopContext is the in-flight stop a device is currently in.
type StopContext struct {
	StopId    string           `json:"stopId"`
	TripId    *string          `json:"tripId,omitempty"`
	StartTime int64            `json:"startTime"`
	Lat       float64          `json:"lat"`
	Lon       float64          `json:"lon"`
	Reason    fleet.StopReason `json:"reason"`
	//StartOdometer snapshot in meters when the stop opened
	StartOdometer float64        `json:"startOdometer"`
	Metadata      fleet.Metadata `json:"metadata,omitempty"`
}

// DeviceState is the hot per-device motion state. Only the device's
// dispatcher worker ever touches it, so no locking is needed.
type DeviceState struct {
	DeviceId   string      `json:"deviceId"`
	State      MotionState `json:"state"`
	StateSince int64       `json:"stateSince"`

	LastTimestamp int64   `json:"lastTimestamp"`
	LastLat       float64 `json:"lastLat"`
	LastLon       float64 `json:"lastLon"`
	LastSpeed     float64 `json:"lastSpeed"`
	LastIgnition  bool    `json:"lastIgnition"`

	Buffer []bufferedPosition `json:"buffer,omitempty"`

	//Version strictly increases on every processed sample
	Version int64 `json:"version"`

	Trip *TripContext `json:"trip,omitempty"`
	Stop *StopContext `json:"stop,omitempty"`
}

//NewDeviceState builds the initial state for a device's first sample
func NewDeviceState(deviceId string) *DeviceState {
	return &DeviceState{
		DeviceId: deviceId,
		State:    StateUnknown,
	}
}

//pushPosition appends the sample to the rolling buffer, evicting the oldest
//entry once the buffer is at capacity
func (ds *DeviceState) pushPosition(s *PositionSample, capacity int) {
	if capacity <= 0 {
		capacity = 300
	}
	entry := bufferedPosition{
		Timestamp: s.Timestamp,
		Lat:       s.Lat,
		Lon:       s.Lon,
		Speed:     s.Speed,
	}
	if len(ds.Buffer) >= capacity {
		copy(ds.Buffer, ds.Buffer[1:])
		ds.Buffer[len(ds.Buffer)-1] = entry
		return
	}
	ds.Buffer = append(ds.Buffer, entry)
}

//speedAverage returns the mean buffered speed over the trailing window
//ending at nowTs. With no entries in the window it returns 0.
func (ds *DeviceState) speedAverage(windowSeconds int64, nowTs int64) float64 {
	cutoff := nowTs - windowSeconds*1000
	sum := 0.0
	count := 0
	for i := len(ds.Buffer) - 1; i >= 0; i-- {
		if ds.Buffer[i].Timestamp < cutoff {
			break
		}
		sum += ds.Buffer[i].Speed
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
