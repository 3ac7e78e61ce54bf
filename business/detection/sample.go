package detection

import (
	"fmt"
	"time"

	"github.com/GPE-Sistemas/tripero-sub000/business/data/fleet"
)

// PositionSample is one GPS report from a tracker, already validated by the
// position listener. Timestamp is milliseconds since epoch.
type PositionSample struct {
	DeviceId  string
	Timestamp int64
	Lat       float64
	Lon       float64
	//Speed as reported by the tracker in km/h
	Speed float64
	//Ignition is nil when the tracker did not report it, the processor fills
	//it from the last known tracker state before the state machine runs
	Ignition   *bool
	Heading    *float64
	Altitude   *float64
	Accuracy   *float64
	Satellites *int
	Metadata   fleet.Metadata
}

// Time returns the sample timestamp as time.Time.
func (s *PositionSample) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// IgnitionOn returns the ignition flag, false when unreported.
func (s *PositionSample) IgnitionOn() bool {
	return s.Ignition != nil && *s.Ignition
}

func (s *PositionSample) String() string {
	return fmt.Sprintf("device:%s ts:%d lat:%.5f lon:%.5f speed:%.1f",
		s.DeviceId, s.Timestamp, s.Lat, s.Lon, s.Speed)
}
