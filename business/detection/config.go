package detection

// DetectionConfig holds every threshold the motion state machine and the
// segment validator consult. The zero value is not usable, start from
// DefaultDetectionConfig and override per deployment.
type DetectionConfig struct {
	//MinMovingSpeed in km/h, at or above the vehicle is considered moving
	MinMovingSpeed float64 `conf:"default:5"`
	//MinTripDistance in meters, shorter trips are discarded at close
	MinTripDistance float64 `conf:"default:100"`
	//MinTripDuration in seconds, shorter trips are discarded at close
	MinTripDuration int64 `conf:"default:60"`
	//MinStopDuration in seconds, a stop at least this long splits the trip
	MinStopDuration int64 `conf:"default:300"`
	//MaxGapDuration in seconds between samples before the gap handler runs
	MaxGapDuration int64 `conf:"default:600"`
	//MaxOvernightGapDuration in seconds, gaps at least this long count as
	//overnight for power diagnosis
	MaxOvernightGapDuration int64 `conf:"default:1800"`
	//PositionBufferSize caps the rolling buffer used for speed averages
	PositionBufferSize int `conf:"default:300"`
	//OrphanTripTimeout in seconds of device silence before the reaper closes
	//its active trip and stop
	OrphanTripTimeout int64 `conf:"default:1800"`
	//MaxIdleDuration in seconds of sustained idling before the active trip
	//is closed
	MaxIdleDuration int64 `conf:"default:1800"`
}

// DefaultDetectionConfig returns the detection thresholds used when no
// configuration overrides them.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		MinMovingSpeed:          5,
		MinTripDistance:         100,
		MinTripDuration:         60,
		MinStopDuration:         300,
		MaxGapDuration:          600,
		MaxOvernightGapDuration: 1800,
		PositionBufferSize:      300,
		OrphanTripTimeout:       1800,
		MaxIdleDuration:         1800,
	}
}
