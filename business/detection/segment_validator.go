package detection

//SegmentAnomalyReason explains why a segment's distance was zeroed or the
//segment rejected outright
type SegmentAnomalyReason string

const (
	//AnomalyInvalidTime the samples are out of order or simultaneous
	AnomalyInvalidTime SegmentAnomalyReason = "INVALID_TIME"
	//AnomalyImpossibleSpeed the implied speed exceeds what a vehicle can do
	AnomalyImpossibleSpeed SegmentAnomalyReason = "IMPOSSIBLE_SPEED"
	//AnomalyGpsNoise apparent motion from position jitter while stationary
	AnomalyGpsNoise SegmentAnomalyReason = "GPS_NOISE"
	//AnomalyJitter isolated sub-5m wobble at zero reported speed
	AnomalyJitter SegmentAnomalyReason = "JITTER"
)

const (
	//MaxPlausibleSpeed in km/h, above it a segment is physically impossible
	MaxPlausibleSpeed = 200.0
	//provenMotionDistance in meters from trip origin after which noise
	//filtering is bypassed entirely
	provenMotionDistance = 300.0
	//noise gate thresholds, all must hold for a segment to be zeroed as noise
	noiseMaxOriginDistance = 150.0
	noiseMaxBBoxDiameter   = 100.0
	noiseMaxAvgSpeed       = 5.0
	noiseMaxCurrentSpeed   = 5.0
	noiseMaxSegmentLength  = 20.0
	//JitterMaxDistance in meters, a zero-speed wobble under it is position
	//jitter, not movement. The odometer applies the same rule.
	JitterMaxDistance = 5.0
)

//segmentResult is the validator's verdict on one inter-sample segment
type segmentResult struct {
	//isValid is false only when the segment must not advance state-derived
	//distance at all (bad time, impossible speed)
	isValid bool
	//adjustedDistance is the distance that should count, either
	//originalDistance or zero, never in between
	adjustedDistance float64
	originalDistance float64
	reason           SegmentAnomalyReason
}

//validateSegment decides whether the distance between two consecutive
//samples should count, be zeroed as noise, or be rejected as impossible.
//tripCtx may be nil when the device is not on a trip.
func validateSegment(prev, cur *PositionSample, tripCtx *TripContext) segmentResult {
	original := HaversineMeters(prev.Lat, prev.Lon, cur.Lat, cur.Lon)
	deltaSeconds := float64(cur.Timestamp-prev.Timestamp) / 1000.0

	if deltaSeconds <= 0 {
		return segmentResult{
			isValid:          false,
			adjustedDistance: 0,
			originalDistance: original,
			reason:           AnomalyInvalidTime,
		}
	}

	implicitSpeed := (original / deltaSeconds) * 3.6
	if implicitSpeed > MaxPlausibleSpeed {
		return segmentResult{
			isValid:          false,
			adjustedDistance: 0,
			originalDistance: original,
			reason:           AnomalyImpossibleSpeed,
		}
	}

	if tripCtx != nil {
		//once the vehicle has moved far enough from the trip origin it has
		//proven genuine motion, accept everything
		if tripCtx.MaxDistanceFromOrigin >= provenMotionDistance {
			return segmentResult{
				isValid:          true,
				adjustedDistance: original,
				originalDistance: original,
			}
		}

		bbox := tripCtx.bbox()
		avgSpeed := 0.0
		if tripCtx.PositionCount > 0 {
			avgSpeed = tripCtx.SpeedSum / float64(tripCtx.PositionCount)
		}
		if tripCtx.MaxDistanceFromOrigin < noiseMaxOriginDistance &&
			bbox.diameterMeters() < noiseMaxBBoxDiameter &&
			avgSpeed < noiseMaxAvgSpeed &&
			cur.Speed < noiseMaxCurrentSpeed &&
			original < noiseMaxSegmentLength {
			return segmentResult{
				isValid:          true,
				adjustedDistance: 0,
				originalDistance: original,
				reason:           AnomalyGpsNoise,
			}
		}
	} else if original < JitterMaxDistance && cur.Speed == 0 {
		return segmentResult{
			isValid:          true,
			adjustedDistance: 0,
			originalDistance: original,
			reason:           AnomalyJitter,
		}
	}

	return segmentResult{
		isValid:          true,
		adjustedDistance: original,
		originalDistance: original,
	}
}

//updateTripContext extends the trip's noise-detection context with the
//sample: bounding box, max distance from origin and the speed accumulators
func updateTripContext(tripCtx *TripContext, cur *PositionSample) {
	bbox := tripCtx.bbox()
	bbox.extend(cur.Lat, cur.Lon)
	tripCtx.setBBox(bbox)

	fromOrigin := HaversineMeters(tripCtx.StartLat, tripCtx.StartLon, cur.Lat, cur.Lon)
	if fromOrigin > tripCtx.MaxDistanceFromOrigin {
		tripCtx.MaxDistanceFromOrigin = fromOrigin
	}
	tripCtx.SpeedSum += cur.Speed
	tripCtx.PositionCount++
}
