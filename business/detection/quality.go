package detection

//TripQualityFlag is the categorical verdict of the trip quality analyzer
type TripQualityFlag string

const (
	QualityValid            TripQualityFlag = "VALID"
	QualityGpsNoiseFiltered TripQualityFlag = "GPS_NOISE_FILTERED"
	QualityCircularRoute    TripQualityFlag = "CIRCULAR_ROUTE"
	QualityShortTrip        TripQualityFlag = "SHORT_TRIP"
)

//TripQuality is metadata about a completed trip's geometry. No distance
//correction happens here, filtering already happened segment by segment.
type TripQuality struct {
	//OriginalDistance is the raw summed segment distance before filtering
	OriginalDistance      float64         `json:"originalDistance"`
	LinearDistance        float64         `json:"linearDistance"`
	RouteLinearRatio      float64         `json:"routeLinearRatio"`
	OperationAreaDiameter float64         `json:"operationAreaDiameter"`
	GpsNoisePercentage    float64         `json:"gpsNoisePercentage"`
	Flag                  TripQualityFlag `json:"flag"`
}

//AnalyzeTripQuality computes the quality block for a completed trip. The
//distance argument is the final distance reported to consumers, which may be
//the odometer delta rather than the summary's accumulated distance.
func AnalyzeTripQuality(trip *TripSummary, distance float64) TripQuality {
	linear := HaversineMeters(trip.StartLat, trip.StartLon, trip.EndLat, trip.EndLon)

	ratioBase := linear
	if ratioBase < 50 {
		ratioBase = 50
	}
	ratio := distance / ratioBase

	noisePct := 0.0
	if trip.SegmentsTotal > 0 {
		noisePct = 100 * float64(trip.GpsNoiseSegments) / float64(trip.SegmentsTotal)
	}

	flag := QualityValid
	switch {
	case noisePct > 50:
		flag = QualityGpsNoiseFiltered
	case ratio > 5 && trip.MaxDistanceFromOrigin > 300:
		flag = QualityCircularRoute
	case distance < 500 && trip.BBoxDiameter < 200:
		flag = QualityShortTrip
	}

	return TripQuality{
		OriginalDistance:      trip.OriginalDistance,
		LinearDistance:        linear,
		RouteLinearRatio:      ratio,
		OperationAreaDiameter: trip.BBoxDiameter,
		GpsNoisePercentage:    noisePct,
		Flag:                  flag,
	}
}
