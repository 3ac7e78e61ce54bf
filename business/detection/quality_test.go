package detection

import (
	"testing"
)

func TestAnalyzeTripQuality(t *testing.T) {
	tests := []struct {
		name     string
		trip     *TripSummary
		distance float64
		wantFlag TripQualityFlag
	}{
		{
			name: "ordinary commute is valid",
			trip: &TripSummary{
				StartLat: 10.0, StartLon: 20.0,
				EndLat: 10.05, EndLon: 20.0,
				MaxDistanceFromOrigin: 5600,
				BBoxDiameter:          5600,
				SegmentsTotal:         100,
				GpsNoiseSegments:      2,
				OriginalDistance:      6100,
			},
			distance: 6000,
			wantFlag: QualityValid,
		},
		{
			name: "mostly noise segments",
			trip: &TripSummary{
				StartLat: 10.0, StartLon: 20.0,
				EndLat: 10.001, EndLon: 20.0,
				MaxDistanceFromOrigin: 120,
				BBoxDiameter:          130,
				SegmentsTotal:         40,
				GpsNoiseSegments:      25,
				OriginalDistance:      900,
			},
			distance: 150,
			wantFlag: QualityGpsNoiseFiltered,
		},
		{
			name: "long loop back to the depot",
			trip: &TripSummary{
				StartLat: 10.0, StartLon: 20.0,
				EndLat: 10.0001, EndLon: 20.0,
				MaxDistanceFromOrigin: 4000,
				BBoxDiameter:          8000,
				SegmentsTotal:         200,
				GpsNoiseSegments:      0,
				OriginalDistance:      15000,
			},
			distance: 15000,
			wantFlag: QualityCircularRoute,
		},
		{
			name: "short hop inside a yard",
			trip: &TripSummary{
				StartLat: 10.0, StartLon: 20.0,
				EndLat: 10.0012, EndLon: 20.0,
				MaxDistanceFromOrigin: 140,
				BBoxDiameter:          150,
				SegmentsTotal:         20,
				GpsNoiseSegments:      1,
				OriginalDistance:      220,
			},
			distance: 210,
			wantFlag: QualityShortTrip,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AnalyzeTripQuality(tt.trip, tt.distance)

			if got.Flag != tt.wantFlag {
				t.Errorf("AnalyzeTripQuality() flag = %s, want %s", got.Flag, tt.wantFlag)
			}
			if got.LinearDistance != HaversineMeters(tt.trip.StartLat, tt.trip.StartLon, tt.trip.EndLat, tt.trip.EndLon) {
				t.Errorf("LinearDistance = %f does not match the endpoint separation", got.LinearDistance)
			}
			if got.OriginalDistance != tt.trip.OriginalDistance {
				t.Errorf("OriginalDistance = %f, want %f", got.OriginalDistance, tt.trip.OriginalDistance)
			}
		})
	}
}

func TestAnalyzeTripQuality_RatioFloor(t *testing.T) {
	//endpoints 11 meters apart: the ratio divides by the 50 meter floor, not
	//by the tiny linear distance
	trip := &TripSummary{
		StartLat: 10.0, StartLon: 20.0,
		EndLat: 10.0001, EndLon: 20.0,
		SegmentsTotal: 10,
	}
	got := AnalyzeTripQuality(trip, 200)
	if got.RouteLinearRatio != 200.0/50.0 {
		t.Errorf("RouteLinearRatio = %f, want %f", got.RouteLinearRatio, 200.0/50.0)
	}
}

func TestAnalyzeTripQuality_NoisePercentage(t *testing.T) {
	trip := &TripSummary{
		StartLat: 10.0, StartLon: 20.0,
		EndLat: 10.05, EndLon: 20.0,
		MaxDistanceFromOrigin: 5600,
		BBoxDiameter:          5600,
		SegmentsTotal:         8,
		GpsNoiseSegments:      2,
	}
	got := AnalyzeTripQuality(trip, 6000)
	if got.GpsNoisePercentage != 25 {
		t.Errorf("GpsNoisePercentage = %f, want 25", got.GpsNoisePercentage)
	}
}
