package detection

import (
	"math/rand"
	"testing"
)

//makeParkedTripContext builds a trip context that has never left its origin,
//the shape the noise gate is designed to catch
func makeParkedTripContext(lat, lon float64, positions int) *TripContext {
	tc := &TripContext{
		StartTime: 0,
		StartLat:  lat,
		StartLon:  lon,
	}
	for i := 0; i < positions; i++ {
		updateTripContext(tc, makeTestSample(int64(i)*5000, lat, lon, 0, true))
	}
	return tc
}

//makeProvenTripContext builds a trip context that has moved far enough from
//its origin to bypass noise filtering
func makeProvenTripContext(lat, lon float64) *TripContext {
	tc := &TripContext{
		StartTime: 0,
		StartLat:  lat,
		StartLon:  lon,
	}
	updateTripContext(tc, makeTestSample(0, lat, lon, 30, true))
	//about 556m north of the origin
	updateTripContext(tc, makeTestSample(60000, lat+0.005, lon, 30, true))
	return tc
}

func TestValidateSegment(t *testing.T) {
	type args struct {
		prev    *PositionSample
		cur     *PositionSample
		tripCtx *TripContext
	}
	type want struct {
		isValid bool
		zeroed  bool
		reason  SegmentAnomalyReason
	}
	tests := []struct {
		name string
		args args
		want want
	}{
		{
			name: "out of order samples are rejected",
			args: args{
				prev: makeTestSample(10000, 10.0, 20.0, 30, true),
				cur:  makeTestSample(5000, 10.001, 20.0, 30, true),
			},
			want: want{isValid: false, zeroed: true, reason: AnomalyInvalidTime},
		},
		{
			name: "simultaneous samples are rejected",
			args: args{
				prev: makeTestSample(10000, 10.0, 20.0, 30, true),
				cur:  makeTestSample(10000, 10.001, 20.0, 30, true),
			},
			want: want{isValid: false, zeroed: true, reason: AnomalyInvalidTime},
		},
		{
			name: "a degree of latitude in five seconds is impossible",
			args: args{
				prev: makeTestSample(0, 10.0, 20.0, 30, true),
				cur:  makeTestSample(5000, 11.0, 20.0, 30, true),
			},
			want: want{isValid: false, zeroed: true, reason: AnomalyImpossibleSpeed},
		},
		{
			name: "small wobble inside a parked trip is zeroed as noise",
			args: args{
				prev:    makeTestSample(0, 10.0, 20.0, 0, true),
				cur:     makeTestSample(5000, 10.0001, 20.0, 1, true),
				tripCtx: makeParkedTripContext(10.0, 20.0, 5),
			},
			want: want{isValid: true, zeroed: true, reason: AnomalyGpsNoise},
		},
		{
			name: "proven motion bypasses the noise gate",
			args: args{
				prev:    makeTestSample(0, 10.005, 20.0, 0, true),
				cur:     makeTestSample(5000, 10.0051, 20.0, 1, true),
				tripCtx: makeProvenTripContext(10.0, 20.0),
			},
			want: want{isValid: true, zeroed: false},
		},
		{
			name: "fast segment inside a young trip counts in full",
			args: args{
				prev:    makeTestSample(0, 10.0, 20.0, 40, true),
				cur:     makeTestSample(5000, 10.0005, 20.0, 40, true),
				tripCtx: makeParkedTripContext(10.0, 20.0, 5),
			},
			want: want{isValid: true, zeroed: false},
		},
		{
			name: "zero speed jitter outside a trip is zeroed",
			args: args{
				prev: makeTestSample(0, 10.0, 20.0, 0, true),
				cur:  makeTestSample(5000, 10.00002, 20.0, 0, true),
			},
			want: want{isValid: true, zeroed: true, reason: AnomalyJitter},
		},
		{
			name: "real movement outside a trip counts in full",
			args: args{
				prev: makeTestSample(0, 10.0, 20.0, 20, true),
				cur:  makeTestSample(5000, 10.0003, 20.0, 20, true),
			},
			want: want{isValid: true, zeroed: false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := validateSegment(tt.args.prev, tt.args.cur, tt.args.tripCtx)

			if got.isValid != tt.want.isValid {
				t.Errorf("validateSegment() isValid = %v, want %v", got.isValid, tt.want.isValid)
			}
			if tt.want.reason != "" && got.reason != tt.want.reason {
				t.Errorf("validateSegment() reason = %v, want %v", got.reason, tt.want.reason)
			}

			//adjusted is always zero or the original, never in between
			if got.adjustedDistance != 0 && got.adjustedDistance != got.originalDistance {
				t.Errorf("validateSegment() adjustedDistance = %v, must be 0 or originalDistance %v",
					got.adjustedDistance, got.originalDistance)
			}
			if got.adjustedDistance > got.originalDistance {
				t.Errorf("validateSegment() adjustedDistance %v exceeds originalDistance %v",
					got.adjustedDistance, got.originalDistance)
			}
			if tt.want.zeroed && got.adjustedDistance != 0 {
				t.Errorf("validateSegment() adjustedDistance = %v, want 0", got.adjustedDistance)
			}
			if !tt.want.zeroed && got.adjustedDistance != got.originalDistance {
				t.Errorf("validateSegment() adjustedDistance = %v, want full %v",
					got.adjustedDistance, got.originalDistance)
			}
		})
	}
}

func TestValidateSegment_RandomizedInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 2000; i++ {
		prevTs := rng.Int63n(1000000)
		//skewed so out-of-order and simultaneous pairs show up too
		curTs := prevTs + rng.Int63n(20000) - 2000
		prevLat := -30.0 + rng.Float64()
		prevLon := -64.0 + rng.Float64()
		curLat := prevLat + (rng.Float64()-0.5)*0.02
		curLon := prevLon + (rng.Float64()-0.5)*0.02

		prev := makeTestSample(prevTs, prevLat, prevLon, rng.Float64()*100, true)
		cur := makeTestSample(curTs, curLat, curLon, rng.Float64()*100, true)
		var tripCtx *TripContext
		if rng.Intn(2) == 0 {
			tripCtx = makeParkedTripContext(prevLat, prevLon, rng.Intn(10)+1)
		}

		got := validateSegment(prev, cur, tripCtx)

		if got.adjustedDistance != 0 && got.adjustedDistance != got.originalDistance {
			t.Fatalf("case %d: adjustedDistance = %v, must be 0 or originalDistance %v",
				i, got.adjustedDistance, got.originalDistance)
		}
		if got.adjustedDistance > got.originalDistance {
			t.Fatalf("case %d: adjustedDistance %v exceeds originalDistance %v",
				i, got.adjustedDistance, got.originalDistance)
		}
		if !got.isValid && got.adjustedDistance != 0 {
			t.Fatalf("case %d: rejected segment still carries distance %v", i, got.adjustedDistance)
		}
		if curTs <= prevTs && got.isValid {
			t.Fatalf("case %d: non-advancing time was accepted", i)
		}
	}
}

func TestUpdateTripContext(t *testing.T) {
	tc := &TripContext{StartLat: 10.0, StartLon: 20.0}

	updateTripContext(tc, makeTestSample(0, 10.0, 20.0, 10, true))
	updateTripContext(tc, makeTestSample(5000, 10.001, 20.0, 20, true))
	updateTripContext(tc, makeTestSample(10000, 10.0005, 20.0, 30, true))

	if tc.PositionCount != 3 {
		t.Errorf("PositionCount = %d, want 3", tc.PositionCount)
	}
	if tc.SpeedSum != 60 {
		t.Errorf("SpeedSum = %f, want 60", tc.SpeedSum)
	}

	wantOrigin := HaversineMeters(10.0, 20.0, 10.001, 20.0)
	if tc.MaxDistanceFromOrigin != wantOrigin {
		t.Errorf("MaxDistanceFromOrigin = %f, want %f", tc.MaxDistanceFromOrigin, wantOrigin)
	}

	//the closer third sample must not shrink the box
	bbox := tc.bbox()
	if bbox.maxLat != 10.001 || bbox.minLat != 10.0 {
		t.Errorf("bbox latitudes = [%f, %f], want [10.0, 10.001]", bbox.minLat, bbox.maxLat)
	}
}
