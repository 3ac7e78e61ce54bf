package detection

//shared fixture helpers for the detection tests

const testDeviceId = "veh-1"

//latStep is close to 55.66 meters of northward travel
const latStep = 0.0005

func makeTestSample(ts int64, lat, lon, speed float64, ignition bool) *PositionSample {
	ign := ignition
	return &PositionSample{
		DeviceId:  testDeviceId,
		Timestamp: ts,
		Lat:       lat,
		Lon:       lon,
		Speed:     speed,
		Ignition:  &ign,
	}
}

//runSamples feeds every sample through the machine in order and collects the
//produced actions
func runSamples(m *StateMachine, ds *DeviceState, samples []*PositionSample) []Action {
	var actions []Action
	for _, s := range samples {
		actions = append(actions, m.ProcessSample(ds, s)...)
	}
	return actions
}

//actionsOfType filters actions down to one type
func actionsOfType(actions []Action, actionType ActionType) []Action {
	var results []Action
	for _, a := range actions {
		if a.Type == actionType {
			results = append(results, a)
		}
	}
	return results
}

//actionTypes projects actions onto their type tags for order assertions
func actionTypes(actions []Action) []ActionType {
	types := make([]ActionType, 0, len(actions))
	for _, a := range actions {
		types = append(types, a.Type)
	}
	return types
}

//drivingSamples produces a straight northward drive: one sample every
//stepMs starting at startTs, speed kmh, latitude advancing latStep per
//sample from startLat
func drivingSamples(startTs int64, count int, stepMs int64, startLat, lon, kmh float64) []*PositionSample {
	samples := make([]*PositionSample, 0, count)
	for i := 0; i < count; i++ {
		samples = append(samples,
			makeTestSample(startTs+int64(i)*stepMs, startLat+float64(i)*latStep, lon, kmh, true))
	}
	return samples
}
