package detection

import "testing"

func TestPositionSample_IgnitionOn(t *testing.T) {
	on, off := true, false
	tests := []struct {
		name     string
		ignition *bool
		want     bool
	}{
		{name: "unreported reads as off", ignition: nil, want: false},
		{name: "reported on", ignition: &on, want: true},
		{name: "reported off", ignition: &off, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &PositionSample{DeviceId: testDeviceId, Ignition: tt.ignition}
			if got := s.IgnitionOn(); got != tt.want {
				t.Errorf("IgnitionOn() = %t, want %t", got, tt.want)
			}
		})
	}
}
