package device

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusDiscovering, StatusOnline, true},
		{StatusDiscovering, StatusOffline, true},
		{StatusDiscovering, StatusDegraded, false},
		{StatusOnline, StatusDegraded, true},
		{StatusOnline, StatusOffline, true},
		{StatusOnline, StatusDiscovering, false},
		{StatusDegraded, StatusOnline, true},
		{StatusDegraded, StatusOffline, true},
		{StatusOffline, StatusOnline, true},
		{StatusOffline, StatusDegraded, false},
		{StatusDiscovering, StatusError, true},
		{StatusOnline, StatusError, true},
		{StatusDegraded, StatusError, true},
		{StatusOffline, StatusError, true},
		{StatusError, StatusOnline, false},
		{StatusError, StatusOffline, false},
		{StatusError, StatusDiscovering, false},
		{StatusError, StatusError, true},
		{StatusOnline, StatusOnline, true},
		{Status("bogus"), StatusOnline, false},
		{StatusOnline, Status("bogus"), false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range AllStatuses() {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Status("borked").Valid() {
		t.Error("unknown status should be invalid")
	}
}

func TestGenerateSlug(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Zone A Climate Sensor", "zone-a-climate-sensor"},
		{"Row_3  Dosing Pump!", "row-3-dosing-pump"},
		{"--Weird--Name--", "weird-name"},
		{"CO2 Sensor #4", "co2-sensor-4"},
	}

	for _, tt := range tests {
		if got := GenerateSlug(tt.name); got != tt.want {
			t.Errorf("GenerateSlug(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
