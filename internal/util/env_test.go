package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"true", false, true},
		{" YES ", false, true},
		{"on", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("CHECKIN_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("CHECKIN_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Hour},
		{"3h", 3 * time.Hour},
		{" 90m ", 90 * time.Minute},
		{"soon", time.Hour},
		{"-5m", time.Hour},
		{"0s", time.Hour},
	}
	for _, tt := range tests {
		t.Setenv("CHECKIN_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("CHECKIN_TEST_DURATION", time.Hour); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
