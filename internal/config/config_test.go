package config

import (
	"strings"
	"testing"
)

func validJSON() string {
	return `{
		"meter_port": "/dev/ttyUSB0",
		"inverter_port": "/dev/ttyUSB1"
	}`
}

func TestLoadConfigFromReaderAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfigFromReader(strings.NewReader(validJSON()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollIntervalMs != 1000 {
		t.Fatalf("expected default poll_interval_ms 1000, got %d", cfg.PollIntervalMs)
	}
	if cfg.MeterPort != "/dev/ttyUSB0" {
		t.Fatalf("expected overridden meter_port, got %q", cfg.MeterPort)
	}
	if cfg.ClampMaxKW != 50 {
		t.Fatalf("expected default clamp_max_kw 50, got %f", cfg.ClampMaxKW)
	}
}

func TestValidateRejectsMissingPorts(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing ports")
	}
}

func TestValidateRejectsBadSmoothingFactor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MeterPort = "/dev/ttyUSB0"
	cfg.InverterPort = "/dev/ttyUSB1"
	cfg.SmoothingFactor = 1.5

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range smoothing_factor")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MeterPort = "/dev/ttyUSB0"
	cfg.InverterPort = "/dev/ttyUSB1"
	cfg.LogLevel = "verbose"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown log_level")
	}
}
