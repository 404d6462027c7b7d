// Package config loads and validates the process-wide JSON configuration,
// following the same defaults-then-decode/validate idiom the teacher uses
// for its own scheduler configuration. Durations are plain integer
// millisecond or second fields; there is no custom JSON marshaling.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Config holds every recognized option from the meter, inverter, cloud,
// transform and alert subsystems, plus the ambient logging/HTTP knobs.
type Config struct {
	// Meter (RTU master)
	MeterPort                      string        `json:"meter_port"`
	MeterBaudRate                  int           `json:"meter_baud_rate"`
	MeterSlaveID                   int           `json:"meter_slave_id"`
	PollIntervalMs                 int64         `json:"poll_interval_ms"`
	InitialOpenDelayMs             int64         `json:"initial_open_delay_ms"`
	ReopenBackoffMs                int64         `json:"reopen_backoff_ms"`
	WarmupMs                       int64         `json:"warmup_ms"`
	TimeoutsBeforeReopen           int           `json:"timeouts_before_reopen"`
	MeterStaleMs                   int64         `json:"meter_stale_ms"`
	StaleAlertMinPeriodMs          int64         `json:"stale_alert_min_period_ms"`
	MaxWindowErrorsBeforeReopen    int           `json:"max_window_errors_before_reopen"`

	// Inverter (RTU slave)
	InverterPort                 string `json:"inverter_port"`
	InverterBaudRate             int    `json:"inverter_baud_rate"`
	InverterSlaveID              int    `json:"inverter_slave_id"`
	InitRegisters                int    `json:"init_registers"`
	MaxSMAgeForWriteMs           int64  `json:"max_sm_age_for_write_ms"`
	OutStaleMs                   int64  `json:"out_stale_ms"`
	DeferOpenUntilFirstFrame     bool   `json:"defer_open_until_first_frame"`
	RepublishOnStale              bool  `json:"republish_on_stale"`

	// Cloud / compensation
	APIID             string  `json:"api_id"`
	APISecret         string  `json:"api_secret"`
	BaseURI           string  `json:"base_uri"`
	SN                string  `json:"sn"`
	FetchPeriodS      int64   `json:"fetch_period_s"`
	MinImportKW       float64 `json:"min_import_kw"`
	MaxDataAgeMs      int64   `json:"max_data_age_ms"`
	SmoothingFactor   float64 `json:"smoothing_factor"`
	ClampMaxKW        float64 `json:"clamp_max_kw"`
	DeltaMaxKWPerSec  float64 `json:"delta_max_kw_per_sec"`
	OverrideEnabled   bool    `json:"override_enabled"`
	RequestTimeoutMs  int64   `json:"request_timeout_ms"`
	MaxClockSkewMs    int64   `json:"max_clock_skew_ms"`

	// Transform
	ScalePT        float64 `json:"scale_pt"`
	ScaleCT        float64 `json:"scale_ct"`
	MinPowerFactor float64 `json:"min_power_factor"`
	StaleToZeroMs  int64   `json:"stale_to_zero_ms"`
	PhaseMinVolt   float64 `json:"phase_min_volt"`
	SafeDivMinVolt float64 `json:"safe_div_min_volt"`

	// Ambient
	LogLevel        string `json:"log_level"`
	LogFormat       string `json:"log_format"`
	HealthCheckPort int    `json:"health_check_port"`
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		MeterBaudRate:               9600,
		MeterSlaveID:                1,
		PollIntervalMs:              1000,
		InitialOpenDelayMs:          2000,
		ReopenBackoffMs:             5000,
		WarmupMs:                    1500,
		TimeoutsBeforeReopen:        3,
		MeterStaleMs:                10000,
		StaleAlertMinPeriodMs:       60000,
		MaxWindowErrorsBeforeReopen: 2,

		InverterBaudRate:         9600,
		InverterSlaveID:          2,
		InitRegisters:            400,
		MaxSMAgeForWriteMs:       60000,
		OutStaleMs:               30000,
		DeferOpenUntilFirstFrame: true,
		RepublishOnStale:         true,

		FetchPeriodS:     10,
		MinImportKW:      0.2,
		MaxDataAgeMs:     300000,
		SmoothingFactor:  0.8,
		ClampMaxKW:       50,
		DeltaMaxKWPerSec: 2,
		OverrideEnabled:  true,
		RequestTimeoutMs: 6000,
		MaxClockSkewMs:   90000,

		ScalePT:        1,
		ScaleCT:        1,
		MinPowerFactor: 0.95,
		StaleToZeroMs:  300000,
		PhaseMinVolt:   100,
		SafeDivMinVolt: 100,

		LogLevel:        "info",
		LogFormat:       "text",
		HealthCheckPort: 0,
	}
}

// LoadConfig reads and validates a JSON config file.
func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return LoadConfigFromReader(file)
}

// LoadConfigFromReader decodes JSON on top of DefaultConfig and validates it.
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for internally consistent values.
func (c *Config) Validate() error {
	if c.MeterPort == "" {
		return fmt.Errorf("meter_port cannot be empty")
	}
	if c.InverterPort == "" {
		return fmt.Errorf("inverter_port cannot be empty")
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("poll_interval_ms must be greater than 0, got: %d", c.PollIntervalMs)
	}
	if c.TimeoutsBeforeReopen <= 0 {
		return fmt.Errorf("timeouts_before_reopen must be greater than 0, got: %d", c.TimeoutsBeforeReopen)
	}
	if c.MaxWindowErrorsBeforeReopen <= 0 {
		return fmt.Errorf("max_window_errors_before_reopen must be greater than 0, got: %d", c.MaxWindowErrorsBeforeReopen)
	}
	if c.InitRegisters <= 0 {
		return fmt.Errorf("init_registers must be greater than 0, got: %d", c.InitRegisters)
	}
	if c.FetchPeriodS <= 0 {
		return fmt.Errorf("fetch_period_s must be greater than 0, got: %d", c.FetchPeriodS)
	}
	if c.SmoothingFactor < 0 || c.SmoothingFactor > 1 {
		return fmt.Errorf("smoothing_factor must be between 0 and 1, got: %f", c.SmoothingFactor)
	}
	if c.ClampMaxKW < 0 {
		return fmt.Errorf("clamp_max_kw must be non-negative, got: %f", c.ClampMaxKW)
	}
	if c.DeltaMaxKWPerSec < 0 {
		return fmt.Errorf("delta_max_kw_per_sec must be non-negative, got: %f", c.DeltaMaxKWPerSec)
	}
	if c.MinPowerFactor < 0 || c.MinPowerFactor > 1 {
		return fmt.Errorf("min_power_factor must be between 0 and 1, got: %f", c.MinPowerFactor)
	}
	if c.ScalePT <= 0 {
		return fmt.Errorf("scale_pt must be greater than 0, got: %f", c.ScalePT)
	}
	if c.ScaleCT <= 0 {
		return fmt.Errorf("scale_ct must be greater than 0, got: %f", c.ScaleCT)
	}
	if c.HealthCheckPort < 0 || c.HealthCheckPort > 65535 {
		return fmt.Errorf("health_check_port must be between 0 and 65535, got: %d", c.HealthCheckPort)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s, must be one of: debug, info, warn, error", c.LogLevel)
	}
	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log_format: %s, must be one of: text, json", c.LogFormat)
	}

	return nil
}

// String renders the config as indented JSON for logging at startup.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
