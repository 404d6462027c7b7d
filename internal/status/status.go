// Package status implements the status assembler (spec component H): a pure
// read-side aggregator that snapshots the meter, feeder, cloud and alert
// state into one flat record for external consumers (UI, health).
package status

import (
	"fmt"
	"time"

	"github.com/devskill-org/grid-shadow-compensator/internal/alert"
	"github.com/devskill-org/grid-shadow-compensator/internal/cloud"
	"github.com/devskill-org/grid-shadow-compensator/internal/meter"
	"github.com/devskill-org/grid-shadow-compensator/internal/regcodec"
)

// MeterSource is the slice of *meter.Reader this package depends on.
type MeterSource interface {
	LatestSnapshot() meter.Snapshot
}

// FeederSource is the slice of *feeder.Feeder this package depends on.
type FeederSource interface {
	LastOutputImage() []uint16
	LastWriteAtMs() int64
}

// CloudSource is the slice of *cloud.Poller this package depends on.
type CloudSource interface {
	Status() cloud.Status
}

// upThresholdMs is the spec's health threshold: the system is "UP" only
// while the meter snapshot is fresher than this and the cloud state is
// ONLINE.
const upThresholdMs = 30000

// Native Acrel register addresses (spec §6); mirrored by the feeder's output
// bank so the same offsets decode both sides.
const (
	voltIdxL1  = 97
	currIdxL1  = 100
	powerIdxL1 = 356
	powerIdxTotal = 362
)

// Config carries the transformer-ratio scaling used to decode raw registers
// into engineering units, mirroring internal/transform.Config.
type Config struct {
	ScalePT float64
	ScaleCT float64
}

// Record is the flat, JSON-friendly snapshot returned to UI/health
// consumers.
type Record struct {
	GeneratedAtMs int64 `json:"generated_at_ms"`

	MeterVoltsL1 float64 `json:"meter_volts_l1"`
	MeterVoltsL2 float64 `json:"meter_volts_l2"`
	MeterVoltsL3 float64 `json:"meter_volts_l3"`
	MeterAmpsL1  float64 `json:"meter_amps_l1"`
	MeterAmpsL2  float64 `json:"meter_amps_l2"`
	MeterAmpsL3  float64 `json:"meter_amps_l3"`
	MeterPowerL1 float64 `json:"meter_power_l1_w"`
	MeterPowerL2 float64 `json:"meter_power_l2_w"`
	MeterPowerL3 float64 `json:"meter_power_l3_w"`
	MeterPowerTotalW float64 `json:"meter_power_total_w"`
	MeterSnapshotAgeMs    int64  `json:"meter_snapshot_age_ms"`
	MeterSnapshotAgeHuman string `json:"meter_snapshot_age_human"`

	OutputAmpsL1      float64 `json:"output_amps_l1"`
	OutputAmpsL2      float64 `json:"output_amps_l2"`
	OutputAmpsL3      float64 `json:"output_amps_l3"`
	OutputPowerTotalW float64 `json:"output_power_total_w"`
	OutputAgeMs       int64   `json:"output_age_ms"`
	OutputAgeHuman    string  `json:"output_age_human"`

	CompensationDeltaKW float64 `json:"compensation_delta_kw"`
	CompensationActive  bool    `json:"compensation_active"`
	PsumKW              float64 `json:"psum_kw"`
	MinImportKW         float64 `json:"min_import_kw"`
	GridImportKW        float64 `json:"grid_import_kw"`
	PVPowerKW           float64 `json:"pv_power_kw"`
	LoadPowerKW         float64 `json:"load_power_kw"`
	CloudState          string  `json:"cloud_state"`
	AlarmActive         bool    `json:"alarm_active"`

	ActiveAlertKeys []string `json:"active_alert_keys"`

	SystemUp bool `json:"system_up"`
}

// Assembler holds read-only references to the components it summarizes. It
// never mutates their state.
type Assembler struct {
	cfg    Config
	meter  MeterSource
	feeder FeederSource
	cloud  CloudSource
	alerts *alert.Engine
	nowMs  func() int64
}

// New builds a status Assembler over the given components.
func New(cfg Config, meterReader MeterSource, f FeederSource, cloudPoller CloudSource, alerts *alert.Engine) *Assembler {
	return &Assembler{
		cfg:    cfg,
		meter:  meterReader,
		feeder: f,
		cloud:  cloudPoller,
		alerts: alerts,
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

// Snapshot assembles the current status record.
func (a *Assembler) Snapshot() Record {
	now := a.nowMs()
	snap := a.meter.LatestSnapshot()
	outImage := a.feeder.LastOutputImage()
	outWriteAt := a.feeder.LastWriteAtMs()
	cs := a.cloud.Status()

	meterAgeMs := snap.Age(now)
	outAgeMs := int64(1<<62 - 1)
	if outWriteAt != 0 {
		outAgeMs = now - outWriteAt
	}

	gridImportKW := cs.PsumKW
	if gridImportKW > 0 {
		gridImportKW = 0
	}
	gridImportKW = -gridImportKW

	r := Record{
		GeneratedAtMs: now,

		MeterVoltsL1: decodeVolt(snap.Image, voltIdxL1+0, a.cfg.ScalePT),
		MeterVoltsL2: decodeVolt(snap.Image, voltIdxL1+1, a.cfg.ScalePT),
		MeterVoltsL3: decodeVolt(snap.Image, voltIdxL1+2, a.cfg.ScalePT),
		MeterAmpsL1:  decodeAmp(snap.Image, currIdxL1+0, a.cfg.ScaleCT),
		MeterAmpsL2:  decodeAmp(snap.Image, currIdxL1+1, a.cfg.ScaleCT),
		MeterAmpsL3:  decodeAmp(snap.Image, currIdxL1+2, a.cfg.ScaleCT),
		MeterPowerL1: decodePower(snap.Image, powerIdxL1+0, a.cfg.ScalePT, a.cfg.ScaleCT),
		MeterPowerL2: decodePower(snap.Image, powerIdxL1+2, a.cfg.ScalePT, a.cfg.ScaleCT),
		MeterPowerL3: decodePower(snap.Image, powerIdxL1+4, a.cfg.ScalePT, a.cfg.ScaleCT),
		MeterPowerTotalW: decodePower(snap.Image, powerIdxTotal, a.cfg.ScalePT, a.cfg.ScaleCT),
		MeterSnapshotAgeMs:    meterAgeMs,
		MeterSnapshotAgeHuman: humanAge(meterAgeMs),

		OutputAmpsL1:      decodeAmp(outImage, currIdxL1+0, a.cfg.ScaleCT),
		OutputAmpsL2:      decodeAmp(outImage, currIdxL1+1, a.cfg.ScaleCT),
		OutputAmpsL3:      decodeAmp(outImage, currIdxL1+2, a.cfg.ScaleCT),
		OutputPowerTotalW: decodePower(outImage, powerIdxTotal, a.cfg.ScalePT, a.cfg.ScaleCT),
		OutputAgeMs:       outAgeMs,
		OutputAgeHuman:    humanAge(outAgeMs),

		CompensationDeltaKW: cs.DeltaKW,
		CompensationActive:  cs.DeltaKW > 0,
		PsumKW:              cs.PsumKW,
		MinImportKW:         cs.MinImportKW,
		GridImportKW:        gridImportKW,
		PVPowerKW:           cs.PVKW,
		LoadPowerKW:         cs.LoadKW,
		CloudState:          cs.State.String(),
		AlarmActive:         cs.State == cloud.StateAlarm,
	}

	for _, active := range a.alerts.Snapshot().Active {
		r.ActiveAlertKeys = append(r.ActiveAlertKeys, active.Key)
	}

	r.SystemUp = r.CloudState == "ONLINE" && meterAgeMs >= 0 && meterAgeMs < upThresholdMs
	return r
}

func decodeVolt(image []uint16, idx int, pt float64) float64 {
	return float64(regcodec.ReadU16(image, idx, 0)) * 0.1 * pt
}

func decodeAmp(image []uint16, idx int, ct float64) float64 {
	return float64(regcodec.ReadU16(image, idx, 0)) * 0.01 * ct
}

func decodePower(image []uint16, mswIdx int, pt, ct float64) float64 {
	return float64(regcodec.ReadI32BE(image, mswIdx, 0)) * pt * ct
}

// humanAge renders a millisecond age as a short human-readable duration, or
// "never" for the sentinel "unacquired" age.
func humanAge(ms int64) string {
	if ms < 0 || ms >= 1<<61 {
		return "never"
	}
	d := time.Duration(ms) * time.Millisecond
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}
