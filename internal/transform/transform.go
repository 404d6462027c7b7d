// Package transform implements the power-control transform (spec
// component E): it mutates a clone of a meter snapshot's register image to
// add a compensation set-point across the alive phases, or passes the
// image through unchanged when compensation is not applicable.
package transform

import (
	"math"

	"github.com/devskill-org/grid-shadow-compensator/internal/meter"
	"github.com/devskill-org/grid-shadow-compensator/internal/regcodec"
)

// minImageLen is the register image length the transform guarantees on
// output: enough to hold the total-power words at 362/363, the highest
// registers it touches. Longer inputs keep their length.
const minImageLen = 364

// voltageIdx, currentIdx and powerIdx are the native Acrel addresses for
// phase L1; L2/L3 follow at +1/+2 (voltage, current) or +2/+4 words
// (power, since each power value occupies two words).
const (
	voltageIdxL1 = 97
	currentIdxL1 = 100
	powerIdxL1   = 356
	powerIdxTot  = 362
)

// Config carries the scaling and safety parameters the transform needs.
// Names mirror the spec's configuration keys.
type Config struct {
	ScalePT         float64 // potential-transformer ratio
	ScaleCT         float64 // current-transformer ratio
	MinPowerFactor  float64
	StaleToZeroMs   int64
	PhaseMinVolt    float64
	SafeDivMinVolt  float64
}

// sign convention (spec §9 Open Question 1): per-phase and total power
// registers are incremented by the compensation watts the inverter must
// additionally "see" as load. This is a positive addition to the power
// registers, applied identically to per-phase and total power, because the
// augmented image represents the grid importing more than the physical
// meter measured — exactly the condition the neighbouring inverter's
// import should be compensated for.

// Prepare produces the augmented register image for the given snapshot and
// compensation set-point (kW). now is the monotonic epoch-ms clock used to
// compute snapshot age. The transform is pure: it never mutates the
// snapshot's own image, and when deltaKW <= 0 or non-finite the result is
// byte-identical to the (length-padded) input.
func Prepare(snap meter.Snapshot, deltaKW float64, now int64, cfg Config) []uint16 {
	image := cloneAndPad(snap.Image, minImageLen)

	if math.IsNaN(deltaKW) || math.IsInf(deltaKW, 0) || deltaKW <= 0 {
		return image
	}

	age := now - snap.AcquiredAtMs
	if snap.AcquiredAtMs == 0 {
		age = math.MaxInt64
	}

	voltages := decodeVoltages(image, cfg.ScalePT)

	if age > cfg.StaleToZeroMs || allBelow(voltages, 1.0) {
		safetyZero(image)
		return image
	}

	aliveIdx := make([]int, 0, 3)
	for i, v := range voltages {
		if v >= cfg.PhaseMinVolt {
			aliveIdx = append(aliveIdx, i)
		}
	}

	if len(aliveIdx) == 0 {
		safetyZero(image)
		return image
	}

	pf := clamp(cfg.MinPowerFactor, 0.1, 1.0)
	safeDivMinVolt := cfg.SafeDivMinVolt
	if safeDivMinVolt <= 0 {
		safeDivMinVolt = 100
	}

	wAdd := (deltaKW * 1000.0) / float64(len(aliveIdx))
	var totalWAdd float64

	for _, i := range aliveIdx {
		v := voltages[i]
		current := float64(regcodec.ReadU16(image, currentIdxL1+i, 0)) * 0.01 * cfg.ScaleCT

		denom := v * pf
		if denom < safeDivMinVolt {
			denom = safeDivMinVolt
		}
		deltaI := math.Abs(wAdd) / denom

		newCurrentRaw := math.Round((current + deltaI) / (0.01 * cfg.ScaleCT))
		regcodec.WriteU16(image, currentIdxL1+i, clampU16(newCurrentRaw))

		powerIdx := powerIdxL1 + 2*i
		scale := cfg.ScalePT * cfg.ScaleCT
		if scale == 0 {
			scale = 1
		}
		phasePower := float64(regcodec.ReadI32BE(image, powerIdx, 0)) * scale
		newPowerRaw := math.Round((phasePower + wAdd) / scale)
		regcodec.WriteI32BE(image, powerIdx, int64(newPowerRaw))

		totalWAdd += wAdd
	}

	scale := cfg.ScalePT * cfg.ScaleCT
	if scale == 0 {
		scale = 1
	}
	totalPower := float64(regcodec.ReadI32BE(image, powerIdxTot, 0)) * scale
	newTotalRaw := math.Round((totalPower + totalWAdd) / scale)
	regcodec.WriteI32BE(image, powerIdxTot, int64(newTotalRaw))

	return image
}

// decodeVoltages returns the three phase voltages (V) decoded with the
// given PT scale.
func decodeVoltages(image []uint16, pt float64) [3]float64 {
	var v [3]float64
	for i := 0; i < 3; i++ {
		v[i] = float64(regcodec.ReadU16(image, voltageIdxL1+i, 0)) * 0.1 * pt
	}
	return v
}

func allBelow(v [3]float64, threshold float64) bool {
	for _, x := range v {
		if x >= threshold {
			return false
		}
	}
	return true
}

// safetyZero zeroes the current and power registers per the spec's
// safety-zero rule; voltages and frequency are left untouched.
func safetyZero(image []uint16) {
	for i := 0; i < 3; i++ {
		regcodec.WriteU16(image, currentIdxL1+i, 0)
	}
	regcodec.WriteI32BE(image, powerIdxL1, 0)
	regcodec.WriteI32BE(image, powerIdxL1+2, 0)
	regcodec.WriteI32BE(image, powerIdxL1+4, 0)
	regcodec.WriteI32BE(image, powerIdxTot, 0)
}

func cloneAndPad(src []uint16, minLen int) []uint16 {
	n := len(src)
	if n < minLen {
		n = minLen
	}
	out := make([]uint16, n)
	copy(out, src)
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampU16(v float64) uint16 {
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}
