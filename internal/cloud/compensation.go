package cloud

import "math"

// Reading is one cloud poll's decoded response fields (spec §4.D/§6).
type Reading struct {
	PsumKW          float64
	HasState        bool
	State           int // 1=online, 2=offline, 3=alarm
	HasWarningInfo  bool
	WarningInfo     int // nonzero = alarm

	PAC             *float64 // W
	DCPac           *float64
	DCPacStr        string // "W" or "kW"
	FamilyLoadPower *float64
	TotalLoadPower  *float64
	PowTotal        *float64
	Pow             []float64 // pow1..pow32
	DCACPower       *float64 // W
}

// setPointConfig carries the knobs the set-point algorithm needs.
type setPointConfig struct {
	MinImportKW      float64
	ClampMaxKW       float64
	SmoothingFactor  float64
	DeltaMaxKWPerSec float64
	FetchPeriodS     int64
}

// setPointState is the poller's running state carried between cycles.
type setPointState struct {
	ema   float64
	delta float64
}

// stepSetPoint runs one cycle of the spec's seven-step set-point algorithm
// and returns the new delta (kW) and whether the reading is in alarm.
func stepSetPoint(r Reading, cfg setPointConfig, st setPointState) (newState setPointState, deltaKW float64, alarm bool) {
	if (r.HasState && r.State != 1) || (r.HasWarningInfo && r.WarningInfo != 0) {
		return setPointState{ema: st.ema, delta: 0}, 0, true
	}

	importKW := math.Max(0, -r.PsumKW)

	target := 0.0
	if importKW > cfg.MinImportKW {
		target = importKW
	}

	if target > cfg.ClampMaxKW {
		target = cfg.ClampMaxKW
	}

	ema := target
	if cfg.SmoothingFactor > 0 && cfg.SmoothingFactor < 1 {
		ema = cfg.SmoothingFactor*target + (1-cfg.SmoothingFactor)*st.ema
	}

	step := cfg.DeltaMaxKWPerSec * float64(cfg.FetchPeriodS)
	delta := st.delta + clamp(ema-st.delta, -step, step)
	delta = clamp(delta, 0, cfg.ClampMaxKW)

	return setPointState{ema: ema, delta: delta}, delta, false
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

// resolvePVKW implements the spec's PV-power resolution order: first
// candidate whose magnitude exceeds 0.05 kW wins; failing that, the first
// non-null candidate.
func resolvePVKW(r Reading) (float64, bool) {
	type candidate struct {
		v    float64
		have bool
	}

	var candidates []candidate
	if r.PAC != nil {
		candidates = append(candidates, candidate{*r.PAC / 1000.0, true})
	}
	if r.DCPac != nil {
		v := *r.DCPac
		if r.DCPacStr == "kW" {
			candidates = append(candidates, candidate{v, true})
		} else {
			candidates = append(candidates, candidate{v / 1000.0, true})
		}
	}
	if r.PowTotal != nil {
		candidates = append(candidates, candidate{*r.PowTotal / 1000.0, true})
	} else if len(r.Pow) > 0 {
		sum := 0.0
		for _, p := range r.Pow {
			sum += p
		}
		candidates = append(candidates, candidate{sum / 1000.0, true})
	}
	if r.DCACPower != nil {
		candidates = append(candidates, candidate{*r.DCACPower / 1000.0, true})
	}

	for _, c := range candidates {
		if math.Abs(c.v) > 0.05 {
			return c.v, true
		}
	}
	if len(candidates) > 0 {
		return candidates[0].v, true
	}
	return 0, false
}

// resolveLoadKW implements the spec's site-load resolution order, given the
// computed power balance pv + import - export.
func resolveLoadKW(r Reading, balance float64) float64 {
	tolerance := math.Max(0.6, math.Abs(balance)*0.35)

	if r.FamilyLoadPower != nil && math.Abs(*r.FamilyLoadPower-balance) <= tolerance {
		return *r.FamilyLoadPower
	}
	if r.TotalLoadPower != nil && math.Abs(*r.TotalLoadPower-balance) <= tolerance {
		return *r.TotalLoadPower
	}
	return balance
}
