package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/devskill-org/grid-shadow-compensator/internal/alert"
)

// Alert keys raised by the cloud poller (spec §7).
const (
	AlertSolisDown       = "SOLIS_DOWN"
	AlertSolisAuth       = "SOLIS_AUTH"
	AlertSolisRateLimit  = "SOLIS_RATE_LIMIT"
	AlertSolisClockSkew  = "SOLIS_CLOCK_SKEW"
	AlertSolisStale      = "SOLIS_STALE"
	AlertSolisAlarm      = "SOLIS_ALARM"
)

// retryDelays is the fixed attempt sequence the spec mandates, before
// jitter. A zero-length first delay means the first attempt fires at once.
var retryDelays = []time.Duration{0, 500 * time.Millisecond, 1000 * time.Millisecond}

// State summarizes the poller's cloud-connectivity state for the status
// assembler.
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
	StateAlarm
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "ONLINE"
	case StateOffline:
		return "OFFLINE"
	case StateAlarm:
		return "ALARM"
	default:
		return "-"
	}
}

// Config carries the cloud poller's tunables; names mirror spec.md §6.
type Config struct {
	APIID            string
	APISecret        string
	BaseURI          string
	SN               string
	FetchPeriodS     int64
	MinImportKW      float64
	MaxDataAgeMs     int64
	SmoothingFactor  float64
	ClampMaxKW       float64
	DeltaMaxKWPerSec float64
	OverrideEnabled  bool
	RequestTimeoutMs int64
	MaxClockSkewMs   int64
}

// Poller owns the HTTP connection to the cloud inverter-detail API and
// computes the compensation set-point from the most recent reading.
type Poller struct {
	cfg        Config
	alerts     *alert.Engine
	httpClient *http.Client
	nowFn      func() time.Time
	jitter     func(time.Duration) time.Duration

	mu           sync.RWMutex
	state        setPointState
	deltaKW      float64
	lastUpdateMs int64
	cloudState   State
	lastReading  Reading
	havePV       bool
	pvKW         float64
	loadKW       float64
}

// NewPoller creates a cloud poller in the unknown/stale state.
func NewPoller(cfg Config, alerts *alert.Engine) *Poller {
	timeout := time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	return &Poller{
		cfg:        cfg,
		alerts:     alerts,
		httpClient: &http.Client{Timeout: timeout},
		nowFn:      time.Now,
		jitter: func(base time.Duration) time.Duration {
			jitterMs := rand.Intn(200) - 100 // +-100ms
			return base + time.Duration(jitterMs)*time.Millisecond
		},
		cloudState: StateUnknown,
	}
}

// CurrentDeltaKW returns the safety-gated compensation set-point: zero when
// the override is disabled or the last successful reading is stale.
func (p *Poller) CurrentDeltaKW() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.cfg.OverrideEnabled {
		return 0
	}
	if p.lastUpdateMs != 0 && p.nowFn().UnixMilli()-p.lastUpdateMs > p.cfg.MaxDataAgeMs {
		return 0
	}
	return p.deltaKW
}

// State returns the poller's current cloud-connectivity classification.
func (p *Poller) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cloudState
}

// Status is a point-in-time copy of everything the status assembler needs
// from the last cloud poll.
type Status struct {
	State        State
	PsumKW       float64
	MinImportKW  float64
	PVKW         float64
	HavePV       bool
	LoadKW       float64
	LastUpdateMs int64
	DeltaKW      float64
}

// Status returns a snapshot of the poller's last-seen cloud fields.
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Status{
		State:        p.cloudState,
		PsumKW:       p.lastReading.PsumKW,
		MinImportKW:  p.cfg.MinImportKW,
		PVKW:         p.pvKW,
		HavePV:       p.havePV,
		LoadKW:       p.loadKW,
		LastUpdateMs: p.lastUpdateMs,
		DeltaKW:      p.deltaKW,
	}
}

// Poll runs one cloud-poll cycle: sign and POST the inverterDetail request
// with bounded retries, run the set-point algorithm on success, and handle
// staleness on failure.
func (p *Poller) Poll(ctx context.Context) {
	reading, err := p.fetchWithRetry(ctx)
	now := p.nowFn()

	if err != nil {
		p.handleFailure(now)
		return
	}

	p.mu.Lock()
	newState, delta, alarm := stepSetPoint(reading, setPointConfig{
		MinImportKW:      p.cfg.MinImportKW,
		ClampMaxKW:       p.cfg.ClampMaxKW,
		SmoothingFactor:  p.cfg.SmoothingFactor,
		DeltaMaxKWPerSec: p.cfg.DeltaMaxKWPerSec,
		FetchPeriodS:     p.cfg.FetchPeriodS,
	}, p.state)

	p.state = newState
	p.deltaKW = delta
	p.lastUpdateMs = now.UnixMilli()
	p.lastReading = reading

	importKW := -reading.PsumKW
	if pv, ok := resolvePVKW(reading); ok {
		p.havePV = true
		p.pvKW = pv
		p.loadKW = resolveLoadKW(reading, pv+importKW)
	}

	switch {
	case reading.HasWarningInfo && reading.WarningInfo != 0:
		p.cloudState = StateAlarm
	case reading.HasState && reading.State == 3:
		p.cloudState = StateAlarm
	case reading.HasState && reading.State == 2:
		p.cloudState = StateOffline
	default:
		p.cloudState = StateOnline
	}
	p.mu.Unlock()

	if alarm {
		p.alerts.Raise(AlertSolisAlarm, "cloud reading reports alarm/offline state", alert.Warn)
	} else {
		p.alerts.Resolve(AlertSolisAlarm)
	}
	p.alerts.Resolve(AlertSolisStale)
	p.alerts.Resolve(AlertSolisDown)
}

// handleFailure applies the staleness rule on a failed poll cycle.
func (p *Poller) handleFailure(now time.Time) {
	p.mu.Lock()
	age := now.UnixMilli() - p.lastUpdateMs
	stale := p.lastUpdateMs != 0 && age > p.cfg.MaxDataAgeMs && p.deltaKW != 0
	if p.lastUpdateMs != 0 && age > p.cfg.MaxDataAgeMs {
		p.deltaKW = 0
		p.cloudState = StateOffline
	}
	p.mu.Unlock()

	if stale {
		p.alerts.Raise(AlertSolisStale, "no fresh cloud reading within max_data_age_ms", alert.Warn)
	}
}

// fetchWithRetry runs the spec's retry sequence: [0, 500ms, 1000ms] plus
// jitter, retrying on 429/5xx/IO errors, never on other 4xx or code!="0".
func (p *Poller) fetchWithRetry(ctx context.Context) (Reading, error) {
	var lastErr error

	for i, delay := range retryDelays {
		if i > 0 {
			select {
			case <-time.After(p.jitter(delay)):
			case <-ctx.Done():
				return Reading{}, ctx.Err()
			}
		}

		reading, retryable, err := p.fetchOnce(ctx)
		if err == nil {
			return reading, nil
		}
		lastErr = err
		if !retryable {
			return Reading{}, err
		}
	}

	return Reading{}, lastErr
}

// fetchOnce performs one signed POST and classifies the outcome.
func (p *Poller) fetchOnce(ctx context.Context) (reading Reading, retryable bool, err error) {
	const path = "/v1/api/inverterDetail"

	body, err := json.Marshal(map[string]string{"sn": p.cfg.SN})
	if err != nil {
		return Reading{}, false, fmt.Errorf("marshal request body: %w", err)
	}

	now := p.nowFn()
	headers := sign(p.cfg.APIID, p.cfg.APISecret, path, body, now)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURI+path, bytes.NewReader(body))
	if err != nil {
		return Reading{}, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-MD5", headers.ContentMD5)
	req.Header.Set("Date", headers.Date)
	req.Header.Set("Content-Type", headers.ContentType)
	req.Header.Set("Authorization", headers.Authorization)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.alerts.Raise(AlertSolisDown, fmt.Sprintf("request failed: %v", err), alert.Warn)
		return Reading{}, true, err
	}
	defer resp.Body.Close()

	p.checkClockSkew(resp.Header.Get("Date"), now)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		err := fmt.Errorf("cloud auth rejected: %d", resp.StatusCode)
		p.alerts.Raise(AlertSolisAuth, err.Error(), alert.Error)
		return Reading{}, false, err
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("cloud rate limited: %d", resp.StatusCode)
		p.alerts.Raise(AlertSolisRateLimit, err.Error(), alert.Warn)
		return Reading{}, true, err
	case resp.StatusCode >= 500:
		err := fmt.Errorf("cloud server error: %d", resp.StatusCode)
		p.alerts.Raise(AlertSolisDown, err.Error(), alert.Warn)
		return Reading{}, true, err
	case resp.StatusCode != http.StatusOK:
		err := fmt.Errorf("unexpected cloud status: %d", resp.StatusCode)
		p.alerts.Raise(AlertSolisDown, err.Error(), alert.Error)
		return Reading{}, false, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reading{}, true, fmt.Errorf("read response body: %w", err)
	}

	var envelope struct {
		Code string          `json:"code"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Reading{}, false, fmt.Errorf("decode response envelope: %w", err)
	}
	if envelope.Code != "0" {
		err := fmt.Errorf("cloud application error code %q", envelope.Code)
		p.alerts.Raise(AlertSolisDown, err.Error(), alert.Warn)
		return Reading{}, false, err
	}

	var payload cloudReadingDTO
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		return Reading{}, false, fmt.Errorf("decode reading data: %w", err)
	}

	p.alerts.Resolve(AlertSolisAuth)
	p.alerts.Resolve(AlertSolisRateLimit)
	p.alerts.Resolve(AlertSolisDown)

	return payload.toReading(decodePowFields(envelope.Data)), false, nil
}

// decodePowFields extracts the optional pow1..pow32 per-string power
// fields (spec §6), which the cloud API sends as 32 separate top-level
// keys rather than an array.
func decodePowFields(data json.RawMessage) []float64 {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	var pow []float64
	for i := 1; i <= 32; i++ {
		msg, ok := raw[fmt.Sprintf("pow%d", i)]
		if !ok {
			break
		}
		var v float64
		if err := json.Unmarshal(msg, &v); err != nil {
			break
		}
		pow = append(pow, v)
	}
	return pow
}

// checkClockSkew compares the server's Date header to our own clock and
// raises/resolves SOLIS_CLOCK_SKEW accordingly. A missing or unparsable
// header is treated as "no information", neither raising nor resolving.
func (p *Poller) checkClockSkew(serverDate string, now time.Time) {
	if serverDate == "" {
		return
	}
	serverTime, err := time.Parse(time.RFC1123, serverDate)
	if err != nil {
		return
	}
	skewMs := now.Sub(serverTime).Milliseconds()
	if skewMs < 0 {
		skewMs = -skewMs
	}
	if skewMs > p.cfg.MaxClockSkewMs {
		p.alerts.Raise(AlertSolisClockSkew, fmt.Sprintf("clock skew %dms exceeds max_clock_skew_ms", skewMs), alert.Warn)
	} else {
		p.alerts.Resolve(AlertSolisClockSkew)
	}
}

// cloudReadingDTO is the wire shape of the "data" object in a successful
// inverterDetail response (spec §6); see Reading for the decoded form.
type cloudReadingDTO struct {
	Psum            float64  `json:"psum"`
	State           *int     `json:"state"`
	WarningInfoData *int     `json:"warningInfoData"`
	Pac             *float64 `json:"pac"`
	DCPac           *float64 `json:"dcPac"`
	DCPacStr        string   `json:"dcPacStr"`
	FamilyLoadPower *float64 `json:"familyLoadPower"`
	TotalLoadPower  *float64 `json:"totalLoadPower"`
	PowTotal        *float64 `json:"powTotal"`
	DCACPower       *float64 `json:"dcAcPower"`
}

func (dto cloudReadingDTO) toReading(pow []float64) Reading {
	r := Reading{
		PsumKW:          dto.Psum,
		PAC:             dto.Pac,
		DCPac:           dto.DCPac,
		DCPacStr:        dto.DCPacStr,
		FamilyLoadPower: dto.FamilyLoadPower,
		TotalLoadPower:  dto.TotalLoadPower,
		PowTotal:        dto.PowTotal,
		DCACPower:       dto.DCACPower,
		Pow:             pow,
	}
	if dto.State != nil {
		r.HasState = true
		r.State = *dto.State
	}
	if dto.WarningInfoData != nil {
		r.HasWarningInfo = true
		r.WarningInfo = *dto.WarningInfoData
	}
	return r
}
