package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devskill-org/grid-shadow-compensator/internal/alert"
)

func newTestPoller(t *testing.T, handler http.HandlerFunc) (*Poller, *httptest.Server, *alert.Engine) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	alerts := alert.New()
	cfg := Config{
		APIID:            "id",
		APISecret:        "secret",
		BaseURI:          srv.URL,
		SN:               "SN123",
		FetchPeriodS:     10,
		MinImportKW:      0.2,
		MaxDataAgeMs:     300000,
		SmoothingFactor:  1,
		ClampMaxKW:       50,
		DeltaMaxKWPerSec: 2,
		OverrideEnabled:  true,
		RequestTimeoutMs: 2000,
		MaxClockSkewMs:   90000,
	}
	p := NewPoller(cfg, alerts)
	p.jitter = func(d time.Duration) time.Duration { return 1 * time.Millisecond } // keep tests fast
	return p, srv, alerts
}

func okResponse(psum float64) []byte {
	body, _ := json.Marshal(map[string]any{
		"code": "0",
		"data": map[string]any{"psum": psum},
	})
	return body
}

func TestPollSuccessUpdatesDeltaAndResolvesAlerts(t *testing.T) {
	p, _, alerts := newTestPoller(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Errorf("expected Authorization header to be set")
		}
		w.Write(okResponse(-10)) // importing 10kW
	})

	p.Poll(context.Background())

	if got := p.CurrentDeltaKW(); got <= 0 {
		t.Fatalf("expected positive compensation delta, got %f", got)
	}
	if alerts.IsActive(AlertSolisDown) {
		t.Fatalf("SOLIS_DOWN must not be active after a clean poll")
	}
	if p.State() != StateOnline {
		t.Fatalf("expected ONLINE state, got %v", p.State())
	}
}

func TestPollRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	p, _, _ := newTestPoller(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(okResponse(-5))
	})

	p.Poll(context.Background())

	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
	if p.CurrentDeltaKW() <= 0 {
		t.Fatalf("expected a successful delta after retries")
	}
}

func TestPollDoesNotRetryOn400(t *testing.T) {
	var attempts int32
	p, _, alerts := newTestPoller(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	p.Poll(context.Background())

	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable 4xx, got %d", attempts)
	}
	_ = alerts
}

func TestPollAuthFailureRaisesSolisAuth(t *testing.T) {
	p, _, alerts := newTestPoller(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	p.Poll(context.Background())

	if !alerts.IsActive(AlertSolisAuth) {
		t.Fatalf("expected SOLIS_AUTH to be active")
	}
}

func TestPollRateLimitRaisesSolisRateLimit(t *testing.T) {
	p, _, alerts := newTestPoller(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	p.Poll(context.Background())

	if !alerts.IsActive(AlertSolisRateLimit) {
		t.Fatalf("expected SOLIS_RATE_LIMIT to be active")
	}
}

func TestPollAlarmStateZeroesDeltaAndRaisesAlarm(t *testing.T) {
	p, _, alerts := newTestPoller(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{
			"code": "0",
			"data": map[string]any{"psum": -10, "warningInfoData": 7},
		})
		w.Write(body)
	})

	p.Poll(context.Background())

	if p.CurrentDeltaKW() != 0 {
		t.Fatalf("expected delta forced to 0 on alarm")
	}
	if !alerts.IsActive(AlertSolisAlarm) {
		t.Fatalf("expected SOLIS_ALARM to be active")
	}
}

func TestPollSumsPow1ThroughPowNWhenPowTotalMissing(t *testing.T) {
	p, _, _ := newTestPoller(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{
			"code": "0",
			"data": map[string]any{"psum": -1, "pow1": 500.0, "pow2": 750.0},
		})
		w.Write(body)
	})

	p.Poll(context.Background())

	r := p.Status()
	if !r.HavePV {
		t.Fatal("expected PV power resolved from the summed pow1/pow2 fallback")
	}
	if r.PVKW != 1.25 {
		t.Fatalf("expected 1.25kW (500+750W), got %f", r.PVKW)
	}
}

func TestPollOfflineStateIsDistinctFromAlarm(t *testing.T) {
	p, _, alerts := newTestPoller(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{
			"code": "0",
			"data": map[string]any{"psum": -5, "state": 2},
		})
		w.Write(body)
	})

	p.Poll(context.Background())

	if p.State() != StateOffline {
		t.Fatalf("expected OFFLINE classification for state=2, got %s", p.State())
	}
	if p.CurrentDeltaKW() != 0 {
		t.Fatalf("expected delta forced to 0 while offline")
	}
	if !alerts.IsActive(AlertSolisAlarm) {
		t.Fatalf("expected the alarm-equivalent SOLIS_ALARM alert while offline")
	}
}

func TestPollAlarmStateClassifiesAsAlarmNotOffline(t *testing.T) {
	p, _, _ := newTestPoller(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{
			"code": "0",
			"data": map[string]any{"psum": -5, "state": 3},
		})
		w.Write(body)
	})

	p.Poll(context.Background())

	if p.State() != StateAlarm {
		t.Fatalf("expected ALARM classification for state=3, got %s", p.State())
	}
}

func TestCurrentDeltaKWZeroWhenOverrideDisabled(t *testing.T) {
	p, _, _ := newTestPoller(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(okResponse(-10))
	})
	p.cfg.OverrideEnabled = false
	p.Poll(context.Background())

	if p.CurrentDeltaKW() != 0 {
		t.Fatalf("expected 0 when override disabled regardless of computed delta")
	}
}

func TestHandleFailureForcesStaleZeroAfterMaxDataAge(t *testing.T) {
	p, _, alerts := newTestPoller(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(okResponse(-10))
	})
	p.cfg.MaxDataAgeMs = 1

	p.Poll(context.Background()) // publishes a non-zero delta
	if p.CurrentDeltaKW() <= 0 {
		t.Fatal("expected a positive delta after the first successful poll")
	}

	time.Sleep(5 * time.Millisecond)
	p.handleFailure(time.Now())

	if p.CurrentDeltaKW() != 0 {
		t.Fatalf("expected delta forced to 0 once stale beyond max_data_age_ms")
	}
	if !alerts.IsActive(AlertSolisStale) {
		t.Fatalf("expected SOLIS_STALE to be raised")
	}
}

func TestSignProducesStableCanonicalString(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	h1 := sign("id", "secret", "/v1/api/inverterDetail", []byte(`{"sn":"X"}`), now)
	h2 := sign("id", "secret", "/v1/api/inverterDetail", []byte(`{"sn":"X"}`), now)

	if h1.Authorization != h2.Authorization {
		t.Fatalf("expected deterministic signature for identical inputs")
	}
	if h1.Date == "" || h1.ContentMD5 == "" {
		t.Fatalf("expected Date and Content-MD5 headers to be populated")
	}
	want := fmt.Sprintf("API id:")
	if len(h1.Authorization) <= len(want) || h1.Authorization[:len(want)] != want {
		t.Fatalf("expected Authorization to start with %q, got %q", want, h1.Authorization)
	}
}
