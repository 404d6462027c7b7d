package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/devskill-org/grid-shadow-compensator/internal/alert"
	"github.com/devskill-org/grid-shadow-compensator/internal/status"
)

type fakeStatus struct{ up bool }

func (f fakeStatus) Snapshot() status.Record {
	return status.Record{SystemUp: f.up, CloudState: "ONLINE"}
}

type fakeAlerts struct{}

func (fakeAlerts) Snapshot() alert.Snapshot { return alert.Snapshot{} }
func (fakeAlerts) Deck(limit int) []alert.Episode {
	return []alert.Episode{{Key: "METER_STALE"}}
}

func TestHealthHandlerReportsHealthyWhenSystemUp(t *testing.T) {
	s := New(fakeStatus{up: true}, fakeAlerts{}, 1)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)

	s.healthHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Fatalf("expected healthy status, got %q", resp.Status)
	}
}

func TestHealthHandlerReportsDegradedWhenSystemDown(t *testing.T) {
	s := New(fakeStatus{up: false}, fakeAlerts{}, 1)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)

	s.healthHandler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestReadinessHandlerRejectsNonGet(t *testing.T) {
	s := New(fakeStatus{up: true}, fakeAlerts{}, 1)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ready", nil)

	s.readinessHandler(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestDeckHandlerReturnsEpisodes(t *testing.T) {
	s := New(fakeStatus{up: true}, fakeAlerts{}, 1)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/deck", nil)

	s.deckHandler(rec, req)

	if !strings.Contains(rec.Body.String(), "METER_STALE") {
		t.Fatalf("expected deck body to contain METER_STALE, got %q", rec.Body.String())
	}
}

func TestNewReturnsNilWhenPortDisabled(t *testing.T) {
	if New(fakeStatus{}, fakeAlerts{}, 0) != nil {
		t.Fatal("expected a disabled server for port <= 0")
	}
}

func TestWebsocketSendsInitialStatus(t *testing.T) {
	s := New(fakeStatus{up: true}, fakeAlerts{}, 1)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	u, err := url.Parse(wsURL)
	if err != nil {
		t.Fatalf("bad url: %v", err)
	}

	conn, _, err := gorillaws.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var rec status.Record
	if err := conn.ReadJSON(&rec); err != nil {
		t.Fatalf("failed to read initial status: %v", err)
	}
	if !rec.SystemUp {
		t.Fatal("expected the initial status push to reflect SystemUp=true")
	}
}
