// Package httpapi serves the status/health HTTP surface and a websocket
// status broadcaster, grounded on the teacher's scheduler WebServer.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devskill-org/grid-shadow-compensator/internal/alert"
	"github.com/devskill-org/grid-shadow-compensator/internal/status"
)

// StatusSource is the slice of *status.Assembler this package depends on.
type StatusSource interface {
	Snapshot() status.Record
}

// AlertSource is the slice of *alert.Engine this package depends on.
type AlertSource interface {
	Snapshot() alert.Snapshot
	Deck(limit int) []alert.Episode
}

// HealthResponse is the /api/health payload.
type HealthResponse struct {
	Status    string      `json:"status"`
	Timestamp string      `json:"timestamp"`
	Uptime    string      `json:"uptime"`
	Record    status.Record `json:"status_record"`
}

// Server hosts the health/status endpoints and a websocket broadcaster.
type Server struct {
	status    StatusSource
	alerts    AlertSource
	server    *http.Server
	port      int
	startTime time.Time
	upgrader  websocket.Upgrader
	clients   sync.Map
	broadcast chan []byte
	done      chan struct{}
}

// New builds a disabled server if port <= 0; otherwise wires the mux with
// /api/health, /api/ready, /api/deck and /api/ws.
func New(statusSrc StatusSource, alerts AlertSource, port int) *Server {
	if port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	s := &Server{
		status:    statusSrc,
		alerts:    alerts,
		port:      port,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	mux.HandleFunc("/api/health", s.healthHandler)
	mux.HandleFunc("/api/ready", s.readinessHandler)
	mux.HandleFunc("/api/deck", s.deckHandler)
	mux.HandleFunc("/api/ws", s.wsHandler)

	return s
}

// Handler exposes the underlying mux, primarily so tests can drive it
// through httptest without binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start launches the broadcaster and the HTTP listener; a nil Server is a
// no-op so callers can wire it unconditionally.
func (s *Server) Start() error {
	if s == nil {
		return nil
	}

	go s.handleBroadcasts()
	go s.broadcastStatus()

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("httpapi server error: %v\n", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down, closing all websocket clients.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	close(s.done)

	s.clients.Range(func(key, value any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})

	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rec := s.status.Snapshot()
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    formatUptime(time.Since(s.startTime)),
		Record:    rec,
	}
	if !rec.SystemUp {
		resp.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rec := s.status.Snapshot()
	ready := map[string]any{
		"ready":     rec.SystemUp,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if !rec.SystemUp {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(ready); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (s *Server) deckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.alerts.Deck(50)); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		fmt.Printf("websocket upgrade error: %v\n", err)
		return
	}

	s.clients.Store(conn, true)
	s.sendStatusToClient(conn)

	defer func() {
		s.clients.Delete(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				fmt.Printf("websocket error: %v\n", err)
			}
			break
		}
	}
}

func (s *Server) handleBroadcasts() {
	for {
		select {
		case message := <-s.broadcast:
			s.clients.Range(func(key, value any) bool {
				conn, ok := key.(*websocket.Conn)
				if !ok {
					return true
				}
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					conn.Close()
					s.clients.Delete(conn)
				}
				return true
			})
		case <-s.done:
			return
		}
	}
}

func (s *Server) broadcastStatus() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hasClients := false
			s.clients.Range(func(key, value any) bool {
				hasClients = true
				return false
			})
			if !hasClients {
				continue
			}

			message, err := json.Marshal(s.status.Snapshot())
			if err != nil {
				fmt.Printf("failed to marshal status record: %v\n", err)
				continue
			}
			s.broadcast <- message
		case <-s.done:
			return
		}
	}
}

func (s *Server) sendStatusToClient(conn *websocket.Conn) {
	if err := conn.WriteJSON(s.status.Snapshot()); err != nil {
		fmt.Printf("failed to send initial status: %v\n", err)
	}
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	sec := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, sec)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, sec)
	}
	return fmt.Sprintf("%ds", sec)
}
