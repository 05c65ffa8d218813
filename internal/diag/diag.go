// Package diag exposes an HTTP+SSE diagnostics surface over the
// engine's registry state and live event stream. Its GET routes are
// read-only; its two POST routes pair (scan) and unpair (remove)
// sensors. It exists purely for operating the engine — driving
// Scan/Delete and watching sensor traffic without writing Go — and is
// never a substitute for the out-of-scope MQTT/HA gateway glue.
//
// Grounded on the teacher's server package: a gorilla/mux router, a
// version endpoint, and an SSE handler with an immediate catch-up
// burst from a bounded ring buffer (here JSON event lines instead of
// raw terminal bytes, per the teacher's ScreenBuffer catch-up pattern).
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"sensorbridge/internal/event"
	"sensorbridge/internal/registry"
	"sensorbridge/internal/session"
)

// Engine is the subset of internal/engine.Engine the diagnostics
// surface depends on.
type Engine interface {
	Registry() *registry.Registry
	Scan(ctx context.Context, timeout time.Duration) (session.FoundSensor, error)
	Remove(mac string) error
}

// DongleInfo is the dongle identity snapshot for GET /api/dongle.
type DongleInfo struct {
	MAC       string `json:"mac"`
	Version   string `json:"version"`
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
}

const eventRingSize = 64

// Server serves the diagnostics HTTP API.
type Server struct {
	version string
	engine  Engine
	dongle  func() DongleInfo
	router  *mux.Router

	ring *eventRing
}

// New constructs a Server. dongleInfo is polled lazily on each
// /api/dongle request rather than cached, so it always reflects the
// engine's current connection state.
func New(version string, eng Engine, dongleInfo func() DongleInfo) *Server {
	s := &Server{
		version: version,
		engine:  eng,
		dongle:  dongleInfo,
		router:  mux.NewRouter(),
		ring:    newEventRing(eventRingSize),
	}
	s.setupRoutes()
	return s
}

// PublishEvent feeds a decoded sensor event into the SSE ring buffer,
// e.g. wired to internal/engine.Engine.OnEvent.
func (s *Server) PublishEvent(evt event.SensorEvent) {
	s.ring.push(evt)
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/version", s.handleVersion).Methods("GET")
	api.HandleFunc("/dongle", s.handleDongle).Methods("GET")
	api.HandleFunc("/sensors", s.handleListSensors).Methods("GET")
	api.HandleFunc("/sensors/scan", s.handleScan).Methods("POST")
	api.HandleFunc("/sensors/{mac}/events", s.handleEventStream).Methods("GET")
	api.HandleFunc("/sensors/{mac}/remove", s.handleRemove).Methods("POST")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": s.version})
}

func (s *Server) handleDongle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.dongle())
}

func (s *Server) handleListSensors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Registry().Snapshot())
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	found, err := s.engine.Scan(ctx, 60*time.Second)
	if err != nil {
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	writeJSON(w, found)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	if err := s.engine.Remove(mac); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"status": "removed"})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub, catchup := s.ring.subscribe(mac)
	defer s.ring.unsubscribe(mac, sub)

	for _, evt := range catchup {
		writeSSEEvent(w, evt)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			writeSSEEvent(w, evt)
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt event.SensorEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// Run serves the diagnostics API on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{Addr: addr, Handler: s.router}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	log.WithField("addr", addr).Info("diag: serving diagnostics API")
	err := httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
