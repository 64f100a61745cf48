// Package api implements the tracker's HTTP surface: table snapshots,
// naming, a forced refresh and a WebSocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/espresense-tracker/internal/buildinfo"
	"github.com/nugget/espresense-tracker/internal/espresense"
	"github.com/nugget/espresense-tracker/internal/events"
	"github.com/nugget/espresense-tracker/internal/liveness"
	"github.com/nugget/espresense-tracker/internal/presence"
)

// maxNameBody caps the size of a naming request body.
const maxNameBody = 4 << 10

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Tracker is the engine surface the API reads and drives.
type Tracker interface {
	State() *espresense.State
	DeviceStatus(id string) (liveness.Status, time.Time)
	Connected() bool
	ForceUpdate(ctx context.Context) error
}

// Namer assigns and persists display names.
type Namer interface {
	NameRoom(id, name string) error
	NameDevice(id, name string) error
}

// Config wires the server to the rest of the process. Only Tracker is
// required.
type Config struct {
	Address string
	Port    int

	Tracker Tracker
	Namer   Namer
	Bus     *events.Bus

	// Locate returns the nearest room for a device, when a beacon
	// tracker follows it.
	Locate func(deviceID string) (presence.Reading, bool)
	// RoomStatus returns the proximity sensor view for a room, when one
	// is configured.
	RoomStatus func(roomID string) (presence.RoomStatus, bool)

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	tracker    Tracker
	namer      Namer
	bus        *events.Bus
	locate     func(string) (presence.Reading, bool)
	roomStatus func(string) (presence.RoomStatus, bool)
	logger     *slog.Logger

	// server is built by NewServer; Start and Shutdown only read it.
	server *http.Server

	// closing is closed by Shutdown to end hijacked WebSocket streams,
	// which http.Server.Shutdown does not track.
	closeOnce sync.Once
	closing   chan struct{}
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address:    cfg.Address,
		port:       cfg.Port,
		tracker:    cfg.Tracker,
		namer:      cfg.Namer,
		bus:        cfg.Bus,
		locate:     cfg.Locate,
		roomStatus: cfg.RoomStatus,
		logger:     logger,
		closing:    make(chan struct{}),
	}
	s.server = &http.Server{
		Addr:        net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Snapshots
	mux.HandleFunc("GET /v1/rooms", s.handleRooms)
	mux.HandleFunc("GET /v1/rooms/{id}", s.handleRoom)
	mux.HandleFunc("GET /v1/devices", s.handleDevices)
	mux.HandleFunc("GET /v1/devices/{id}", s.handleDevice)

	// Naming
	mux.HandleFunc("PUT /v1/rooms/{id}/name", s.handleNameRoom)
	mux.HandleFunc("PUT /v1/devices/{id}/name", s.handleNameDevice)

	mux.HandleFunc("POST /v1/refresh", s.handleRefresh)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start listens on the configured address and serves until Shutdown.
// ctx bounds the listen call only. A Shutdown that comes first makes
// Start return nil without serving.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("api server: %w", err)
	}

	s.logger.Info("starting API server", "address", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server and ends open event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) ok(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, v, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.ok(w, map[string]string{
		"name":    "espresense-tracker",
		"version": buildinfo.Version,
		"status":  "ok",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.ok(w, buildinfo.Current())
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	MQTTConnected bool   `json:"mqtt_connected"`
	Version       string `json:"version"`
	Uptime        string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := s.tracker.Connected()
	status := "ok"
	if !connected {
		status = "degraded"
	}
	s.ok(w, HealthResponse{
		Status:        status,
		MQTTConnected: connected,
		Version:       buildinfo.Version,
		Uptime:        buildinfo.Uptime().Round(time.Second).String(),
	})
}

// RoomView is a room record plus its proximity sensor, if configured.
type RoomView struct {
	espresense.Room
	Sensor *presence.RoomStatus `json:"sensor,omitempty"`
}

// DeviceView is a device record plus its liveness and location.
type DeviceView struct {
	espresense.Device
	Status   string            `json:"status"`
	LastSeen *time.Time        `json:"last_seen,omitempty"`
	Nearest  *presence.Reading `json:"nearest,omitempty"`
}

func (s *Server) roomView(r espresense.Room) RoomView {
	v := RoomView{Room: r}
	if s.roomStatus != nil {
		if st, ok := s.roomStatus(r.ID); ok {
			v.Sensor = &st
		}
	}
	return v
}

func (s *Server) deviceView(d espresense.Device) DeviceView {
	status, lastSeen := s.tracker.DeviceStatus(d.ID)
	v := DeviceView{Device: d, Status: status.String()}
	if !lastSeen.IsZero() {
		v.LastSeen = &lastSeen
	}
	if s.locate != nil {
		if r, ok := s.locate(d.ID); ok {
			v.Nearest = &r
		}
	}
	return v
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.tracker.State().RoomList()
	out := make([]RoomView, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, s.roomView(room))
	}
	s.ok(w, map[string]any{"rooms": out, "count": len(out)})
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.tracker.State().Room(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "room not found")
		return
	}
	s.ok(w, s.roomView(room))
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.tracker.State().DeviceList()
	out := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, s.deviceView(d))
	}
	s.ok(w, map[string]any{"devices": out, "count": len(out)})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.tracker.State().Device(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "device not found")
		return
	}
	s.ok(w, s.deviceView(d))
}

// NameRequest is the body of the naming endpoints.
type NameRequest struct {
	Name string `json:"name"`
}

func (s *Server) decodeName(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.namer == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "naming not configured")
		return "", false
	}
	var req NameRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNameBody)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")
		return "", false
	}
	return name, true
}

func (s *Server) handleNameRoom(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	name, ok := s.decodeName(w, r)
	if !ok {
		return
	}
	if err := s.namer.NameRoom(id, name); err != nil {
		if errors.Is(err, espresense.ErrUnknownRoom) {
			s.errorResponse(w, http.StatusNotFound, "room not found")
			return
		}
		s.logger.Error("room naming failed", "room", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to name room")
		return
	}
	s.logger.Info("room named", "room", id, "name", name)
	room, _ := s.tracker.State().Room(id)
	s.ok(w, s.roomView(room))
}

func (s *Server) handleNameDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	name, ok := s.decodeName(w, r)
	if !ok {
		return
	}
	if err := s.namer.NameDevice(id, name); err != nil {
		s.logger.Error("device naming failed", "device", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to name device")
		return
	}
	s.logger.Info("device named", "device", id, "name", name)
	d, _ := s.tracker.State().Device(id)
	s.ok(w, s.deviceView(d))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.tracker.ForceUpdate(r.Context()); err != nil {
		s.logger.Warn("forced refresh failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "refresh failed: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{
		"status":    "resubscribed",
		"connected": s.tracker.Connected(),
	}, s.logger)
}
