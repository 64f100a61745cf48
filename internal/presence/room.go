// Package presence holds consumers that turn reconciled ESPresense
// events into per-room and per-beacon views.
//
// Each consumer registers its own listeners on the engine and filters
// for the ids it cares about. Listener callbacks run on the engine loop
// and must not block. A room sensor's loss window expires on its own
// [RoomSensor.Run] goroutine, so triggers may arrive from either.
package presence

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/espresense-tracker/internal/config"
	"github.com/nugget/espresense-tracker/internal/espresense"
	"github.com/nugget/espresense-tracker/internal/events"
	"github.com/nugget/espresense-tracker/internal/liveness"
)

// Source is the event surface consumers listen on.
type Source interface {
	OnRoomMessage(fn func(espresense.RoomMessage)) *events.Subscription
	OnDeviceMessage(fn func(espresense.DeviceMessage)) *events.Subscription
	OnDeviceAbsent(fn func(espresense.DeviceAbsent)) *events.Subscription
}

// TriggerKind says which comparison fired.
type TriggerKind string

const (
	Closer  TriggerKind = "closer"
	Further TriggerKind = "further"
)

// Trigger is emitted when a proximity rule matches.
type Trigger struct {
	RoomID    string      `json:"room_id"`
	Device    string      `json:"device"`
	DeviceID  string      `json:"device_id"`
	Kind      TriggerKind `json:"kind"`
	Distance  float64     `json:"distance"`
	Threshold float64     `json:"threshold"`
	// Lost is set when the trigger was synthesized from an absence
	// rather than a reading; Distance is then the room's max distance.
	Lost bool `json:"lost,omitempty"`
}

// RoomStatus is a point-in-time view of one room sensor.
type RoomStatus struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Online      bool               `json:"online"`
	MaxDistance float64            `json:"max_distance"`
	Distances   map[string]float64 `json:"distances"` // device name → metres
}

type sighting struct {
	name     string
	distance float64
}

// RoomSensor follows one room: its status and max_distance properties,
// the distance of every named device the room reports, and the
// proximity rules configured for it.
//
// A device this room stops reporting for the room's loss window is
// treated as having walked out of range, even while other rooms still
// see it. [RoomSensor.Run] drives that window.
type RoomSensor struct {
	id        string
	name      string
	rules     []config.RuleConfig
	lostAfter time.Duration
	onTrigger func(Trigger)
	logger    *slog.Logger

	// live tracks sightings by this room only.
	live *liveness.Tracker
	now  func() time.Time

	mu          sync.Mutex
	online      bool
	maxDistance float64
	seen        map[string]sighting // device id → latest
	subs        events.Subscriptions
}

// NewRoomSensor registers a sensor for cfg.ID on src. onTrigger may be
// nil. The sensor starts with cfg.MaxDistance until the room reports its
// own value. A cfg.LostAfter of zero or less disables the loss window.
func NewRoomSensor(src Source, cfg config.RoomConfig, onTrigger func(Trigger), logger *slog.Logger) *RoomSensor {
	if logger == nil {
		logger = slog.Default()
	}
	if onTrigger == nil {
		onTrigger = func(Trigger) {}
	}
	s := &RoomSensor{
		id:          cfg.ID,
		name:        cfg.Name,
		rules:       cfg.Rules,
		lostAfter:   cfg.LostAfter,
		onTrigger:   onTrigger,
		logger:      logger.With("room", cfg.ID),
		live:        liveness.New(liveness.Config{AbsentAfter: cfg.LostAfter}),
		now:         time.Now,
		maxDistance: cfg.MaxDistance,
		seen:        make(map[string]sighting),
	}
	s.subs = events.Subscriptions{
		src.OnRoomMessage(s.handleRoom),
		src.OnDeviceMessage(s.handleDevice),
		src.OnDeviceAbsent(s.handleAbsent),
	}
	return s
}

func (s *RoomSensor) handleRoom(m espresense.RoomMessage) {
	if m.RoomID != s.id {
		return
	}
	switch m.Property {
	case espresense.PropertyMaxDistance:
		v, err := strconv.ParseFloat(strings.TrimSpace(m.Payload), 64)
		if err != nil {
			s.logger.Warn("invalid max_distance", "payload", m.Payload, "error", err)
			return
		}
		s.mu.Lock()
		s.maxDistance = v
		s.mu.Unlock()
	case espresense.PropertyStatus:
		online := espresense.StatusOnline(m.Payload)
		s.mu.Lock()
		changed := s.online != online
		s.online = online
		s.mu.Unlock()
		if changed {
			s.logger.Info("room status changed", "online", online)
		}
	}
}

func (s *RoomSensor) handleDevice(m espresense.DeviceMessage) {
	if m.RoomID != s.id || m.Device.Anonymous || m.Device.Name == "" {
		return
	}
	s.mu.Lock()
	s.seen[m.DeviceID] = sighting{name: m.Device.Name, distance: m.Device.Distance}
	s.live.Seen(m.DeviceID, s.now())
	s.mu.Unlock()

	s.evaluate(m.DeviceID, m.Device.Name, m.Device.Distance, false)
}

// handleAbsent covers a device that went silent everywhere before this
// room's own window expired, or when the window is disabled.
func (s *RoomSensor) handleAbsent(m espresense.DeviceAbsent) {
	s.lose(m.DeviceID, m.Elapsed, false)
}

// Check expires devices this room has not reported within its loss
// window as of now.
func (s *RoomSensor) Check(now time.Time) {
	for _, tr := range s.live.Check(now) {
		if tr.To == liveness.Absent {
			s.lose(tr.ID, tr.Elapsed, true)
		}
	}
}

// lose treats a device as having moved to the edge of the room's range,
// so "further than" rules can fire, and drops its reading. An expiry is
// ignored if a sighting re-armed the device after the check ran.
func (s *RoomSensor) lose(deviceID string, elapsed time.Duration, expired bool) {
	s.mu.Lock()
	if expired {
		if st, _ := s.live.Status(deviceID); st != liveness.Absent {
			s.mu.Unlock()
			return
		}
	}
	s.live.Forget(deviceID)
	last, ok := s.seen[deviceID]
	if ok {
		delete(s.seen, deviceID)
	}
	maxDistance := s.maxDistance
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Debug("tracked device lost", "device", last.name, "elapsed", elapsed)
	s.evaluate(deviceID, last.name, maxDistance, true)
}

// Run checks the loss window until ctx is cancelled. It returns at once
// when the window is disabled.
func (s *RoomSensor) Run(ctx context.Context) {
	if s.lostAfter <= 0 {
		return
	}
	interval := max(s.lostAfter/4, 250*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(s.now())
		}
	}
}

func (s *RoomSensor) evaluate(deviceID, name string, distance float64, lost bool) {
	for _, r := range s.rules {
		if r.Device != name {
			continue
		}
		if !lost && r.CloserThan > 0 && distance < r.CloserThan {
			s.fire(Trigger{RoomID: s.id, Device: name, DeviceID: deviceID, Kind: Closer, Distance: distance, Threshold: r.CloserThan})
		}
		if r.FurtherThan > 0 && distance > r.FurtherThan {
			s.fire(Trigger{RoomID: s.id, Device: name, DeviceID: deviceID, Kind: Further, Distance: distance, Threshold: r.FurtherThan, Lost: lost})
		}
	}
}

func (s *RoomSensor) fire(t Trigger) {
	s.logger.Debug("proximity trigger",
		"device", t.Device,
		"kind", t.Kind,
		"distance", t.Distance,
		"threshold", t.Threshold,
	)
	s.onTrigger(t)
}

// ID returns the room id this sensor follows.
func (s *RoomSensor) ID() string { return s.id }

// Status returns the sensor's current view.
func (s *RoomSensor) Status() RoomStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := RoomStatus{
		ID:          s.id,
		Name:        s.name,
		Online:      s.online,
		MaxDistance: s.maxDistance,
		Distances:   make(map[string]float64, len(s.seen)),
	}
	for _, v := range s.seen {
		st.Distances[v.name] = v.distance
	}
	return st
}

// Close unregisters the sensor and drops its loss window state. Safe
// to call more than once.
func (s *RoomSensor) Close() {
	s.subs.Close()
	s.live.Reset()
}
