package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/espresense-tracker/internal/espresense"
	"github.com/nugget/espresense-tracker/internal/events"
)

// Reading is the latest distance one room reported for a beacon.
type Reading struct {
	RoomID   string    `json:"room_id"`
	Distance float64   `json:"distance"`
	At       time.Time `json:"at"`
}

// BeaconTracker follows one device id across every room that reports
// it. It keeps the latest reading per room and nothing older.
type BeaconTracker struct {
	deviceID string
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	readings map[string]Reading // room id → latest
	subs     events.Subscriptions
}

// NewBeaconTracker registers a tracker for deviceID on src.
func NewBeaconTracker(src Source, deviceID string, logger *slog.Logger) *BeaconTracker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &BeaconTracker{
		deviceID: deviceID,
		logger:   logger.With("device", deviceID),
		now:      time.Now,
		readings: make(map[string]Reading),
	}
	b.subs = events.Subscriptions{
		src.OnDeviceMessage(b.handleDevice),
		src.OnDeviceAbsent(b.handleAbsent),
	}
	return b
}

func (b *BeaconTracker) handleDevice(m espresense.DeviceMessage) {
	if m.DeviceID != b.deviceID || m.RoomID == "" {
		return
	}
	b.mu.Lock()
	b.readings[m.RoomID] = Reading{RoomID: m.RoomID, Distance: m.Device.Distance, At: b.now()}
	b.mu.Unlock()
}

func (b *BeaconTracker) handleAbsent(m espresense.DeviceAbsent) {
	if m.DeviceID != b.deviceID {
		return
	}
	b.mu.Lock()
	n := len(b.readings)
	b.readings = make(map[string]Reading)
	b.mu.Unlock()
	b.logger.Debug("beacon absent, readings cleared", "rooms", n)
}

// DeviceID returns the tracked device id.
func (b *BeaconTracker) DeviceID() string { return b.deviceID }

// Nearest returns the room with the smallest reported distance. ok is
// false when no room currently reports the beacon.
func (b *BeaconTracker) Nearest() (r Reading, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, v := range b.readings {
		if !ok || v.Distance < r.Distance || (v.Distance == r.Distance && v.RoomID < r.RoomID) {
			r, ok = v, true
		}
	}
	return r, ok
}

// Readings returns the latest reading per room, nearest first.
func (b *BeaconTracker) Readings() []Reading {
	b.mu.RLock()
	out := make([]Reading, 0, len(b.readings))
	for _, v := range b.readings {
		out = append(out, v)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out
}

// Close unregisters the tracker. Safe to call more than once.
func (b *BeaconTracker) Close() {
	b.subs.Close()
}
