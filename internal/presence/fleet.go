package presence

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/nugget/espresense-tracker/internal/espresense"
	"github.com/nugget/espresense-tracker/internal/events"
)

// Fleet starts a [BeaconTracker] for every named device the first time
// it reports, so devices named at runtime are located too.
type Fleet struct {
	src    Source
	logger *slog.Logger

	mu       sync.Mutex
	trackers map[string]*BeaconTracker
	sub      *events.Subscription
}

// NewFleet registers a fleet on src. ids seeds trackers for devices that
// are already known to be named.
func NewFleet(src Source, ids []string, logger *slog.Logger) *Fleet {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fleet{
		src:      src,
		logger:   logger,
		trackers: make(map[string]*BeaconTracker),
	}
	for _, id := range ids {
		f.trackers[id] = NewBeaconTracker(src, id, logger)
	}
	f.sub = src.OnDeviceMessage(f.handleDevice)
	return f
}

func (f *Fleet) handleDevice(m espresense.DeviceMessage) {
	if m.Device.Anonymous || m.Device.Name == "" {
		return
	}
	f.mu.Lock()
	if _, ok := f.trackers[m.DeviceID]; ok {
		f.mu.Unlock()
		return
	}
	b := NewBeaconTracker(f.src, m.DeviceID, f.logger)
	f.trackers[m.DeviceID] = b
	f.mu.Unlock()

	// A tracker registered mid-publish only hears the next event.
	b.handleDevice(m)
	f.logger.Debug("beacon tracker started", "device", m.DeviceID, "name", m.Device.Name)
}

// Locate returns the nearest room for id.
func (f *Fleet) Locate(id string) (Reading, bool) {
	f.mu.Lock()
	b, ok := f.trackers[id]
	f.mu.Unlock()
	if !ok {
		return Reading{}, false
	}
	return b.Nearest()
}

// IDs returns the tracked device ids, sorted.
func (f *Fleet) IDs() []string {
	f.mu.Lock()
	ids := make([]string, 0, len(f.trackers))
	for id := range f.trackers {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close unregisters the fleet and every tracker it started.
func (f *Fleet) Close() {
	f.sub.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.trackers {
		b.Close()
	}
}
