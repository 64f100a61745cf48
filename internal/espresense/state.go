package espresense

import (
	"log/slog"
	"sort"
	"sync"
)

// State holds the room and device tables. Records are keyed by id and
// never removed; each id maps to one heap record for the process
// lifetime, updated in place.
//
// Mutations are expected from a single goroutine (the engine loop). The
// lock exists so snapshot readers on other goroutines, such as the HTTP
// handlers, never see a half-applied update.
type State struct {
	logger *slog.Logger

	mu      sync.RWMutex
	rooms   map[string]*Room
	devices map[string]*Device
}

// NewState creates empty tables.
func NewState(logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		logger:  logger,
		rooms:   make(map[string]*Room),
		devices: make(map[string]*Device),
	}
}

// touchRoom returns a snapshot of the room with the given id, creating
// an anonymous record first if the id is new.
func (s *State) touchRoom(id string) (snap Room, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		r = &Room{ID: id, Anonymous: true}
		s.rooms[id] = r
		created = true
	}
	return *r, created
}

// applyReading stores a decoded reading. A new id becomes an anonymous
// record; an existing record is overwritten with the reading except for
// name and anonymity, which carry forward.
func (s *State) applyReading(id string, r reading) (snap Device, created bool) {
	fresh := r.device(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		fresh.Anonymous = true
		d = &fresh
		s.devices[id] = d
		created = true
	} else {
		fresh.Name = d.Name
		fresh.Anonymous = d.Anonymous
		*d = fresh
	}
	return *d, created
}

// RegisterRoom names a room and marks it non-anonymous. Rooms are only
// created by traffic, so naming an unseen room returns [ErrUnknownRoom].
func (s *State) RegisterRoom(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return ErrUnknownRoom
	}
	r.Name = name
	r.Anonymous = false
	s.logger.Debug("room named", "room", id, "name", name)
	return nil
}

// RegisterDevice names a device and marks it non-anonymous, creating the
// record if no telemetry has arrived for it yet.
func (s *State) RegisterDevice(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		s.devices[id] = &Device{ID: id, Name: name}
		s.logger.Debug("device registered before first sighting", "device", id, "name", name)
		return
	}
	d.Name = name
	d.Anonymous = false
	s.logger.Debug("device named", "device", id, "name", name)
}

// Room returns a copy of one room record.
func (s *State) Room(id string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return Room{}, false
	}
	return *r, true
}

// Device returns a copy of one device record.
func (s *State) Device(id string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Rooms returns a copy of the room table.
func (s *State) Rooms() map[string]Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Room, len(s.rooms))
	for id, r := range s.rooms {
		out[id] = *r
	}
	return out
}

// Devices returns a copy of the device table.
func (s *State) Devices() map[string]Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Device, len(s.devices))
	for id, d := range s.devices {
		out[id] = *d
	}
	return out
}

// RoomList returns the rooms sorted by id.
func (s *State) RoomList() []Room {
	m := s.Rooms()
	out := make([]Room, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeviceList returns the devices sorted by id.
func (s *State) DeviceList() []Device {
	m := s.Devices()
	out := make([]Device, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
