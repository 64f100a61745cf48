package names

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/espresense-tracker/internal/espresense"
	"github.com/nugget/espresense-tracker/internal/events"
)

// Registry is the part of the engine names are applied to.
type Registry interface {
	RegisterRoom(id, name string) error
	RegisterDevice(id, name string)
	OnRoomMessage(fn func(espresense.RoomMessage)) *events.Subscription
}

// Restorer re-applies stored names to the engine and keeps persisting
// names assigned at runtime.
type Restorer struct {
	reg    Registry
	store  *Store
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]string // room id → name, waiting for the room to appear
	sub     *events.Subscription
}

// Restore applies names in order of precedence: the static mapping from
// configuration first, then names stored in the database, which win.
// Device names apply immediately. Room names apply to rooms already
// known; the rest are held until the room first announces itself. Call
// Close to stop watching for rooms.
func Restore(reg Registry, store *Store, static map[string]string, logger *slog.Logger) (*Restorer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Restorer{
		reg:     reg,
		store:   store,
		logger:  logger,
		pending: make(map[string]string),
	}

	for id, name := range static {
		reg.RegisterDevice(id, name)
	}

	devices, err := store.List(KindDevice)
	if err != nil {
		return nil, fmt.Errorf("restore device names: %w", err)
	}
	for id, name := range devices {
		reg.RegisterDevice(id, name)
	}

	rooms, err := store.List(KindRoom)
	if err != nil {
		return nil, fmt.Errorf("restore room names: %w", err)
	}
	for id, name := range rooms {
		switch err := reg.RegisterRoom(id, name); {
		case err == nil:
		case errors.Is(err, espresense.ErrUnknownRoom):
			r.pending[id] = name
		default:
			return nil, fmt.Errorf("restore room %s: %w", id, err)
		}
	}

	r.sub = reg.OnRoomMessage(r.onRoom)
	logger.Info("names restored",
		"static_devices", len(static),
		"stored_devices", len(devices),
		"stored_rooms", len(rooms),
		"pending_rooms", len(r.pending),
	)
	return r, nil
}

func (r *Restorer) onRoom(m espresense.RoomMessage) {
	if !m.Room.Anonymous {
		return
	}
	r.mu.Lock()
	name, ok := r.pending[m.RoomID]
	if ok {
		delete(r.pending, m.RoomID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := r.reg.RegisterRoom(m.RoomID, name); err != nil {
		r.logger.Warn("apply stored room name failed", "room", m.RoomID, "error", err)
		return
	}
	r.logger.Debug("stored room name applied", "room", m.RoomID, "name", name)
}

// Pending returns how many stored room names are waiting for their room.
func (r *Restorer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// NameRoom names a room in the engine and persists the name. Unknown
// rooms are rejected with [espresense.ErrUnknownRoom] and not stored.
func (r *Restorer) NameRoom(id, name string) error {
	if err := r.reg.RegisterRoom(id, name); err != nil {
		return err
	}
	if err := r.store.Set(KindRoom, id, name); err != nil {
		return fmt.Errorf("persist room name: %w", err)
	}
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
	return nil
}

// NameDevice names a device in the engine and persists the name.
func (r *Restorer) NameDevice(id, name string) error {
	r.reg.RegisterDevice(id, name)
	if err := r.store.Set(KindDevice, id, name); err != nil {
		return fmt.Errorf("persist device name: %w", err)
	}
	return nil
}

// Close stops watching for rooms.
func (r *Restorer) Close() {
	r.sub.Close()
}
