package espresense

import (
	"log/slog"
	"time"

	"github.com/nugget/espresense-tracker/internal/events"
)

// RoomMessage is published for every message on a room topic. Property
// is empty for a bare announcement; Payload is the raw body.
type RoomMessage struct {
	RoomID   string `json:"room_id"`
	Property string `json:"property,omitempty"`
	Payload  string `json:"payload"`
	Room     Room   `json:"room"`
}

// DeviceMessage is published for every decoded device reading. RoomID
// is the room that produced the reading, empty if the topic had none.
type DeviceMessage struct {
	DeviceID string `json:"device_id"`
	RoomID   string `json:"room_id,omitempty"`
	Device   Device `json:"device"`
}

// DeviceOffline is published when a device crosses the offline threshold.
type DeviceOffline struct {
	DeviceID string        `json:"device_id"`
	Elapsed  time.Duration `json:"elapsed"`
}

// DeviceAbsent is published once when a device crosses the absence
// threshold. The device is not re-armed until it is seen again.
type DeviceAbsent struct {
	DeviceID string        `json:"device_id"`
	LastSeen time.Time     `json:"last_seen"`
	Elapsed  time.Duration `json:"elapsed"`
}

// DeviceReactivated is published, after the matching DeviceMessage,
// when a device is seen again after the reactivation gap.
type DeviceReactivated struct {
	DeviceID string        `json:"device_id"`
	Elapsed  time.Duration `json:"elapsed"`
}

// ParseError is published when a device payload is dropped.
type ParseError struct {
	Topic string `json:"topic"`
	Error string `json:"error"`
}

// Hub owns one typed topic per event kind. Consumers register with the
// On methods and keep the returned handle to unregister.
type Hub struct {
	roomMessage       *events.Topic[RoomMessage]
	deviceMessage     *events.Topic[DeviceMessage]
	deviceOffline     *events.Topic[DeviceOffline]
	deviceAbsent      *events.Topic[DeviceAbsent]
	deviceReactivated *events.Topic[DeviceReactivated]
	parseError        *events.Topic[ParseError]
}

// NewHub creates a hub with empty topics.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		roomMessage:       events.NewTopic[RoomMessage]("room_message", logger),
		deviceMessage:     events.NewTopic[DeviceMessage]("device_message", logger),
		deviceOffline:     events.NewTopic[DeviceOffline]("device_offline", logger),
		deviceAbsent:      events.NewTopic[DeviceAbsent]("device_absent", logger),
		deviceReactivated: events.NewTopic[DeviceReactivated]("device_reactivated", logger),
		parseError:        events.NewTopic[ParseError]("parse_error", logger),
	}
}

func (h *Hub) OnRoomMessage(fn func(RoomMessage)) *events.Subscription {
	return h.roomMessage.Subscribe(fn)
}

func (h *Hub) OnDeviceMessage(fn func(DeviceMessage)) *events.Subscription {
	return h.deviceMessage.Subscribe(fn)
}

func (h *Hub) OnDeviceOffline(fn func(DeviceOffline)) *events.Subscription {
	return h.deviceOffline.Subscribe(fn)
}

func (h *Hub) OnDeviceAbsent(fn func(DeviceAbsent)) *events.Subscription {
	return h.deviceAbsent.Subscribe(fn)
}

func (h *Hub) OnDeviceReactivated(fn func(DeviceReactivated)) *events.Subscription {
	return h.deviceReactivated.Subscribe(fn)
}

func (h *Hub) OnParseError(fn func(ParseError)) *events.Subscription {
	return h.parseError.Subscribe(fn)
}

// Forward mirrors every hub event onto bus as an envelope, for remote
// observers that want an untyped feed.
func (h *Hub) Forward(bus *events.Bus) events.Subscriptions {
	send := func(kind string, data any) {
		bus.Publish(events.Event{Kind: kind, Data: data})
	}
	return events.Subscriptions{
		h.OnRoomMessage(func(m RoomMessage) { send(events.KindRoomMessage, m) }),
		h.OnDeviceMessage(func(m DeviceMessage) { send(events.KindDeviceMessage, m) }),
		h.OnDeviceOffline(func(m DeviceOffline) { send(events.KindDeviceOffline, m) }),
		h.OnDeviceAbsent(func(m DeviceAbsent) { send(events.KindDeviceAbsent, m) }),
		h.OnDeviceReactivated(func(m DeviceReactivated) { send(events.KindDeviceReactivated, m) }),
		h.OnParseError(func(m ParseError) { send(events.KindParseError, m) }),
	}
}
