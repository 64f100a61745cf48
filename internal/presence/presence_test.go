package presence

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/espresense-tracker/internal/config"
	"github.com/nugget/espresense-tracker/internal/espresense"
	"github.com/nugget/espresense-tracker/internal/events"
)

type fakeSource struct {
	rooms   *events.Topic[espresense.RoomMessage]
	devices *events.Topic[espresense.DeviceMessage]
	absent  *events.Topic[espresense.DeviceAbsent]
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		rooms:   events.NewTopic[espresense.RoomMessage]("room", nil),
		devices: events.NewTopic[espresense.DeviceMessage]("device", nil),
		absent:  events.NewTopic[espresense.DeviceAbsent]("absent", nil),
	}
}

func (f *fakeSource) OnRoomMessage(fn func(espresense.RoomMessage)) *events.Subscription {
	return f.rooms.Subscribe(fn)
}

func (f *fakeSource) OnDeviceMessage(fn func(espresense.DeviceMessage)) *events.Subscription {
	return f.devices.Subscribe(fn)
}

func (f *fakeSource) OnDeviceAbsent(fn func(espresense.DeviceAbsent)) *events.Subscription {
	return f.absent.Subscribe(fn)
}

func (f *fakeSource) room(id, prop, payload string) {
	f.rooms.Publish(espresense.RoomMessage{RoomID: id, Property: prop, Payload: payload, Room: espresense.Room{ID: id}})
}

func (f *fakeSource) sight(deviceID, name, roomID string, distance float64) {
	f.devices.Publish(espresense.DeviceMessage{
		DeviceID: deviceID,
		RoomID:   roomID,
		Device:   espresense.Device{ID: deviceID, Name: name, Anonymous: name == "", Distance: distance},
	})
}

func kitchenConfig() config.RoomConfig {
	return config.RoomConfig{
		ID:          "kitchen",
		Name:        "Kitchen",
		MaxDistance: 8,
		Rules: []config.RuleConfig{
			{Device: "Phone", CloserThan: 2},
			{Device: "Phone", FurtherThan: 5},
		},
	}
}

func TestRoomSensorProperties(t *testing.T) {
	src := newFakeSource()
	s := NewRoomSensor(src, kitchenConfig(), nil, nil)
	defer s.Close()

	if st := s.Status(); st.MaxDistance != 8 || st.Online {
		t.Fatalf("initial status = %+v", st)
	}

	src.room("kitchen", "max_distance", " 12.5 ")
	src.room("kitchen", "status", "online")
	src.room("office", "max_distance", "3")

	st := s.Status()
	if st.MaxDistance != 12.5 {
		t.Errorf("MaxDistance = %v, want 12.5", st.MaxDistance)
	}
	if !st.Online {
		t.Error("Online = false after status online")
	}

	src.room("kitchen", "max_distance", "far")
	if s.Status().MaxDistance != 12.5 {
		t.Error("invalid max_distance overwrote value")
	}

	src.room("kitchen", "status", "offline")
	if s.Status().Online {
		t.Error("Online = true after status offline")
	}
}

func TestRoomSensorRules(t *testing.T) {
	tests := []struct {
		name     string
		device   string
		room     string
		distance float64
		want     []TriggerKind
	}{
		{"closer", "Phone", "kitchen", 1.5, []TriggerKind{Closer}},
		{"between", "Phone", "kitchen", 3, nil},
		{"further", "Phone", "kitchen", 6, []TriggerKind{Further}},
		{"threshold is exclusive", "Phone", "kitchen", 2, nil},
		{"other device", "Keys", "kitchen", 1, nil},
		{"anonymous", "", "kitchen", 1, nil},
		{"other room", "Phone", "office", 1, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			var got []Trigger
			s := NewRoomSensor(src, kitchenConfig(), func(tr Trigger) { got = append(got, tr) }, nil)
			defer s.Close()

			src.sight("irk:1", tt.device, tt.room, tt.distance)

			if len(got) != len(tt.want) {
				t.Fatalf("triggers = %+v, want kinds %v", got, tt.want)
			}
			for i, k := range tt.want {
				if got[i].Kind != k || got[i].Distance != tt.distance || got[i].RoomID != "kitchen" {
					t.Errorf("trigger[%d] = %+v", i, got[i])
				}
			}
		})
	}
}

func TestRoomSensorAbsenceFiresFurther(t *testing.T) {
	src := newFakeSource()
	var got []Trigger
	s := NewRoomSensor(src, kitchenConfig(), func(tr Trigger) { got = append(got, tr) }, nil)
	defer s.Close()

	src.room("kitchen", "max_distance", "10")
	src.sight("irk:1", "Phone", "kitchen", 1)
	got = nil

	src.absent.Publish(espresense.DeviceAbsent{DeviceID: "irk:1", Elapsed: 2 * time.Minute})

	if len(got) != 1 {
		t.Fatalf("triggers = %+v, want one further", got)
	}
	tr := got[0]
	if tr.Kind != Further || tr.Distance != 10 || !tr.Lost || tr.Device != "Phone" {
		t.Errorf("trigger = %+v", tr)
	}
	if _, ok := s.Status().Distances["Phone"]; ok {
		t.Error("lost device still listed")
	}

	got = nil
	src.absent.Publish(espresense.DeviceAbsent{DeviceID: "irk:1"})
	src.absent.Publish(espresense.DeviceAbsent{DeviceID: "never-seen"})
	if len(got) != 0 {
		t.Errorf("repeat absence fired %+v", got)
	}
}

func TestRoomSensorLosesDeviceThatMovedAway(t *testing.T) {
	src := newFakeSource()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base

	cfg := kitchenConfig()
	cfg.LostAfter = 30 * time.Second
	var got []Trigger
	kitchen := NewRoomSensor(src, cfg, func(tr Trigger) { got = append(got, tr) }, nil)
	kitchen.now = func() time.Time { return clock }
	defer kitchen.Close()

	bedroom := NewRoomSensor(src, config.RoomConfig{ID: "bedroom", LostAfter: 30 * time.Second}, nil, nil)
	bedroom.now = func() time.Time { return clock }
	defer bedroom.Close()

	src.sight("abc", "Phone", "kitchen", 1.0)
	got = nil

	for i := range 10 {
		clock = base.Add(time.Duration(i+1) * 5 * time.Second)
		src.sight("abc", "Phone", "bedroom", 0.5)
		kitchen.Check(clock)
		bedroom.Check(clock)
	}

	if len(got) != 1 {
		t.Fatalf("kitchen triggers = %+v, want one further", got)
	}
	if tr := got[0]; tr.Kind != Further || !tr.Lost || tr.Distance != 8 || tr.RoomID != "kitchen" {
		t.Errorf("trigger = %+v", tr)
	}
	if d := kitchen.Status().Distances; len(d) != 0 {
		t.Errorf("kitchen distances after phone left = %v", d)
	}
	if d := bedroom.Status().Distances; d["Phone"] != 0.5 {
		t.Errorf("bedroom distances = %v", d)
	}

	// Already lost; a later global absence must not fire again.
	got = nil
	src.absent.Publish(espresense.DeviceAbsent{DeviceID: "abc"})
	if len(got) != 0 {
		t.Errorf("absence after room loss fired %+v", got)
	}
}

func TestRoomSensorSightingRearmsLossWindow(t *testing.T) {
	src := newFakeSource()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base

	cfg := kitchenConfig()
	cfg.LostAfter = 30 * time.Second
	var got []Trigger
	s := NewRoomSensor(src, cfg, func(tr Trigger) { got = append(got, tr) }, nil)
	s.now = func() time.Time { return clock }
	defer s.Close()

	src.sight("abc", "Phone", "kitchen", 3)
	clock = base.Add(20 * time.Second)
	src.sight("abc", "Phone", "kitchen", 3)

	s.Check(base.Add(45 * time.Second))
	if len(got) != 0 {
		t.Fatalf("fired before window elapsed: %+v", got)
	}
	s.Check(base.Add(50 * time.Second))
	if len(got) != 1 || got[0].Kind != Further {
		t.Fatalf("triggers = %+v, want one further", got)
	}

	// The device returns and is tracked afresh.
	got = nil
	clock = base.Add(time.Minute)
	src.sight("abc", "Phone", "kitchen", 3)
	if d := s.Status().Distances; d["Phone"] != 3 {
		t.Errorf("Distances = %v", d)
	}
	s.Check(base.Add(80 * time.Second))
	if len(got) != 0 {
		t.Errorf("returned device lost early: %+v", got)
	}
}

func TestRoomSensorRunDisabledWindow(t *testing.T) {
	src := newFakeSource()
	s := NewRoomSensor(src, config.RoomConfig{ID: "kitchen", LostAfter: -1}, nil, nil)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		s.Run(t.Context())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return with the loss window disabled")
	}
}

func TestRoomSensorRunStopsOnCancel(t *testing.T) {
	src := newFakeSource()
	s := NewRoomSensor(src, config.RoomConfig{ID: "kitchen", LostAfter: time.Second}, nil, nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRoomSensorStatusDistances(t *testing.T) {
	src := newFakeSource()
	s := NewRoomSensor(src, config.RoomConfig{ID: "kitchen"}, nil, nil)
	defer s.Close()

	src.sight("irk:1", "Phone", "kitchen", 1)
	src.sight("irk:1", "Phone", "kitchen", 2.5)
	src.sight("tile:2", "Keys", "kitchen", 4)

	d := s.Status().Distances
	if len(d) != 2 || d["Phone"] != 2.5 || d["Keys"] != 4 {
		t.Errorf("Distances = %v", d)
	}
}

func TestRoomSensorClose(t *testing.T) {
	src := newFakeSource()
	var n int
	s := NewRoomSensor(src, kitchenConfig(), func(Trigger) { n++ }, nil)
	s.Close()
	s.Close()

	src.sight("irk:1", "Phone", "kitchen", 1)
	if n != 0 {
		t.Errorf("closed sensor fired %d triggers", n)
	}
	if src.rooms.Len()+src.devices.Len()+src.absent.Len() != 0 {
		t.Error("listeners left registered after Close")
	}
}

func TestBeaconTrackerNearest(t *testing.T) {
	src := newFakeSource()
	b := NewBeaconTracker(src, "irk:1", nil)
	defer b.Close()

	if _, ok := b.Nearest(); ok {
		t.Fatal("Nearest() ok before any reading")
	}

	src.sight("irk:1", "", "kitchen", 3)
	src.sight("irk:1", "", "office", 1.5)
	src.sight("irk:1", "", "hall", 4)
	src.sight("other", "", "garage", 0.1)
	src.sight("irk:1", "", "", 0.2)

	r, ok := b.Nearest()
	if !ok || r.RoomID != "office" || r.Distance != 1.5 {
		t.Errorf("Nearest() = %+v, %v", r, ok)
	}

	// Latest reading per room wins.
	src.sight("irk:1", "", "office", 6)
	if r, _ := b.Nearest(); r.RoomID != "kitchen" {
		t.Errorf("Nearest() after update = %+v", r)
	}

	rs := b.Readings()
	if len(rs) != 3 || rs[0].RoomID != "kitchen" || rs[2].RoomID != "office" {
		t.Errorf("Readings() = %+v", rs)
	}
}

func TestBeaconTrackerClearsOnAbsence(t *testing.T) {
	src := newFakeSource()
	b := NewBeaconTracker(src, "irk:1", nil)
	defer b.Close()

	src.sight("irk:1", "", "kitchen", 3)
	src.absent.Publish(espresense.DeviceAbsent{DeviceID: "other"})
	if _, ok := b.Nearest(); !ok {
		t.Fatal("absence of another device cleared readings")
	}

	src.absent.Publish(espresense.DeviceAbsent{DeviceID: "irk:1"})
	if _, ok := b.Nearest(); ok {
		t.Error("readings survived absence")
	}
	if b.DeviceID() != "irk:1" {
		t.Errorf("DeviceID() = %q", b.DeviceID())
	}
}

func TestFleetStartsTrackersForNamedDevices(t *testing.T) {
	src := newFakeSource()
	f := NewFleet(src, []string{"irk:seed"}, nil)

	src.sight("anon", "", "kitchen", 1)
	src.sight("irk:1", "Phone", "office", 2)
	src.sight("irk:seed", "", "hall", 3)

	if got := f.IDs(); len(got) != 2 || got[0] != "irk:1" || got[1] != "irk:seed" {
		t.Fatalf("IDs() = %v", got)
	}
	if _, ok := f.Locate("anon"); ok {
		t.Error("anonymous device located")
	}
	if r, ok := f.Locate("irk:1"); !ok || r.RoomID != "office" {
		t.Errorf("Locate(irk:1) = %+v, %v", r, ok)
	}
	if r, ok := f.Locate("irk:seed"); !ok || r.RoomID != "hall" {
		t.Errorf("Locate(irk:seed) = %+v, %v", r, ok)
	}

	src.sight("irk:1", "Phone", "kitchen", 0.5)
	if r, _ := f.Locate("irk:1"); r.RoomID != "kitchen" {
		t.Errorf("Locate after move = %+v", r)
	}

	f.Close()
	if n := src.devices.Len() + src.absent.Len(); n != 0 {
		t.Errorf("%d listeners left after Close", n)
	}
}
