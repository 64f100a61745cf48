package espresense

import (
	"errors"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	r := NewRouter("espresense")

	tests := []struct {
		topic   string
		want    Route
		wantErr error
	}{
		{"espresense/rooms/kitchen", Route{Kind: RouteRoom, ID: "kitchen"}, nil},
		{"espresense/rooms/kitchen/status", Route{Kind: RouteRoom, ID: "kitchen", Sub: "status"}, nil},
		{"espresense/rooms/kitchen/max_distance/extra", Route{Kind: RouteRoom, ID: "kitchen", Sub: "max_distance"}, nil},
		{"espresense/devices/abc123", Route{Kind: RouteDevice, ID: "abc123"}, nil},
		{"espresense/devices/abc123/kitchen", Route{Kind: RouteDevice, ID: "abc123", Sub: "kitchen"}, nil},
		{"espresense/devices/irk:0011/office", Route{Kind: RouteDevice, ID: "irk:0011", Sub: "office"}, nil},
		{"espresense/rooms/", Route{}, ErrEmptyID},
		{"espresense/devices//kitchen", Route{}, ErrEmptyID},
		{"espresense/rooms", Route{}, ErrUnknownTopic},
		{"espresense/settings/x", Route{}, ErrUnknownTopic},
		{"espresensex/rooms/a", Route{}, ErrUnknownTopic},
		{"homeassistant/sensor/a", Route{}, ErrUnknownTopic},
		{"", Route{}, ErrUnknownTopic},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, err := r.Classify(tt.topic)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("route = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRouterNamespaceTrim(t *testing.T) {
	r := NewRouter("/home/espresense/")
	if r.Namespace() != "home/espresense" {
		t.Errorf("Namespace() = %q", r.Namespace())
	}
	got, err := r.Classify("home/espresense/rooms/a")
	if err != nil || got.ID != "a" {
		t.Errorf("Classify = %+v, %v", got, err)
	}
	if f := strings.Join(r.Filters(), ","); f != "home/espresense/rooms/#,home/espresense/devices/#" {
		t.Errorf("Filters() = %s", f)
	}
}

func TestRouteKindString(t *testing.T) {
	if RouteRoom.String() != "room" || RouteDevice.String() != "device" || RouteIgnored.String() != "ignored" {
		t.Error("unexpected RouteKind strings")
	}
}

func TestDecodeReading(t *testing.T) {
	r, err := decodeReading("t", []byte(` {"idType":1,"distance":2,"mac":"m","rssi@1m":-3,"rssi":-4,"raw":5,"var":6,"int":7,"name":"spoof"} `))
	if err != nil {
		t.Fatal(err)
	}
	d := r.device("id")
	want := Device{ID: "id", IDType: 1, Distance: 2, MAC: "m", RSSIAt1m: -3, RSSI: -4, Raw: 5, Variance: 6, Interval: 7}
	if d != want {
		t.Errorf("device = %+v, want %+v", d, want)
	}

	long := strings.Repeat("x", 1000)
	_, err = decodeReading("t", []byte(long))
	var pe *PayloadError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PayloadError", err)
	}
	if len(pe.Payload) > maxExcerpt+len("…") {
		t.Errorf("excerpt length %d not truncated", len(pe.Payload))
	}
	if !strings.Contains(pe.Error(), "decode device payload on t") {
		t.Errorf("Error() = %q", pe.Error())
	}
}

func TestStatusOnline(t *testing.T) {
	for payload, want := range map[string]bool{"online": true, "offline": false, "Online": false, "": false} {
		if StatusOnline(payload) != want {
			t.Errorf("StatusOnline(%q) = %v", payload, !want)
		}
	}
}
