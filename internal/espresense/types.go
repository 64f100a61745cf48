package espresense

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Room is a fixed ESPresense receiver node.
type Room struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Anonymous bool   `json:"anonymous"`
}

// Device is a tracked beacon. Everything except ID, Name and Anonymous
// is copied verbatim from the most recent reading; the room that
// produced the reading travels with the event, not the record.
type Device struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Anonymous bool   `json:"anonymous"`

	IDType   int     `json:"idType"`
	Distance float64 `json:"distance"`
	MAC      string  `json:"mac,omitempty"`
	RSSIAt1m float64 `json:"rssi@1m"`
	RSSI     float64 `json:"rssi"`
	Raw      float64 `json:"raw"`
	Variance float64 `json:"var"`
	Interval float64 `json:"int"`
}

// reading is the inbound device payload. It has no name or anonymity
// fields so a payload can never set them.
type reading struct {
	IDType   int     `json:"idType"`
	Distance float64 `json:"distance"`
	MAC      string  `json:"mac"`
	RSSIAt1m float64 `json:"rssi@1m"`
	RSSI     float64 `json:"rssi"`
	Raw      float64 `json:"raw"`
	Variance float64 `json:"var"`
	Interval float64 `json:"int"`
}

func (r reading) device(id string) Device {
	return Device{
		ID:       id,
		IDType:   r.IDType,
		Distance: r.Distance,
		MAC:      r.MAC,
		RSSIAt1m: r.RSSIAt1m,
		RSSI:     r.RSSI,
		Raw:      r.Raw,
		Variance: r.Variance,
		Interval: r.Interval,
	}
}

// Well-known room properties. The core passes every property through
// untouched; these names exist for consumers.
const (
	PropertyStatus      = "status"
	PropertyMaxDistance = "max_distance"
)

// StatusOnline reports whether a status property payload means the
// node is up. Anything other than the exact string "online" is offline.
func StatusOnline(payload string) bool {
	return payload == "online"
}

var (
	// ErrUnknownTopic is returned for topics outside the rooms and
	// devices families. Callers treat it as "ignored", not as a failure.
	ErrUnknownTopic = errors.New("espresense: topic not recognized")
	// ErrEmptyID is returned when a recognized topic has no entity id.
	ErrEmptyID = errors.New("espresense: topic has empty id")
	// ErrUnknownRoom is returned when naming a room that has never
	// announced itself.
	ErrUnknownRoom = errors.New("espresense: unknown room")
)

// PayloadError describes a device message whose body could not be
// decoded. The message is dropped; no record changes.
type PayloadError struct {
	Topic   string
	Payload string // truncated excerpt
	Err     error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("decode device payload on %s: %v", e.Topic, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

const maxExcerpt = 256

// decodeReading parses a device payload. Only a JSON object is accepted:
// an empty body (a cleared retained message) or a JSON scalar is an
// error just like malformed JSON.
func decodeReading(topic string, payload []byte) (reading, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return reading{}, &PayloadError{
			Topic:   topic,
			Payload: excerpt(payload),
			Err:     errors.New("payload is not a JSON object"),
		}
	}

	var r reading
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return reading{}, &PayloadError{Topic: topic, Payload: excerpt(payload), Err: err}
	}
	return r, nil
}

func excerpt(b []byte) string {
	if len(b) <= maxExcerpt {
		return string(b)
	}
	return string(b[:maxExcerpt]) + "…"
}
