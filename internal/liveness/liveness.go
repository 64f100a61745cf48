// Package liveness decides when a device has stopped reporting.
//
// Each device moves through a small state machine driven by two inputs:
// sightings ([Tracker.Seen]) and periodic checks ([Tracker.Check]).
//
//	Idle ──Seen──▶ Online ──Check≥offline──▶ Offline ──Check≥absent──▶ Absent
//	                 ▲                          │                        │
//	                 └──────────Seen────────────┴──────────Seen──────────┘
//
// Online and Offline are "armed": a later check may still produce a
// transition. Absent is terminal until the next sighting, so each
// transition fires at most once per silence. A sighting that arrives
// after the reactivation gap is reported so the caller can announce it.
//
// The tracker owns no goroutines or timers. The caller supplies the
// clock and decides how often to call Check.
package liveness

import (
	"sort"
	"sync"
	"time"
)

// Status is the liveness state of one device.
type Status int

const (
	// Idle means the device has never been seen.
	Idle Status = iota
	// Online means the device was seen within the offline threshold.
	Online
	// Offline means the offline threshold passed without a sighting.
	Offline
	// Absent means the absence threshold passed; the device is disarmed.
	Absent
)

func (s Status) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	case Absent:
		return "absent"
	default:
		return "idle"
	}
}

// Config holds the thresholds. Zero or negative fields disable the
// corresponding transition.
type Config struct {
	// OfflineAfter is how long without a sighting before a device is
	// marked offline.
	OfflineAfter time.Duration
	// AbsentAfter is how long without a sighting before the absence
	// event fires. Must not be shorter than OfflineAfter.
	AbsentAfter time.Duration
	// ReactivateAfter is the minimum gap between sightings that counts
	// as a reactivation.
	ReactivateAfter time.Duration
}

// Transition is one state change produced by [Tracker.Check].
type Transition struct {
	ID       string
	To       Status
	LastSeen time.Time
	Elapsed  time.Duration
}

type entry struct {
	lastSeen time.Time
	status   Status
}

// Tracker holds per-device liveness state. It is safe for concurrent
// use, though the engine only drives it from its own loop.
type Tracker struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a tracker with the given thresholds.
func New(cfg Config) *Tracker {
	return &Tracker{
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// Configure replaces the thresholds. Existing state is kept.
func (t *Tracker) Configure(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

// Seen records a sighting at now and re-arms the device. If the device
// had been seen before and the gap since then reaches the reactivation
// threshold, reactivated is true and gap holds the elapsed time.
func (t *Tracker) Seen(id string, now time.Time) (reactivated bool, gap time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		t.entries[id] = &entry{lastSeen: now, status: Online}
		return false, 0
	}

	gap = now.Sub(e.lastSeen)
	reactivated = t.cfg.ReactivateAfter > 0 && gap >= t.cfg.ReactivateAfter
	e.lastSeen = now
	e.status = Online
	return reactivated, gap
}

// Check compares every armed device against the thresholds at now and
// returns the transitions that happened, ordered by device id. A device
// that passes both thresholds in one check yields an Offline and then an
// Absent transition.
func (t *Tracker) Check(now time.Time) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Transition
	for id, e := range t.entries {
		if e.status != Online && e.status != Offline {
			continue
		}
		elapsed := now.Sub(e.lastSeen)

		if e.status == Online && t.cfg.OfflineAfter > 0 && elapsed >= t.cfg.OfflineAfter {
			e.status = Offline
			out = append(out, Transition{ID: id, To: Offline, LastSeen: e.lastSeen, Elapsed: elapsed})
		}
		if t.cfg.AbsentAfter > 0 && elapsed >= t.cfg.AbsentAfter {
			e.status = Absent
			out = append(out, Transition{ID: id, To: Absent, LastSeen: e.lastSeen, Elapsed: elapsed})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].To < out[j].To
	})
	return out
}

// Armed returns how many devices may still produce a transition. The
// engine stops its check ticker when this drops to zero.
func (t *Tracker) Armed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.status == Online || e.status == Offline {
			n++
		}
	}
	return n
}

// Status returns the current state and last sighting of a device.
func (t *Tracker) Status(id string) (Status, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Idle, time.Time{}
	}
	return e.status, e.lastSeen
}

// Forget drops all state for one device, so its next sighting starts
// from Idle and cannot count as a reactivation.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// Reset drops all state. Used on teardown.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.entries = make(map[string]*entry)
	t.mu.Unlock()
}
