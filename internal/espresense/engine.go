package espresense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/espresense-tracker/internal/config"
	"github.com/nugget/espresense-tracker/internal/liveness"
)

// Transport is the broker connection the engine drives. While the link
// is down, Subscribe and Unsubscribe only update the filter set; the
// transport re-subscribes on its own after each reconnect.
type Transport interface {
	Connect(ctx context.Context, cfg config.MQTTConfig, deliver func(topic string, payload []byte)) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, filter string) error
	Unsubscribe(ctx context.Context, filter string) error
	Connected() bool
}

// Options is the flat option set the engine consumes.
type Options struct {
	MQTT     config.MQTTConfig
	Liveness config.LivenessConfig
}

// inboxSize bounds how far the transport can run ahead of the engine
// loop before Deliver blocks.
const inboxSize = 256

// Engine reconciles broker traffic into the room and device tables and
// publishes the resulting events. All table mutations and event
// dispatch happen on the goroutine running [Engine.Run]; the transport
// hands messages over through [Engine.Deliver].
type Engine struct {
	*Hub

	state     *State
	live      *liveness.Tracker
	transport Transport
	logger    *slog.Logger

	mu     sync.RWMutex
	opts   Options
	router Router

	inbox   chan func()
	done    chan struct{}
	running atomic.Bool

	// now is the clock used for liveness bookkeeping.
	now func() time.Time
}

// NewEngine creates an engine over the given transport. Call Run before
// Connect so delivered messages have somewhere to go.
func NewEngine(transport Transport, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		Hub:       NewHub(logger),
		state:     NewState(logger),
		transport: transport,
		logger:    logger,
		inbox:     make(chan func(), inboxSize),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	e.applyOptions(opts)
	return e
}

func (e *Engine) applyOptions(opts Options) {
	e.mu.Lock()
	e.opts = opts
	e.router = NewRouter(opts.MQTT.Namespace)
	e.mu.Unlock()

	cfg := liveness.Config{
		OfflineAfter:    opts.Liveness.OfflineAfter,
		AbsentAfter:     opts.Liveness.AbsentAfter,
		ReactivateAfter: opts.Liveness.ReactivateAfter,
	}
	if e.live == nil {
		e.live = liveness.New(cfg)
	} else {
		e.live.Configure(cfg)
	}
}

// SetOptions replaces the options used by the next Connect. The current
// connection, if any, is left alone; callers disconnect first when the
// broker settings changed.
func (e *Engine) SetOptions(opts Options) {
	e.applyOptions(opts)
	e.logger.Debug("engine options updated",
		"broker", opts.MQTT.BrokerURL(),
		"namespace", opts.MQTT.Namespace,
	)
}

// Options returns the current options.
func (e *Engine) Options() Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts
}

func (e *Engine) currentRouter() Router {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.router
}

// State exposes the tables for read-only snapshot access.
func (e *Engine) State() *State { return e.state }

// Rooms returns a snapshot of the room table.
func (e *Engine) Rooms() map[string]Room { return e.state.Rooms() }

// Devices returns a snapshot of the device table.
func (e *Engine) Devices() map[string]Device { return e.state.Devices() }

// DeviceStatus reports liveness for one device.
func (e *Engine) DeviceStatus(id string) (liveness.Status, time.Time) {
	return e.live.Status(id)
}

// Connected reports the transport link state.
func (e *Engine) Connected() bool { return e.transport != nil && e.transport.Connected() }

// Connect opens the broker connection and subscribes to both topic
// families. A broker that is unreachable is not an error here: the
// transport keeps retrying and Connected reports false until it succeeds.
func (e *Engine) Connect(ctx context.Context) error {
	opts := e.Options()
	if err := e.transport.Connect(ctx, opts.MQTT, e.Deliver); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	for _, f := range e.currentRouter().Filters() {
		if err := e.transport.Subscribe(ctx, f); err != nil {
			return fmt.Errorf("subscribe %s: %w", f, err)
		}
	}
	e.logger.Info("engine connected", "broker", opts.MQTT.BrokerURL(), "namespace", opts.MQTT.Namespace)
	return nil
}

// Disconnect closes the broker connection and clears its subscriptions.
// Liveness state is kept; use Dispose to tear it down.
func (e *Engine) Disconnect(ctx context.Context) error {
	if err := e.transport.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect transport: %w", err)
	}
	return nil
}

// ForceUpdate drops and re-adds both subscriptions so the broker
// redelivers its retained messages.
func (e *Engine) ForceUpdate(ctx context.Context) error {
	filters := e.currentRouter().Filters()
	for _, f := range filters {
		if err := e.transport.Unsubscribe(ctx, f); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", f, err)
		}
	}
	for _, f := range filters {
		if err := e.transport.Subscribe(ctx, f); err != nil {
			return fmt.Errorf("subscribe %s: %w", f, err)
		}
	}
	e.logger.Debug("forced resubscribe", "filters", filters)
	return nil
}

// Dispose cancels all liveness tracking. Listeners stay registered; they
// are owned by their consumers.
func (e *Engine) Dispose() {
	e.live.Reset()
}

// RegisterRoom assigns a display name to a known room. The tables
// carry their own lock, so this is safe from any goroutine, including a
// listener running on the engine loop.
func (e *Engine) RegisterRoom(id, name string) error {
	return e.state.RegisterRoom(id, name)
}

// RegisterDevice assigns a display name to a device, creating the
// record if the device has not reported yet.
func (e *Engine) RegisterDevice(id, name string) {
	e.state.RegisterDevice(id, name)
}

// Deliver queues one inbound message for the engine loop. It is the
// callback handed to the transport. Deliver blocks while the inbox is
// full and returns immediately once the loop has stopped.
func (e *Engine) Deliver(topic string, payload []byte) {
	body := make([]byte, len(payload))
	copy(body, payload)

	select {
	case e.inbox <- func() { _ = e.HandleMessage(topic, body) }:
	case <-e.done:
	}
}

// Run processes queued messages and liveness checks until ctx is
// cancelled. The check ticker only runs while some device is armed.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer close(e.done)

	var ticker *time.Ticker
	var tick <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	syncTicker := func() {
		interval := e.Options().Liveness.CheckInterval
		want := interval > 0 && e.live.Armed() > 0
		switch {
		case want && ticker == nil:
			ticker = time.NewTicker(interval)
			tick = ticker.C
		case !want && ticker != nil:
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}

	e.logger.Debug("engine loop started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("engine loop stopped")
			return nil
		case fn := <-e.inbox:
			fn()
		case <-tick:
			e.checkLiveness()
		}
		syncTicker()
	}
}

// HandleMessage routes and applies one message synchronously. Unknown
// topics return [ErrUnknownTopic]; malformed device payloads return a
// [*PayloadError] after publishing a ParseError event. In every error
// case the tables are unchanged and no room or device event fires.
func (e *Engine) HandleMessage(topic string, payload []byte) error {
	route, err := e.currentRouter().Classify(topic)
	if err != nil {
		e.logger.Log(context.Background(), config.LevelTrace, "topic ignored", "topic", topic, "reason", err)
		return err
	}
	e.logger.Log(context.Background(), config.LevelTrace, "message received",
		"topic", topic,
		"kind", route.Kind.String(),
		"bytes", len(payload),
	)

	switch route.Kind {
	case RouteRoom:
		e.handleRoom(route, payload)
		return nil
	case RouteDevice:
		return e.handleDevice(topic, route, payload)
	}
	return ErrUnknownTopic
}

func (e *Engine) handleRoom(route Route, payload []byte) {
	room, created := e.state.touchRoom(route.ID)
	if created {
		e.logger.Debug("room discovered", "room", route.ID)
	}
	e.roomMessage.Publish(RoomMessage{
		RoomID:   route.ID,
		Property: route.Sub,
		Payload:  string(payload),
		Room:     room,
	})
}

func (e *Engine) handleDevice(topic string, route Route, payload []byte) error {
	r, err := decodeReading(topic, payload)
	if err != nil {
		e.logger.Warn("device payload dropped", "topic", topic, "error", err)
		e.parseError.Publish(ParseError{Topic: topic, Error: err.Error()})
		return err
	}

	device, created := e.state.applyReading(route.ID, r)
	if created {
		e.logger.Debug("device discovered", "device", route.ID, "room", route.Sub)
	}
	reactivated, gap := e.live.Seen(route.ID, e.now())

	e.deviceMessage.Publish(DeviceMessage{
		DeviceID: route.ID,
		RoomID:   route.Sub,
		Device:   device,
	})
	if reactivated {
		e.logger.Info("device reactivated", "device", route.ID, "elapsed", gap)
		e.deviceReactivated.Publish(DeviceReactivated{DeviceID: route.ID, Elapsed: gap})
	}
	return nil
}

func (e *Engine) checkLiveness() {
	for _, tr := range e.live.Check(e.now()) {
		switch tr.To {
		case liveness.Offline:
			e.logger.Debug("device offline", "device", tr.ID, "elapsed", tr.Elapsed)
			e.deviceOffline.Publish(DeviceOffline{DeviceID: tr.ID, Elapsed: tr.Elapsed})
		case liveness.Absent:
			e.logger.Info("device absent", "device", tr.ID, "elapsed", tr.Elapsed)
			e.deviceAbsent.Publish(DeviceAbsent{DeviceID: tr.ID, LastSeen: tr.LastSeen, Elapsed: tr.Elapsed})
		}
	}
}
