package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/nugget/espresense-tracker/internal/config"
)

// startBroker runs an in-process broker on a free loopback port.
func startBroker(t *testing.T) (*mochi.Server, config.MQTTConfig) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	server := mochi.New(&mochi.Options{InlineClient: true})
	server.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("AddHook: %v", err)
	}
	if err := server.AddListener(listeners.NewTCP(listeners.Config{ID: "test", Address: addr})); err != nil {
		t.Fatalf("AddListener: %v", err)
	}
	if err := server.Serve(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return server, config.MQTTConfig{Host: host, Port: port, KeepAliveSec: 5}
}

type inbox struct {
	mu   sync.Mutex
	msgs []string
	ch   chan string
}

func newInbox() *inbox { return &inbox{ch: make(chan string, 64)} }

func (i *inbox) deliver(topic string, payload []byte) {
	i.mu.Lock()
	i.msgs = append(i.msgs, topic+"="+string(payload))
	i.mu.Unlock()
	i.ch <- topic + "=" + string(payload)
}

func (i *inbox) wait(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-i.ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_ReceivesRetainedAfterConnect(t *testing.T) {
	server, cfg := startBroker(t)
	if err := server.Publish("espresense/rooms/kitchen/status", []byte("online"), true, 0); err != nil {
		t.Fatalf("seed retained: %v", err)
	}

	c := New(uuid.New(), testLogger())
	in := newInbox()
	ctx := context.Background()

	// Subscribing before the link is up only records the filter.
	if err := c.Connect(ctx, cfg, in.deliver); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect(ctx)
	if err := c.Subscribe(ctx, "espresense/rooms/#"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.AwaitConnection(awaitCtx); err != nil {
		t.Fatalf("AwaitConnection() error = %v", err)
	}
	waitFor(t, c.Connected, "connected")

	in.wait(t, "espresense/rooms/kitchen/status=online")

	if err := server.Publish("espresense/rooms/kitchen/max_distance", []byte("5"), false, 0); err != nil {
		t.Fatal(err)
	}
	in.wait(t, "espresense/rooms/kitchen/max_distance=5")
}

func TestClient_ResubscribeReplaysRetained(t *testing.T) {
	server, cfg := startBroker(t)
	_ = server.Publish("espresense/devices/abc/kitchen", []byte(`{"distance":1}`), true, 0)

	c := New(uuid.Nil, testLogger())
	in := newInbox()
	ctx := context.Background()

	if err := c.Connect(ctx, cfg, in.deliver); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect(ctx)
	_ = c.Subscribe(ctx, "espresense/devices/#")
	in.wait(t, `espresense/devices/abc/kitchen={"distance":1}`)
	waitFor(t, c.Connected, "connected")

	if err := c.Unsubscribe(ctx, "espresense/devices/#"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if len(c.Filters()) != 0 {
		t.Errorf("Filters() = %v, want empty", c.Filters())
	}
	if err := c.Subscribe(ctx, "espresense/devices/#"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	in.wait(t, `espresense/devices/abc/kitchen={"distance":1}`)
}

func TestClient_DisconnectClearsState(t *testing.T) {
	_, cfg := startBroker(t)
	c := New(uuid.New(), testLogger())
	in := newInbox()
	ctx := context.Background()

	if err := c.Connect(ctx, cfg, in.deliver); err != nil {
		t.Fatal(err)
	}
	_ = c.Subscribe(ctx, "a/#")
	waitFor(t, c.Connected, "connected")

	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after Disconnect")
	}
	if f := c.Filters(); len(f) != 0 {
		t.Errorf("Filters() = %v, want empty", f)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
}

func TestClient_UnreachableBroker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := New(uuid.New(), testLogger())
	ctx := context.Background()
	cfg := config.MQTTConfig{Host: "127.0.0.1", Port: port}

	if err := c.Connect(ctx, cfg, func(string, []byte) {}); err != nil {
		t.Fatalf("Connect() to closed port error = %v, want nil", err)
	}
	if c.Connected() {
		t.Error("Connected() = true with no broker")
	}
	// Subscribing while down is a no-op, not an error.
	if err := c.Subscribe(ctx, "espresense/rooms/#"); err != nil {
		t.Errorf("Subscribe() while down error = %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Disconnect(stopCtx); err != nil {
		t.Errorf("Disconnect() while retrying error = %v", err)
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := New(uuid.New(), nil)
	if err := c.AwaitConnection(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("AwaitConnection() = %v, want ErrNotConnected", err)
	}
	if err := c.Subscribe(context.Background(), "a/#"); err != nil {
		t.Errorf("Subscribe() before Connect error = %v", err)
	}
	if got := c.Filters(); len(got) != 1 || got[0] != "a/#" {
		t.Errorf("Filters() = %v", got)
	}
	if err := c.Connect(context.Background(), config.MQTTConfig{Host: "h", Port: 1}, nil); err == nil {
		t.Error("Connect() with nil handler succeeded")
	}
}
