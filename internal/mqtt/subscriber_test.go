package mqtt

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/espresense-tracker/internal/config"
)

func TestTracingHandler_LogsAtTrace(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level:       config.LevelTrace,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})
	logger := slog.New(handler)

	var gotTopic string
	var gotPayload []byte
	h := tracingHandler(logger, func(topic string, payload []byte) {
		gotTopic, gotPayload = topic, payload
	})
	h("espresense/rooms/kitchen/status", []byte("online"))

	if gotTopic != "espresense/rooms/kitchen/status" || string(gotPayload) != "online" {
		t.Errorf("next got (%q, %q)", gotTopic, gotPayload)
	}
	output := buf.String()
	if !strings.Contains(output, "level=TRACE") {
		t.Errorf("expected TRACE level, got: %s", output)
	}
	if !strings.Contains(output, "payload_size=6") {
		t.Errorf("expected payload_size=6 in log output, got: %s", output)
	}
}

func TestTracingHandler_QuietAboveTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	called := false
	tracingHandler(logger, func(string, []byte) { called = true })("a/b", nil)

	if !called {
		t.Error("next handler not called")
	}
	if buf.Len() != 0 {
		t.Errorf("expected no output at debug, got: %s", buf.String())
	}
}

func TestMessageMeter_Report(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := newMessageMeter(3, time.Minute, logger)

	for i := 0; i < 5; i++ {
		m.observe()
	}
	if n := m.report(); n != 5 {
		t.Errorf("report() = %d, want 5", n)
	}
	if !strings.Contains(buf.String(), "mqtt message rate above threshold") {
		t.Errorf("expected threshold warning, got: %s", buf.String())
	}

	buf.Reset()
	m.observe()
	if n := m.report(); n != 1 {
		t.Errorf("report() after reset = %d, want 1", n)
	}
	if strings.Contains(buf.String(), "above threshold") {
		t.Errorf("unexpected warning: %s", buf.String())
	}
	if m.Total() != 6 {
		t.Errorf("Total() = %d, want 6", m.Total())
	}
}

func TestMessageMeter_Concurrent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := newMessageMeter(0, time.Minute, logger)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.observe()
			}
		}()
	}
	wg.Wait()

	if got := m.Total(); got != 1000 {
		t.Errorf("Total() = %d, want 1000", got)
	}
}

func TestMessageMeter_StartStops(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := newMessageMeter(0, 10*time.Millisecond, logger)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.start(ctx)
		close(done)
	}()
	m.observe()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("start did not return after cancel")
	}
	if m.count.Load() != 0 {
		t.Errorf("interval count = %d, want reset to 0", m.count.Load())
	}
}
