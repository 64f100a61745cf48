package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/espresense-tracker/internal/config"
)

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Calls arrive one at a time from the paho router.
type MessageHandler func(topic string, payload []byte)

// tracingHandler wraps next so every inbound message is logged at trace
// level with its topic and size before being handed on.
func tracingHandler(logger *slog.Logger, next MessageHandler) MessageHandler {
	return func(topic string, payload []byte) {
		if logger.Enabled(context.Background(), config.LevelTrace) {
			logger.Log(context.Background(), config.LevelTrace, "mqtt message received",
				"topic", topic,
				"payload_size", len(payload),
			)
		}
		next(topic, payload)
	}
}

// messageMeter counts inbound messages and periodically reports the
// rate. It never drops messages; crossing the warning threshold only
// produces a log line.
type messageMeter struct {
	count    atomic.Int64
	total    atomic.Int64
	warnAt   int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageMeter creates a meter that reports every interval and warns
// when more than warnAt messages arrived within one interval.
func newMessageMeter(warnAt int64, interval time.Duration, logger *slog.Logger) *messageMeter {
	return &messageMeter{
		warnAt:   warnAt,
		interval: interval,
		logger:   logger,
	}
}

// observe records one message.
func (m *messageMeter) observe() {
	m.count.Add(1)
	m.total.Add(1)
}

// Total returns the number of messages observed since creation.
func (m *messageMeter) Total() int64 {
	return m.total.Load()
}

// start runs the periodic report loop. It blocks until ctx is
// cancelled.
func (m *messageMeter) start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.report()
		}
	}
}

// report resets the interval counter and logs it.
func (m *messageMeter) report() int64 {
	n := m.count.Swap(0)
	switch {
	case m.warnAt > 0 && n > m.warnAt:
		m.logger.Warn("mqtt message rate above threshold",
			"received", n,
			"interval", m.interval.String(),
			"threshold", m.warnAt,
		)
	case n > 0:
		m.logger.Debug("mqtt message rate",
			"received", n,
			"interval", m.interval.String(),
		)
	}
	return n
}
