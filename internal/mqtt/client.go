package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/espresense-tracker/internal/config"
)

// Meter defaults: warn when a single minute carries more than this many
// messages. A large install with dozens of nodes and beacons sits well
// below it.
const (
	meterInterval = time.Minute
	meterWarnAt   = 60000
)

// ErrNotConnected is returned by [Client.AwaitConnection] before
// [Client.Connect] has been called.
var ErrNotConnected = errors.New("mqtt client not connected")

// Client is the broker transport. The zero value is not usable; create
// one with [New].
type Client struct {
	instance uuid.UUID
	logger   *slog.Logger
	meter    *messageMeter

	connected atomic.Bool

	mu      sync.Mutex
	cm      *autopaho.ConnectionManager
	cancel  context.CancelFunc
	filters []string
}

// New creates a client. It does not connect.
func New(instance uuid.UUID, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		instance: instance,
		logger:   logger,
		meter:    newMessageMeter(meterWarnAt, meterInterval, logger),
	}
}

// Connect starts a managed connection to the broker described by cfg.
// It returns as soon as the connection manager is running; the first
// connection attempt and every retry happen in the background, so an
// unreachable broker is reported through [Client.Connected], not here.
// Any previous connection is torn down first, keeping its filters.
func (c *Client) Connect(ctx context.Context, cfg config.MQTTConfig, deliver func(topic string, payload []byte)) error {
	brokerURL, err := url.Parse(cfg.BrokerURL())
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if deliver == nil {
		return errors.New("mqtt connect: nil message handler")
	}

	c.mu.Lock()
	filters := append([]string(nil), c.filters...)
	c.mu.Unlock()
	if err := c.Disconnect(ctx); err != nil {
		c.logger.Debug("mqtt previous connection close failed", "error", err)
	}
	c.mu.Lock()
	c.filters = filters
	c.mu.Unlock()

	handler := tracingHandler(c.logger, deliver)
	broker := brokerURL.Redacted()

	keepAlive := cfg.KeepAliveSec
	if keepAlive <= 0 || keepAlive > 65535 {
		keepAlive = 30
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  uint16(keepAlive),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.connected.Store(true)
			c.logger.Info("mqtt connected to broker", "broker", broker)
			c.resubscribe(cm)
		},
		OnConnectError: func(err error) {
			c.connected.Store(false)
			c.logger.Warn("mqtt connection error", "broker", broker, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: ClientID(cfg.ClientID, c.instance),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.meter.observe()
					handler(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				c.connected.Store(false)
				c.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.connected.Store(false)
				c.logger.Warn("mqtt server disconnected", "reason_code", d.ReasonCode)
			},
		},
	}
	if cfg.Username != "" {
		pahoCfg.ConnectUsername = cfg.Username
	}
	if cfg.Password != "" {
		pahoCfg.ConnectPassword = []byte(cfg.Password)
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// The connection outlives the caller's context; Disconnect ends it.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cm, err := autopaho.NewConnection(connCtx, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}

	c.mu.Lock()
	c.cm = cm
	c.cancel = cancel
	c.mu.Unlock()

	go c.meter.start(connCtx)

	c.logger.Debug("mqtt connection manager started",
		"broker", broker,
		"client_id", pahoCfg.ClientID,
	)
	return nil
}

func (c *Client) resubscribe(cm *autopaho.ConnectionManager) {
	c.mu.Lock()
	filters := append([]string(nil), c.filters...)
	c.mu.Unlock()
	if len(filters) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := make([]paho.SubscribeOptions, len(filters))
	for i, f := range filters {
		opts[i] = paho.SubscribeOptions{Topic: f, QoS: 0}
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Warn("mqtt resubscribe failed", "filters", filters, "error", err)
		return
	}
	c.logger.Debug("mqtt subscribed", "filters", filters)
}

// Subscribe adds filter to the subscription set. While connected the
// subscription is also sent to the broker; otherwise it is sent on the
// next connection.
func (c *Client) Subscribe(ctx context.Context, filter string) error {
	c.mu.Lock()
	if !slices.Contains(c.filters, filter) {
		c.filters = append(c.filters, filter)
	}
	cm := c.cm
	c.mu.Unlock()

	if cm == nil || !c.connected.Load() {
		return nil
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 0}},
	}); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", filter, err)
	}
	c.logger.Debug("mqtt subscribed", "filter", filter)
	return nil
}

// Unsubscribe removes filter from the subscription set, and from the
// broker when connected.
func (c *Client) Unsubscribe(ctx context.Context, filter string) error {
	c.mu.Lock()
	c.filters = slices.DeleteFunc(c.filters, func(f string) bool { return f == filter })
	cm := c.cm
	c.mu.Unlock()

	if cm == nil || !c.connected.Load() {
		return nil
	}
	if _, err := cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{filter}}); err != nil {
		return fmt.Errorf("mqtt unsubscribe %s: %w", filter, err)
	}
	c.logger.Debug("mqtt unsubscribed", "filter", filter)
	return nil
}

// Disconnect closes the connection and clears the subscription set. It
// is a no-op when not connected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cm, cancel := c.cm, c.cancel
	c.cm, c.cancel = nil, nil
	c.filters = nil
	c.mu.Unlock()

	if cm == nil {
		return nil
	}
	defer cancel()

	if !c.connected.Swap(false) {
		// Still retrying; stopping the manager is enough.
		cancel()
		select {
		case <-cm.Done():
		case <-ctx.Done():
			return fmt.Errorf("mqtt disconnect: %w", ctx.Err())
		}
		c.logger.Info("mqtt connection attempts stopped")
		return nil
	}

	if err := cm.Disconnect(ctx); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	c.logger.Info("mqtt disconnected", "messages", c.meter.Total())
	return nil
}

// Connected reports whether the broker link is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (c *Client) AwaitConnection(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.mu.Unlock()
	if cm == nil {
		return ErrNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// Filters returns the current subscription set.
func (c *Client) Filters() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.filters...)
}
