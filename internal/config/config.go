// Package config handles espresense configuration loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultNamespace is the topic root ESPresense nodes publish under.
const DefaultNamespace = "espresense"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/espresense/config.yaml, /etc/espresense/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "espresense", "config.yaml"))
	}

	paths = append(paths, "/etc/espresense/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all espresense configuration.
type Config struct {
	MQTT      MQTTConfig        `yaml:"mqtt"`
	Liveness  LivenessConfig    `yaml:"liveness"`
	Listen    ListenConfig      `yaml:"listen"`
	Discovery DiscoveryConfig   `yaml:"discovery"`
	Devices   map[string]string `yaml:"devices"` // legacy static id → name mapping
	Rooms     []RoomConfig      `yaml:"rooms"`
	DataDir   string            `yaml:"data_dir"`
	LogLevel  string            `yaml:"log_level"`
	LogFormat string            `yaml:"log_format"` // text (default) or json
}

// MQTTConfig is the flat option set the transport consumes. Host, port,
// username and password are passed through to the broker unchanged.
type MQTTConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Namespace    string `yaml:"namespace"`
	ClientID     string `yaml:"client_id"`
	KeepAliveSec int    `yaml:"keepalive_sec"`
	TLS          bool   `yaml:"tls"`
}

// Configured reports whether a broker host is known.
func (c MQTTConfig) Configured() bool {
	return c.Host != ""
}

// BrokerURL renders the host/port pair as a URL understood by autopaho.
func (c MQTTConfig) BrokerURL() string {
	scheme := "mqtt"
	if c.TLS {
		scheme = "mqtts"
	}
	return scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LivenessConfig controls the periodic absence check. A negative
// threshold disables its transition; zero takes the default.
type LivenessConfig struct {
	CheckInterval   time.Duration `yaml:"check_interval"`
	OfflineAfter    time.Duration `yaml:"offline_after"`
	AbsentAfter     time.Duration `yaml:"absent_after"`
	ReactivateAfter time.Duration `yaml:"reactivate_after"`
}

// ListenConfig configures the HTTP API. Port 0 disables it.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DiscoveryConfig enables mDNS lookup of the broker when mqtt.host is
// empty, and optional mDNS advertisement of the HTTP API.
type DiscoveryConfig struct {
	MDNS      bool          `yaml:"mdns"`
	Service   string        `yaml:"service"`
	Timeout   time.Duration `yaml:"timeout"`
	Advertise bool          `yaml:"advertise"` // announce the API as _espresense._tcp
}

// DefaultLostAfter is how long a room may go without reporting a
// device before the sensor treats it as out of range.
const DefaultLostAfter = 30 * time.Second

// RoomConfig declares a room that gets a proximity sensor.
type RoomConfig struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	MaxDistance float64 `yaml:"max_distance"`
	// LostAfter is the per-room loss window. Negative disables it, so
	// only a global absence counts as leaving the room.
	LostAfter time.Duration `yaml:"lost_after"`
	Rules     []RuleConfig  `yaml:"rules"`
}

// RuleConfig is a distance trigger for a named device within a room.
// Exactly one of CloserThan and FurtherThan should be set.
type RuleConfig struct {
	Device      string  `yaml:"device"` // device display name
	CloserThan  float64 `yaml:"closer_than"`
	FurtherThan float64 `yaml:"further_than"`
}

// Load reads configuration from a YAML file. A .env file next to the
// working directory is loaded first so ${VAR} references can resolve
// against it; its absence is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.Namespace == "" {
		c.MQTT.Namespace = DefaultNamespace
	}
	c.MQTT.Namespace = strings.Trim(c.MQTT.Namespace, "/")
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 30
	}
	if c.Liveness.CheckInterval == 0 {
		c.Liveness.CheckInterval = 30 * time.Second
	}
	if c.Liveness.OfflineAfter == 0 {
		c.Liveness.OfflineAfter = 30 * time.Second
	}
	if c.Liveness.AbsentAfter == 0 {
		c.Liveness.AbsentAfter = 2 * time.Minute
	}
	if c.Liveness.ReactivateAfter == 0 {
		c.Liveness.ReactivateAfter = 5 * time.Minute
	}
	if c.Discovery.Service == "" {
		c.Discovery.Service = "_mqtt._tcp"
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = 5 * time.Second
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	for i := range c.Rooms {
		if c.Rooms[i].LostAfter == 0 {
			c.Rooms[i].LostAfter = DefaultLostAfter
		}
	}
}

// Validate checks the configuration for values that cannot work. All
// problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
	}
	if !c.MQTT.Configured() && !c.Discovery.MDNS {
		errs = append(errs, errors.New("mqtt.host is required unless discovery.mdns is enabled"))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Liveness.CheckInterval < 0 {
		errs = append(errs, fmt.Errorf("liveness.check_interval (%s) must not be negative", c.Liveness.CheckInterval))
	}
	if c.Liveness.OfflineAfter > 0 && c.Liveness.AbsentAfter > 0 && c.Liveness.AbsentAfter < c.Liveness.OfflineAfter {
		errs = append(errs, fmt.Errorf("liveness.absent_after (%s) must not be shorter than liveness.offline_after (%s)",
			c.Liveness.AbsentAfter, c.Liveness.OfflineAfter))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	seen := make(map[string]bool, len(c.Rooms))
	for i, r := range c.Rooms {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("rooms[%d]: id is required", i))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("rooms[%d]: duplicate id %q", i, r.ID))
		}
		seen[r.ID] = true
		for j, rule := range r.Rules {
			if rule.Device == "" {
				errs = append(errs, fmt.Errorf("rooms[%d].rules[%d]: device is required", i, j))
			}
			if (rule.CloserThan > 0) == (rule.FurtherThan > 0) {
				errs = append(errs, fmt.Errorf("rooms[%d].rules[%d]: set exactly one of closer_than or further_than", i, j))
			}
		}
	}

	return errors.Join(errs...)
}
