// Package discovery finds the MQTT broker on the local network over
// mDNS and announces the tracker's own HTTP API the same way.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsDomain = "local."

	// APIServiceType is the service type the HTTP API is advertised as.
	APIServiceType = "_espresense._tcp"
)

// ErrNotFound is returned when no broker answered before the timeout.
var ErrNotFound = errors.New("no mqtt broker found via mdns")

// Endpoint is a resolved broker address.
type Endpoint struct {
	Instance string
	Host     string
	Port     int
}

// Broker browses for service (for example "_mqtt._tcp") and returns the
// first usable answer. It gives up after timeout.
func Broker(ctx context.Context, service string, timeout time.Duration, logger *slog.Logger) (Endpoint, error) {
	if logger == nil {
		logger = slog.Default()
	}
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return Endpoint{}, fmt.Errorf("create mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(ctx, service, mdnsDomain, entries); err != nil {
		return Endpoint{}, fmt.Errorf("browse %s: %w", service, err)
	}
	logger.Info("browsing for mqtt broker", "service", service, "timeout", timeout)

	for {
		select {
		case <-ctx.Done():
			return Endpoint{}, ErrNotFound
		case e, ok := <-entries:
			if !ok {
				return Endpoint{}, ErrNotFound
			}
			if ep, ok := endpointFrom(e); ok {
				logger.Info("mqtt broker discovered",
					"instance", ep.Instance,
					"host", ep.Host,
					"port", ep.Port,
				)
				return ep, nil
			}
		}
	}
}

// endpointFrom picks an address for an entry, preferring IPv4, then
// IPv6, then the advertised host name.
func endpointFrom(e *zeroconf.ServiceEntry) (Endpoint, bool) {
	if e == nil || e.Port <= 0 {
		return Endpoint{}, false
	}
	ep := Endpoint{Instance: e.Instance, Port: e.Port}
	switch {
	case firstUsable(e.AddrIPv4) != nil:
		ep.Host = firstUsable(e.AddrIPv4).String()
	case firstUsable(e.AddrIPv6) != nil:
		ep.Host = firstUsable(e.AddrIPv6).String()
	case e.HostName != "":
		ep.Host = strings.TrimSuffix(e.HostName, ".")
	default:
		return Endpoint{}, false
	}
	return ep, true
}

func firstUsable(ips []net.IP) net.IP {
	for _, ip := range ips {
		if ip != nil && !ip.IsUnspecified() && !ip.IsLinkLocalUnicast() {
			return ip
		}
	}
	return nil
}

// Advertiser announces the HTTP API over mDNS until shut down.
type Advertiser struct {
	server *zeroconf.Server
	logger *slog.Logger
}

// Advertise registers the API on port with a TXT record carrying the
// version and topic namespace.
func Advertise(port int, version, namespace string, logger *slog.Logger) (*Advertiser, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	if logger == nil {
		logger = slog.Default()
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "espresense"
	}
	instance := instanceName(hostname)
	txt := []string{
		"version=" + version,
		"namespace=" + namespace,
		"path=/v1",
	}

	server, err := zeroconf.Register(instance, APIServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return &Advertiser{server: server, logger: logger}, nil
}

// Shutdown withdraws the advertisement. Safe on a nil receiver.
func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.logger.Info("mDNS advertisement stopped")
}

// instanceName builds a DNS-SD instance label from the host name.
func instanceName(hostname string) string {
	cleaned := strings.TrimSpace(hostname)
	if i := strings.IndexByte(cleaned, '.'); i > 0 {
		cleaned = cleaned[:i]
	}
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", "_", " ").Replace(cleaned)
	name := "ESPresense Tracker (" + cleaned + ")"
	if cleaned == "" {
		name = "ESPresense Tracker"
	}
	runes := []rune(name)
	const maxLen = 63
	if len(runes) > maxLen {
		name = string(runes[:maxLen])
	}
	return name
}
