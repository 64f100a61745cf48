package espresense

import "strings"

// RouteKind classifies an inbound topic.
type RouteKind int

const (
	// RouteIgnored marks topics outside both families.
	RouteIgnored RouteKind = iota
	// RouteRoom marks <ns>/rooms/<roomId>[/<property>].
	RouteRoom
	// RouteDevice marks <ns>/devices/<deviceId>[/<roomId>].
	RouteDevice
)

func (k RouteKind) String() string {
	switch k {
	case RouteRoom:
		return "room"
	case RouteDevice:
		return "device"
	default:
		return "ignored"
	}
}

// Route is the result of classifying a topic. For rooms, Sub is the
// property name; for devices it is the id of the reporting room. Sub is
// empty when the topic has no second segment.
type Route struct {
	Kind RouteKind
	ID   string
	Sub  string
}

// Router classifies topics below one namespace.
type Router struct {
	namespace     string
	roomPrefix    string
	devicePrefix  string
	roomFilter    string
	devicesFilter string
}

// NewRouter builds a router for the namespace (e.g. "espresense").
// Leading and trailing slashes are ignored.
func NewRouter(namespace string) Router {
	ns := strings.Trim(namespace, "/")
	return Router{
		namespace:     ns,
		roomPrefix:    ns + "/rooms/",
		devicePrefix:  ns + "/devices/",
		roomFilter:    ns + "/rooms/#",
		devicesFilter: ns + "/devices/#",
	}
}

// Namespace returns the topic root.
func (r Router) Namespace() string { return r.namespace }

// Filters returns the two subscription filters covering every topic the
// router recognizes.
func (r Router) Filters() []string {
	return []string{r.roomFilter, r.devicesFilter}
}

// Classify splits a topic into its family, entity id and optional second
// segment. Segments beyond the second are ignored. Unknown topics return
// [ErrUnknownTopic]; a recognized family with an empty id returns
// [ErrEmptyID].
func (r Router) Classify(topic string) (Route, error) {
	var kind RouteKind
	var rest string
	switch {
	case strings.HasPrefix(topic, r.roomPrefix):
		kind, rest = RouteRoom, topic[len(r.roomPrefix):]
	case strings.HasPrefix(topic, r.devicePrefix):
		kind, rest = RouteDevice, topic[len(r.devicePrefix):]
	default:
		return Route{}, ErrUnknownTopic
	}

	parts := strings.SplitN(rest, "/", 3)
	if parts[0] == "" {
		return Route{}, ErrEmptyID
	}

	route := Route{Kind: kind, ID: parts[0]}
	if len(parts) > 1 {
		route.Sub = parts[1]
	}
	return route, nil
}
