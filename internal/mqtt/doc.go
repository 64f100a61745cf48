// Package mqtt owns the single broker connection used to receive
// ESPresense traffic.
//
// The client uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. It keeps the set of topic
// filters it has been asked for and re-subscribes to all of them on
// every (re-)connect, so retained room and device state is replayed
// after a broker restart. While the link is down, Subscribe and
// Unsubscribe only update that set.
//
// Inbound publishes are handed to a single [MessageHandler] in the
// order paho delivers them. The package has no knowledge of topic
// layout or payloads.
package mqtt
