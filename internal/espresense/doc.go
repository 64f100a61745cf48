// Package espresense reconstructs the live state of an ESPresense
// installation from its MQTT topic tree.
//
// ESPresense receiver nodes ("rooms") announce themselves and their
// settings under <ns>/rooms/<roomId>[/<property>], and publish one JSON
// reading per detected beacon ("device") and room under
// <ns>/devices/<deviceId>/<roomId>. The [Engine] classifies each inbound
// message with a [Router], merges it into the room and device tables held
// by [State], and fans the result out through a [Hub] to any number of
// independent consumers.
//
// Names are local: they are never carried in payloads and are assigned
// only through [Engine.RegisterRoom] and [Engine.RegisterDevice]. A
// reading for a known device replaces every telemetry field but keeps
// the name and anonymity flag already on record, so rediscovery never
// clobbers a user-assigned name.
//
// All table mutations and listener invocations for one message complete
// before the next message is processed. [Engine.Run] owns that single
// logical thread; liveness checks run on the same loop.
package espresense
