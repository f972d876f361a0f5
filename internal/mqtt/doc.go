// Package mqtt is the broker side of proctrigger: a single publish-only
// connection to an MQTT broker that survives broker restarts.
//
// The [Client] wraps Eclipse Paho v2's [autopaho] connection manager.
// autopaho owns the reconnect loop; the client adds a local connected
// flag so callers can check connectivity without a network round-trip,
// and drops publishes while disconnected instead of queueing them.
// Reconfiguring the broker address tears down the old connection
// manager and starts a new one.
package mqtt
