// Package mqtt publishes toolbridge audit records to an MQTT broker for
// analytics consumers that prefer a stream over polling the audit
// database.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic; a will message moves that topic to "offline" on
// unexpected disconnects. Publishing is best-effort: while the broker
// is unreachable records are dropped, and a rate limiter sheds load
// when tool traffic spikes.
package mqtt
