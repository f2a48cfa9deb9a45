// Package mqtt forwards deckforge events to an MQTT broker so runs can
// be watched from dashboards and home automation.
//
// Every event published on the [events.Bus] is sent as JSON to
// <topic_prefix>/events/<source>/<kind>. A retained availability topic
// reports "online" while the forwarder is connected, and a will message
// flips it to "offline" on unexpected disconnects. Running totals per
// event kind are published retained to <topic_prefix>/stats after each
// run and on shutdown.
//
// The forwarder uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. Publishing never
// blocks the pipeline: events reach the forwarder through a buffered
// bus subscription and are dropped when the buffer or the outbound rate
// limit is exceeded.
package mqtt
