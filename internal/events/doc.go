// Package events relays registry events to external brokers.
//
// The registry keeps an append-only, sequence-numbered event log. A Relay
// polls that log from a cursor, encodes each event and hands it to a
// Publisher (in-memory, Redis Streams or a RabbitMQ topic exchange). The
// cursor only advances after a successful publish, so delivery is
// at-least-once and consumers should deduplicate by sequence number.
package events
