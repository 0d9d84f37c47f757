// Package bus implements the topic-based pub/sub adapter from spec.md
// §4.3: a fixed topic hierarchy (stf/<device>/cmd/<action>,
// stf/<device>/status, stf/global/*), JSON payloads validated against a
// per-topic schema at the boundary, best-effort ordering per
// (publisher, topic), and a bounded reconnect buffer that drops oldest on
// overflow. Two transports satisfy the same Bus interface: an in-process
// one grounded on the teacher's channel-broadcast idiom (see memory.go),
// and an MQTT-backed one for a real broker (see mqtt.go).
package bus

import (
	"context"
	"errors"
)

// Message is a single bus payload observed on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives messages delivered to a subscription.
type Handler func(Message)

// Bus is the adapter surface every transport implements.
type Bus interface {
	// Publish sends payload to topic. At-most-once for command topics
	// (the executor retries idempotently at its own layer); at-least-once
	// for status topics (the transport retries on reconnect).
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for all topics matching pattern
	// (a fixed hierarchy, no wildcards beyond the documented
	// stf/global/* and stf/<device>/cmd/* forms). Returns an unsubscribe
	// function.
	Subscribe(pattern string, handler Handler) (unsubscribe func())

	// Connected reports whether the transport currently has a live
	// connection to its broker (always true for the in-process transport).
	Connected() bool

	// Close releases transport resources.
	Close() error
}

// ErrBufferOverflow is logged (not returned) when the reconnect buffer
// drops a message; exported so tests can assert on the drop path via a
// transport's DropCount instead of parsing log lines.
var ErrBufferOverflow = errors.New("bus: reconnect buffer overflow, dropped oldest")

// Topic builders. Keeping these as functions instead of ad-hoc
// fmt.Sprintf call sites at every publish/subscribe call keeps the fixed
// hierarchy in spec.md §4.3 in exactly one place.

// CommandTopic returns the topic a device's "action" command is published
// on, e.g. CommandTopic("hbw", "move") -> "stf/hbw/cmd/move".
func CommandTopic(device, action string) string {
	return "stf/" + device + "/cmd/" + action
}

// StatusTopic returns the topic a device publishes its periodic status
// snapshot on.
func StatusTopic(device string) string {
	return "stf/" + device + "/status"
}

// GlobalTopic returns a broadcast-event topic under stf/global/*.
func GlobalTopic(event string) string {
	return "stf/global/" + event
}
