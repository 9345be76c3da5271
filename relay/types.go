package relay

import (
	"time"

	"github.com/maxpert/sqlwatch/queue"
)

// Event is one invalidation message as stored in the relay log
type Event struct {
	SeqNum       uint64 `msgpack:"seq"`  // Monotonic sequence
	MessageID    string `msgpack:"id"`   // Store queue row id
	Queue        string `msgpack:"q"`    // Queue the registration named
	Type         string `msgpack:"type"` // change or timeout
	Conversation string `msgpack:"conv"` // Correlation token of the registration
	Body         []byte `msgpack:"body"`
	EnqueuedAt   int64  `msgpack:"ts"` // Unix ms
}

// EventFromMessage converts a drained store queue message
func EventFromMessage(m queue.Message) Event {
	return Event{
		MessageID:    m.ID,
		Queue:        m.Queue,
		Type:         m.Type,
		Conversation: m.Conversation,
		Body:         m.Body,
		EnqueuedAt:   m.EnqueuedAt.UnixMilli(),
	}
}

// Message rebuilds the queue message a broker receive will see
func (e Event) Message() queue.Message {
	return queue.Message{
		ID:           e.MessageID,
		Queue:        e.Queue,
		Type:         e.Type,
		Conversation: e.Conversation,
		Body:         e.Body,
		EnqueuedAt:   time.UnixMilli(e.EnqueuedAt),
	}
}

// Sink represents a destination for relayed invalidations (NATS, Kafka)
type Sink interface {
	// Publish sends msg to topic. Implementations carry the message id, type
	// and conversation as broker headers.
	Publish(topic string, msg queue.Message) error
	// Close releases any resources held by the sink
	Close() error
}

// Filter determines whether an event should be published
type Filter interface {
	// Match returns true if events for queue should be published
	Match(queue string) bool
}
