package sink

import (
	"sync"

	"github.com/maxpert/sqlwatch/queue"
)

// MockSink records published messages for tests
type MockSink struct {
	Messages   []MockMessage
	PublishErr error
	// FailTimes makes the first N publishes fail with PublishErr
	FailTimes int
	mu        sync.Mutex
	attempts  int
}

// MockMessage is one recorded publish
type MockMessage struct {
	Topic   string
	Message queue.Message
}

func (m *MockSink) Publish(topic string, msg queue.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	if m.PublishErr != nil && (m.FailTimes == 0 || m.attempts <= m.FailTimes) {
		return m.PublishErr
	}

	m.Messages = append(m.Messages, MockMessage{Topic: topic, Message: msg})
	return nil
}

func (m *MockSink) Close() error {
	return nil
}

// Published returns a copy of the recorded messages
func (m *MockSink) Published() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Messages...)
}

// Attempts returns how many times Publish was called
func (m *MockSink) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
	m.attempts = 0
}
