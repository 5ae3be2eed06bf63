package mirror

import (
	"context"
	"sync"
)

// Message is one broadcast message as a consumer would see it.
type Message struct {
	Topic   string
	Payload []byte
}

// MockMirror is an in-memory Mirror for tests. It keeps every message in
// publish order and indexed by topic, and can be told to fail.
type MockMirror struct {
	mu      sync.Mutex
	order   []Message
	byTopic map[string][][]byte
	failErr error
	closed  bool
}

// NewMockMirror creates an empty MockMirror.
func NewMockMirror() *MockMirror {
	return &MockMirror{byTopic: make(map[string][][]byte)}
}

func (m *MockMirror) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	p := append([]byte(nil), payload...)
	m.order = append(m.order, Message{Topic: topic, Payload: p})
	m.byTopic[topic] = append(m.byTopic[topic], p)
	return nil
}

func (m *MockMirror) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Messages returns every broadcast message in publish order.
func (m *MockMirror) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.order...)
}

// TopicPayloads returns the payloads broadcast to one topic, in order.
func (m *MockMirror) TopicPayloads(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.byTopic[topic]...)
}

// Closed reports whether Close was called.
func (m *MockMirror) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetError makes subsequent Publish calls fail with err. Pass nil to clear.
func (m *MockMirror) SetError(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}
