package contact

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MockClient records all client calls for test assertions. Contact ids
// are generated locally in the same shape the real system returns.
type MockClient struct {
	mu         sync.Mutex
	creates    []CreateRequest
	updates    []UpdateRequest
	heartbeats []Heartbeat

	createErr    error
	updateErr    error
	heartbeatErr error

	// failCreates / failUpdates make the next N calls fail before the
	// configured error is cleared, for retry tests.
	failCreates int
	failUpdates int
}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) CreateContact(_ context.Context, req CreateRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		if m.failCreates > 0 {
			m.failCreates--
			if m.failCreates == 0 {
				defer func() { m.createErr = nil }()
			}
		}
		return "", m.createErr
	}
	m.creates = append(m.creates, req)
	return "contact-" + uuid.NewString()[:8], nil
}

func (m *MockClient) UpdateContact(_ context.Context, req UpdateRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		if m.failUpdates > 0 {
			m.failUpdates--
			if m.failUpdates == 0 {
				defer func() { m.updateErr = nil }()
			}
		}
		return m.updateErr
	}
	m.updates = append(m.updates, req)
	return nil
}

func (m *MockClient) SendHeartbeat(_ context.Context, hb Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heartbeatErr != nil {
		return m.heartbeatErr
	}
	m.heartbeats = append(m.heartbeats, hb)
	return nil
}

// Creates returns a copy of all recorded create requests.
func (m *MockClient) Creates() []CreateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CreateRequest, len(m.creates))
	copy(out, m.creates)
	return out
}

// Updates returns a copy of all recorded update requests.
func (m *MockClient) Updates() []UpdateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UpdateRequest, len(m.updates))
	copy(out, m.updates)
	return out
}

// Heartbeats returns a copy of all recorded heartbeats.
func (m *MockClient) Heartbeats() []Heartbeat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Heartbeat, len(m.heartbeats))
	copy(out, m.heartbeats)
	return out
}

// SetCreateError makes CreateContact fail with err. Pass nil to clear.
func (m *MockClient) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
	m.failCreates = 0
}

// SetUpdateError makes UpdateContact fail with err. Pass nil to clear.
func (m *MockClient) SetUpdateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateErr = err
	m.failUpdates = 0
}

// SetHeartbeatError makes SendHeartbeat fail with err. Pass nil to clear.
func (m *MockClient) SetHeartbeatError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeatErr = err
}

// FailUpdates makes the next n UpdateContact calls fail with err, then
// clears the error.
func (m *MockClient) FailUpdates(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateErr = err
	m.failUpdates = n
}

// FailCreates makes the next n CreateContact calls fail with err, then
// clears the error.
func (m *MockClient) FailCreates(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
	m.failCreates = n
}
