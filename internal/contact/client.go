// Package contact publishes call state transitions to the external
// contact-tracking system and owns the call-to-contact identifier mapping.
package contact

import (
	"context"
	"time"
)

// CreateRequest asks the contact-tracking system to create a new contact.
type CreateRequest struct {
	InitiatedAt time.Time         `json:"initiation_timestamp"`
	Attributes  map[string]string `json:"attributes"`
}

// UpdateRequest pushes a state transition for an existing contact.
type UpdateRequest struct {
	ContactID  string            `json:"contact_id"`
	State      string            `json:"state"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes"`
}

// Heartbeat is the periodic liveness signal.
type Heartbeat struct {
	Status          string    `json:"monitor_status"`
	Timestamp       time.Time `json:"timestamp"`
	EventsPublished int64     `json:"events_sent"`
}

// Client talks to the contact-tracking system.
type Client interface {
	// CreateContact creates a contact and returns its external id.
	CreateContact(ctx context.Context, req CreateRequest) (string, error)

	// UpdateContact pushes a state transition.
	UpdateContact(ctx context.Context, req UpdateRequest) error

	// SendHeartbeat emits a liveness signal.
	SendHeartbeat(ctx context.Context, hb Heartbeat) error
}
