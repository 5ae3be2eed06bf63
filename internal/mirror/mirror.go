// Package mirror broadcasts published call state changes to a local MQTT
// broker so dashboards and home-automation consumers can follow call
// activity without touching the contact-tracking system.
package mirror

import "context"

// Mirror defines the interface for broadcasting state-change messages.
type Mirror interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}
