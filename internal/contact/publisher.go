package contact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweeney/cti-bridge/internal/registry"
	"github.com/sweeney/cti-bridge/internal/route"
)

// ErrNotEligible is returned by Publish for events the router ruled out.
// No external call is made in that case.
var ErrNotEligible = errors.New("event not eligible for publishing")

// AttrCallID is the attribute key carrying the originating call
// identifier on every outbound request, so operators can audit the
// correlation between both systems.
const AttrCallID = "call_id"

// SessionStore is the registry surface the publisher writes contact ids
// back to.
type SessionStore interface {
	SetContactID(callID, contactID string)
}

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Publisher maintains the call-to-contact mapping and pushes state
// transitions to the contact-tracking system with retries. Publishes for
// the same call are serialized; different calls proceed in parallel.
type Publisher struct {
	client   Client
	sessions SessionStore
	logger   *slog.Logger

	maxAttempts int
	baseDelay   time.Duration
	clock       Clock
	sleep       func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	mapping map[string]string
	locks   map[string]*sync.Mutex

	published     atomic.Int64
	dropped       atomic.Int64
	lastHeartbeat atomic.Int64 // unix nanos, 0 until the first heartbeat
}

// Options configures a Publisher.
type Options struct {
	MaxAttempts int           // total delivery attempts per event, default 3
	BaseDelay   time.Duration // retry delay grows linearly from this, default 1s
	Clock       Clock

	// Sleep waits between attempts. Defaults to a context-aware
	// time.After; override in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewPublisher creates a Publisher using client for outbound calls and
// sessions to record created contact ids.
func NewPublisher(client Client, sessions SessionStore, logger *slog.Logger, opts Options) *Publisher {
	p := &Publisher{
		client:      client,
		sessions:    sessions,
		logger:      logger,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		clock:       opts.Clock,
		mapping:     make(map[string]string),
		locks:       make(map[string]*sync.Mutex),
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if p.baseDelay <= 0 {
		p.baseDelay = time.Second
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	p.sleep = opts.Sleep
	if p.sleep == nil {
		p.sleep = func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		}
	}
	return p
}

// Publish delivers one classified event for the given session. It is a
// no-op returning ErrNotEligible when the router ruled the event out.
// Delivery is get-or-create followed by a state update; the whole attempt
// is retried on failure with a linearly growing delay. After exhausting
// all attempts the event is dropped; there is no durable retry queue.
func (p *Publisher) Publish(ctx context.Context, eventType string, decision route.Decision, session registry.Session) error {
	if !decision.Publish {
		return ErrNotEligible
	}

	lock := p.lockFor(session.CallID)
	lock.Lock()
	defer lock.Unlock()

	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := p.baseDelay * time.Duration(attempt-1)
			if serr := p.sleep(ctx, delay); serr != nil {
				break
			}
			p.logger.Info("retrying publish",
				"call_id", session.CallID, "event_type", eventType, "attempt", attempt)
		}

		if err = p.attempt(ctx, eventType, decision, session); err == nil {
			p.published.Add(1)
			return nil
		}
	}

	p.dropped.Add(1)
	p.logger.Error("publish failed permanently, dropping event",
		"call_id", session.CallID, "event_type", eventType,
		"attempts", p.maxAttempts, "error", err)
	return fmt.Errorf("publishing %s for call %s: %w", eventType, session.CallID, err)
}

// attempt is one full delivery: resolve or create the contact, then push
// the state update. A create failure fails the attempt as a whole, so no
// partial mapping state is left behind.
func (p *Publisher) attempt(ctx context.Context, eventType string, decision route.Decision, session registry.Session) error {
	contactID, ok := p.lookup(session.CallID)
	if !ok {
		id, err := p.client.CreateContact(ctx, CreateRequest{
			InitiatedAt: session.StartedAt,
			Attributes:  createAttributes(session),
		})
		if err != nil {
			return fmt.Errorf("creating contact: %w", err)
		}
		p.store(session.CallID, id)
		p.sessions.SetContactID(session.CallID, id)
		p.logger.Info("created contact", "call_id", session.CallID, "contact_id", id)
		contactID = id
	}

	now := p.clock()
	err := p.client.UpdateContact(ctx, UpdateRequest{
		ContactID:  contactID,
		State:      stateFor(decision.Category),
		Timestamp:  now,
		Attributes: updateAttributes(eventType, decision.Category, session, now),
	})
	if err != nil {
		return fmt.Errorf("updating contact %s: %w", contactID, err)
	}

	// A released call never gets another eligible event; drop the mapping
	// right away so it cannot outlive the call.
	if decision.Category == route.CategoryReleased {
		p.remove(session.CallID)
	}
	return nil
}

// RunHeartbeat emits a liveness signal every interval until ctx is
// cancelled. Heartbeat failures are logged and never retried; they do not
// affect event publishing.
func (p *Publisher) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hb := Heartbeat{
				Status:          "ACTIVE",
				Timestamp:       p.clock(),
				EventsPublished: p.published.Load(),
			}
			if err := p.client.SendHeartbeat(ctx, hb); err != nil {
				p.logger.Warn("heartbeat failed", "error", err)
				continue
			}
			p.lastHeartbeat.Store(hb.Timestamp.UnixNano())
		}
	}
}

// Stats is a point-in-time view of publisher counters.
type Stats struct {
	Published     int64
	Dropped       int64
	Mappings      int
	LastHeartbeat time.Time
}

// Stats returns current counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	mappings := len(p.mapping)
	p.mu.Unlock()

	s := Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Mappings:  mappings,
	}
	if ns := p.lastHeartbeat.Load(); ns != 0 {
		s.LastHeartbeat = time.Unix(0, ns)
	}
	return s
}

// HasMapping reports whether a contact mapping exists for callID.
func (p *Publisher) HasMapping(callID string) bool {
	_, ok := p.lookup(callID)
	return ok
}

func (p *Publisher) lookup(callID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.mapping[callID]
	return id, ok
}

func (p *Publisher) store(callID, contactID string) {
	p.mu.Lock()
	p.mapping[callID] = contactID
	p.mu.Unlock()
}

func (p *Publisher) remove(callID string) {
	p.mu.Lock()
	delete(p.mapping, callID)
	p.mu.Unlock()
}

// lockFor returns the per-call mutex, creating it on first use. Lock
// entries are retained for the process lifetime; the set of distinct call
// ids between restarts is small enough that this has not mattered.
func (p *Publisher) lockFor(callID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[callID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[callID] = lock
	}
	return lock
}

// stateFor maps a routing category to the contact-tracking system's
// target state vocabulary.
func stateFor(c route.Category) string {
	switch c {
	case route.CategoryRinging:
		return "RINGING"
	case route.CategoryQueued:
		return "QUEUED"
	case route.CategoryDiverted:
		return "CONNECTED"
	case route.CategoryPartyChanged:
		return "PARTY_CHANGED"
	case route.CategoryReleased:
		return "ENDED"
	case route.CategoryMediaStart:
		return "MEDIA_STARTING"
	case route.CategoryMediaEnd:
		return "MEDIA_ENDED"
	default:
		return "CUSTOM_EVENT"
	}
}

func createAttributes(session registry.Session) map[string]string {
	attrs := map[string]string{AttrCallID: session.CallID}
	for _, key := range []string{"ani", "dnis", "ucid"} {
		if v, ok := session.Metadata[key]; ok {
			attrs[key] = v
		}
	}
	return attrs
}

func updateAttributes(eventType string, category route.Category, session registry.Session, now time.Time) map[string]string {
	attrs := map[string]string{
		AttrCallID:   session.CallID,
		"event_type": eventType,
	}

	switch category {
	case route.CategoryQueued:
		if v, ok := session.Metadata["queueId"]; ok {
			attrs["queue_id"] = v
		}
	case route.CategoryDiverted:
		if v, ok := session.Metadata["agentId"]; ok {
			attrs["agent_id"] = v
		}
	case route.CategoryReleased:
		secs := int64(now.Sub(session.StartedAt).Seconds())
		attrs["call_duration"] = strconv.FormatInt(secs, 10)
	case route.CategoryPartyChanged, route.CategoryUnknown:
		for k, v := range session.Metadata {
			attrs[k] = v
		}
		if category == route.CategoryUnknown {
			attrs["custom_event_type"] = eventType
		}
	}
	return attrs
}
