// Package discovery tracks every event type the bridge has ever seen.
// The set of event names a given switch deployment emits is not documented
// anywhere, so this table is how operators find out what they are actually
// receiving. It is diagnostic memory only; nothing downstream depends on it.
package discovery

import (
	"sort"
	"sync"
	"time"
)

const (
	// UnknownEventType is the key unrecognized payloads are recorded under.
	UnknownEventType = "UnknownEvent"

	// DefaultMaxEventTypes caps the number of distinct event types tracked.
	DefaultMaxEventTypes = 4096

	// DefaultMaxCallIDs caps the call-id set kept per event type.
	DefaultMaxCallIDs = 1024

	// DefaultSampleLimit is how much of the last payload is kept as a sample.
	DefaultSampleLimit = 500
)

// Record is the accumulated sighting history for one event type.
type Record struct {
	EventType   string
	FirstSeen   time.Time
	LastSeen    time.Time
	Occurrences int64
	CallIDs     int    // distinct call ids seen, capped
	Sample      string // truncated tail sample of the most recent payload
}

type entry struct {
	firstSeen   time.Time
	lastSeen    time.Time
	occurrences int64
	callIDs     map[string]struct{}
	sample      string
}

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Table is a concurrent increment-or-create store of discovered event
// types. Unlike the sessions it observes, the table is never swept; growth
// is bounded by the type and call-id caps instead.
type Table struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	overflow int64 // sightings of new types dropped after maxTypes was hit

	clock       Clock
	maxTypes    int
	maxCallIDs  int
	sampleLimit int
}

// Option configures a Table.
type Option func(*Table)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(t *Table) { t.clock = c }
}

// WithLimits overrides the growth caps. Zero values keep the defaults.
func WithLimits(maxTypes, maxCallIDs, sampleLimit int) Option {
	return func(t *Table) {
		if maxTypes > 0 {
			t.maxTypes = maxTypes
		}
		if maxCallIDs > 0 {
			t.maxCallIDs = maxCallIDs
		}
		if sampleLimit > 0 {
			t.sampleLimit = sampleLimit
		}
	}
}

// NewTable creates an empty Table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		entries:     make(map[string]*entry),
		clock:       time.Now,
		maxTypes:    DefaultMaxEventTypes,
		maxCallIDs:  DefaultMaxCallIDs,
		sampleLimit: DefaultSampleLimit,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record notes one sighting of eventType. An empty eventType is recorded
// under UnknownEventType. Safe for concurrent use; sightings are never lost
// to races between increment and create.
func (t *Table) Record(eventType, callID, payload string) {
	if eventType == "" {
		eventType = UnknownEventType
	}
	now := t.clock()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[eventType]
	if !ok {
		if len(t.entries) >= t.maxTypes {
			t.overflow++
			return
		}
		e = &entry{
			firstSeen: now,
			callIDs:   make(map[string]struct{}),
		}
		t.entries[eventType] = e
	}

	e.lastSeen = now
	e.occurrences++
	e.sample = truncate(payload, t.sampleLimit)
	if callID != "" && len(e.callIDs) < t.maxCallIDs {
		e.callIDs[callID] = struct{}{}
	}
}

// Get returns the record for eventType, or false if never seen.
func (t *Table) Get(eventType string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[eventType]
	if !ok {
		return Record{}, false
	}
	return snapshot(eventType, e), true
}

// Len returns the number of distinct event types seen.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Overflow returns the number of sightings dropped because the type cap
// was reached.
func (t *Table) Overflow() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.overflow
}

// Snapshot returns all records sorted by occurrence count, most frequent
// first.
func (t *Table) Snapshot() []Record {
	t.mu.RLock()
	records := make([]Record, 0, len(t.entries))
	for name, e := range t.entries {
		records = append(records, snapshot(name, e))
	}
	t.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].Occurrences != records[j].Occurrences {
			return records[i].Occurrences > records[j].Occurrences
		}
		return records[i].EventType < records[j].EventType
	})
	return records
}

func snapshot(name string, e *entry) Record {
	return Record{
		EventType:   name,
		FirstSeen:   e.firstSeen,
		LastSeen:    e.lastSeen,
		Occurrences: e.occurrences,
		CallIDs:     len(e.callIDs),
		Sample:      e.sample,
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
