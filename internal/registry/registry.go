// Package registry tracks one session per live call identifier. Sessions
// accumulate event history and metadata for the lifetime of the call and
// are evicted by the sweeper once the call has ended and the retention
// window has passed.
package registry

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// HistoryEntry is one observed event in a session's lifecycle.
type HistoryEntry struct {
	EventType  string
	ObservedAt time.Time
}

// Session is a snapshot of one call's observed lifecycle. Snapshots are
// copies; mutating one has no effect on the registry.
type Session struct {
	CallID       string
	StartedAt    time.Time
	UpdatedAt    time.Time
	CurrentState string
	History      []HistoryEntry
	Metadata     map[string]string
	ContactID    string
}

// session is the live, mutable record. Its mutex serializes all updates
// for one call without blocking unrelated calls.
type session struct {
	mu      sync.Mutex
	removed bool // set by sweep under mu; upsert re-checks and recreates
	snap    Session
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// TerminalFunc reports whether a state string represents an ended call.
type TerminalFunc func(state string) bool

// Registry is a concurrent call-session store. Updates for the same call
// are serialized; updates for different calls proceed independently.
type Registry struct {
	shards   [shardCount]*shard
	terminal TerminalFunc
}

// New creates a Registry. terminal classifies a session's current state
// for sweeping; a nil func means no session is ever considered terminal.
func New(terminal TerminalFunc) *Registry {
	r := &Registry{terminal: terminal}
	if r.terminal == nil {
		r.terminal = func(string) bool { return false }
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*session)}
	}
	return r
}

func (r *Registry) shardFor(callID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(callID))
	return r.shards[h.Sum32()%shardCount]
}

// Upsert records one event for callID, creating the session on first
// sight. The event is appended to history, the current state replaced,
// and fields merged into metadata last-write-wins. Returns a snapshot of
// the resulting session.
func (r *Registry) Upsert(callID, eventType string, observedAt time.Time, fields map[string]string) Session {
	for {
		s := r.acquire(callID, observedAt)

		s.mu.Lock()
		if s.removed {
			// Lost a race with the sweeper; the map entry is gone.
			// Start over and recreate.
			s.mu.Unlock()
			continue
		}

		s.snap.UpdatedAt = observedAt
		s.snap.CurrentState = eventType
		s.snap.History = append(s.snap.History, HistoryEntry{EventType: eventType, ObservedAt: observedAt})
		for k, v := range fields {
			if s.snap.Metadata == nil {
				s.snap.Metadata = make(map[string]string)
			}
			s.snap.Metadata[k] = v
		}
		snap := copySession(s.snap)
		s.mu.Unlock()
		return snap
	}
}

// acquire returns the live session for callID, creating it if absent.
func (r *Registry) acquire(callID string, observedAt time.Time) *session {
	sh := r.shardFor(callID)

	sh.mu.RLock()
	s, ok := sh.sessions[callID]
	sh.mu.RUnlock()
	if ok {
		return s
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok := sh.sessions[callID]; ok {
		return s
	}
	s = &session{snap: Session{CallID: callID, StartedAt: observedAt}}
	sh.sessions[callID] = s
	return s
}

// Get returns a snapshot of the session for callID. The second return is
// false when no session exists, a normal outcome rather than an error.
func (r *Registry) Get(callID string) (Session, bool) {
	sh := r.shardFor(callID)

	sh.mu.RLock()
	s, ok := sh.sessions[callID]
	sh.mu.RUnlock()
	if !ok {
		return Session{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return Session{}, false
	}
	return copySession(s.snap), true
}

// SetContactID stores the external contact identifier on the session, if
// it still exists.
func (r *Registry) SetContactID(callID, contactID string) {
	sh := r.shardFor(callID)

	sh.mu.RLock()
	s, ok := sh.sessions[callID]
	sh.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if !s.removed {
		s.snap.ContactID = contactID
	}
	s.mu.Unlock()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Sweep removes every session whose current state is terminal and whose
// last update is older than window before now. Returns the number of
// sessions removed. Safe to run concurrently with Upsert and Get: an event
// racing a sweep either lands on a surviving session or recreates one.
func (r *Registry) Sweep(window time.Duration, now time.Time) int {
	cutoff := now.Add(-window)
	removed := 0

	for _, sh := range r.shards {
		sh.mu.RLock()
		candidates := make([]*session, 0)
		ids := make([]string, 0)
		for id, s := range sh.sessions {
			candidates = append(candidates, s)
			ids = append(ids, id)
		}
		sh.mu.RUnlock()

		for i, s := range candidates {
			s.mu.Lock()
			expired := !s.removed &&
				r.terminal(s.snap.CurrentState) &&
				s.snap.UpdatedAt.Before(cutoff)
			if expired {
				s.removed = true
			}
			s.mu.Unlock()

			if expired {
				sh.mu.Lock()
				// Only delete if the map still holds this exact session;
				// an upsert may already have recreated the call.
				if cur, ok := sh.sessions[ids[i]]; ok && cur == s {
					delete(sh.sessions, ids[i])
				}
				sh.mu.Unlock()
				removed++
			}
		}
	}
	return removed
}

func copySession(s Session) Session {
	out := s
	out.History = make([]HistoryEntry, len(s.History))
	copy(out.History, s.History)
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
