// Package route decides what category a classified event type belongs to
// and whether it qualifies for publication to the contact-tracking system.
package route

import (
	"strings"
	"sync/atomic"
)

// Category is one of the fixed event classes used for publish routing.
type Category string

const (
	CategoryRinging             Category = "ringing"
	CategoryQueued              Category = "queued"
	CategoryDiverted            Category = "diverted"
	CategoryPartyChanged        Category = "party-changed"
	CategoryReleased            Category = "released"
	CategoryMediaStart          Category = "media-start"
	CategoryMediaEnd            Category = "media-end"
	CategoryContactCreated      Category = "contact-created"
	CategoryContactStateUpdated Category = "contact-state-updated"
	CategoryUnknown             Category = "unknown"
)

// Rule maps keyword substrings to a category. Rules are evaluated in
// order against the lowercased event type; the first rule with a matching
// keyword wins.
type Rule struct {
	Category Category `yaml:"category"`
	Keywords []string `yaml:"keywords"`
	Publish  bool     `yaml:"publish"`
}

// DefaultRules returns the built-in keyword table. The order is
// load-bearing: released outranks the in-progress categories, so an event
// type containing both "released" and "queued" resolves to released, and
// contact-origin events must be caught before the unknown fallback can
// ever see them.
func DefaultRules() []Rule {
	return []Rule{
		{CategoryReleased, []string{"released", "cleared", "disconnected", "bye"}, true},
		{CategoryRinging, []string{"ringing", "delivered", "alerting"}, true},
		{CategoryQueued, []string{"queued"}, true},
		{CategoryDiverted, []string{"diverted"}, true},
		{CategoryPartyChanged, []string{"partychanged", "transferred", "conferenced"}, true},
		{CategoryMediaStart, []string{"invite"}, true},
		{CategoryMediaEnd, []string{"mediaend", "mediastop"}, true},
		{CategoryContactCreated, []string{"contactcreated"}, false},
		{CategoryContactStateUpdated, []string{"contactstateupdated", "contactstate"}, false},
	}
}

// Exact event-name matches checked before the keyword pass. SipBye would
// otherwise land in released via the "bye" keyword, and the contact-origin
// names must resolve even if a deployment renames the keyword table.
var exactNames = map[string]struct {
	category Category
	publish  bool
}{
	"sipinvite":           {CategoryMediaStart, true},
	"sipbye":              {CategoryMediaEnd, true},
	"contactcreated":      {CategoryContactCreated, false},
	"contactstateupdated": {CategoryContactStateUpdated, false},
}

// Substrings of eventType that mark a session terminal regardless of the
// matched category. SipBye ends the call even though it routes as
// media-end.
var terminalMarkers = []string{"released", "cleared", "disconnected", "bye"}

// Substrings of the raw payload that qualify an otherwise-unknown event
// for publication.
var correlationMarkers = []string{"callid", "connectionid", "ucid", "ani", "dnis"}

// Decision is the routing outcome for one classified event.
type Decision struct {
	Category Category
	Publish  bool
	Terminal bool
}

// Router routes event types to categories using a swappable rule table.
type Router struct {
	rules atomic.Pointer[[]Rule]
}

// NewRouter creates a Router with the given rules, or DefaultRules when
// none are supplied.
func NewRouter(rules []Rule) *Router {
	r := &Router{}
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	r.rules.Store(&rules)
	return r
}

// Reload atomically replaces the rule table. In-flight Route calls keep
// the table they started with.
func (r *Router) Reload(rules []Rule) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	r.rules.Store(&rules)
}

// Rules returns the active rule table.
func (r *Router) Rules() []Rule {
	return *r.rules.Load()
}

// Route categorizes eventType and decides publish eligibility. rawPayload
// is consulted only for the unknown-category fallback. Route never fails;
// an empty event type goes straight to the unknown path.
func (r *Router) Route(eventType, rawPayload string) Decision {
	lower := strings.ToLower(eventType)

	if eventType == "" {
		return r.unknown(lower, rawPayload)
	}

	if exact, ok := exactNames[lower]; ok {
		return Decision{
			Category: exact.category,
			Publish:  exact.publish,
			Terminal: isTerminal(lower),
		}
	}

	for _, rule := range *r.rules.Load() {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, kw) {
				return Decision{
					Category: rule.Category,
					Publish:  rule.Publish,
					Terminal: isTerminal(lower),
				}
			}
		}
	}

	return r.unknown(lower, rawPayload)
}

// unknown applies the fallback heuristic: publish only if the payload
// carries at least one call-correlation marker.
func (r *Router) unknown(lowerType, rawPayload string) Decision {
	lowerPayload := strings.ToLower(rawPayload)
	publish := false
	for _, marker := range correlationMarkers {
		if strings.Contains(lowerPayload, marker) {
			publish = true
			break
		}
	}
	return Decision{
		Category: CategoryUnknown,
		Publish:  publish,
		Terminal: isTerminal(lowerType),
	}
}

func isTerminal(lowerType string) bool {
	for _, marker := range terminalMarkers {
		if strings.Contains(lowerType, marker) {
			return true
		}
	}
	return false
}

// IsTerminal reports whether eventType marks the end of a call. Used by
// the registry sweeper to classify a session's current state.
func IsTerminal(eventType string) bool {
	return isTerminal(strings.ToLower(eventType))
}
