// Package classify derives a symbolic event type and call identifier from
// raw CTI payloads. Payloads are treated as opaque text (typically XML
// fragments from the switching platform); classification is pattern-based
// and never fails; an unrecognized payload simply yields an empty type.
package classify

import (
	"regexp"

	"github.com/sweeney/cti-bridge/internal/discovery"
)

// Result holds the outcome of classifying one payload.
type Result struct {
	RawPayload string
	EventType  string // empty if no rule matched
	CallID     string // empty if no rule matched
	Fields     map[string]string
}

// Recognized reports whether an event type was extracted.
func (r Result) Recognized() bool {
	return r.EventType != ""
}

type rule struct {
	name string
	re   *regexp.Regexp
}

// Event-type extraction rules in priority order. The first match wins;
// later rules are never consulted once an earlier one matches.
var eventTypeRules = []rule{
	{"event-suffix-tag", regexp.MustCompile(`<([A-Za-z]+Event)[\s>/]`)},
	{"event-type-attr", regexp.MustCompile(`eventType="([^"]+)"`)},
	{"event-name-element", regexp.MustCompile(`<eventName>([^<]+)</eventName>`)},
	{"namespace-event", regexp.MustCompile(`xmlns[^>]*#([A-Za-z]+Event)`)},
	{"csta-event", regexp.MustCompile(`<csta:([A-Za-z]+Event)`)},
	{"event-attr", regexp.MustCompile(`Event="([^"]+)"`)},
	{"known-name-tag", regexp.MustCompile(`<(ContactCreated|ContactStateUpdated|SipInvite|SipBye)[\s>/]`)},
	{"lifecycle-tag", regexp.MustCompile(`<([A-Za-z]*(?:Ringing|Queued|Diverted|Released|PartyChanged))`)},
}

// Call-identifier extraction rules, also first-match-wins. Independent of
// the event-type rules: either list may match without the other.
var callIDRules = []rule{
	{"call-id-attr", regexp.MustCompile(`callId="([^"]+)"`)},
	{"call-id-element", regexp.MustCompile(`<callId>([^<]+)</callId>`)},
	{"connection-id-attr", regexp.MustCompile(`connectionId="([^"]+)"`)},
	{"connection-id-element", regexp.MustCompile(`<connectionId>([^<]+)</connectionId>`)},
	{"ucid-attr", regexp.MustCompile(`ucid="([^"]+)"`)},
	{"ucid-element", regexp.MustCompile(`<ucid>([^<]+)</ucid>`)},
}

// Attribute-style metadata fields copied into session metadata when present.
var fieldRules = map[string]*regexp.Regexp{
	"agentId": regexp.MustCompile(`agentId="([^"]+)"`),
	"queueId": regexp.MustCompile(`queueId="([^"]+)"`),
	"ani":     regexp.MustCompile(`ani="([^"]+)"`),
	"dnis":    regexp.MustCompile(`dnis="([^"]+)"`),
	"ucid":    regexp.MustCompile(`ucid="([^"]+)"`),
}

// Classifier extracts event types and call identifiers from payloads.
// The zero value is not usable; use New.
type Classifier struct {
	table *discovery.Table
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithDiscovery records every classified sighting into the given table.
// Recording is diagnostic only and cannot affect the returned Result.
func WithDiscovery(t *discovery.Table) Option {
	return func(c *Classifier) { c.table = t }
}

// New creates a Classifier.
func New(opts ...Option) *Classifier {
	c := &Classifier{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify extracts an event type, call identifier and metadata fields
// from payload. It never fails: an empty or unmatched payload produces a
// Result with an empty EventType.
func (c *Classifier) Classify(payload string) Result {
	res := Result{
		RawPayload: payload,
		EventType:  firstMatch(eventTypeRules, payload),
		CallID:     firstMatch(callIDRules, payload),
		Fields:     extractFields(payload),
	}

	if c.table != nil {
		c.table.Record(res.EventType, res.CallID, payload)
	}
	return res
}

func firstMatch(rules []rule, payload string) string {
	if payload == "" {
		return ""
	}
	for _, r := range rules {
		if m := r.re.FindStringSubmatch(payload); m != nil {
			return m[1]
		}
	}
	return ""
}

func extractFields(payload string) map[string]string {
	var fields map[string]string
	for name, re := range fieldRules {
		if m := re.FindStringSubmatch(payload); m != nil {
			if fields == nil {
				fields = make(map[string]string)
			}
			fields[name] = m[1]
		}
	}
	return fields
}
