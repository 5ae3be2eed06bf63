package bridge_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/cti-bridge/internal/bridge"
	"github.com/sweeney/cti-bridge/internal/classify"
	"github.com/sweeney/cti-bridge/internal/contact"
	"github.com/sweeney/cti-bridge/internal/discovery"
	"github.com/sweeney/cti-bridge/internal/mirror"
	"github.com/sweeney/cti-bridge/internal/registry"
	"github.com/sweeney/cti-bridge/internal/route"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	bridge *bridge.Bridge
	client *contact.MockClient
	reg    *registry.Registry
	table  *discovery.Table
}

func newFixture(t *testing.T, opts bridge.Options) *fixture {
	t.Helper()

	table := discovery.NewTable()
	classifier := classify.New(classify.WithDiscovery(table))
	router := route.NewRouter(nil)
	reg := registry.New(route.IsTerminal)
	client := contact.NewMockClient()
	pub := contact.NewPublisher(client, reg, discard, contact.Options{
		Sleep: func(context.Context, time.Duration) error { return nil },
	})

	f := &fixture{client: client, reg: reg, table: table}
	f.bridge = bridge.New(classifier, router, reg, pub, table, discard, opts)
	return f
}

func (f *fixture) process(payloads ...string) {
	for _, p := range payloads {
		f.bridge.Process(context.Background(), p)
	}
}

func TestCallLifecycle(t *testing.T) {
	f := newFixture(t, bridge.Options{})

	f.process(
		`<RingingEvent callId="C1" ani="15550001234" dnis="15550005678"/>`,
		`<QueuedEvent callId="C1" queueId="Q5"/>`,
		`<DivertedEvent callId="C1" agentId="A42"/>`,
		`<ReleasedEvent callId="C1"/>`,
	)

	creates := f.client.Creates()
	if len(creates) != 1 {
		t.Fatalf("expected exactly 1 contact created for the call, got %d", len(creates))
	}
	if creates[0].Attributes["ani"] != "15550001234" {
		t.Errorf("create missing caller number: %v", creates[0].Attributes)
	}

	updates := f.client.Updates()
	wantStates := []string{"RINGING", "QUEUED", "CONNECTED", "ENDED"}
	if len(updates) != len(wantStates) {
		t.Fatalf("expected %d updates, got %d", len(wantStates), len(updates))
	}
	for i, want := range wantStates {
		if updates[i].State != want {
			t.Errorf("update %d: expected state %s, got %s", i, want, updates[i].State)
		}
		if updates[i].ContactID != updates[0].ContactID {
			t.Errorf("update %d targets a different contact", i)
		}
	}
	if updates[1].Attributes["queue_id"] != "Q5" {
		t.Errorf("queued update missing queue_id: %v", updates[1].Attributes)
	}
	if updates[2].Attributes["agent_id"] != "A42" {
		t.Errorf("diverted update missing agent_id: %v", updates[2].Attributes)
	}

	// The mapping must not survive the released event.
	if got := f.bridge.Status().ContactMappings; got != 0 {
		t.Errorf("expected 0 mappings after release, got %d", got)
	}

	// The session survives release until swept, with the contact id and
	// full history attached.
	s, ok := f.reg.Get("C1")
	if !ok {
		t.Fatal("session must survive release until the sweeper runs")
	}
	if s.ContactID != updates[0].ContactID {
		t.Errorf("session contact id mismatch: %q", s.ContactID)
	}
	if len(s.History) != 4 {
		t.Errorf("expected 4 history entries, got %d", len(s.History))
	}
}

func TestInterleavedCalls(t *testing.T) {
	f := newFixture(t, bridge.Options{})

	f.process(
		`<RingingEvent callId="C1"/>`,
		`<RingingEvent callId="C2"/>`,
		`<ReleasedEvent callId="C1"/>`,
		`<QueuedEvent callId="C2"/>`,
	)

	if got := len(f.client.Creates()); got != 2 {
		t.Fatalf("expected 2 contacts, got %d", got)
	}

	byContact := make(map[string][]string)
	for _, u := range f.client.Updates() {
		byContact[u.ContactID] = append(byContact[u.ContactID], u.State)
	}
	if len(byContact) != 2 {
		t.Fatalf("expected updates across 2 contacts, got %d", len(byContact))
	}
	for id, states := range byContact {
		joined := strings.Join(states, ",")
		if joined != "RINGING,ENDED" && joined != "RINGING,QUEUED" {
			t.Errorf("contact %s: unexpected state sequence %s", id, joined)
		}
	}
}

func TestContactOriginEventsNotRepublished(t *testing.T) {
	f := newFixture(t, bridge.Options{})

	// Acknowledgement events coming back from the contact-tracking system
	// must be registered but never create a publish loop.
	f.process(
		`<ContactCreated callId="C1" contactId="contact-9f"/>`,
		`<ContactStateUpdated callId="C1" state="RINGING"/>`,
	)

	if got := len(f.client.Creates()) + len(f.client.Updates()); got != 0 {
		t.Fatalf("expected no outbound calls for contact-origin events, got %d", got)
	}

	st := f.bridge.Status()
	if st.Processed != 2 || st.Suppressed != 2 {
		t.Errorf("expected 2 processed / 2 suppressed, got %d / %d", st.Processed, st.Suppressed)
	}

	// The events still count toward the session's history.
	if s, ok := f.reg.Get("C1"); !ok || len(s.History) != 2 {
		t.Error("contact-origin events must still update the session")
	}
}

func TestUnrecognizedPayloadSuppressedAndDiscovered(t *testing.T) {
	f := newFixture(t, bridge.Options{})

	cls := f.bridge.Process(context.Background(), "opaque vendor noise, no markers")

	if cls.PublishEligible {
		t.Error("markerless unknown payload must be suppressed")
	}
	if got := len(f.client.Creates()) + len(f.client.Updates()); got != 0 {
		t.Errorf("expected no outbound calls, got %d", got)
	}
	if _, ok := f.table.Get(discovery.UnknownEventType); !ok {
		t.Error("unrecognized payload must be recorded for discovery")
	}
	if got := f.bridge.Status().Suppressed; got != 1 {
		t.Errorf("expected 1 suppressed, got %d", got)
	}
}

func TestEligibleWithoutCallIDIsSuppressed(t *testing.T) {
	f := newFixture(t, bridge.Options{})

	// The payload mentions "ani" so the fallback rules it eligible, but
	// with no call id there is nothing to correlate a contact against.
	f.process(`unparsed line mentioning ani 15550001234`)

	if got := len(f.client.Creates()); got != 0 {
		t.Errorf("expected no contact without a call id, got %d creates", got)
	}
	if got := f.bridge.Status().Suppressed; got != 1 {
		t.Errorf("expected 1 suppressed, got %d", got)
	}
}

func TestMirrorBroadcast(t *testing.T) {
	mock := mirror.NewMockMirror()
	f := newFixture(t, bridge.Options{TopicPrefix: "cti", Mirror: mock})

	f.process(
		`<RingingEvent callId="C1"/>`,
		`<ReleasedEvent callId="C1"/>`,
	)

	msgs := mock.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 mirrored messages, got %d", len(msgs))
	}
	if msgs[0].Topic != "cti/call/C1/ringing" {
		t.Errorf("unexpected topic %s", msgs[0].Topic)
	}
	if msgs[1].Topic != "cti/call/C1/released" {
		t.Errorf("unexpected topic %s", msgs[1].Topic)
	}

	var payload struct {
		Event     string `json:"event"`
		CallID    string `json:"call_id"`
		ContactID string `json:"contact_id"`
		Terminal  bool   `json:"terminal"`
	}
	if err := json.Unmarshal(msgs[1].Payload, &payload); err != nil {
		t.Fatalf("decoding mirror payload: %v", err)
	}
	if payload.Event != "released" || payload.CallID != "C1" || !payload.Terminal {
		t.Errorf("unexpected mirror payload: %+v", payload)
	}
	if payload.ContactID == "" {
		t.Error("mirror payload must carry the contact id")
	}
}

func TestMirrorFailureDoesNotAffectPublishing(t *testing.T) {
	mock := mirror.NewMockMirror()
	mock.SetError(fmt.Errorf("broker down"))
	f := newFixture(t, bridge.Options{TopicPrefix: "cti", Mirror: mock})

	f.process(`<RingingEvent callId="C1"/>`)

	if got := len(f.client.Updates()); got != 1 {
		t.Errorf("publish must succeed despite mirror failure, got %d updates", got)
	}
	if got := f.bridge.Status().Errors; got != 0 {
		t.Errorf("mirror failures are not pipeline errors, got %d", got)
	}
}

func TestStatusCounters(t *testing.T) {
	f := newFixture(t, bridge.Options{})

	f.process(
		`<RingingEvent callId="C1"/>`,
		`<RingingEvent callId="C2"/>`,
		`<ContactCreated callId="C1"/>`,
		`garbage`,
	)

	st := f.bridge.Status()
	if st.Processed != 4 {
		t.Errorf("expected 4 processed, got %d", st.Processed)
	}
	if st.Published != 2 {
		t.Errorf("expected 2 published, got %d", st.Published)
	}
	if st.Suppressed != 2 {
		t.Errorf("expected 2 suppressed, got %d", st.Suppressed)
	}
	if st.ActiveSessions != 2 {
		t.Errorf("expected 2 active sessions, got %d", st.ActiveSessions)
	}
	if st.ContactMappings != 2 {
		t.Errorf("expected 2 live mappings, got %d", st.ContactMappings)
	}
	if st.DiscoveredTypes != 3 { // RingingEvent, ContactCreated, UnknownEvent
		t.Errorf("expected 3 discovered types, got %d", st.DiscoveredTypes)
	}
}

func TestRunProcessesSubmittedPayloads(t *testing.T) {
	f := newFixture(t, bridge.Options{
		Workers:        2,
		PublishWorkers: 2,
		ShutdownGrace:  time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.bridge.Run(ctx) }()

	const calls = 20
	for i := 0; i < calls; i++ {
		payload := fmt.Sprintf(`<RingingEvent callId="RC%d"/>`, i)
		if !f.bridge.Submit(payload) {
			t.Fatalf("submit %d rejected", i)
		}
	}

	deadline := time.After(5 * time.Second)
	for len(f.client.Creates()) < calls {
		select {
		case <-deadline:
			t.Fatalf("only %d of %d contacts created before deadline", len(f.client.Creates()), calls)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := len(f.client.Creates()); got != calls {
		t.Errorf("expected %d contacts, got %d", calls, got)
	}
}

func TestRunKeepsPerCallOrder(t *testing.T) {
	f := newFixture(t, bridge.Options{
		Workers:        1, // single classifier keeps submission order into the queues
		PublishWorkers: 4,
		ShutdownGrace:  time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.bridge.Run(ctx) }()

	const calls = 8
	for i := 0; i < calls; i++ {
		f.bridge.Submit(fmt.Sprintf(`<RingingEvent callId="OC%d"/>`, i))
		f.bridge.Submit(fmt.Sprintf(`<QueuedEvent callId="OC%d"/>`, i))
		f.bridge.Submit(fmt.Sprintf(`<ReleasedEvent callId="OC%d"/>`, i))
	}

	deadline := time.After(5 * time.Second)
	for len(f.client.Updates()) < calls*3 {
		select {
		case <-deadline:
			t.Fatalf("only %d of %d updates before deadline", len(f.client.Updates()), calls*3)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	byCall := make(map[string][]string)
	for _, u := range f.client.Updates() {
		byCall[u.Attributes[contact.AttrCallID]] = append(byCall[u.Attributes[contact.AttrCallID]], u.State)
	}
	for call, states := range byCall {
		if joined := strings.Join(states, ","); joined != "RINGING,QUEUED,ENDED" {
			t.Errorf("call %s: out-of-order states %s", call, joined)
		}
	}
}
