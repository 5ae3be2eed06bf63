// Package bridge wires the classification, registry, routing and
// publishing stages into a concurrent ingestion pipeline.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/cti-bridge/internal/classify"
	"github.com/sweeney/cti-bridge/internal/contact"
	"github.com/sweeney/cti-bridge/internal/discovery"
	"github.com/sweeney/cti-bridge/internal/mirror"
	"github.com/sweeney/cti-bridge/internal/registry"
	"github.com/sweeney/cti-bridge/internal/route"
)

// Classification is the complete, immutable result of classifying and
// routing one payload.
type Classification struct {
	RawPayload      string
	EventType       string
	CallID          string
	Category        route.Category
	PublishEligible bool
}

// job is one eligible event handed from a classify worker to a publish
// worker.
type job struct {
	eventType string
	decision  route.Decision
	session   registry.Session
}

// Options configures a Bridge.
type Options struct {
	Workers        int // classify workers, default 4
	PublishWorkers int // publish workers, default 4
	QueueSize      int // per-queue buffer, default 256
	ShutdownGrace  time.Duration

	TopicPrefix string
	Mirror      mirror.Mirror // nil disables mirroring
	Clock       func() time.Time
}

// Bridge runs the ingestion pipeline: payloads in, contact updates out.
// Classification never blocks on the contact-tracking system: eligible
// events cross a queue to dedicated publish workers, partitioned by call
// id so per-call order and serialization hold while distinct calls
// publish in parallel.
type Bridge struct {
	classifier *classify.Classifier
	router     *route.Router
	registry   *registry.Registry
	publisher  *contact.Publisher
	table      *discovery.Table
	logger     *slog.Logger

	workers     int
	pubWorkers  int
	grace       time.Duration
	topicPrefix string
	mirror      mirror.Mirror
	clock       func() time.Time

	payloads chan string
	queues   []chan job

	processed  atomic.Int64
	suppressed atomic.Int64
	overflow   atomic.Int64 // events dropped because a publish queue was full
}

// New creates a Bridge.
func New(classifier *classify.Classifier, router *route.Router, reg *registry.Registry,
	pub *contact.Publisher, table *discovery.Table, logger *slog.Logger, opts Options) *Bridge {

	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PublishWorkers <= 0 {
		opts.PublishWorkers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	b := &Bridge{
		classifier:  classifier,
		router:      router,
		registry:    reg,
		publisher:   pub,
		table:       table,
		logger:      logger,
		workers:     opts.Workers,
		pubWorkers:  opts.PublishWorkers,
		grace:       opts.ShutdownGrace,
		topicPrefix: opts.TopicPrefix,
		mirror:      opts.Mirror,
		clock:       opts.Clock,
		payloads:    make(chan string, opts.QueueSize),
		queues:      make([]chan job, opts.PublishWorkers),
	}
	for i := range b.queues {
		b.queues[i] = make(chan job, opts.QueueSize)
	}
	return b
}

// Submit queues one raw payload for ingestion. Returns false if the
// ingestion queue is full and the payload was dropped.
func (b *Bridge) Submit(payload string) bool {
	select {
	case b.payloads <- payload:
		return true
	default:
		b.overflow.Add(1)
		b.logger.Warn("ingest queue full, dropping payload")
		return false
	}
}

// Run operates the pipeline until ctx is cancelled. Classification stops
// immediately on cancellation; in-flight publishes get the configured
// grace period to finish.
func (b *Bridge) Run(ctx context.Context) error {
	// Publish workers outlive ctx by the grace period so in-flight
	// deliveries can complete.
	pubCtx, pubCancel := context.WithCancel(context.Background())
	defer pubCancel()
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(b.grace)
		defer timer.Stop()
		<-timer.C
		pubCancel()
	}()

	var classifiers sync.WaitGroup
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < b.workers; i++ {
		classifiers.Add(1)
		g.Go(func() error {
			defer classifiers.Done()
			for {
				select {
				case <-gctx.Done():
					return nil
				case payload := <-b.payloads:
					b.ingest(payload)
				}
			}
		})
	}

	// Close the publish queues once every classify worker has exited, so
	// publish workers drain what remains and stop.
	go func() {
		classifiers.Wait()
		for _, q := range b.queues {
			close(q)
		}
	}()

	for i := 0; i < b.pubWorkers; i++ {
		queue := b.queues[i]
		g.Go(func() error {
			for j := range queue {
				b.deliver(pubCtx, j)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	return nil
}

// Process runs the full pipeline for one payload synchronously: classify,
// record, route and, when eligible, publish. Used by tests and the tap
// tool; Run's workers follow the same path with the publish leg queued.
func (b *Bridge) Process(ctx context.Context, payload string) Classification {
	cls, j, ok := b.classifyStage(payload)
	if ok {
		b.deliver(ctx, j)
	}
	return cls
}

// ingest is the classify-worker path: same stages as Process, but eligible
// events are handed to a publish queue instead of delivered inline.
func (b *Bridge) ingest(payload string) {
	_, j, ok := b.classifyStage(payload)
	if !ok {
		return
	}

	queue := b.queues[b.partition(j.session.CallID)]
	select {
	case queue <- j:
	default:
		b.overflow.Add(1)
		b.logger.Warn("publish queue full, dropping event",
			"call_id", j.session.CallID, "event_type", j.eventType)
	}
}

// classifyStage classifies and routes one payload and updates the
// registry. The returned job is valid only when ok is true: the event is
// publish-eligible and carries a call identifier to map.
func (b *Bridge) classifyStage(payload string) (Classification, job, bool) {
	res := b.classifier.Classify(payload)
	dec := b.router.Route(res.EventType, payload)
	b.processed.Add(1)

	cls := Classification{
		RawPayload:      payload,
		EventType:       res.EventType,
		CallID:          res.CallID,
		Category:        dec.Category,
		PublishEligible: dec.Publish,
	}

	var session registry.Session
	if res.CallID != "" {
		state := res.EventType
		if state == "" {
			state = discovery.UnknownEventType
		}
		session = b.registry.Upsert(res.CallID, state, b.clock(), res.Fields)
	}

	if !dec.Publish {
		b.suppressed.Add(1)
		return cls, job{}, false
	}
	if res.CallID == "" {
		// Eligible by the fallback heuristic but nothing to correlate
		// against; there is no contact to create without a call id.
		b.suppressed.Add(1)
		b.logger.Debug("eligible event has no call id, skipping publish",
			"event_type", res.EventType)
		return cls, job{}, false
	}

	return cls, job{eventType: res.EventType, decision: dec, session: session}, true
}

// deliver publishes one event and, on success, mirrors it.
func (b *Bridge) deliver(ctx context.Context, j job) {
	if err := b.publisher.Publish(ctx, j.eventType, j.decision, j.session); err != nil {
		// Already counted and logged by the publisher; nothing to retry here.
		return
	}
	b.mirrorChange(ctx, j)
}

func (b *Bridge) partition(callID string) int {
	h := fnv.New32a()
	h.Write([]byte(callID))
	return int(h.Sum32()) % b.pubWorkers
}

// mirrorPayload is the JSON structure broadcast to MQTT.
type mirrorPayload struct {
	Event     string `json:"event"`
	EventType string `json:"event_type"`
	CallID    string `json:"call_id"`
	ContactID string `json:"contact_id,omitempty"`
	Terminal  bool   `json:"terminal,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (b *Bridge) mirrorChange(ctx context.Context, j job) {
	if b.mirror == nil {
		return
	}

	// The snapshot in the job predates the publish; re-read so a contact
	// id created during this delivery shows up in the broadcast.
	if s, ok := b.registry.Get(j.session.CallID); ok {
		j.session.ContactID = s.ContactID
	}

	topic := fmt.Sprintf("%s/call/%s/%s", b.topicPrefix, j.session.CallID, j.decision.Category)
	data, err := json.Marshal(mirrorPayload{
		Event:     string(j.decision.Category),
		EventType: j.eventType,
		CallID:    j.session.CallID,
		ContactID: j.session.ContactID,
		Terminal:  j.decision.Terminal,
		Timestamp: b.clock().UTC().Format(time.RFC3339),
	})
	if err != nil {
		b.logger.Warn("marshaling mirror payload", "error", err)
		return
	}
	if err := b.mirror.Publish(ctx, topic, data); err != nil {
		b.logger.Warn("mirror publish failed", "topic", topic, "error", err)
	}
}

// Status is the health and diagnostics snapshot exposed to operators.
type Status struct {
	Processed       int64
	Published       int64
	Suppressed      int64
	Errors          int64
	ActiveSessions  int
	ContactMappings int
	DiscoveredTypes int
	LastHeartbeat   time.Time
}

// Status returns current pipeline counters.
func (b *Bridge) Status() Status {
	ps := b.publisher.Stats()
	return Status{
		Processed:       b.processed.Load(),
		Published:       ps.Published,
		Suppressed:      b.suppressed.Load(),
		Errors:          ps.Dropped + b.overflow.Load(),
		ActiveSessions:  b.registry.Len(),
		ContactMappings: ps.Mappings,
		DiscoveredTypes: b.table.Len(),
		LastHeartbeat:   ps.LastHeartbeat,
	}
}

// Discovered returns the discovery table snapshot, most frequent first.
func (b *Bridge) Discovered() []discovery.Record {
	return b.table.Snapshot()
}
