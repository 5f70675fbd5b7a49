// Package flow implements C1–C3: the SourceQueuePublisher that maps and
// fans a source's items out to subscriber queues, the EventFlowManager
// that wires sources/queues/strategies together, and the
// QueueToInvocationAgent that drains one queue onto its strategy.
// Grounded on core/dispatcher/fanout.go's copy-on-write delivery list and
// internal/bus/databus/memory.go's snapshot-before-delivery pattern,
// generalized from multi-worker parallel delivery to the spec's bounded
// per-queue SPSC offer with spin backpressure.
package flow

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowloop/cortege/core/engine"
	"github.com/flowloop/cortege/core/pool"
	"github.com/flowloop/cortege/core/report"
)

// offerSpinBudget bounds how long publish spins on a full target queue
// before abandoning that single offer, per spec.md §4.1/§5.
const offerSpinBudget = 10 * time.Millisecond

// DataMapper transforms a source's raw item into the published payload.
// The identity mapper is the default. Returning (nil, nil) silently drops
// the item; returning a non-nil error reports ERROR via C12 and drops it.
type DataMapper func(item any) (any, error)

func identityMapper(item any) (any, error) { return item, nil }

// poolAware is the capability interface a published item may implement so
// the publisher can manage its pool lifecycle (reference release, cache
// detachment) per spec.md §4.1/§4.8.
type poolAware interface {
	Tracker() *pool.RefTracker
}

// NamedQueue is a bounded, named single-consumer channel attached to a
// SourceQueuePublisher. Equality is by Name.
type NamedQueue struct {
	Name string
	ch   chan any

	// cacheReadPtr is this queue's own offset into the owning Publisher's
	// event log, guarded by the Publisher's cacheMu. Each queue replays
	// the cached backlog independently, so this must not be shared.
	cacheReadPtr int
}

// newNamedQueue constructs a NamedQueue with the given buffered capacity.
func newNamedQueue(name string, capacity int) *NamedQueue {
	return &NamedQueue{Name: name, ch: make(chan any, capacity)}
}

// Chan exposes the underlying channel for the owning QueueToInvocationAgent.
func (q *NamedQueue) Chan() <-chan any { return q.ch }

// cacheEntry is one append-only event-log record.
type cacheEntry struct {
	seq   uint64
	value any
}

// Publisher is C1: SourceQueuePublisher. One instance per registered
// source. Target-queue mutation is copy-on-write so publish never blocks
// behind a registration.
type Publisher struct {
	sourceName string
	reporter   *report.Hub

	mu      sync.Mutex
	targets atomic.Pointer[[]*NamedQueue]

	sequenceNumber atomic.Uint64

	mapper       atomic.Pointer[DataMapper]
	wrapStrategy atomic.Int32
	slowConsumer atomic.Int32

	cacheEnabled atomic.Bool
	cacheMu      sync.Mutex
	log          []cacheEntry

	stampTrace bool
}

// PublisherOption configures a Publisher at construction time.
type PublisherOption func(*Publisher)

// WithMapper overrides the identity DataMapper.
func WithMapper(m DataMapper) PublisherOption {
	return func(p *Publisher) { p.mapper.Store(&m) }
}

// WithWrapStrategy sets the wrap strategy applied before each offer.
func WithWrapStrategy(ws engine.WrapStrategy) PublisherOption {
	return func(p *Publisher) { p.wrapStrategy.Store(int32(ws)) }
}

// WithSlowConsumerStrategy sets the policy applied when a target queue
// stays full past the spin budget.
func WithSlowConsumerStrategy(sc engine.SlowConsumerStrategy) PublisherOption {
	return func(p *Publisher) { p.slowConsumer.Store(int32(sc)) }
}

// WithCacheEnabled turns on event-log caching and replay support.
func WithCacheEnabled(enabled bool) PublisherOption {
	return func(p *Publisher) { p.cacheEnabled.Store(enabled) }
}

// WithTraceStamping enables stamping a google/uuid trace id onto every
// NamedFeedEvent this publisher wraps, per SPEC_FULL.md §4.6.
func WithTraceStamping(enabled bool) PublisherOption {
	return func(p *Publisher) { p.stampTrace = enabled }
}

// NewPublisher constructs a Publisher for sourceName, reporting errors
// through hub.
func NewPublisher(sourceName string, hub *report.Hub, opts ...PublisherOption) *Publisher {
	p := &Publisher{sourceName: sourceName, reporter: hub}
	identity := DataMapper(identityMapper)
	p.mapper.Store(&identity)
	empty := []*NamedQueue{}
	p.targets.Store(&empty)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SourceName returns the owning source's name.
func (p *Publisher) SourceName() string { return p.sourceName }

// AddTargetQueue attaches a new NamedQueue, idempotent by name. Returns
// the (possibly pre-existing) queue.
func (p *Publisher) AddTargetQueue(name string, capacity int) *NamedQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	current := *p.targets.Load()
	for _, q := range current {
		if q.Name == name {
			return q
		}
	}
	q := newNamedQueue(name, capacity)
	next := make([]*NamedQueue, len(current)+1)
	copy(next, current)
	next[len(current)] = q
	p.targets.Store(&next)
	p.dispatchCachedEventLog(q)
	return q
}

// RemoveTargetQueueByName removes every queue matching name. Safe to call
// concurrently with Publish.
func (p *Publisher) RemoveTargetQueueByName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	current := *p.targets.Load()
	next := make([]*NamedQueue, 0, len(current))
	for _, q := range current {
		if q.Name != name {
			next = append(next, q)
		}
	}
	p.targets.Store(&next)
}

// Targets returns a stable snapshot of currently attached queues.
func (p *Publisher) Targets() []*NamedQueue {
	return *p.targets.Load()
}

// Publish implements spec.md §4.1 publish(item).
func (p *Publisher) Publish(item any) error {
	mapped, err := (*p.mapper.Load())(item)
	if err != nil {
		p.reporter.Err(p.sourceName, report.KindMapperFailure, "data mapper failed", err)
		return nil
	}
	if mapped == nil {
		return nil
	}
	if mapped != item {
		if aware, ok := item.(poolAware); ok {
			aware.Tracker().ReleaseReference()
			aware.Tracker().ReturnToPool()
		}
	}

	seq := p.sequenceNumber.Add(1)

	if p.cacheEnabled.Load() {
		if aware, ok := mapped.(poolAware); ok {
			aware.Tracker().RemoveFromPool()
		}
		p.cacheMu.Lock()
		p.log = append(p.log, cacheEntry{seq: seq, value: mapped})
		p.cacheMu.Unlock()
	} else if aware, ok := mapped.(poolAware); ok {
		aware.Tracker().ReleaseReference()
	}

	targets := *p.targets.Load()
	ws := engine.WrapStrategy(p.wrapStrategy.Load())
	for _, q := range targets {
		payload := p.wrap(ws, seq, mapped)
		p.offer(q, payload, mapped)
	}
	return nil
}

func (p *Publisher) wrap(ws engine.WrapStrategy, seq uint64, mapped any) any {
	switch ws {
	case engine.SubscriptionNamedEvent, engine.BroadcastNamedEvent:
		evt := engine.NamedFeedEvent{Name: p.sourceName, SequenceNumber: seq, Data: mapped}
		if p.stampTrace {
			return namedEventWithTrace{NamedFeedEvent: evt, TraceID: uuid.NewString()}
		}
		return evt
	default:
		return mapped
	}
}

// namedEventWithTrace carries a stamped trace id alongside the standard
// NamedFeedEvent fields, per SPEC_FULL.md §4.6.
type namedEventWithTrace struct {
	engine.NamedFeedEvent
	TraceID string
}

// offer performs the bounded-spin backpressure offer for one target queue.
func (p *Publisher) offer(q *NamedQueue, payload, original any) {
	deadline := time.Now().Add(offerSpinBudget)
	for {
		select {
		case q.ch <- payload:
			if aware, ok := original.(poolAware); ok {
				aware.Tracker().AcquireReference()
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			p.abandonOffer(q, original)
			return
		}
		runtime.Gosched()
	}
}

func (p *Publisher) abandonOffer(q *NamedQueue, original any) {
	switch engine.SlowConsumerStrategy(p.slowConsumer.Load()) {
	case engine.SlowConsumerDisconnect:
		p.RemoveTargetQueueByName(q.Name)
		p.reporter.Warn(p.sourceName, report.KindSlowConsumerAbandon, "slow consumer disconnected: "+q.Name, nil)
	case engine.SlowConsumerExit:
		if aware, ok := original.(poolAware); ok {
			aware.Tracker().ReturnToPool()
		}
		p.reporter.Crit(p.sourceName, report.KindQueuePublishFailure, "slow consumer exit: "+q.Name, nil)
	default:
		p.reporter.Warn(p.sourceName, report.KindSlowConsumerAbandon, "dropped for slow consumer: "+q.Name, nil)
	}
}

// Cache stores item in the event log without dispatching it to any queue,
// detaching pool-aware payloads first.
func (p *Publisher) Cache(item any) {
	if aware, ok := item.(poolAware); ok {
		aware.Tracker().RemoveFromPool()
	}
	seq := p.sequenceNumber.Add(1)
	p.cacheMu.Lock()
	p.log = append(p.log, cacheEntry{seq: seq, value: item})
	p.cacheMu.Unlock()
}

// PublishReplay fans record out verbatim to every currently attached
// queue, bypassing the mapper, sequencing, and caching.
func (p *Publisher) PublishReplay(record engine.ReplayRecord) {
	targets := *p.targets.Load()
	for _, q := range targets {
		p.offer(q, record, nil)
	}
}

// dispatchCachedEventLog fans unread cache entries out to q, advancing q's
// own read offset. Called when q is newly attached and at startComplete;
// each queue tracks its own offset so one queue catching up never starves
// another of entries cached before it subscribed.
func (p *Publisher) dispatchCachedEventLog(q *NamedQueue) {
	p.cacheMu.Lock()
	pending := append([]cacheEntry(nil), p.log[q.cacheReadPtr:]...)
	q.cacheReadPtr = len(p.log)
	p.cacheMu.Unlock()
	for _, entry := range pending {
		p.offer(q, entry.value, nil)
	}
}

// FlushCache re-dispatches every unread cache entry to every currently
// attached queue, used by LifecycleOrchestrator at startComplete.
func (p *Publisher) FlushCache() {
	targets := *p.targets.Load()
	for _, q := range targets {
		p.dispatchCachedEventLog(q)
	}
}

// GetEventLog returns a thread-safe immutable snapshot of cached entries'
// values in publish order; empty when caching was never used.
func (p *Publisher) GetEventLog() []any {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	out := make([]any, len(p.log))
	for i, e := range p.log {
		out[i] = e.value
	}
	return out
}
