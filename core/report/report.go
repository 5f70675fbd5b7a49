// Package report implements the central error-reporting channel (C12):
// a severity-tagged error envelope fanned out to pluggable reporters.
// Modeled on the teacher's internal/observability package (Logger,
// DeadLetterQueue, AggregateErrors) generalized from telemetry-delivery
// failures to every error kind the dispatch core can raise.
package report

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Severity classifies a reported error.
type Severity int

const (
	// Warning marks a recoverable, expected condition (e.g. a single
	// slow-consumer drop).
	Warning Severity = iota
	// SevError marks a failure local to one item, handler, or timer.
	SevError
	// Critical marks a failure that compromises an invariant and should
	// page a human.
	Critical
)

// String renders the severity for logging.
func (s Severity) String() string {
	switch s {
	case Warning:
		return "WARNING"
	case SevError:
		return "ERROR"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Kind enumerates the behavioral error kinds named in spec.md §7.
type Kind string

const (
	KindSourceAlreadyRegistered  Kind = "source_already_registered"
	KindServiceAlreadyRegistered Kind = "service_already_registered"
	KindUnknownSource            Kind = "unknown_source"
	KindNoStrategyRegistered     Kind = "no_strategy_registered"
	KindQueuePublishFailure      Kind = "queue_publish_failure"
	KindSlowConsumerAbandon      Kind = "slow_consumer_abandon"
	KindMapperFailure            Kind = "mapper_failure"
	KindHandlerInvocationFailure Kind = "handler_invocation_failure"
	KindSchedulerActionFailure   Kind = "scheduler_action_failure"
	KindLifecycleFailure         Kind = "lifecycle_failure"
	KindSinkFlushFailure         Kind = "sink_flush_failure"
)

// Field is a structured key/value pair attached to an Event, mirroring the
// teacher's observability.Field.
type Field struct {
	Key   string
	Value any
}

// Event captures one reported error: its source component, message,
// underlying cause, severity, and timestamp, per spec.md §3/§7.
type Event struct {
	SourceID  string
	Kind      Kind
	Message   string
	Cause     error
	Severity  Severity
	Timestamp time.Time
	Fields    []Field
}

// Error implements the error interface so Event can be returned directly
// from APIs that need a typed QueuePublishFailure et al.
func (e *Event) Error() string {
	var b strings.Builder
	b.WriteString(e.Severity.String())
	b.WriteString(" ")
	b.WriteString(string(e.Kind))
	if e.SourceID != "" {
		b.WriteString(" [")
		b.WriteString(e.SourceID)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Event) Unwrap() error { return e.Cause }

// Error is the exchange-style envelope name used by call sites that build
// an event to return as an error rather than only to report it, mirroring
// the teacher's errs.E. It is the same type as Event: one envelope serves
// both the "hand back to the caller" and "fan out through the Hub" paths.
type Error = Event

// Option configures an Error being built with New, mirroring errs.Option.
type Option func(*Error)

// New constructs an Error for sourceID/kind at Error severity, applying
// opts in order. It does not report the event; pass the result to
// Hub.Report or return it directly, matching errs.New's pure-constructor
// shape.
func New(sourceID string, kind Kind, opts ...Option) *Error {
	e := &Error{SourceID: sourceID, Kind: kind, Severity: SevError}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithCause sets the underlying cause.
func WithCause(err error) Option {
	return func(e *Error) { e.Cause = err }
}

// WithMessage sets the human-readable message.
func WithMessage(msg string) Option {
	return func(e *Error) { e.Message = msg }
}

// WithSeverity overrides the default Error severity New assigns.
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.Severity = sev }
}

// WithField appends one structured field.
func WithField(key string, value any) Option {
	return func(e *Error) { e.Fields = append(e.Fields, Field{Key: key, Value: value}) }
}

// WithFields appends structured fields in bulk.
func WithFields(fields ...Field) Option {
	return func(e *Error) { e.Fields = append(e.Fields, fields...) }
}

// Reporter receives reported error events. Implementations must not block
// indefinitely; Hub invokes reporters synchronously on the reporting
// goroutine.
type Reporter interface {
	Report(evt *Event)
}

// Logger is the minimal structured-logging surface the default reporter
// writes through, matching the teacher's observability.Logger shape.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Hub is the concrete C12 implementation: a copy-on-write list of
// reporters plus a bounded ring buffer of recent events for Recent(limit).
type Hub struct {
	mu        sync.Mutex
	reporters []Reporter
	ring      []*Event
	ringCap   int
}

// NewHub constructs a Hub with the given recent-event ring capacity. A
// non-positive capacity defaults to 256.
func NewHub(ringCapacity int) *Hub {
	if ringCapacity <= 0 {
		ringCapacity = 256
	}
	return &Hub{ringCap: ringCapacity}
}

// AddReporter registers a reporter. Safe for concurrent use with Report.
func (h *Hub) AddReporter(r Reporter) {
	if r == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	next := make([]Reporter, len(h.reporters)+1)
	copy(next, h.reporters)
	next[len(h.reporters)] = r
	h.reporters = next
}

// RemoveReporter deregisters a reporter by identity.
func (h *Hub) RemoveReporter(r Reporter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := make([]Reporter, 0, len(h.reporters))
	for _, existing := range h.reporters {
		if existing != r {
			next = append(next, existing)
		}
	}
	h.reporters = next
}

// Report fans the event out to every registered reporter and records it in
// the recent-event ring.
func (h *Hub) Report(evt *Event) {
	if evt == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	h.mu.Lock()
	reporters := h.reporters
	h.ring = append(h.ring, evt)
	if len(h.ring) > h.ringCap {
		h.ring = h.ring[len(h.ring)-h.ringCap:]
	}
	h.mu.Unlock()

	for _, r := range reporters {
		r.Report(evt)
	}
}

// Warn is a convenience constructor+report for a WARNING event.
func (h *Hub) Warn(sourceID string, kind Kind, msg string, cause error, fields ...Field) {
	h.Report(&Event{SourceID: sourceID, Kind: kind, Message: msg, Cause: cause, Severity: Warning, Fields: fields})
}

// Err is a convenience constructor+report for an ERROR event.
func (h *Hub) Err(sourceID string, kind Kind, msg string, cause error, fields ...Field) {
	h.Report(&Event{SourceID: sourceID, Kind: kind, Message: msg, Cause: cause, Severity: SevError, Fields: fields})
}

// Crit is a convenience constructor+report for a CRITICAL event.
func (h *Hub) Crit(sourceID string, kind Kind, msg string, cause error, fields ...Field) *Event {
	evt := &Event{SourceID: sourceID, Kind: kind, Message: msg, Cause: cause, Severity: Critical, Fields: fields}
	h.Report(evt)
	return evt
}

// Recent returns the most recent limit events, newest last. limit <= 0
// returns the full ring.
func (h *Hub) Recent(limit int) []*Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.ring) {
		limit = len(h.ring)
	}
	out := make([]*Event, limit)
	copy(out, h.ring[len(h.ring)-limit:])
	return out
}

// LogReporter is the default reporter: it writes every event through a
// Logger at a level matched to severity, equivalent to the teacher's
// defaultLogger-backed AggregateErrors path.
type LogReporter struct {
	Logger Logger
}

// Report implements Reporter.
func (lr LogReporter) Report(evt *Event) {
	if lr.Logger == nil || evt == nil {
		return
	}
	fields := append([]Field{
		{Key: "kind", Value: string(evt.Kind)},
		{Key: "source", Value: evt.SourceID},
	}, evt.Fields...)
	if evt.Cause != nil {
		fields = append(fields, Field{Key: "cause", Value: evt.Cause.Error()})
	}
	switch evt.Severity {
	case Warning:
		lr.Logger.Info(evt.Message, fields...)
	default:
		lr.Logger.Error(evt.Message, fields...)
	}
}

// DeadLetterQueue records events a reporter could not deliver so they can
// be drained and retried out-of-band, mirroring
// internal/observability.DeadLetterQueue.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	events   []*Event
}

// NewDeadLetterQueue constructs a DLQ with the provided capacity.
// Capacity <= 0 means unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	return &DeadLetterQueue{capacity: capacity, events: make([]*Event, 0)}
}

// Offer records an event, dropping the oldest entry when at capacity.
func (q *DeadLetterQueue) Offer(evt *Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.events) >= q.capacity {
		copy(q.events[0:], q.events[1:])
		q.events[len(q.events)-1] = evt
		return
	}
	q.events = append(q.events, evt)
}

// Drain returns and clears every queued event.
func (q *DeadLetterQueue) Drain() []*Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]*Event, len(q.events))
	copy(drained, q.events)
	q.events = q.events[:0]
	return drained
}

// Len reports the number of queued events.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// AggregateErrors joins non-nil errors from errs, reports a single ERROR
// event describing the batch, and returns a combined error (nil if errs
// contained nothing reportable). Mirrors observability.AggregateErrors,
// generalized to any Hub-reporting component.
func AggregateErrors(hub *Hub, sourceID, operation string, errs []error, fields ...Field) error {
	filtered := make([]string, 0, len(errs))
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		filtered = append(filtered, err.Error())
	}
	if len(filtered) == 0 {
		return nil
	}
	sort.Strings(filtered)
	allFields := append(append([]Field{}, fields...),
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(filtered)},
		Field{Key: "errors", Value: filtered},
	)
	if hub != nil {
		hub.Err(sourceID, KindHandlerInvocationFailure, operation+" failed", first, allFields...)
	}
	return &Event{
		SourceID: sourceID,
		Kind:     KindHandlerInvocationFailure,
		Message:  operation + " failed",
		Cause:    first,
		Severity: SevError,
		Fields:   allFields,
	}
}
