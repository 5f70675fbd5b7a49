// Package invocation implements C4: the SPI mapping a dequeued item to one
// or more handler callbacks, plus the default strategy. Registration uses
// copy-on-write handler lists the way the teacher's Fanout/subscriber
// lists are snapshotted before delivery (core/dispatcher/fanout.go,
// internal/bus/databus/memory.go).
package invocation

import (
	"sync"
	"sync/atomic"

	hctx "github.com/flowloop/cortege/core/context"
	"github.com/flowloop/cortege/core/engine"
	"github.com/flowloop/cortege/core/report"
)

// Strategy is the SPI a QueueToInvocationAgent drives per dequeued item.
// Concrete strategies may down-cast a handler to a narrower capability
// interface inside a DispatchFunc installed with WithDispatch to call a
// typed method; without one, the default strategy always calls OnEvent.
type Strategy interface {
	// ProcessEvent dispatches item to every registered, still-valid
	// handler in registration order.
	ProcessEvent(item any)
	// ProcessReplay ensures each handler has a synthetic clock, sets it
	// to wallClockTime, then dispatches item.
	ProcessReplay(item any, wallClockTime int64)
	// RegisterProcessor admits h as a dispatch target if IsValidTarget(h).
	RegisterProcessor(h engine.Handler)
	// DeregisterProcessor removes h from the dispatch targets.
	DeregisterProcessor(h engine.Handler)
	// ListenerCount reports the number of currently registered handlers.
	ListenerCount() int
}

// DispatchFunc performs the actual per-handler callback invocation. The
// default is DefaultDispatch (handler.OnEvent); custom strategies swap
// this in via WithDispatch to call typed methods on capability
// interfaces, falling back to OnEvent for items that don't match.
type DispatchFunc func(item any, h engine.Handler) error

// ValidatorFunc filters handlers at registration time. The default admits
// every handler.
type ValidatorFunc func(h engine.Handler) bool

// DefaultDispatch invokes the handler's OnEvent method.
func DefaultDispatch(item any, h engine.Handler) error {
	return h.OnEvent(item)
}

func defaultValidator(engine.Handler) bool { return true }

// clockedHandler is the narrow capability a handler may implement to
// receive a synthetic clock during replay dispatch.
type clockedHandler = engine.ClockAware

// Default is the default InvocationStrategy: registration-ordered
// fan-out to OnEvent, with optional per-handler synthetic clocks for
// replay. Registered handlers are held in a copy-on-write slice so
// ProcessEvent never locks during dispatch.
type Default struct {
	mu        sync.Mutex
	handlers  atomic.Pointer[[]engine.Handler]
	clocks    map[engine.Handler]*int64
	clockMu   sync.Mutex
	dispatch  DispatchFunc
	isValid   ValidatorFunc
	reporter  *report.Hub
	sourceID  string

	lastErr atomic.Pointer[error]
}

// Option configures a Default strategy.
type Option func(*Default)

// WithDispatch overrides the per-handler callback invocation.
func WithDispatch(fn DispatchFunc) Option {
	return func(d *Default) { d.dispatch = fn }
}

// WithValidator overrides handler admission filtering.
func WithValidator(fn ValidatorFunc) Option {
	return func(d *Default) { d.isValid = fn }
}

// WithReporter attaches the error-reporting hub used for
// HandlerInvocationFailure events.
func WithReporter(hub *report.Hub, sourceID string) Option {
	return func(d *Default) {
		d.reporter = hub
		d.sourceID = sourceID
	}
}

// NewDefault constructs a Default strategy, the zero-arg factory shape
// spec.md §6 calls an "invocation strategy factory".
func NewDefault(opts ...Option) *Default {
	d := &Default{
		dispatch: DefaultDispatch,
		isValid:  defaultValidator,
		clocks:   make(map[engine.Handler]*int64),
	}
	empty := []engine.Handler{}
	d.handlers.Store(&empty)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterProcessor implements Strategy.
func (d *Default) RegisterProcessor(h engine.Handler) {
	if h == nil || !d.isValid(h) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	current := *d.handlers.Load()
	for _, existing := range current {
		if existing == h {
			return
		}
	}
	next := make([]engine.Handler, len(current)+1)
	copy(next, current)
	next[len(current)] = h
	d.handlers.Store(&next)
}

// DeregisterProcessor implements Strategy.
func (d *Default) DeregisterProcessor(h engine.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := *d.handlers.Load()
	next := make([]engine.Handler, 0, len(current))
	for _, existing := range current {
		if existing != h {
			next = append(next, existing)
		}
	}
	d.handlers.Store(&next)

	d.clockMu.Lock()
	delete(d.clocks, h)
	d.clockMu.Unlock()
}

// ListenerCount implements Strategy.
func (d *Default) ListenerCount() int {
	return len(*d.handlers.Load())
}

// ProcessEvent implements Strategy: registration-order fan-out, setting
// C11's CurrentProcessorContext around each callback.
func (d *Default) ProcessEvent(item any) {
	d.lastErr.Store(nil)
	handlers := *d.handlers.Load()
	for _, h := range handlers {
		d.dispatchOne(item, h)
	}
}

func (d *Default) dispatchOne(item any, h engine.Handler) {
	hctx.Set(h)
	defer hctx.Clear()
	if err := d.dispatch(item, h); err != nil {
		if d.lastErr.Load() == nil {
			d.lastErr.Store(&err)
		}
		if d.reporter != nil {
			d.reporter.Err(d.sourceID, report.KindHandlerInvocationFailure, "handler invocation failed", err)
		}
	}
}

// TakeLastError returns the first handler-invocation error raised during
// the most recent ProcessEvent/ProcessReplay call, if any, and clears it.
// QueueToInvocationAgent uses this to decide whether to retry the item it
// just dispatched, implementing spec.md §4.3's per-item retry policy
// without requiring every custom Strategy to plumb error returns through
// a fan-out API that inherently has no single success/failure outcome.
func (d *Default) TakeLastError() error {
	p := d.lastErr.Swap(nil)
	if p == nil {
		return nil
	}
	return *p
}

// ProcessReplay implements Strategy: ensures a synthetic clock exists for
// every currently registered handler, sets it, then dispatches normally.
func (d *Default) ProcessReplay(item any, wallClockTime int64) {
	handlers := *d.handlers.Load()
	for _, h := range handlers {
		d.stampClock(h, wallClockTime)
	}
	d.ProcessEvent(item)
}

func (d *Default) stampClock(h engine.Handler, wallClockTime int64) {
	clk, ok := h.(clockedHandler)
	if !ok {
		return
	}
	d.clockMu.Lock()
	cell, exists := d.clocks[h]
	if !exists {
		v := wallClockTime
		cell = &v
		d.clocks[h] = cell
		clk.SetClockStrategy(func() int64 { return atomic.LoadInt64(cell) })
	} else {
		atomic.StoreInt64(cell, wallClockTime)
	}
	d.clockMu.Unlock()
}
