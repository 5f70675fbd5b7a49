package agent

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"

	"github.com/flowloop/cortege/core/engine"
	"github.com/flowloop/cortege/core/report"
)

// State is a ComposingAgent's lifecycle state, per spec.md §3.
type State int32

const (
	StateNew State = iota
	StateActive
	StateStopped
)

// String renders the state for logging.
func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateActive:
		return "ACTIVE"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// AgentHostedFunc adapts a plain function to engine.AgentHosted, useful
// for tests and for wrapping a simple duty cycle that needs no lifecycle
// hooks.
type AgentHostedFunc func() (int, error)

// DoWork implements engine.AgentHosted.
func (f AgentHostedFunc) DoWork() (int, error) { return f() }

// mutation is a queued add/remove of a sub-agent, applied between duty
// cycles so a DoWork in progress never observes a torn sub-agent set.
type mutation struct {
	add    engine.AgentHosted
	remove engine.AgentHosted
}

// ComposingAgent is C5: it hosts many sub-agents (QueueToInvocationAgent,
// the scheduler's own agent, source/sink/service duty cycles) on one OS
// thread. Sub-agent set mutations are queued and applied only between
// DoWork invocations, never mid-cycle.
type ComposingAgent struct {
	name     string
	reporter *report.Hub
	coreID   int
	hasCore  bool

	state atomic.Int32

	mu      sync.Mutex
	agents  []engine.AgentHosted
	pending []mutation
}

// New constructs a ComposingAgent named name, reporting errors through
// hub.
func New(name string, hub *report.Hub) *ComposingAgent {
	return &ComposingAgent{name: name, reporter: hub}
}

// PinToCore records a best-effort OS core affinity hint applied at
// OnStart, per spec.md §4.5 / SPEC_FULL.md §5.
func (a *ComposingAgent) PinToCore(coreID int) *ComposingAgent {
	a.coreID = coreID
	a.hasCore = true
	return a
}

// Name returns the group's stable identifier.
func (a *ComposingAgent) Name() string { return a.name }

// State returns the current lifecycle state.
func (a *ComposingAgent) State() State { return State(a.state.Load()) }

// AddSubAgent enqueues sub for addition before the next duty cycle.
func (a *ComposingAgent) AddSubAgent(sub engine.AgentHosted) {
	a.mu.Lock()
	a.pending = append(a.pending, mutation{add: sub})
	a.mu.Unlock()
}

// RemoveSubAgent enqueues sub for removal before the next duty cycle.
func (a *ComposingAgent) RemoveSubAgent(sub engine.AgentHosted) {
	a.mu.Lock()
	a.pending = append(a.pending, mutation{remove: sub})
	a.mu.Unlock()
}

func (a *ComposingAgent) applyPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return
	}
	for _, m := range a.pending {
		switch {
		case m.add != nil:
			a.agents = append(a.agents, m.add)
		case m.remove != nil:
			next := a.agents[:0]
			for _, existing := range a.agents {
				if existing != m.remove {
					next = append(next, existing)
				}
			}
			a.agents = next
		}
	}
	a.pending = a.pending[:0]
}

// DoWork implements engine.AgentHosted: applies queued sub-agent
// mutations, then iterates every sub-agent, summing the returned work
// count. A sub-agent error is reported via C12 and does not halt the
// cycle for its siblings.
func (a *ComposingAgent) DoWork() (int, error) {
	a.applyPending()

	a.mu.Lock()
	agents := append([]engine.AgentHosted(nil), a.agents...)
	a.mu.Unlock()

	total := 0
	for _, sub := range agents {
		n, err := sub.DoWork()
		total += n
		if err != nil && a.reporter != nil {
			a.reporter.Err(a.name, report.KindLifecycleFailure, "sub-agent doWork failed", err)
		}
	}
	return total, nil
}

// OnStart transitions NEW→ACTIVE-bound: attempts best-effort core
// pinning, then starts every currently registered LifecycleAware
// sub-agent concurrently (bounded by GOMAXPROCS), grounded on the
// teacher's sourcegraph/conc usage in internal/pool/object_pool.go for
// bounded parallel fan-out. Returns once every sub-agent has attempted
// Start; aggregates failures instead of aborting on the first one.
func (a *ComposingAgent) OnStart(ctx context.Context) error {
	if a.hasCore {
		pinCore(a.coreID, a.reporter, a.name)
	}

	a.applyPending()

	a.mu.Lock()
	agents := append([]engine.AgentHosted(nil), a.agents...)
	a.mu.Unlock()

	p := pool.New().WithMaxGoroutines(runtime.GOMAXPROCS(0)).WithErrors()
	for _, sub := range agents {
		la, ok := sub.(engine.LifecycleAware)
		if !ok {
			continue
		}
		p.Go(func() error { return la.Start(ctx) })
	}
	if err := p.Wait(); err != nil {
		a.reporter.Err(a.name, report.KindLifecycleFailure, "composing agent start", err)
		return fmt.Errorf("agent %s: start: %w", a.name, err)
	}
	a.state.Store(int32(StateActive))
	return a.fireStartComplete(ctx)
}

func (a *ComposingAgent) fireStartComplete(ctx context.Context) error {
	a.mu.Lock()
	agents := append([]engine.AgentHosted(nil), a.agents...)
	a.mu.Unlock()

	var firstErr error
	for _, sub := range agents {
		la, ok := sub.(engine.LifecycleAware)
		if !ok {
			continue
		}
		if err := la.StartComplete(ctx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			a.reporter.Err(a.name, report.KindLifecycleFailure, "startComplete failed", err)
		}
	}
	return firstErr
}

// OnClose propagates Stop/TearDown to every sub-agent and transitions to
// STOPPED. Idempotent.
func (a *ComposingAgent) OnClose(ctx context.Context) error {
	if a.State() == StateStopped {
		return nil
	}
	a.state.Store(int32(StateStopped))

	a.mu.Lock()
	agents := append([]engine.AgentHosted(nil), a.agents...)
	a.mu.Unlock()

	var firstErr error
	for _, sub := range agents {
		la, ok := sub.(engine.LifecycleAware)
		if !ok {
			continue
		}
		if err := la.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := la.TearDown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
