package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flowloop/cortege/core/report"
)

// ErrorHandler is invoked with any error or recovered panic raised by a
// hosted ComposingAgent's DoWork call.
type ErrorHandler func(groupName string, err error)

// Runner is C6: AgentRunner. It hosts one ComposingAgent on a dedicated
// goroutine, looping doWork → idleStrategy.Idle(count) until Stop is
// called, routing every error (including recovered panics) to the
// configured ErrorHandler. Grounded on
// internal/lambda/runtime/manager.go's launch/observe pair: a
// context.CancelFunc stops the loop, and a dedicated goroutine watches
// for its exit.
type Runner struct {
	group    *ComposingAgent
	idle     IdleStrategy
	onError  ErrorHandler
	reporter *report.Hub

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	running atomic.Bool
}

// NewRunner constructs a Runner hosting group, pacing idle cycles with
// idle and routing failures to onError (may be nil, in which case
// failures are only reported via hub).
func NewRunner(group *ComposingAgent, idle IdleStrategy, hub *report.Hub, onError ErrorHandler) *Runner {
	if idle == nil {
		idle = NoOpIdleStrategy{}
	}
	return &Runner{group: group, idle: idle, reporter: hub, onError: onError}
}

// Start launches the hosting goroutine. It first runs the group's
// OnStart (service/sub-agent Start + StartComplete cascade per spec.md
// §4.5/§4.6) before entering the doWork loop.
func (r *Runner) Start(parent context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("agent runner %s: already running", r.group.Name())
	}
	r.ctx, r.cancel = context.WithCancel(parent)
	r.done = make(chan struct{})

	if err := r.group.OnStart(r.ctx); err != nil {
		r.running.Store(false)
		return fmt.Errorf("agent runner %s: start: %w", r.group.Name(), err)
	}

	go r.loop()
	return nil
}

func (r *Runner) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		n, err := r.safeDoWork()
		if err != nil {
			r.report(err)
		}
		r.idle.Idle(n)
	}
}

func (r *Runner) safeDoWork() (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent runner %s: panic: %v", r.group.Name(), p)
		}
	}()
	return r.group.DoWork()
}

func (r *Runner) report(err error) {
	if r.reporter != nil {
		r.reporter.Err(r.group.Name(), report.KindLifecycleFailure, "agent runner doWork failed", err)
	}
	if r.onError != nil {
		r.onError(r.group.Name(), err)
	}
}

// Stop signals the loop to exit and waits for it to observe the stop
// flag, then propagates Stop/TearDown to the hosted group. Idempotent.
func (r *Runner) Stop(ctx context.Context) error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	r.cancel()
	<-r.done
	return r.group.OnClose(ctx)
}

// RunnerGroup manages a named collection of Runners started and stopped
// together, mirroring LifecycleOrchestrator's "launch AgentRunners" /
// "stop AgentRunners (wait for doWork loops to exit)" steps.
type RunnerGroup struct {
	mu      sync.Mutex
	runners map[string]*Runner
}

// NewRunnerGroup constructs an empty RunnerGroup.
func NewRunnerGroup() *RunnerGroup {
	return &RunnerGroup{runners: make(map[string]*Runner)}
}

// Add registers a runner under its group's name.
func (g *RunnerGroup) Add(r *Runner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runners[r.group.Name()] = r
}

// StartAll starts every registered runner, continuing past failures, and
// returns the first start error (later errors are not returned).
func (g *RunnerGroup) StartAll(ctx context.Context) error {
	g.mu.Lock()
	runners := make([]*Runner, 0, len(g.runners))
	for _, r := range g.runners {
		runners = append(runners, r)
	}
	g.mu.Unlock()

	var firstErr error
	for _, r := range runners {
		if err := r.Start(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StopAll stops every registered runner and waits for each doWork loop
// to exit before returning.
func (g *RunnerGroup) StopAll(ctx context.Context) error {
	g.mu.Lock()
	runners := make([]*Runner, 0, len(g.runners))
	for _, r := range g.runners {
		runners = append(runners, r)
	}
	g.mu.Unlock()

	var firstErr error
	for _, r := range runners {
		if err := r.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
