// Package lifecycle implements C7: the LifecycleOrchestrator driving the
// strict init → start → startComplete → stop → tearDown sequence across
// services, sources, sinks, and composing-agent groups. Grounded on
// internal/conductor/orchestrator.go's sequencing style (ordered phases,
// aggregated errors, idempotent retry loop) generalized from fusing
// market data to sequencing component lifecycles.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowloop/cortege/core/agent"
	"github.com/flowloop/cortege/core/engine"
	"github.com/flowloop/cortege/core/flow"
	"github.com/flowloop/cortege/core/registry"
	"github.com/flowloop/cortege/core/report"
)

// defaultMaxIdleSleep paces an auto-vivified group's Runner when no
// explicit IdleStrategy was supplied via Group.
const defaultMaxIdleSleep = 10 * time.Millisecond

// component is one registered participant: its name, its optional
// lifecycle hooks, and the group hosting it if it is agent-hosted.
type component struct {
	name        string
	target      any                   // the raw registered value, for Inject
	lifecycle   engine.LifecycleAware // nil if the target has no hooks
	agentHosted engine.AgentHosted    // nil if the target has no duty cycle
	group       string                // "" means ungrouped
}

// Orchestrator is C7: LifecycleOrchestrator.
type Orchestrator struct {
	reporter *report.Hub
	registry *registry.Registry
	flowMgr  *flow.Manager

	mu      sync.Mutex
	groups  map[string]*agent.ComposingAgent
	runners *agent.RunnerGroup

	infra []*component
	rest  []*component // sources, sinks, user services, in registration order

	started  atomic.Bool
	stopping atomic.Bool
}

// New constructs an Orchestrator. flowMgr may be nil if the engine has
// no caching sources to flush at startComplete.
func New(hub *report.Hub, reg *registry.Registry, flowMgr *flow.Manager) *Orchestrator {
	return &Orchestrator{
		reporter: hub,
		registry: reg,
		flowMgr:  flowMgr,
		groups:   make(map[string]*agent.ComposingAgent),
		runners:  agent.NewRunnerGroup(),
	}
}

// Group returns the named ComposingAgent, creating it (and a Runner
// hosting it, paced by idle) on first use.
func (o *Orchestrator) Group(name string, idle agent.IdleStrategy) *agent.ComposingAgent {
	o.mu.Lock()
	defer o.mu.Unlock()
	if g, ok := o.groups[name]; ok {
		return g
	}
	g := agent.New(name, o.reporter)
	o.groups[name] = g
	o.runners.Add(agent.NewRunner(g, idle, o.reporter, nil))
	return g
}

// RegisterInfraService registers step-1 infrastructure (controller,
// pool registry, error reporter) ahead of sources/sinks/user services.
func (o *Orchestrator) RegisterInfraService(svc engine.Service) error {
	if err := o.registry.RegisterService(svc); err != nil {
		return err
	}
	o.mu.Lock()
	o.infra = append(o.infra, o.describe(svc.ServiceName(), svc, ""))
	o.mu.Unlock()
	return nil
}

// RegisterService registers a step-2 user service, optionally hosting
// its duty cycle on the named ComposingAgent group.
func (o *Orchestrator) RegisterService(svc engine.Service, groupName string) error {
	if err := o.registry.RegisterService(svc); err != nil {
		return err
	}
	o.addRest(svc.ServiceName(), svc, groupName)
	return nil
}

// RegisterSource registers a step-2 source, optionally hosting its duty
// cycle on the named ComposingAgent group.
func (o *Orchestrator) RegisterSource(name string, src engine.Source, groupName string) {
	o.registry.RegisterNamedFeed(src)
	o.addRest(name, src, groupName)
}

// RegisterSink registers a step-2 sink, optionally hosting its duty
// cycle on the named ComposingAgent group.
func (o *Orchestrator) RegisterSink(name string, sink engine.Sink, groupName string) {
	o.addRest(name, sink, groupName)
}

func (o *Orchestrator) addRest(name string, target any, groupName string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rest = append(o.rest, o.describe(name, target, groupName))
}

func (o *Orchestrator) describe(name string, target any, groupName string) *component {
	c := &component{name: name, target: target, group: groupName}
	if la, ok := target.(engine.LifecycleAware); ok {
		c.lifecycle = la
	}
	if ah, ok := target.(engine.AgentHosted); ok {
		c.agentHosted = ah
		if groupName != "" {
			g, ok := o.groups[groupName]
			if !ok {
				g = agent.New(groupName, o.reporter)
				o.groups[groupName] = g
				o.runners.Add(agent.NewRunner(g, agent.NewBackoffIdleStrategy(defaultMaxIdleSleep), o.reporter, nil))
			}
			g.AddSubAgent(ah)
		}
	}
	return c
}

// Start runs the strict sequence: inject dependencies into every
// registered target, init everything (infra first), start ungrouped
// LifecycleAware targets and launch every ComposingAgent's Runner
// (which itself cascades Start then StartComplete to its agent-hosted
// members), start-complete the remaining ungrouped targets, then flush
// every caching source's event log.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return fmt.Errorf("lifecycle: already started")
	}

	o.mu.Lock()
	all := append(append([]*component(nil), o.infra...), o.rest...)
	o.mu.Unlock()

	for _, c := range all {
		if err := o.registry.Inject(c.target); err != nil {
			o.reportFailure(c.name, "inject", err)
		}
	}

	if err := o.initAll(ctx, all); err != nil {
		return err
	}

	if err := o.startUngrouped(ctx, all); err != nil {
		return err
	}

	o.mu.Lock()
	runners := o.runners
	o.mu.Unlock()
	if err := runners.StartAll(ctx); err != nil {
		return fmt.Errorf("lifecycle: start agent groups: %w", err)
	}

	if err := o.startCompleteUngrouped(ctx, all); err != nil {
		return err
	}

	if o.flowMgr != nil {
		o.flowMgr.FlushAllCaches()
	}
	return nil
}

func (o *Orchestrator) initAll(ctx context.Context, all []*component) error {
	for _, c := range all {
		if c.lifecycle == nil {
			continue
		}
		if err := c.lifecycle.Init(ctx); err != nil {
			o.reportFailure(c.name, "init", err)
			return fmt.Errorf("lifecycle: init %s: %w", c.name, err)
		}
	}
	return nil
}

func (o *Orchestrator) startUngrouped(ctx context.Context, all []*component) error {
	for _, c := range all {
		if c.lifecycle == nil || c.group != "" {
			continue
		}
		if err := c.lifecycle.Start(ctx); err != nil {
			o.reportFailure(c.name, "start", err)
			return fmt.Errorf("lifecycle: start %s: %w", c.name, err)
		}
	}
	return nil
}

func (o *Orchestrator) startCompleteUngrouped(ctx context.Context, all []*component) error {
	var firstErr error
	for _, c := range all {
		if c.lifecycle == nil || c.group != "" {
			continue
		}
		if err := c.lifecycle.StartComplete(ctx); err != nil {
			o.reportFailure(c.name, "startComplete", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Stop runs the idempotent stop sequence: stop every AgentRunner (which
// waits for its doWork loop to exit, then stops and tears down its
// agent-hosted members), then stop and tear down every ungrouped
// target, releasing resources. Safe to call more than once.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.stopping.CompareAndSwap(false, true) {
		return nil
	}

	o.mu.Lock()
	all := append(append([]*component(nil), o.infra...), o.rest...)
	runners := o.runners
	o.mu.Unlock()

	var firstErr error
	if err := runners.StopAll(ctx); err != nil {
		firstErr = err
	}

	for i := len(all) - 1; i >= 0; i-- {
		c := all[i]
		if c.lifecycle == nil || c.group != "" {
			continue
		}
		if err := c.lifecycle.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := c.lifecycle.TearDown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (o *Orchestrator) reportFailure(name, phase string, err error) {
	if o.reporter == nil {
		return
	}
	o.reporter.Err(name, report.KindLifecycleFailure, phase+" failed", err)
}
