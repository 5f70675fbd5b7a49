package flow

import (
	"fmt"
	"sync"

	"github.com/flowloop/cortege/core/engine"
	"github.com/flowloop/cortege/core/invocation"
	"github.com/flowloop/cortege/core/report"
)

// DefaultQueueCapacity is the spec's default per-subscriber queue size.
const DefaultQueueCapacity = 1024

// StrategyFactory produces a fresh InvocationStrategy for one callback
// type, per spec.md §6's "invocation strategy factory".
type StrategyFactory func() invocation.Strategy

// sourceRecord pairs a registered source with its owned publisher.
type sourceRecord struct {
	source    engine.Source
	publisher *Publisher
}

// Manager is C2: EventFlowManager. It owns the source/publisher registry,
// the invocation-strategy-factory registry, and builds QueueToInvocationAgent
// instances on demand for (source, subscriber) pairs. All maps are guarded
// by a single RWMutex; enumeration copies out a stable snapshot, matching
// the teacher's concurrent-map-plus-snapshot style in
// internal/bus/eventbus/bus.go.
type Manager struct {
	reporter *report.Hub

	mu        sync.RWMutex
	sources   map[string]*sourceRecord
	factories map[engine.CallbackType]StrategyFactory
	agents    map[string]*QueueAgent
}

// NewManager constructs an empty EventFlowManager reporting through hub.
func NewManager(hub *report.Hub) *Manager {
	return &Manager{
		reporter:  hub,
		sources:   make(map[string]*sourceRecord),
		factories: make(map[engine.CallbackType]StrategyFactory),
		agents:    make(map[string]*QueueAgent),
	}
}

// RegisterSource implements spec.md §4.2 registerSource: creates the
// source's Publisher, binds it back into the source, and enforces name
// uniqueness.
func (m *Manager) RegisterSource(source engine.Source, opts ...PublisherOption) (*Publisher, error) {
	name := source.Name()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sources[name]; exists {
		err := report.New(name, report.KindSourceAlreadyRegistered, report.WithMessage("duplicate source registration"))
		m.reporter.Report(err)
		return nil, err
	}
	pub := NewPublisher(name, m.reporter, opts...)
	if bindable, ok := source.(publisherBindable); ok {
		bindable.SetPublisher(pub)
	}
	m.sources[name] = &sourceRecord{source: source, publisher: pub}
	return pub, nil
}

// publisherBindable is implemented by sources (feeds/wsfeed, feeds/tickfeed,
// feeds/restfeed) constructed with a placeholder Publisher that
// RegisterSource replaces with the canonical one it creates, so every
// published item reaches the queues GetMappingAgent attaches to that same
// Publisher.
type publisherBindable interface {
	SetPublisher(pub *Publisher)
}

// RegisterInvocationStrategyFactory replaces any prior factory registered
// for callbackType.
func (m *Manager) RegisterInvocationStrategyFactory(callbackType engine.CallbackType, factory StrategyFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[callbackType] = factory
}

func (m *Manager) lookupSource(name string) (*sourceRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sources[name]
	return rec, ok
}

// Subscribe delegates to the named source, failing with UnknownSource when
// absent.
func (m *Manager) Subscribe(key engine.SubscriptionKey) error {
	rec, ok := m.lookupSource(key.Source.Name)
	if !ok {
		err := report.New(key.Source.Name, report.KindUnknownSource, report.WithMessage("subscribe to unknown source"))
		m.reporter.Report(err)
		return err
	}
	return rec.source.Subscribe(key)
}

// Unsubscribe delegates to the named source, failing with UnknownSource
// when absent.
func (m *Manager) Unsubscribe(key engine.SubscriptionKey) error {
	rec, ok := m.lookupSource(key.Source.Name)
	if !ok {
		err := report.New(key.Source.Name, report.KindUnknownSource, report.WithMessage("unsubscribe from unknown source"))
		m.reporter.Report(err)
		return err
	}
	return rec.source.Unsubscribe(key)
}

// GetMappingAgent implements spec.md §4.2 getMappingAgent: resolves the
// callback type's strategy factory, attaches a queue named
// "{role}/{source}/{callback}" to the source's publisher (reusing the queue
// already attached under that name, if any), and wraps it in a QueueAgent
// whose Close method
// detaches the queue from both the publisher and this manager's registry.
func (m *Manager) GetMappingAgent(sourceName string, callbackType engine.CallbackType, subscriberRole string) (*QueueAgent, error) {
	m.mu.Lock()
	rec, ok := m.sources[sourceName]
	if !ok {
		m.mu.Unlock()
		err := report.New(sourceName, report.KindUnknownSource, report.WithMessage("getMappingAgent on unknown source"))
		m.reporter.Report(err)
		return nil, err
	}
	if callbackType == "" {
		callbackType = engine.OnEvent
	}
	factory, ok := m.factories[callbackType]
	if !ok {
		m.mu.Unlock()
		err := report.New(sourceName, report.KindNoStrategyRegistered,
			report.WithMessage("getMappingAgent: no strategy"),
			report.WithField("callback_type", string(callbackType)))
		m.reporter.Report(err)
		return nil, err
	}
	name := fmt.Sprintf("%s/%s/%s", subscriberRole, sourceName, callbackType)
	m.mu.Unlock()

	queue := rec.publisher.AddTargetQueue(name, DefaultQueueCapacity)
	strat := factory()
	agent := newQueueAgent(name, sourceName, queue, strat, m.reporter, func() {
		rec.publisher.RemoveTargetQueueByName(name)
		m.mu.Lock()
		delete(m.agents, name)
		m.mu.Unlock()
	})

	m.mu.Lock()
	m.agents[name] = agent
	m.mu.Unlock()
	return agent, nil
}

// QueueInfo is one row of the AppendQueueInformation diagnostic dump.
type QueueInfo struct {
	SourceName string
	AgentName  string
	Listeners  int
}

// AppendQueueInformation returns a stable diagnostic snapshot of every
// live (source, agent) pairing, safe under concurrent registration.
func (m *Manager) AppendQueueInformation() []QueueInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]QueueInfo, 0, len(m.agents))
	for name, agent := range m.agents {
		out = append(out, QueueInfo{
			SourceName: agent.sourceNameHint,
			AgentName:  name,
			Listeners:  agent.ListenerCount(),
		})
	}
	return out
}

// Publisher returns the publisher owned by the named source, if
// registered.
func (m *Manager) Publisher(sourceName string) (*Publisher, bool) {
	rec, ok := m.lookupSource(sourceName)
	if !ok {
		return nil, false
	}
	return rec.publisher, true
}

// FlushAllCaches calls FlushCache on every registered source's publisher,
// used by LifecycleOrchestrator at startComplete.
func (m *Manager) FlushAllCaches() {
	m.mu.RLock()
	recs := make([]*sourceRecord, 0, len(m.sources))
	for _, rec := range m.sources {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()
	for _, rec := range recs {
		rec.publisher.FlushCache()
	}
}
