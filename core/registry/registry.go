// Package registry implements C10: the ServiceRegistry and its
// injector. spec.md §9 explicitly redesigns the source material's
// reflection-plus-annotation DI ("scan a target for methods annotated
// as service-registered") for a statically typed target: "replace
// annotations with an explicit dependency descriptor or small builder
// the handler provides". Dependant returns a []Dependency descriptor
// slice instead of exposing annotated methods; Injector resolves each
// descriptor against the registry and calls its Setter.
package registry

import (
	"reflect"
	"sync"

	"github.com/flowloop/cortege/core/engine"
	"github.com/flowloop/cortege/core/report"
)

// Dependency describes one injection point a handler, source, or sink
// wants filled: every registered service whose concrete type is
// assignable to Type is passed to Setter, optionally narrowed to one
// service by Name.
type Dependency struct {
	// Type is the interface or concrete type the target service must be
	// assignable to, e.g. reflect.TypeFor[MetricsService]().
	Type reflect.Type
	// Name optionally narrows resolution to the service registered under
	// this exact name. Empty matches every assignable service.
	Name string
	// Setter receives each matching service in registration order.
	Setter func(svc engine.Service) error
}

// Dependant is implemented by any target (handler, source, sink,
// service) that wants services injected. Targets that don't implement
// it simply receive no injection.
type Dependant interface {
	Dependencies() []Dependency
}

// Registry is C10's ServiceRegistry: named, idempotent-per-name
// service registration.
type Registry struct {
	reporter *report.Hub

	mu       sync.RWMutex
	byName   map[string]engine.Service
	order    []engine.Service
	bySource map[string]engine.Source
}

// New constructs an empty Registry reporting duplicate-registration
// failures through hub.
func New(hub *report.Hub) *Registry {
	return &Registry{
		reporter: hub,
		byName:   make(map[string]engine.Service),
		bySource: make(map[string]engine.Source),
	}
}

// RegisterService registers svc under its own ServiceName. Fails with
// ServiceAlreadyRegistered if that name is taken.
func (r *Registry) RegisterService(svc engine.Service) error {
	name := svc.ServiceName()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		err := report.New(name, report.KindServiceAlreadyRegistered, report.WithMessage("duplicate service registration"))
		r.reporter.Report(err)
		return err
	}
	r.byName[name] = svc
	r.order = append(r.order, svc)
	return nil
}

// Lookup returns the named service, if registered.
func (r *Registry) Lookup(name string) (engine.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.byName[name]
	return svc, ok
}

// RegisterNamedFeed makes source resolvable by name for
// SubscribeToNamedFeed, independent of core/flow's own source registry
// (the registry here exists so processors can resolve feeds purely by
// name without importing core/flow).
func (r *Registry) RegisterNamedFeed(source engine.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySource[source.Name()] = source
}

// SubscribeToNamedFeed resolves source by name and calls its Subscribe
// with a SubscriptionKey for the given callback type. It does not attach
// the current handler to any queue, and subscriberRole is not used.
func (r *Registry) SubscribeToNamedFeed(name string, callbackType engine.CallbackType, subscriberRole string) error {
	r.mu.RLock()
	source, ok := r.bySource[name]
	r.mu.RUnlock()
	if !ok {
		err := report.New(name, report.KindUnknownSource, report.WithMessage("subscribeToNamedFeed on unknown feed"))
		r.reporter.Report(err)
		return err
	}
	key := engine.SubscriptionKey{
		Source:   engine.SourceKey{Name: name},
		Callback: callbackType,
	}
	_ = subscriberRole // role is embedded by the EventFlowManager's queue naming, not the subscribe key itself.
	return source.Subscribe(key)
}

// Inject resolves target's declared Dependencies (if it implements
// Dependant) against every registered service, calling each Setter once
// per assignable match, in registration order.
func (r *Registry) Inject(target any) error {
	dependant, ok := target.(Dependant)
	if !ok {
		return nil
	}
	r.mu.RLock()
	services := append([]engine.Service(nil), r.order...)
	r.mu.RUnlock()

	var firstErr error
	for _, dep := range dependant.Dependencies() {
		for _, svc := range services {
			if dep.Name != "" && svc.ServiceName() != dep.Name {
				continue
			}
			if !reflect.TypeOf(svc).AssignableTo(dep.Type) {
				continue
			}
			if err := dep.Setter(svc); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Services returns a stable snapshot of every registered service, for
// LifecycleOrchestrator's init/start iteration.
func (r *Registry) Services() []engine.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]engine.Service(nil), r.order...)
}
