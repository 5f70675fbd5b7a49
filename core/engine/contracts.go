// Package engine declares the external contracts the dispatch core depends
// on: sources, handlers, sinks, and services. The core never imports a
// concrete feed, processor, or sink package; it only ever sees these
// interfaces, so the concrete adapters under feeds/, processors/, and
// sinks/ stay free to depend on the core without creating an import cycle.
package engine

import "context"

// CallbackType is an interned tag identifying a handler callback shape.
// The zero value selects the default "on-event" callback.
type CallbackType string

// OnEvent is the default callback type used when a subscription does not
// request a custom invocation strategy.
const OnEvent CallbackType = "on-event"

// SourceKey identifies a registered source by name.
type SourceKey struct {
	Name string
}

// SubscriptionKey identifies a single (source, callback shape) route.
type SubscriptionKey struct {
	Source   SourceKey
	Callback CallbackType
}

// WrapStrategy controls how a publisher packages items before offering them
// to a target queue.
type WrapStrategy int

const (
	// SubscriptionNoWrap delivers the mapped value as-is, chosen per subscription.
	SubscriptionNoWrap WrapStrategy = iota
	// SubscriptionNamedEvent wraps the mapped value in a NamedFeedEvent, chosen per subscription.
	SubscriptionNamedEvent
	// BroadcastNoWrap delivers the mapped value as-is to every subscriber.
	BroadcastNoWrap
	// BroadcastNamedEvent wraps the mapped value in a NamedFeedEvent for every subscriber.
	BroadcastNamedEvent
)

// SlowConsumerStrategy controls what happens when a target queue stays full
// past the bounded offer window.
type SlowConsumerStrategy int

const (
	// SlowConsumerBackoff abandons the single offer and continues (default).
	SlowConsumerBackoff SlowConsumerStrategy = iota
	// SlowConsumerDisconnect removes the offending queue from the publisher.
	SlowConsumerDisconnect
	// SlowConsumerExit escalates the abandoned offer to a CRITICAL report and
	// returns a pool-aware item to its pool; the queue stays attached and
	// Publish still returns nil.
	SlowConsumerExit
)

// NamedFeedEvent wraps a published item with source identity and sequence
// information, used by the *-named-event wrap strategies.
type NamedFeedEvent struct {
	Name           string
	SequenceNumber uint64
	Data           any
}

// ReplayRecord pairs an event with the wall-clock time it originally
// occurred at, enabling deterministic time during replay dispatch.
type ReplayRecord struct {
	Event         any
	WallClockTime int64
}

// Source produces items of an arbitrary payload type and publishes them
// through its bound SourceQueuePublisher. Implementations that need a
// duty-cycle thread additionally implement AgentHosted.
type Source interface {
	Name() string
	Subscribe(key SubscriptionKey) error
	Unsubscribe(key SubscriptionKey) error
}

// LifecycleAware is implemented by sources, handlers, services, and sinks
// that need orchestrated init/start/startComplete/stop/tearDown hooks.
type LifecycleAware interface {
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	StartComplete(ctx context.Context) error
	Stop(ctx context.Context) error
	TearDown(ctx context.Context) error
}

// AgentHosted is implemented by sources, sinks, and services that want to
// run their own duty cycle on a ComposingAgent thread instead of (or in
// addition to) reacting to dispatched callbacks.
type AgentHosted interface {
	DoWork() (int, error)
}

// Handler is the opaque single-threaded event consumer ("processor").
// Custom invocation strategies may type-assert a Handler to a narrower
// capability interface to invoke a typed method instead of OnEvent.
type Handler interface {
	OnEvent(item any) error
}

// ClockAware handlers receive a synthetic clock supplier during replay
// dispatch; SetClockStrategy is called once per handler by the invocation
// strategy before any clocked dispatch.
type ClockAware interface {
	SetClockStrategy(now func() int64)
}

// Sink accepts items at the boundary of the system.
type Sink interface {
	Accept(item any) error
}

// Service is a named collaborator registered with the ServiceRegistry.
// Services may optionally implement LifecycleAware and AgentHosted.
type Service interface {
	ServiceName() string
}
