package flow

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/flowloop/cortege/core/engine"
	"github.com/flowloop/cortege/core/invocation"
	"github.com/flowloop/cortege/core/report"
)

// drainBatch bounds how many items one doWork call drains from its queue
// before yielding, per spec.md §4.3.
const drainBatch = 64

// RetryPolicy controls per-item retry after a handler invocation failure,
// per spec.md §4.3. RetryOn nil retries every error.
type RetryPolicy struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Multiplier       float64
	RetryOn          func(err error) bool
}

// DefaultRetryPolicy performs no retries: a single failed attempt is
// reported and the item is dropped.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 1}

func (rp RetryPolicy) backoffConfig() *backoff.ExponentialBackOff {
	cfg := backoff.NewExponentialBackOff()
	if rp.InitialBackoff > 0 {
		cfg.InitialInterval = rp.InitialBackoff
	}
	if rp.MaxBackoff > 0 {
		cfg.MaxInterval = rp.MaxBackoff
	}
	if rp.Multiplier > 0 {
		cfg.Multiplier = rp.Multiplier
	}
	return cfg
}

// QueueAgent is C3: QueueToInvocationAgent. It owns one NamedQueue and one
// InvocationStrategy, draining items onto the strategy from its hosting
// ComposingAgent's duty cycle.
type QueueAgent struct {
	name           string
	sourceNameHint string
	queue          *NamedQueue
	strategy       invocation.Strategy
	reporter       *report.Hub
	retryPolicy    RetryPolicy
	unsubscribe    func()
}

func newQueueAgent(name, sourceName string, queue *NamedQueue, strategy invocation.Strategy, hub *report.Hub, unsubscribe func()) *QueueAgent {
	return &QueueAgent{
		name:           name,
		sourceNameHint: sourceName,
		queue:          queue,
		strategy:       strategy,
		reporter:       hub,
		retryPolicy:    DefaultRetryPolicy,
		unsubscribe:    unsubscribe,
	}
}

// WithRetryPolicy overrides the per-item retry policy applied on handler
// invocation failure.
func (a *QueueAgent) WithRetryPolicy(rp RetryPolicy) *QueueAgent {
	a.retryPolicy = rp
	return a
}

// RoleName returns the stable "{role}/{source}/{callback}" identifier.
func (a *QueueAgent) RoleName() string { return a.name }

// RegisterProcessor forwards to the owned strategy.
func (a *QueueAgent) RegisterProcessor(h engine.Handler) { a.strategy.RegisterProcessor(h) }

// DeregisterProcessor forwards to the owned strategy.
func (a *QueueAgent) DeregisterProcessor(h engine.Handler) { a.strategy.DeregisterProcessor(h) }

// ListenerCount forwards to the owned strategy.
func (a *QueueAgent) ListenerCount() int { return a.strategy.ListenerCount() }

// Close detaches this agent's queue from its source publisher and from
// the owning manager's registry. Idempotent.
func (a *QueueAgent) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
}

// DoWork implements engine.AgentHosted: drains up to drainBatch items,
// dispatching each through the strategy with the configured retry
// policy. Returns the number of items processed; zero signals idleness
// to the hosting AgentRunner's idle strategy.
func (a *QueueAgent) DoWork() (int, error) {
	processed := 0
	for processed < drainBatch {
		select {
		case item, ok := <-a.queue.ch:
			if !ok {
				return processed, nil
			}
			a.dispatch(item)
			processed++
		default:
			return processed, nil
		}
	}
	return processed, nil
}

// errCollector is the optional capability a Strategy implements to report
// the outcome of its most recent ProcessEvent/ProcessReplay call.
// invocation.Default implements it; custom strategies that don't are
// simply never retried (equivalent to RetryPolicy.MaxAttempts == 1).
type errCollector interface {
	TakeLastError() error
}

func (a *QueueAgent) dispatch(item any) {
	if record, ok := item.(engine.ReplayRecord); ok {
		a.invokeWithRetry(func() error {
			a.strategy.ProcessReplay(record.Event, record.WallClockTime)
			return a.takeError()
		})
		return
	}
	a.invokeWithRetry(func() error {
		a.strategy.ProcessEvent(item)
		return a.takeError()
	})
}

func (a *QueueAgent) takeError() error {
	if collector, ok := a.strategy.(errCollector); ok {
		return collector.TakeLastError()
	}
	return nil
}

// invokeWithRetry runs op, retrying per a.retryPolicy while op keeps
// reporting a non-nil outcome (per spec.md §4.3's "exceptions thrown by a
// handler are caught per-item ... and optionally retried"). op's own
// handler-invocation failures are already reported at ERROR by the
// strategy before TakeLastError surfaces them here; this loop only
// decides whether to re-dispatch the same item.
func (a *QueueAgent) invokeWithRetry(op func() error) {
	attempts := a.retryPolicy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	cfg := a.retryPolicy.backoffConfig()
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op()
		if err == nil {
			return
		}
		if a.retryPolicy.RetryOn != nil && !a.retryPolicy.RetryOn(err) {
			break
		}
		if attempt == attempts {
			break
		}
		sleep := cfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		time.Sleep(sleep)
	}
}
