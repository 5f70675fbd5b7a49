package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowloop/cortege/core/engine"
	"github.com/flowloop/cortege/core/pool"
	"github.com/flowloop/cortege/core/report"
)

func drain(t *testing.T, q *NamedQueue, n int) []any {
	t.Helper()
	out := make([]any, 0, n)
	deadline := time.After(time.Second)
	for len(out) < n {
		select {
		case v := <-q.Chan():
			out = append(out, v)
		case <-deadline:
			t.Fatalf("timed out draining %s, got %d/%d", q.Name, len(out), n)
		}
	}
	return out
}

// Scenario 1: two subscribers, one source, broadcast-no-wrap.
func TestScenario1TwoSubscribersBroadcast(t *testing.T) {
	hub := report.NewHub(8)
	pub := NewPublisher("prices", hub, WithWrapStrategy(engine.BroadcastNoWrap))
	q1 := pub.AddTargetQueue("H1/prices/on-event", 8)
	q2 := pub.AddTargetQueue("H2/prices/on-event", 8)

	require.NoError(t, pub.Publish("p1"))
	require.NoError(t, pub.Publish("p2"))

	require.Equal(t, []any{"p1", "p2"}, drain(t, q1, 2))
	require.Equal(t, []any{"p1", "p2"}, drain(t, q2, 2))
	require.EqualValues(t, 2, pub.sequenceNumber.Load())
}

// Scenario 2: named-event wrapping.
func TestScenario2NamedEventWrapping(t *testing.T) {
	hub := report.NewHub(8)
	pub := NewPublisher("prices", hub, WithWrapStrategy(engine.BroadcastNamedEvent))
	q1 := pub.AddTargetQueue("H1/prices/on-event", 8)

	require.NoError(t, pub.Publish("hi"))

	got := drain(t, q1, 1)
	evt, ok := got[0].(engine.NamedFeedEvent)
	require.True(t, ok)
	require.Equal(t, "prices", evt.Name)
	require.EqualValues(t, 1, evt.SequenceNumber)
	require.Equal(t, "hi", evt.Data)
}

// Scenario 3: pre-start caching and replay.
func TestScenario3PreStartCachingAndReplay(t *testing.T) {
	hub := report.NewHub(8)
	pub := NewPublisher("prices", hub, WithCacheEnabled(true))

	pub.Cache("a")
	pub.Cache("b")

	q1 := pub.AddTargetQueue("H/prices/on-event", 8)
	got := drain(t, q1, 2)
	require.Equal(t, []any{"a", "b"}, got)

	require.NoError(t, pub.Publish("c"))
	got2 := drain(t, q1, 1)
	require.Equal(t, []any{"c"}, got2)
}

// Scenario 4: multiple subscribers attached after caching begins must each
// independently replay the full backlog, not just whichever queue attached
// first.
func TestScenario4MultiSubscriberPreStartCachingAndReplay(t *testing.T) {
	hub := report.NewHub(8)
	pub := NewPublisher("prices", hub, WithCacheEnabled(true))

	pub.Cache("a")
	pub.Cache("b")

	q1 := pub.AddTargetQueue("H1/prices/on-event", 8)
	q2 := pub.AddTargetQueue("H2/prices/on-event", 8)

	require.Equal(t, []any{"a", "b"}, drain(t, q1, 2))
	require.Equal(t, []any{"a", "b"}, drain(t, q2, 2))

	pub.Cache("c")
	pub.FlushCache()

	require.Equal(t, []any{"c"}, drain(t, q1, 1))
	require.Equal(t, []any{"c"}, drain(t, q2, 1))
}

// Scenario 5: slow-consumer abandonment.
func TestScenario5SlowConsumerAbandonment(t *testing.T) {
	hub := report.NewHub(8)
	pub := NewPublisher("prices", hub)
	q1 := pub.AddTargetQueue("slow/prices/on-event", 1)
	q2 := pub.AddTargetQueue("fast/prices/on-event", 8)
	q1.ch <- "filler" // pre-fill Q1 to capacity

	require.NoError(t, pub.Publish("x"))

	got2 := drain(t, q2, 1)
	require.Equal(t, []any{"x"}, got2)
	require.Len(t, q1.ch, 1, "Q1 must still only contain the filler item")

	recent := hub.Recent(0)
	require.Len(t, recent, 1)
	require.Equal(t, report.Warning, recent[0].Severity)
	require.Equal(t, report.KindSlowConsumerAbandon, recent[0].Kind)
	require.EqualValues(t, 1, pub.sequenceNumber.Load())
}

// pooledTick is a minimal pool-aware payload for scenario 6.
type pooledTick struct {
	pool.Base
	value string
}

func (p *pooledTick) Reset() { p.value = "" }

// Scenario 6: pool lifecycle under broadcast.
func TestScenario6PoolLifecycleUnderBroadcast(t *testing.T) {
	hub := report.NewHub(8)
	p := pool.New("tick", 4, func() pool.PooledObject { return &pooledTick{} })

	obj, err := p.Acquire(context.Background())
	require.NoError(t, err)
	m := obj.(*pooledTick)
	m.value = "m"
	require.EqualValues(t, 1, m.Tracker().RefCount())

	pub := NewPublisher("ticks", hub, WithWrapStrategy(engine.BroadcastNoWrap))
	q1 := pub.AddTargetQueue("H1/ticks/on-event", 8)
	q2 := pub.AddTargetQueue("H2/ticks/on-event", 8)

	require.NoError(t, pub.Publish(m))

	got1 := drain(t, q1, 1)
	got2 := drain(t, q2, 1)
	require.Same(t, m, got1[0])
	require.Same(t, m, got2[0])

	// Each consumer releases its reference, then the pipeline requests the
	// final return-to-pool.
	m.Tracker().ReleaseReference()
	m.Tracker().ReleaseReference()
	m.Tracker().ReturnToPool()

	require.EqualValues(t, 0, m.Tracker().RefCount())
	require.GreaterOrEqual(t, p.AvailableCount(), 1)
}
