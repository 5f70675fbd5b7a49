package restfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/flowloop/cortege/core/flow"
	"github.com/flowloop/cortege/core/report"
	"github.com/flowloop/cortege/core/schedule"
)

func TestFeedPollsAndPublishesOnInterval(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(server.Close)

	hub := report.NewHub(16)
	sched := schedule.New(hub)
	pub := flow.NewPublisher("status", hub)
	q := pub.AddTargetQueue("consumer", 4)

	feed := New("status", server.URL, 5*time.Millisecond, sched, pub, hub)
	require.NoError(t, feed.Init(context.Background()))
	require.NoError(t, feed.Start(context.Background()))

	require.Eventually(t, func() bool {
		sched.DoWork()
		return hits.Load() >= 3
	}, 2*time.Second, time.Millisecond, "expected at least 3 polls")

	select {
	case item := <-q.Chan():
		m, ok := item.(map[string]any)
		require.True(t, ok)
		require.Equal(t, "ok", m["status"])
	default:
		t.Fatal("expected a published poll result")
	}

	require.NoError(t, feed.Stop(context.Background()))
}

func TestFeedStopsReschedulingOnStop(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	hub := report.NewHub(16)
	sched := schedule.New(hub)
	pub := flow.NewPublisher("status", hub)
	pub.AddTargetQueue("consumer", 4)

	feed := New("status", server.URL, time.Millisecond, sched, pub, hub)
	require.NoError(t, feed.Start(context.Background()))

	sched.DoWork()
	require.NoError(t, feed.Stop(context.Background()))

	time.Sleep(5 * time.Millisecond)
	for i := 0; i < 5; i++ {
		sched.DoWork()
	}
	require.Zero(t, sched.PendingCount())
}

func TestFeedRateLimiterDropsExcessPolls(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	hub := report.NewHub(16)
	sched := schedule.New(hub)
	pub := flow.NewPublisher("status", hub)
	pub.AddTargetQueue("consumer", 8)

	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	feed := New("status", server.URL, time.Millisecond, sched, pub, hub, WithRateLimit(limiter))
	require.NoError(t, feed.Start(context.Background()))

	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond)
		sched.DoWork()
	}
	require.NoError(t, feed.Stop(context.Background()))
	require.LessOrEqual(t, hits.Load(), int32(1))
}

func TestInitRejectsBadConfig(t *testing.T) {
	hub := report.NewHub(1)
	sched := schedule.New(hub)
	pub := flow.NewPublisher("status", hub)

	require.Error(t, New("status", "", time.Second, sched, pub, hub).Init(context.Background()))
	require.Error(t, New("status", "http://example.invalid", 0, sched, pub, hub).Init(context.Background()))
}
