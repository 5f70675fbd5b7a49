package wsfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/flowloop/cortege/core/flow"
	"github.com/flowloop/cortege/core/report"
)

func toWebsocketURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}

func TestFeedPublishesDecodedFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "shutdown")

		writeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, conn.Write(writeCtx, websocket.MessageText, []byte(`{"price":"101.5"}`)))

		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)

	hub := report.NewHub(16)
	pub := flow.NewPublisher("ticks", hub)
	q := pub.AddTargetQueue("consumer", 4)

	feed := New("ticks", toWebsocketURL(t, server.URL), pub, hub, WithDialTimeout(2*time.Second))
	require.NoError(t, feed.Init(context.Background()))
	require.NoError(t, feed.Start(context.Background()))
	t.Cleanup(func() { _ = feed.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		n, err := feed.DoWork()
		return err == nil && n > 0
	}, 2*time.Second, 10*time.Millisecond, "expected a decoded frame to publish")

	select {
	case item := <-q.Chan():
		m, ok := item.(map[string]any)
		require.True(t, ok)
		require.Equal(t, "101.5", m["price"])
	case <-time.After(time.Second):
		t.Fatal("expected the published frame to reach the target queue")
	}
}

func TestFeedReconnectsAfterServerCloses(t *testing.T) {
	var accepts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accepts++
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		require.NoError(t, err)
		conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	t.Cleanup(server.Close)

	hub := report.NewHub(16)
	pub := flow.NewPublisher("ticks", hub)

	feed := New("ticks", toWebsocketURL(t, server.URL), pub, hub,
		WithDialTimeout(2*time.Second),
		WithMaxReconnectInterval(20*time.Millisecond))
	require.NoError(t, feed.Start(context.Background()))
	t.Cleanup(func() { _ = feed.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		return accepts >= 2
	}, 2*time.Second, 10*time.Millisecond, "expected the feed to reconnect at least once")
}

func TestFeedInitRejectsEmptyURL(t *testing.T) {
	feed := New("ticks", "", nil, report.NewHub(1))
	require.Error(t, feed.Init(context.Background()))
}
