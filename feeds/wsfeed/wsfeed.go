// Package wsfeed implements a websocket-backed Source: a background
// connection loop with exponential-backoff reconnect reads JSON frames off
// the wire and hands them to an agent-hosted DoWork cycle, which publishes
// them through the bound SourceQueuePublisher. Grounded on
// internal/infra/adapters/binance/websocket_manager.go's connect/readLoop
// shape, simplified to the single-stream case this domain needs.
package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/flowloop/cortege/core/engine"
	"github.com/flowloop/cortege/core/flow"
	"github.com/flowloop/cortege/core/report"
)

const (
	defaultReadLimit      int64 = 1 << 20
	defaultMaxReconnect         = 30 * time.Second
	defaultDialTimeout          = 10 * time.Second
	defaultInboundBuffer        = 4096
	defaultDrainBatchSize       = 256
)

// Feed is a lifecycle-aware, agent-hosted Source that streams JSON frames
// off a websocket connection.
type Feed struct {
	name string
	url  string

	pub      *flow.Publisher
	reporter *report.Hub

	readLimit    int64
	maxReconnect time.Duration
	dialTimeout  time.Duration
	drainBatch   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inbound chan []byte

	connMu sync.RWMutex
	conn   *websocket.Conn

	connected atomic.Bool
}

// Option configures a Feed at construction time.
type Option func(*Feed)

// WithReadLimit overrides the per-message byte limit (default 1MiB).
func WithReadLimit(n int64) Option { return func(f *Feed) { f.readLimit = n } }

// WithMaxReconnectInterval caps the exponential reconnect backoff.
func WithMaxReconnectInterval(d time.Duration) Option {
	return func(f *Feed) { f.maxReconnect = d }
}

// WithDialTimeout bounds how long one dial attempt and the initial
// connection wait in Start may take.
func WithDialTimeout(d time.Duration) Option { return func(f *Feed) { f.dialTimeout = d } }

// WithDrainBatchSize bounds how many frames one DoWork cycle publishes.
func WithDrainBatchSize(n int) Option { return func(f *Feed) { f.drainBatch = n } }

// New constructs a Feed named name that dials url once started, publishing
// decoded frames through pub.
func New(name, url string, pub *flow.Publisher, hub *report.Hub, opts ...Option) *Feed {
	f := &Feed{
		name:         name,
		url:          url,
		pub:          pub,
		reporter:     hub,
		readLimit:    defaultReadLimit,
		maxReconnect: defaultMaxReconnect,
		dialTimeout:  defaultDialTimeout,
		drainBatch:   defaultDrainBatchSize,
		inbound:      make(chan []byte, defaultInboundBuffer),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name implements engine.Source.
func (f *Feed) Name() string { return f.name }

// SetPublisher rebinds the feed to pub, letting flow.Manager.RegisterSource
// hand the feed the canonical publisher it creates during registration.
func (f *Feed) SetPublisher(pub *flow.Publisher) { f.pub = pub }

// Subscribe is a no-op: subscription scoping is owned by the
// EventFlowManager's target queues, not the wire feed itself.
func (f *Feed) Subscribe(engine.SubscriptionKey) error { return nil }

// Unsubscribe is a no-op for the same reason.
func (f *Feed) Unsubscribe(engine.SubscriptionKey) error { return nil }

// Init validates configuration. It performs no network I/O.
func (f *Feed) Init(context.Context) error {
	if f.url == "" {
		return fmt.Errorf("wsfeed %s: empty url", f.name)
	}
	return nil
}

// Start launches the background connect loop and returns once the first
// connection attempt either succeeds or the context is done.
func (f *Feed) Start(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(context.Background())
	ready := make(chan struct{})
	var once sync.Once

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.connectLoop(func() { once.Do(func() { close(ready) }) })
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.dialTimeout):
		return fmt.Errorf("wsfeed %s: timeout waiting for first connection", f.name)
	}
}

// StartComplete is a no-op; the feed has nothing left to do once started.
func (f *Feed) StartComplete(context.Context) error { return nil }

// Stop cancels the connect loop and closes any open connection.
func (f *Feed) Stop(context.Context) error {
	if f.cancel != nil {
		f.cancel()
	}
	f.connMu.Lock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "shutdown")
		f.conn = nil
	}
	f.connMu.Unlock()
	f.wg.Wait()
	return nil
}

// TearDown drains any frames left in the inbound buffer.
func (f *Feed) TearDown(context.Context) error {
	for {
		select {
		case <-f.inbound:
		default:
			return nil
		}
	}
}

// DoWork implements engine.AgentHosted: drains up to drainBatch frames from
// the inbound buffer, decodes each as JSON, and publishes it.
func (f *Feed) DoWork() (int, error) {
	n := 0
	for ; n < f.drainBatch; n++ {
		select {
		case raw, ok := <-f.inbound:
			if !ok {
				return n, nil
			}
			var payload any
			if err := json.Unmarshal(raw, &payload); err != nil {
				f.reporter.Err(f.name, report.KindMapperFailure, "decode websocket frame", err)
				continue
			}
			if err := f.pub.Publish(payload); err != nil {
				return n, err
			}
		default:
			return n, nil
		}
	}
	return n, nil
}

// Connected reports whether the feed currently holds an open connection.
func (f *Feed) Connected() bool { return f.connected.Load() }

func (f *Feed) connectLoop(signalReady func()) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = f.maxReconnect

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		dialCtx, cancel := context.WithTimeout(f.ctx, f.dialTimeout)
		conn, _, err := websocket.Dial(dialCtx, f.url, nil)
		cancel()
		if err != nil {
			f.reporter.Warn(f.name, report.KindMapperFailure, "dial websocket", err)
			if f.sleepBackoff(bo) {
				return
			}
			continue
		}

		conn.SetReadLimit(f.readLimit)
		f.connMu.Lock()
		f.conn = conn
		f.connMu.Unlock()
		f.connected.Store(true)
		bo.Reset()
		signalReady()

		err = f.readLoop(conn)

		f.connMu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.connMu.Unlock()
		f.connected.Store(false)
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if err != nil && !errors.Is(err, context.Canceled) {
			f.reporter.Warn(f.name, report.KindMapperFailure, "websocket read loop exited", err)
		}

		select {
		case <-f.ctx.Done():
			return
		default:
		}
		if f.sleepBackoff(bo) {
			return
		}
	}
}

// sleepBackoff waits the next backoff interval, returning true if the feed
// was stopped while waiting.
func (f *Feed) sleepBackoff(bo *backoff.ExponentialBackOff) bool {
	sleep := bo.NextBackOff()
	if sleep == backoff.Stop {
		sleep = f.maxReconnect
	}
	select {
	case <-f.ctx.Done():
		return true
	case <-time.After(sleep):
		return false
	}
}

func (f *Feed) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(f.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure {
				return context.Canceled
			}
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case f.inbound <- data:
		case <-f.ctx.Done():
			return context.Canceled
		}
	}
}
