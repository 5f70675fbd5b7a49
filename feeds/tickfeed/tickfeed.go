// Package tickfeed implements an in-memory synthetic Source used by tests
// and the example binary: it walks a configured price path and publishes
// one PriceTick per DoWork cycle, at the pace an agent thread drives it.
// Grounded on internal/backtest's decimal.Decimal-typed price fields
// (models.go), carried into the domain stack to exercise the same numeric
// dependency outside of backtesting.
package tickfeed

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/flowloop/cortege/core/engine"
	"github.com/flowloop/cortege/core/flow"
	"github.com/flowloop/cortege/core/report"
)

// PriceTick is one synthetic market update.
type PriceTick struct {
	Instrument string
	Price      decimal.Decimal
	Seq        uint64
}

// Feed is a lifecycle-aware, agent-hosted Source that replays a fixed
// sequence of prices for one instrument.
type Feed struct {
	name       string
	instrument string
	prices     []decimal.Decimal
	pub        *flow.Publisher
	reporter   *report.Hub

	cursor int
	seq    uint64
	loop   bool
}

// Option configures a Feed at construction time.
type Option func(*Feed)

// WithLoop makes the feed wrap back to the first price after exhausting
// the configured sequence instead of going idle.
func WithLoop(loop bool) Option { return func(f *Feed) { f.loop = loop } }

// New constructs a Feed named name that replays prices for instrument,
// publishing through pub.
func New(name, instrument string, prices []decimal.Decimal, pub *flow.Publisher, hub *report.Hub, opts ...Option) *Feed {
	f := &Feed{
		name:       name,
		instrument: instrument,
		prices:     append([]decimal.Decimal(nil), prices...),
		pub:        pub,
		reporter:   hub,
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

// Subscribe is a no-op: this feed has a single implicit stream.
func (f *Feed) Subscribe(engine.SubscriptionKey) error { return nil }

// Unsubscribe is a no-op for the same reason.
func (f *Feed) Unsubscribe(engine.SubscriptionKey) error { return nil }

// Init validates the configured price path.
func (f *Feed) Init(context.Context) error {
	if len(f.prices) == 0 {
		return fmt.Errorf("tickfeed %s: no prices configured", f.name)
	}
	return nil
}

// Start resets the replay cursor.
func (f *Feed) Start(context.Context) error {
	f.cursor = 0
	return nil
}

// StartComplete is a no-op.
func (f *Feed) StartComplete(context.Context) error { return nil }

// Stop is a no-op; the feed holds no external resources.
func (f *Feed) Stop(context.Context) error { return nil }

// TearDown is a no-op.
func (f *Feed) TearDown(context.Context) error { return nil }

// DoWork implements engine.AgentHosted: publishes the next price in the
// configured path, if any remain (or the feed loops).
func (f *Feed) DoWork() (int, error) {
	if f.cursor >= len(f.prices) {
		if !f.loop {
			return 0, nil
		}
		f.cursor = 0
	}
	price := f.prices[f.cursor]
	f.cursor++
	f.seq++

	tick := PriceTick{Instrument: f.instrument, Price: price, Seq: f.seq}
	if err := f.pub.Publish(tick); err != nil {
		return 0, err
	}
	return 1, nil
}

// Remaining reports how many prices are left in the current pass.
func (f *Feed) Remaining() int {
	if f.cursor >= len(f.prices) {
		return 0
	}
	return len(f.prices) - f.cursor
}
