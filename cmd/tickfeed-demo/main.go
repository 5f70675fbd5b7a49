// Package main wires a synthetic tick feed through the dispatch engine
// end to end: a flow.Manager routes published ticks to an auditor
// handler via a lifecycle.Orchestrator-hosted agent group, grounded on
// cmd/backtest/main.go's flat, flag-and-log.Fatalf construction style.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flowloop/cortege/core/agent"
	"github.com/flowloop/cortege/core/engine"
	"github.com/flowloop/cortege/core/flow"
	"github.com/flowloop/cortege/core/invocation"
	"github.com/flowloop/cortege/core/lifecycle"
	"github.com/flowloop/cortege/core/registry"
	"github.com/flowloop/cortege/core/report"
	"github.com/flowloop/cortege/feeds/tickfeed"
	"github.com/flowloop/cortege/processors/auditor"
)

// stdLogger adapts the standard library's log.Logger to report.Logger,
// the same bare-stdlib logging the teacher's cmd binaries use.
type stdLogger struct {
	*log.Logger
}

func (l stdLogger) Debug(msg string, fields ...report.Field) { l.logf("DEBUG", msg, fields) }
func (l stdLogger) Info(msg string, fields ...report.Field)  { l.logf("INFO", msg, fields) }
func (l stdLogger) Error(msg string, fields ...report.Field) { l.logf("ERROR", msg, fields) }

func (l stdLogger) logf(level, msg string, fields []report.Field) {
	l.Printf("[%s] %s %v", level, msg, fields)
}

func main() {
	instrument := flag.String("instrument", "BTC-USD", "instrument name for the synthetic price path")
	tickCount := flag.Int("ticks", 5, "number of synthetic ticks to replay")
	settleDelay := flag.Duration("settle", 200*time.Millisecond, "time to let the agent group drain before stopping")
	flag.Parse()

	prices := make([]decimal.Decimal, *tickCount)
	base := decimal.NewFromInt(100)
	for i := range prices {
		prices[i] = base.Add(decimal.NewFromInt(int64(i)))
	}

	hub := report.NewHub(256)
	hub.AddReporter(report.LogReporter{Logger: stdLogger{log.New(os.Stdout, "", log.LstdFlags)}})

	flowMgr := flow.NewManager(hub)
	reg := registry.New(hub)
	orch := lifecycle.New(hub, reg, flowMgr)

	feed := tickfeed.New("ticks", *instrument, prices, nil, hub)

	pub, err := flowMgr.RegisterSource(feed, flow.WithCacheEnabled(true))
	if err != nil {
		log.Fatalf("register source: %v", err)
	}
	_ = pub

	flowMgr.RegisterInvocationStrategyFactory(engine.OnEvent, func() invocation.Strategy {
		return invocation.NewDefault(invocation.WithReporter(hub, "ticks"))
	})

	mapAgent, err := flowMgr.GetMappingAgent("ticks", engine.OnEvent, "auditor")
	if err != nil {
		log.Fatalf("get mapping agent: %v", err)
	}

	recorder := auditor.New()
	mapAgent.RegisterProcessor(recorder)

	group := orch.Group("feeds", agent.NewBackoffIdleStrategy(10*time.Millisecond))
	group.AddSubAgent(mapAgent)

	orch.RegisterSource("ticks", feed, "feeds")

	if err := flowMgr.Subscribe(engine.SubscriptionKey{
		Source:   engine.SourceKey{Name: "ticks"},
		Callback: engine.OnEvent,
	}); err != nil {
		log.Fatalf("subscribe: %v", err)
	}

	ctx := context.Background()
	if err := orch.Start(ctx); err != nil {
		log.Fatalf("start orchestrator: %v", err)
	}

	time.Sleep(*settleDelay)

	if err := orch.Stop(ctx); err != nil {
		log.Fatalf("stop orchestrator: %v", err)
	}

	fmt.Printf("auditor recorded %d item(s):\n", recorder.Count())
	for _, item := range recorder.Items() {
		fmt.Printf("  %+v\n", item)
	}
}
