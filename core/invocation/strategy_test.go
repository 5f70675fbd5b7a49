package invocation_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowloop/cortege/core/invocation"
	"github.com/flowloop/cortege/core/report"
)

type recordingHandler struct {
	mu       sync.Mutex
	received []any
	clockNow func() int64
	fail     bool
}

func (h *recordingHandler) OnEvent(item any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errors.New("boom")
	}
	h.received = append(h.received, item)
	return nil
}

func (h *recordingHandler) SetClockStrategy(now func() int64) {
	h.clockNow = now
}

func (h *recordingHandler) items() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]any, len(h.received))
	copy(out, h.received)
	return out
}

func TestDefaultStrategyFanOutInRegistrationOrder(t *testing.T) {
	strat := invocation.NewDefault()
	h1 := &recordingHandler{}
	h2 := &recordingHandler{}
	strat.RegisterProcessor(h1)
	strat.RegisterProcessor(h2)

	strat.ProcessEvent("p1")
	strat.ProcessEvent("p2")

	require.Equal(t, []any{"p1", "p2"}, h1.items())
	require.Equal(t, []any{"p1", "p2"}, h2.items())
	require.Equal(t, 2, strat.ListenerCount())
}

func TestDeregisterRemovesHandler(t *testing.T) {
	strat := invocation.NewDefault()
	h1 := &recordingHandler{}
	strat.RegisterProcessor(h1)
	strat.DeregisterProcessor(h1)
	strat.ProcessEvent("ignored")
	require.Empty(t, h1.items())
	require.Equal(t, 0, strat.ListenerCount())
}

func TestReplayStampsSyntheticClock(t *testing.T) {
	strat := invocation.NewDefault()
	h1 := &recordingHandler{}
	strat.RegisterProcessor(h1)

	strat.ProcessReplay("r1", 1000)
	require.NotNil(t, h1.clockNow)
	require.EqualValues(t, 1000, h1.clockNow())

	strat.ProcessReplay("r2", 2000)
	require.EqualValues(t, 2000, h1.clockNow())
	require.Equal(t, []any{"r1", "r2"}, h1.items())
}

func TestHandlerInvocationFailureIsReportedAndDispatchContinues(t *testing.T) {
	hub := report.NewHub(8)
	strat := invocation.NewDefault(invocation.WithReporter(hub, "test-queue"))
	failing := &recordingHandler{fail: true}
	ok := &recordingHandler{}
	strat.RegisterProcessor(failing)
	strat.RegisterProcessor(ok)

	strat.ProcessEvent("x")

	require.Equal(t, []any{"x"}, ok.items())
	recent := hub.Recent(0)
	require.Len(t, recent, 1)
	require.Equal(t, report.SevError, recent[0].Severity)
	require.Equal(t, report.KindHandlerInvocationFailure, recent[0].Kind)
}
