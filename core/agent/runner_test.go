package agent_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowloop/cortege/core/agent"
	"github.com/flowloop/cortege/core/report"
)

type countingSubAgent struct {
	count atomic.Int64
}

func (c *countingSubAgent) DoWork() (int, error) {
	c.count.Add(1)
	return 1, nil
}

func TestRunnerStartLoopsUntilStop(t *testing.T) {
	hub := report.NewHub(8)
	group := agent.New("runner-group", hub)
	sub := &countingSubAgent{}
	group.AddSubAgent(sub)

	runner := agent.NewRunner(group, agent.NoOpIdleStrategy{}, hub, nil)
	require.NoError(t, runner.Start(context.Background()))

	require.Eventually(t, func() bool {
		return sub.count.Load() > 5
	}, time.Second, time.Millisecond)

	require.NoError(t, runner.Stop(context.Background()))
}

func TestRunnerRoutesPanicToErrorHandler(t *testing.T) {
	hub := report.NewHub(8)
	group := agent.New("panicking-group", hub)
	group.AddSubAgent(agent.AgentHostedFunc(func() (int, error) {
		panic("boom")
	}))

	var handled atomic.Bool
	runner := agent.NewRunner(group, agent.NoOpIdleStrategy{}, hub, func(name string, err error) {
		handled.Store(true)
	})
	require.NoError(t, runner.Start(context.Background()))

	require.Eventually(t, func() bool { return handled.Load() }, time.Second, time.Millisecond)
	require.NoError(t, runner.Stop(context.Background()))
}

func TestRunnerGroupStartAllAndStopAll(t *testing.T) {
	hub := report.NewHub(8)
	g1 := agent.New("g1", hub)
	g2 := agent.New("g2", hub)
	g1.AddSubAgent(&countingSubAgent{})
	g2.AddSubAgent(&countingSubAgent{})

	runners := agent.NewRunnerGroup()
	runners.Add(agent.NewRunner(g1, agent.NoOpIdleStrategy{}, hub, nil))
	runners.Add(agent.NewRunner(g2, agent.NoOpIdleStrategy{}, hub, nil))

	require.NoError(t, runners.StartAll(context.Background()))
	require.Eventually(t, func() bool {
		return g1.State() == agent.StateActive && g2.State() == agent.StateActive
	}, time.Second, time.Millisecond)

	require.NoError(t, runners.StopAll(context.Background()))
	require.Equal(t, agent.StateStopped, g1.State())
	require.Equal(t, agent.StateStopped, g2.State())
}
