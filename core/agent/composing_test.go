package agent_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowloop/cortege/core/agent"
	"github.com/flowloop/cortege/core/report"
)

var errSubAgentFailure = errors.New("sub-agent failure")

type fakeSubAgent struct {
	mu        sync.Mutex
	workCount int
	calls     int
	failNext  bool

	started       atomic.Bool
	startComplete atomic.Bool
	stopped       atomic.Bool
	tornDown      atomic.Bool
}

func (f *fakeSubAgent) DoWork() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext {
		f.failNext = false
		return 0, errSubAgentFailure
	}
	return f.workCount, nil
}

func (f *fakeSubAgent) Init(context.Context) error { return nil }
func (f *fakeSubAgent) Start(context.Context) error {
	f.started.Store(true)
	return nil
}
func (f *fakeSubAgent) StartComplete(context.Context) error {
	f.startComplete.Store(true)
	return nil
}
func (f *fakeSubAgent) Stop(context.Context) error {
	f.stopped.Store(true)
	return nil
}
func (f *fakeSubAgent) TearDown(context.Context) error {
	f.tornDown.Store(true)
	return nil
}

func TestComposingAgentDoWorkSumsSubAgents(t *testing.T) {
	hub := report.NewHub(8)
	group := agent.New("group-a", hub)
	s1 := &fakeSubAgent{workCount: 3}
	s2 := &fakeSubAgent{workCount: 4}
	group.AddSubAgent(s1)
	group.AddSubAgent(s2)

	n, err := group.DoWork()
	require.NoError(t, err)
	require.Equal(t, 7, n)
}

func TestComposingAgentMutationsAppliedBetweenCycles(t *testing.T) {
	hub := report.NewHub(8)
	group := agent.New("group-b", hub)
	s1 := &fakeSubAgent{workCount: 1}
	group.AddSubAgent(s1)

	n, err := group.DoWork()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	group.RemoveSubAgent(s1)
	// Not applied mid-cycle: must still be visible until the next DoWork.
	n2, err := group.DoWork()
	require.NoError(t, err)
	require.Equal(t, 0, n2, "removal takes effect starting the cycle after RemoveSubAgent was queued")
}

func TestComposingAgentLifecyclePropagation(t *testing.T) {
	hub := report.NewHub(8)
	group := agent.New("group-c", hub)
	s1 := &fakeSubAgent{}
	group.AddSubAgent(s1)

	require.NoError(t, group.OnStart(context.Background()))
	require.True(t, s1.started.Load())
	require.True(t, s1.startComplete.Load())
	require.Equal(t, agent.StateActive, group.State())

	require.NoError(t, group.OnClose(context.Background()))
	require.True(t, s1.stopped.Load())
	require.True(t, s1.tornDown.Load())
	require.Equal(t, agent.StateStopped, group.State())

	// Idempotent.
	require.NoError(t, group.OnClose(context.Background()))
}

func TestComposingAgentDoWorkReportsSubAgentFailureButContinues(t *testing.T) {
	hub := report.NewHub(8)
	group := agent.New("group-d", hub)
	failing := &fakeSubAgent{failNext: true}
	ok := &fakeSubAgent{workCount: 2}
	group.AddSubAgent(failing)
	group.AddSubAgent(ok)

	n, err := group.DoWork()
	require.NoError(t, err, "a sub-agent failure must not fail the whole cycle")
	require.Equal(t, 2, n)
	require.Len(t, hub.Recent(0), 1)
}
