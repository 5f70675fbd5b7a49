package schedule_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowloop/cortege/core/report"
	"github.com/flowloop/cortege/core/schedule"
)

func TestScheduleAfterDelayFiresOnceDue(t *testing.T) {
	hub := report.NewHub(8)
	s := schedule.New(hub)
	fixed := time.UnixMilli(1_000_000)
	s.SetClock(func() time.Time { return fixed })

	var fired atomic.Bool
	s.ScheduleAfterDelay(100*time.Millisecond, func() { fired.Store(true) })

	n, err := s.DoWork()
	require.NoError(t, err)
	require.Equal(t, 0, n, "timer is not due yet")
	require.False(t, fired.Load())

	s.SetClock(func() time.Time { return fixed.Add(150 * time.Millisecond) })
	n, err = s.DoWork()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, fired.Load())
}

func TestScheduleAtTimeOrdersByExpiry(t *testing.T) {
	hub := report.NewHub(8)
	s := schedule.New(hub)
	fixed := time.UnixMilli(0)
	s.SetClock(func() time.Time { return fixed })

	var order []int
	s.ScheduleAtTime(300, func() { order = append(order, 3) })
	s.ScheduleAtTime(100, func() { order = append(order, 1) })
	s.ScheduleAtTime(200, func() { order = append(order, 2) })

	s.SetClock(func() time.Time { return time.UnixMilli(1000) })
	n, err := s.DoWork()
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []int{1, 2, 3}, order)
	require.Equal(t, 0, s.PendingCount())
}

func TestSchedulerRecoversPanickingAction(t *testing.T) {
	hub := report.NewHub(8)
	s := schedule.New(hub)
	s.SetClock(func() time.Time { return time.UnixMilli(0) })

	s.ScheduleAtTime(0, func() { panic("boom") })
	n, err := s.DoWork()
	require.NoError(t, err, "a panicking action must not fail the whole DoWork cycle")
	require.Equal(t, 1, n)

	recent := hub.Recent(0)
	require.Len(t, recent, 1)
	require.Equal(t, report.KindSchedulerActionFailure, recent[0].Kind)
}

func TestNoCancelAPIEmulatedWithFlag(t *testing.T) {
	hub := report.NewHub(8)
	s := schedule.New(hub)
	s.SetClock(func() time.Time { return time.UnixMilli(0) })

	var cancelled atomic.Bool
	var ran atomic.Bool
	s.ScheduleAtTime(0, func() {
		if cancelled.Load() {
			return
		}
		ran.Store(true)
	})
	cancelled.Store(true)

	_, err := s.DoWork()
	require.NoError(t, err)
	require.False(t, ran.Load(), "action must consult the external flag and skip its effect")
}
