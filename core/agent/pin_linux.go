//go:build linux

package agent

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/flowloop/cortege/core/report"
)

// pinCore attempts to pin the calling OS thread to coreID via
// sched_setaffinity, per spec.md §4.5's "best-effort OS pinning".
// Failure is logged and ignored, never fatal.
func pinCore(coreID int, hub *report.Hub, groupName string) {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(coreID)
	if err := unix.SchedSetaffinity(0, &set); err != nil && hub != nil {
		hub.Warn(groupName, report.KindLifecycleFailure, "core pinning failed, continuing unpinned", err)
	}
}
