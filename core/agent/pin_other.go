//go:build !linux

package agent

import "github.com/flowloop/cortege/core/report"

// pinCore is a no-op on platforms without sched_setaffinity support,
// per spec.md §4.5: absence of pinning support is logged and ignored.
func pinCore(coreID int, hub *report.Hub, groupName string) {
	if hub != nil {
		hub.Warn(groupName, report.KindLifecycleFailure, "core pinning unsupported on this platform", nil)
	}
}
