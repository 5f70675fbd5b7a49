// Package context implements C11, the CurrentProcessorContext: a
// per-goroutine slot holding the handler whose callback is presently
// executing. Re-entrant publish APIs read this slot to target a new event
// cycle at "the handler that is currently dispatching" without routing
// through the handler's own queue synchronously.
//
// Go has no language-level thread-local storage; the teacher's codebase
// does not need one since handler execution there is request-scoped.
// Here the natural substitute is a goroutine-keyed map guarded by a mutex,
// keyed by the runtime goroutine id obtained from the stack trace the way
// low-level instrumentation libraries do it, or an explicit handle
// threaded by the one and only caller that ever needs it: the invocation
// strategy, which already runs
// exclusively on the owning ComposingAgent's single goroutine per handler.
// Since each QueueToInvocationAgent drains on exactly one dedicated
// goroutine (the single-threaded-handler invariant from spec.md §5), a
// goroutine-local slot and a strategy-local slot are equivalent in
// practice; this package exposes the former via goroutine id so that code
// far from the invocation strategy (deep inside a handler's call stack)
// can still read "who is currently dispatching" without a passed-in
// parameter.
package context

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"

	"github.com/flowloop/cortege/core/engine"
)

var (
	mu      sync.RWMutex
	current = map[uint64]engine.Handler{}
)

// goroutineID extracts the numeric id from the current goroutine's stack
// trace header ("goroutine 123 [running]:"). This is the same technique
// used by several lightweight goroutine-local-storage shims. Set, Clear and
// Current each call it once; the default invocation strategy calls Set and
// Clear around every handler callback, so it runs on the dispatch path.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	idx := bytes.IndexByte(buf, ' ')
	if idx < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(buf[:idx]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Set records h as the handler currently dispatching on this goroutine.
// Callers must pair every Set with a deferred Clear, including on panic
// paths, so a panicking handler never leaves a stale context behind.
func Set(h engine.Handler) {
	id := goroutineID()
	mu.Lock()
	current[id] = h
	mu.Unlock()
}

// Clear removes the current-handler mapping for this goroutine.
func Clear() {
	id := goroutineID()
	mu.Lock()
	delete(current, id)
	mu.Unlock()
}

// Current returns the handler currently dispatching on this goroutine, or
// nil if none (e.g. called from outside any invocation strategy callback).
func Current() engine.Handler {
	id := goroutineID()
	mu.RLock()
	defer mu.RUnlock()
	return current[id]
}

// WithHandler sets h as current for the duration of fn and guarantees
// Clear runs afterward, including if fn panics. Invocation strategies
// should use this instead of calling Set/Clear directly.
func WithHandler(h engine.Handler, fn func()) {
	Set(h)
	defer Clear()
	fn()
}
