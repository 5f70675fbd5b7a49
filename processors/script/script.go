// Package script implements a Handler whose onEvent body is a
// user-supplied JavaScript function, compiled once and invoked per event
// on the ComposingAgent thread that owns it. goja VMs are not
// goroutine-safe, which is exactly the single-threaded-handler guarantee
// C4/C5 already provide for every Handler, so this adapter needs no
// locking of its own. Grounded on internal/app/lambda/js's
// Instance/Strategy split, simplified: Strategy there funnels every call
// through a dedicated goroutine and channel so one VM is safe for
// concurrent Go callers — a requirement that does not exist here.
package script

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/flowloop/cortege/core/engine"
	"github.com/flowloop/cortege/core/report"
)

var _ engine.Handler = (*Handler)(nil)

// Handler runs one compiled JavaScript onEvent function per dispatched
// item.
type Handler struct {
	name     string
	reporter *report.Hub

	rt      *goja.Runtime
	onEvent goja.Callable
}

// New compiles source, a JavaScript program that must define a top-level
// onEvent(item) function, into a fresh VM bound to name.
func New(name, source string, hub *report.Hub) (*Handler, error) {
	rt := goja.New()
	if _, err := rt.RunString(source); err != nil {
		return nil, fmt.Errorf("script %s: compile: %w", name, err)
	}
	value := rt.Get("onEvent")
	if value == nil || goja.IsUndefined(value) {
		return nil, fmt.Errorf("script %s: onEvent not defined", name)
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("script %s: onEvent is not a function", name)
	}
	return &Handler{name: name, reporter: hub, rt: rt, onEvent: fn}, nil
}

// OnEvent implements engine.Handler: marshals item into the VM and
// invokes the script's onEvent function.
func (h *Handler) OnEvent(item any) error {
	value := h.rt.ToValue(item)
	if _, err := h.onEvent(goja.Undefined(), value); err != nil {
		if h.reporter != nil {
			h.reporter.Err(h.name, report.KindHandlerInvocationFailure, "script onEvent failed", err)
		}
		return err
	}
	return nil
}

// Set injects a Go value into the script's global scope, for wiring
// helper functions the way internal/app/lambda/js's env.Helpers does.
func (h *Handler) Set(name string, value any) error {
	return h.rt.Set(name, value)
}

// Get reads a global from the script's VM, for tests asserting on
// accumulated script-side state.
func (h *Handler) Get(name string) goja.Value {
	return h.rt.Get(name)
}
