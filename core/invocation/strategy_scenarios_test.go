package invocation_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowloop/cortege/core/engine"
	"github.com/flowloop/cortege/core/invocation"
	"github.com/flowloop/cortege/core/report"
)

// stringCapable is the capability interface a custom strategy down-casts
// handlers to, per spec.md §4.4 / scenario 4.
type stringCapable interface {
	OnString(s string)
}

type upperHandler struct {
	mu   sync.Mutex
	seen []string
}

func (h *upperHandler) OnEvent(any) error { return nil }

func (h *upperHandler) OnString(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, s)
}

type plainHandler struct {
	mu   sync.Mutex
	seen []any
}

func (h *plainHandler) OnEvent(item any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, item)
	return nil
}

// onlyCapable admits only handlers implementing stringCapable, matching
// scenario 4's "accepts only handlers implementing capability K".
func onlyCapable(h engine.Handler) bool {
	_, ok := h.(stringCapable)
	return ok
}

// upperDispatch invokes OnString(uppercase(item)) for string payloads on
// capable handlers, falling back to OnEvent otherwise — exactly the
// fallback rule spec.md §4.4 describes for items that don't match the
// expected payload type.
func upperDispatch(item any, h engine.Handler) error {
	if cap, ok := h.(stringCapable); ok {
		if s, ok := item.(string); ok {
			cap.OnString(strings.ToUpper(s))
			return nil
		}
	}
	return h.OnEvent(item)
}

func TestScenario4CapabilityFilterAndTypedDispatch(t *testing.T) {
	hub := report.NewHub(8)
	strat := invocation.NewDefault(
		invocation.WithValidator(onlyCapable),
		invocation.WithDispatch(upperDispatch),
		invocation.WithReporter(hub, "strings/prices/on-event"),
	)

	h1 := &upperHandler{}
	h2 := &plainHandler{}

	strat.RegisterProcessor(h1)
	strat.RegisterProcessor(h2) // rejected: does not implement stringCapable

	strat.ProcessEvent("hello")
	strat.ProcessEvent(123)

	require.Equal(t, []string{"HELLO"}, h1.seen)
	require.Empty(t, h2.seen, "h2 was never admitted as a target")
	require.Equal(t, 1, strat.ListenerCount())
	require.Empty(t, hub.Recent(0), "no errors expected")
}
