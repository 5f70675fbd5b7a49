// Package auditor implements a plain Handler that records every item it
// receives, for use in tests and examples that need to assert on
// dispatch order and content without standing up a real downstream sink.
package auditor

import (
	"sync"

	"github.com/flowloop/cortege/core/engine"
)

var _ engine.Handler = (*Handler)(nil)

// Handler accumulates received items in arrival order.
type Handler struct {
	mu    sync.Mutex
	items []any
}

// New constructs an empty Handler.
func New() *Handler { return &Handler{} }

// OnEvent implements engine.Handler.
func (h *Handler) OnEvent(item any) error {
	h.mu.Lock()
	h.items = append(h.items, item)
	h.mu.Unlock()
	return nil
}

// Items returns a snapshot of every item received so far, in order.
func (h *Handler) Items() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]any, len(h.items))
	copy(out, h.items)
	return out
}

// Count returns the number of items received so far.
func (h *Handler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

// Reset clears every recorded item.
func (h *Handler) Reset() {
	h.mu.Lock()
	h.items = h.items[:0]
	h.mu.Unlock()
}
