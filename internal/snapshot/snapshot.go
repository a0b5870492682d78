// Package snapshot holds the latest known identity and document content of a
// session. Event handlers read through a Holder instead of values captured
// when they were registered, so a handler that fires late still observes the
// newest user and text.
package snapshot

import "sync"

// Identity is the authenticated user driving a session.
type Identity struct {
	UserID string
	Name   string
}

// Holder is safe for concurrent use. Writes are visible to every read that
// starts after the write returns.
type Holder struct {
	mu       sync.RWMutex
	identity *Identity
	content  string
}

func New() *Holder {
	return &Holder{}
}

// UpdateIdentity replaces the current identity. A nil or empty identity puts
// the session in no-persistence mode.
func (h *Holder) UpdateIdentity(identity *Identity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if identity == nil || identity.UserID == "" {
		h.identity = nil
		return
	}
	copied := *identity
	h.identity = &copied
}

func (h *Holder) UpdateContent(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.content = text
}

// SwapContent stores next and returns the content it replaced, as one step.
func (h *Holder) SwapContent(next string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	previous := h.content
	h.content = next
	return previous
}

func (h *Holder) CurrentIdentity() (Identity, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.identity == nil {
		return Identity{}, false
	}
	return *h.identity, true
}

func (h *Holder) CurrentContent() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.content
}
