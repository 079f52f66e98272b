package hub

import (
	"encoding/json"
	"sync"
)

// messageBuffer keeps the most recent messages of a session for replay to
// late-joining observers. Oldest entries are dropped once the cap is hit.
type messageBuffer struct {
	mu    sync.RWMutex
	cap   int
	items []json.RawMessage
}

func newMessageBuffer(capacity int) *messageBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &messageBuffer{cap: capacity}
}

func (b *messageBuffer) Append(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, append(json.RawMessage(nil), raw...))
	if len(b.items) > b.cap {
		b.items = append([]json.RawMessage(nil), b.items[len(b.items)-b.cap:]...)
	}
}

func (b *messageBuffer) Snapshot() []json.RawMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]json.RawMessage, len(b.items))
	copy(out, b.items)
	return out
}

func (b *messageBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}
