package notify

import (
	"sync"
)

// Hub delivers in-process wakeup hints keyed by correlation ID. Waiters
// poll the store regardless; a hint only shortens a backoff sleep, so
// dropping one is always safe. Cross-process callers never see hints and
// rely on polling alone.
type Hub struct {
	mu      sync.RWMutex
	waiters map[string]chan struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{waiters: make(map[string]chan struct{})}
}

// Register returns a channel that receives one hint when key is notified.
// Call Unregister when done waiting.
func (h *Hub) Register(key string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan struct{}, 1)
	h.waiters[key] = ch
	return ch
}

// Unregister drops the waiter for key.
func (h *Hub) Unregister(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.waiters, key)
}

// Notify wakes the waiter for key, if any. Never blocks; a full buffer
// means a hint is already pending.
func (h *Hub) Notify(key string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ch, ok := h.waiters[key]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// WaiterCount returns the number of registered waiters.
func (h *Hub) WaiterCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.waiters)
}
