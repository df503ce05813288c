package protocol

import (
	"sync"
	"time"
)

// ReplayWindow remembers recently seen message ids so a captured envelope
// cannot be replayed within its TTL. The whole window is reset periodically,
// which is safe because Expired rejects anything older than MessageTTL.
type ReplayWindow struct {
	mu         sync.Mutex
	seen       map[string]struct{}
	lastReset  time.Time
	resetEvery time.Duration
}

// NewReplayWindow creates a window that resets every resetEvery
func NewReplayWindow(resetEvery time.Duration) *ReplayWindow {
	return &ReplayWindow{
		seen:       make(map[string]struct{}),
		lastReset:  time.Now(),
		resetEvery: resetEvery,
	}
}

// Observe records a message id and reports whether it was already seen
func (w *ReplayWindow) Observe(messageID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if time.Since(w.lastReset) > w.resetEvery {
		w.seen = make(map[string]struct{})
		w.lastReset = time.Now()
	}

	if _, dup := w.seen[messageID]; dup {
		return true
	}
	w.seen[messageID] = struct{}{}
	return false
}
