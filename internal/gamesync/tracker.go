package gamesync

import (
	"sync"
	"time"
)

// ResyncFunc is invoked exactly once when a tracked move needs reconciliation,
// either because confirmation timed out or because the session rejected it.
type ResyncFunc func(gameID, reason string)

// ConfirmTracker enforces the one-in-flight rule on the sending side: a new
// move may not be sent while the previous one is unconfirmed, and an
// unconfirmed move triggers exactly one board-sync request, not one per
// retry tick.
type ConfirmTracker struct {
	mu      sync.Mutex
	timeout time.Duration
	resync  ResyncFunc

	gameID  string
	moveID  string
	timer   *time.Timer
	pending bool
}

func NewConfirmTracker(timeout time.Duration, resync ResyncFunc) *ConfirmTracker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ConfirmTracker{timeout: timeout, resync: resync}
}

// Track registers an outbound move. Returns false while a previous move is
// still unconfirmed; the caller must not send.
func (t *ConfirmTracker) Track(gameID, moveID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending {
		return false
	}
	t.pending = true
	t.gameID = gameID
	t.moveID = moveID
	t.timer = time.AfterFunc(t.timeout, func() { t.expire(moveID) })
	return true
}

// Confirm resolves the in-flight move. success=false means the session
// rejected it: the local divergent state must be discarded, so a resync is
// requested on that path as well.
func (t *ConfirmTracker) Confirm(moveID string, success bool) {
	t.mu.Lock()
	if !t.pending || t.moveID != moveID {
		t.mu.Unlock()
		return
	}
	t.clearLocked()
	gameID := t.gameID
	t.mu.Unlock()

	if !success && t.resync != nil {
		t.resync(gameID, "move_rejected")
	}
}

// Pending reports whether a move is awaiting confirmation.
func (t *ConfirmTracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// expire fires on the confirmation timeout. The moveID check makes a late
// timer for an already-confirmed move a no-op.
func (t *ConfirmTracker) expire(moveID string) {
	t.mu.Lock()
	if !t.pending || t.moveID != moveID {
		t.mu.Unlock()
		return
	}
	t.clearLocked()
	gameID := t.gameID
	t.mu.Unlock()

	if t.resync != nil {
		t.resync(gameID, "confirmation_timeout")
	}
}

func (t *ConfirmTracker) clearLocked() {
	t.pending = false
	t.moveID = ""
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
