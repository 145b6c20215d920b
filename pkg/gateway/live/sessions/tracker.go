// Package sessions tracks live tutoring sessions so the server can enforce a
// per-user session cap and drain everything on shutdown.
package sessions

import (
	"context"
	"errors"
	"sync"
)

// ErrUserSessionLimit is returned when a user already has the maximum number
// of concurrent sessions.
var ErrUserSessionLimit = errors.New("per-user session limit reached")

// Handle is what a registered session exposes to the tracker.
type Handle struct {
	UserID string
	Cancel func()
}

type Tracker struct {
	maxPerUser int

	mu       sync.Mutex
	sessions map[string]*trackedSession
	byUser   map[string]int
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

// NewTracker builds a tracker enforcing maxPerUser concurrent sessions per
// user id; maxPerUser <= 0 disables the cap.
func NewTracker(maxPerUser int) *Tracker {
	return &Tracker{
		maxPerUser: maxPerUser,
		sessions:   make(map[string]*trackedSession),
		byUser:     make(map[string]int),
	}
}

// Register adds a session keyed by its session id. A duplicate session id
// evicts (cancels) the previous registration, matching a client that
// reconnected with the same session. Returns ErrUserSessionLimit when the
// user's cap is exhausted.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func(), err error) {
	if t == nil {
		return func() {}, nil
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	old := t.sessions[sessionID]
	oldSameUser := old != nil && old.handle.UserID == h.UserID
	if t.maxPerUser > 0 && h.UserID != "" && !oldSameUser && t.byUser[h.UserID] >= t.maxPerUser {
		t.mu.Unlock()
		return nil, ErrUserSessionLimit
	}
	t.sessions[sessionID] = entry
	if h.UserID != "" {
		t.byUser[h.UserID]++
	}
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		if old.handle.Cancel != nil {
			old.handle.Cancel()
		}
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }, nil
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		if uid := entry.handle.UserID; uid != "" {
			if t.byUser[uid] > 1 {
				t.byUser[uid]--
			} else {
				delete(t.byUser, uid)
			}
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// CancelAll asks every live session to shut down.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered, or the context
// expires. Returns false on timeout.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
