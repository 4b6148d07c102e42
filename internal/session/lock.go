package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"loom/pkg/logger"
)

// lockState tracks one held session lock.
type lockState struct {
	cancel     context.CancelFunc
	acquiredAt time.Time
	expiry     *time.Timer
}

// LockTable enforces single-flight generation per session. Acquire fails
// fast instead of blocking; a lock held past the configured timeout is
// forcibly released and the generation it guards cancelled, so a stuck
// provider call can never wedge a session.
type LockTable struct {
	mu       sync.Mutex
	held     map[string]*lockState
	timeout  time.Duration
	onExpire func(sessionID string, heldFor time.Duration)
	log      zerolog.Logger
	now      func() time.Time
}

// NewLockTable creates a lock table. onExpire, when non-nil, runs after
// every forced release.
func NewLockTable(timeout time.Duration, onExpire func(string, time.Duration)) *LockTable {
	return &LockTable{
		held:     make(map[string]*lockState),
		timeout:  timeout,
		onExpire: onExpire,
		log:      logger.Component("session"),
		now:      time.Now,
	}
}

// Acquire takes the session lock, registering cancel as the abort hook
// for the generation it guards.
func (lt *LockTable) Acquire(sessionID string, cancel context.CancelFunc) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if _, ok := lt.held[sessionID]; ok {
		return errBusy(sessionID)
	}
	st := &lockState{cancel: cancel, acquiredAt: lt.now()}
	if lt.timeout > 0 {
		st.expiry = time.AfterFunc(lt.timeout, func() { lt.expire(sessionID, st) })
	}
	lt.held[sessionID] = st
	return nil
}

// Release frees the lock and reports whether it was held. Safe to call
// after a forced expiry already removed it.
func (lt *LockTable) Release(sessionID string) bool {
	lt.mu.Lock()
	st, ok := lt.held[sessionID]
	delete(lt.held, sessionID)
	lt.mu.Unlock()
	if ok && st.expiry != nil {
		st.expiry.Stop()
	}
	return ok
}

// Abort cancels the generation holding the lock without releasing it;
// the generation path notices the cancellation and releases normally.
func (lt *LockTable) Abort(sessionID string) bool {
	lt.mu.Lock()
	st, ok := lt.held[sessionID]
	lt.mu.Unlock()
	if !ok {
		return false
	}
	st.cancel()
	return true
}

// Held reports whether the session lock is taken.
func (lt *LockTable) Held(sessionID string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	_, ok := lt.held[sessionID]
	return ok
}

// expire forcibly releases a lock that outlived the timeout. The state
// pointer guards against a stale timer expiring a lock acquired later
// under the same session id.
func (lt *LockTable) expire(sessionID string, st *lockState) {
	lt.mu.Lock()
	cur, ok := lt.held[sessionID]
	if ok && cur == st {
		delete(lt.held, sessionID)
	}
	lt.mu.Unlock()
	if !ok || cur != st {
		return
	}
	st.cancel()
	heldFor := lt.now().Sub(st.acquiredAt)
	lt.log.Warn().
		Str("session_id", sessionID).
		Dur("held_for", heldFor).
		Msg("session lock expired, aborting generation")
	if lt.onExpire != nil {
		lt.onExpire(sessionID, heldFor)
	}
}
