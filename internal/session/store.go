package session

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kbridge-dev/kbridge/internal/bridgeerr"
)

// Store indexes sessions by id and enforces the target exclusivity
// invariant: at most one session that is not TORN_DOWN may hold a given
// target key at any time.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*Session
	byTarget map[string]string
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		byID:     make(map[string]*Session),
		byTarget: make(map[string]string),
	}
}

// Add inserts a new session and acquires its target lock. A second session
// for the same target key is rejected with TargetAlreadyBridged and the
// existing session is left untouched.
func (st *Store) Add(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	key := s.Target.Key()

	if holder, locked := st.byTarget[key]; locked {
		return bridgeerr.TargetAlreadyBridgedf(
			"target %s is bridged by session %s", key, holder)
	}

	if _, exists := st.byID[s.ID]; exists {
		return errors.Newf("session %s already exists", s.ID)
	}

	st.byID[s.ID] = s
	st.byTarget[key] = s.ID

	return nil
}

// Get returns a session by id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.byID[id]

	return s, ok
}

// ByTarget returns the session currently holding a target key.
func (st *Store) ByTarget(key string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	id, ok := st.byTarget[key]
	if !ok {
		return nil, false
	}

	s, ok := st.byID[id]

	return s, ok
}

// Transition advances a session's state after validating the move against
// the transition table.
func (st *Store) Transition(id string, to State) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.byID[id]
	if !ok {
		return errors.Newf("unknown session %s", id)
	}

	if !CanTransition(s.State, to) {
		return errors.Newf("illegal transition %s -> %s for session %s", s.State, to, id)
	}

	s.State = to

	return nil
}

// StateOf returns a session's current state under the store lock. Readers
// outside the coordinator's own call chain must use this instead of touching
// Session.State directly.
func (st *Store) StateOf(id string) (State, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.byID[id]
	if !ok {
		return "", false
	}

	return s.State, true
}

// RecordError stores why a session failed. Only the first cause is kept;
// later causes are follow-on damage from the same failure.
func (st *Store) RecordError(id string, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.byID[id]; ok && s.LastError == nil {
		s.LastError = err
	}
}

// ErrorOf returns a session's recorded failure cause, if any.
func (st *Store) ErrorOf(id string) error {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if s, ok := st.byID[id]; ok {
		return s.LastError
	}

	return nil
}

// MarkFinished stamps a session's end time once and returns its lifetime.
// Calling it again returns the already-recorded lifetime.
func (st *Store) MarkFinished(id string) time.Duration {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.byID[id]
	if !ok {
		return 0
	}

	if s.FinishedAt.IsZero() {
		s.FinishedAt = time.Now()
	}

	return s.FinishedAt.Sub(s.CreatedAt)
}

// ReleaseTarget frees a session's target lock. Legal only once the session
// is TORN_DOWN; releasing an already-released lock is a no-op.
func (st *Store) ReleaseTarget(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.byID[id]
	if !ok {
		return errors.Newf("unknown session %s", id)
	}

	if !s.State.Terminal() {
		return errors.Newf("session %s is %s, target lock is only released after TORN_DOWN", id, s.State)
	}

	key := s.Target.Key()
	if st.byTarget[key] == id {
		delete(st.byTarget, key)
	}

	return nil
}

// List returns a snapshot of all sessions.
func (st *Store) List() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]*Session, 0, len(st.byID))
	for _, s := range st.byID {
		out = append(out, s)
	}

	return out
}

// ActiveCount returns the number of sessions not yet torn down.
func (st *Store) ActiveCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()

	count := 0

	for _, s := range st.byID {
		if !s.State.Terminal() {
			count++
		}
	}

	return count
}

// Remove drops a terminal session from the store entirely.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.byID[id]
	if !ok {
		return
	}

	key := s.Target.Key()
	if st.byTarget[key] == id {
		delete(st.byTarget, key)
	}

	delete(st.byID, id)
}
