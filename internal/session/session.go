// Package session holds the per-contributor state of the web form: how many
// images a browser session has uploaded and the progress of the submission
// currently in flight.
//
// A session is created on the first request without a valid cookie and
// removed once it has been idle for longer than the configured TTL. Counters
// live only in memory and are never persisted.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for unknown or expired session IDs.
	ErrNotFound = errors.New("session not found")

	// ErrBusy is returned when a session already has a submission in flight.
	ErrBusy = errors.New("a submission is already in progress")
)

// Progress counts the items of one submission.
type Progress struct {
	Succeeded int `json:"succeeded"`
	Attempted int `json:"attempted"`
	Total     int `json:"total"`
}

// Session is a snapshot of one contributor's state.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Succeeded and Attempted total every finished submission.
	Succeeded int `json:"succeeded"`
	Attempted int `json:"attempted"`

	// Current is non-nil while a submission is in flight.
	Current *Progress `json:"current,omitempty"`
}

// Store persists sessions.
type Store interface {
	Create() (*Session, error)
	Get(id string) (*Session, error)

	// Touch marks the session as active.
	Touch(id string) error

	// Begin marks a submission of total items as in flight.
	Begin(id string, total int) error

	// Advance records progress of the in-flight submission.
	Advance(id string, succeeded, attempted int) error

	// Finish folds the in-flight submission into the session totals.
	Finish(id string) error

	// Reset zeroes the session totals.
	Reset(id string) error

	// Sweep deletes sessions not updated since cutoff and returns how many
	// were removed.
	Sweep(cutoff time.Time) int
}

// MemoryStore is a concurrency-safe in-memory Store implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

func (s *MemoryStore) Create() (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return clone(sess), nil
}

func (s *MemoryStore) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return clone(sess), nil
}

func (s *MemoryStore) Touch(id string) error {
	return s.update(id, func(*Session) error { return nil })
}

func (s *MemoryStore) Begin(id string, total int) error {
	return s.update(id, func(sess *Session) error {
		if sess.Current != nil {
			return ErrBusy
		}
		sess.Current = &Progress{Total: total}
		return nil
	})
}

func (s *MemoryStore) Advance(id string, succeeded, attempted int) error {
	return s.update(id, func(sess *Session) error {
		if sess.Current == nil {
			return fmt.Errorf("session %q has no submission in flight", id)
		}
		sess.Current.Succeeded = succeeded
		sess.Current.Attempted = attempted
		return nil
	})
}

func (s *MemoryStore) Finish(id string) error {
	return s.update(id, func(sess *Session) error {
		if sess.Current == nil {
			return nil
		}
		sess.Succeeded += sess.Current.Succeeded
		sess.Attempted += sess.Current.Attempted
		sess.Current = nil
		return nil
	})
}

func (s *MemoryStore) Reset(id string) error {
	return s.update(id, func(sess *Session) error {
		sess.Succeeded = 0
		sess.Attempted = 0
		return nil
	})
}

func (s *MemoryStore) Sweep(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		// A session with a submission in flight is never idle.
		if sess.Current == nil && sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) update(id string, fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if err := fn(sess); err != nil {
		return err
	}
	sess.UpdatedAt = s.now()
	return nil
}

// clone returns a copy so callers cannot mutate internal state.
func clone(sess *Session) *Session {
	c := *sess
	if sess.Current != nil {
		p := *sess.Current
		c.Current = &p
	}
	return &c
}
