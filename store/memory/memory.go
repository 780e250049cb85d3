// Package memory implements the aegis session store in process memory.
// Nothing survives a restart; it exists for tests and local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/kelvaris/aegis"
)

// Store implements aegis.SessionStore with a mutex-guarded map.
type Store struct {
	mu       sync.RWMutex
	limits   aegis.Limits
	sessions map[string]*session
}

type session struct {
	msgs        []aegis.Message
	lastTouched time.Time
}

var _ aegis.SessionStore = (*Store)(nil)

// New creates an empty in-memory store with the given limits.
func New(limits aegis.Limits) *Store {
	return &Store{
		limits:   limits,
		sessions: make(map[string]*session),
	}
}

// Append adds one message, evicting the oldest past MaxMessages and
// touching the session clock.
func (s *Store) Append(_ context.Context, key string, msg aegis.Message) error {
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	msg.CreatedAt = created

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[key]
	if sess == nil {
		sess = &session{}
		s.sessions[key] = sess
	}
	sess.msgs = append(sess.msgs, msg)
	if max := s.limits.MaxMessages; max > 0 && len(sess.msgs) > max {
		sess.msgs = append(sess.msgs[:0:0], sess.msgs[len(sess.msgs)-max:]...)
	}
	sess.lastTouched = created
	return nil
}

// Context renders the transcript bounded by MaxContextChars.
func (s *Store) Context(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := s.sessions[key]
	if sess == nil {
		return "", nil
	}
	return aegis.AssembleContext(sess.msgs, s.limits.MaxContextChars), nil
}

// Delete removes the session and reports whether it existed.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.sessions[key]
	delete(s.sessions, key)
	return existed, nil
}

// SweepExpired removes sessions idle past the TTL.
func (s *Store) SweepExpired(_ context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.limits.TTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, sess := range s.sessions {
		if sess.lastTouched.Before(cutoff) {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of live sessions. Test helper.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
