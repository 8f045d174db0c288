// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package store

import (
	"sync"
	"time"
)

// Session binds an authenticated controller to a cardhost for relaying.
// CardhostID is empty between creation and association.
type Session struct {
	Token          string
	ControllerID   string
	CardhostID     string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
}

// Expired reports whether the session's absolute lifetime has passed.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SessionStore tracks live sessions keyed by token.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Put installs a session.
func (s *SessionStore) Put(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Token] = &sess
}

// Get returns a copy of the session.
func (s *SessionStore) Get(token string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[token]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Delete removes a session, reporting whether it existed.
func (s *SessionStore) Delete(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[token]; !ok {
		return false
	}
	delete(s.sessions, token)
	return true
}

// SetCardhost records the session's cardhost binding.
func (s *SessionStore) SetCardhost(token, cardhostID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return false
	}
	sess.CardhostID = cardhostID
	return true
}

// Touch refreshes the session's activity timestamp.
func (s *SessionStore) Touch(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return false
	}
	sess.LastActivityAt = time.Now()
	return true
}

// FindByCardhost returns the session bound to the given cardhost, if any.
func (s *SessionStore) FindByCardhost(cardhostID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if sess.CardhostID == cardhostID {
			return *sess, true
		}
	}
	return Session{}, false
}

// FindByPair returns the session for a (controller, cardhost) pair, if any.
func (s *SessionStore) FindByPair(controllerID, cardhostID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if sess.ControllerID == controllerID && sess.CardhostID == cardhostID {
			return *sess, true
		}
	}
	return Session{}, false
}

// DeleteExpired removes sessions past their absolute lifetime and reports
// how many were removed.
func (s *SessionStore) DeleteExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for token, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed
}

// DeleteIdle removes sessions with no activity for maxIdle and reports how
// many were removed.
func (s *SessionStore) DeleteIdle(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for token, sess := range s.sessions {
		if sess.LastActivityAt.Before(cutoff) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed
}

// Count reports how many sessions are live.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
