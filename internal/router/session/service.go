// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package session manages relay sessions: unguessable tokens binding an
// authenticated controller to one cardhost, with absolute and idle
// lifetimes enforced by the router's cleanup loop.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/cardwire/cardwire/internal/identity"
	"github.com/cardwire/cardwire/internal/router/store"
)

// TokenPrefix starts every session token.
const TokenPrefix = "sess_"

var (
	// ErrNotFound means the token does not name a live session.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyAssociated means the session is bound to a different
	// cardhost; bindings never move.
	ErrAlreadyAssociated = errors.New("session already associated")
)

// Service owns the session store and its lifetime rules.
type Service struct {
	sessions    *store.SessionStore
	ttl         time.Duration
	idleTimeout time.Duration
}

// NewService creates a session service. Sessions live at most ttl and are
// reaped after idleTimeout without relay activity.
func NewService(ttl, idleTimeout time.Duration) *Service {
	return &Service{
		sessions:    store.NewSessionStore(),
		ttl:         ttl,
		idleTimeout: idleTimeout,
	}
}

// Create issues a fresh session for the controller. The session starts
// unassociated; Associate binds it to a cardhost.
func (s *Service) Create(controllerID string) (store.Session, error) {
	token, err := identity.NewToken(TokenPrefix)
	if err != nil {
		return store.Session{}, fmt.Errorf("issue session token: %w", err)
	}
	now := time.Now()
	sess := store.Session{
		Token:          token,
		ControllerID:   controllerID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
		LastActivityAt: now,
	}
	s.sessions.Put(sess)
	return sess, nil
}

// Associate binds the session to a cardhost. At most one session exists
// per (controller, cardhost) pair: binding a new session supersedes an
// older one, which is revoked and its token returned so the caller can
// drop the displaced controller connection. Re-associating the same value
// is a no-op.
func (s *Service) Associate(token, cardhostID string) (superseded string, err error) {
	sess, ok := s.sessions.Get(token)
	if !ok {
		return "", ErrNotFound
	}
	if sess.CardhostID == cardhostID {
		return "", nil
	}
	if sess.CardhostID != "" {
		return "", ErrAlreadyAssociated
	}

	if prev, ok := s.sessions.FindByPair(sess.ControllerID, cardhostID); ok && prev.Token != token {
		s.sessions.Delete(prev.Token)
		superseded = prev.Token
	}
	if !s.sessions.SetCardhost(token, cardhostID) {
		return superseded, ErrNotFound
	}
	return superseded, nil
}

// Validate returns the live session for the token. An expired session is
// deleted on sight and reported as absent.
func (s *Service) Validate(token string) (store.Session, bool) {
	sess, ok := s.sessions.Get(token)
	if !ok {
		return store.Session{}, false
	}
	if sess.Expired(time.Now()) {
		s.sessions.Delete(token)
		return store.Session{}, false
	}
	return sess, true
}

// FindByCardhost returns the session currently bound to the cardhost.
func (s *Service) FindByCardhost(cardhostID string) (store.Session, bool) {
	return s.sessions.FindByCardhost(cardhostID)
}

// Touch refreshes the session's activity clock after a relayed request.
func (s *Service) Touch(token string) {
	s.sessions.Touch(token)
}

// Revoke destroys the session immediately.
func (s *Service) Revoke(token string) bool {
	return s.sessions.Delete(token)
}

// CleanupExpired sweeps sessions past their absolute lifetime.
func (s *Service) CleanupExpired() int {
	return s.sessions.DeleteExpired()
}

// CleanupIdle sweeps sessions with no relay activity for the idle window.
func (s *Service) CleanupIdle() int {
	return s.sessions.DeleteIdle(s.idleTimeout)
}

// Count reports how many sessions are live.
func (s *Service) Count() int {
	return s.sessions.Count()
}
