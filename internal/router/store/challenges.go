// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package store

import (
	"sync"
	"time"
)

// Challenge is one outstanding auth nonce. A peer has at most one: issuing
// a new challenge supersedes the previous.
type Challenge struct {
	PeerID   string
	Nonce    string
	IssuedAt time.Time
}

// ChallengeStore tracks outstanding challenges keyed by peer ID.
type ChallengeStore struct {
	mu         sync.RWMutex
	challenges map[string]*Challenge
}

// NewChallengeStore creates an empty challenge store.
func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{challenges: make(map[string]*Challenge)}
}

// Put installs the peer's challenge, replacing any live one.
func (s *ChallengeStore) Put(c Challenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[c.PeerID] = &c
}

// Get returns a copy of the peer's outstanding challenge.
func (s *ChallengeStore) Get(peerID string) (Challenge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[peerID]
	if !ok {
		return Challenge{}, false
	}
	return *c, true
}

// Delete removes the peer's challenge if present.
func (s *ChallengeStore) Delete(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, peerID)
}

// DeleteExpired removes challenges older than ttl and reports how many
// were removed.
func (s *ChallengeStore) DeleteExpired(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, c := range s.challenges {
		if c.IssuedAt.Before(cutoff) {
			delete(s.challenges, id)
			removed++
		}
	}
	return removed
}

// Count reports how many challenges are outstanding.
func (s *ChallengeStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.challenges)
}
