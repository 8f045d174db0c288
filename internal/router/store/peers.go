// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package store holds the router's in-memory repositories. Each store owns
// its map outright and is safe for concurrent use; callers get value
// copies, never pointers into a store. Nothing here persists: a router
// restart starts from empty state.
package store

import (
	"sort"
	"sync"
	"time"
)

// Peer is one identity known to the router. The ID is derived from the
// public key, so re-registration with the same key lands on the same
// record.
type Peer struct {
	ID              string
	PublicKey       []byte
	Authenticated   bool
	AuthenticatedAt time.Time // zero until the first successful verify
	RegisteredAt    time.Time
}

// PeerStore tracks peers for one identifier space (controllers and
// cardhosts each get their own store).
type PeerStore struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewPeerStore creates an empty peer store.
func NewPeerStore() *PeerStore {
	return &PeerStore{peers: make(map[string]*Peer)}
}

// Upsert registers a peer or refreshes its public key. An existing record
// keeps its Authenticated flag and timestamps: re-running auth-init must
// not deauthenticate a peer.
func (s *PeerStore) Upsert(id string, publicKey []byte) Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		p = &Peer{ID: id, RegisteredAt: time.Now()}
		s.peers[id] = p
	}
	p.PublicKey = append([]byte(nil), publicKey...)
	return *p
}

// Get returns a copy of the peer record.
func (s *PeerStore) Get(id string) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// SetAuthenticated marks the peer authenticated as of now.
func (s *PeerStore) SetAuthenticated(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		return false
	}
	p.Authenticated = true
	p.AuthenticatedAt = time.Now()
	return true
}

// ClearAuthenticated drops the authenticated flag, keeping the record.
func (s *PeerStore) ClearAuthenticated(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		return false
	}
	p.Authenticated = false
	return true
}

// Authenticated returns copies of all currently authenticated peers,
// ordered by ID.
func (s *PeerStore) Authenticated() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.Authenticated {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AuthenticatedCount reports how many peers are currently authenticated.
func (s *PeerStore) AuthenticatedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, p := range s.peers {
		if p.Authenticated {
			n++
		}
	}
	return n
}

// Count reports how many peers have ever registered.
func (s *PeerStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}
