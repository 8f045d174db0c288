// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package auth implements challenge/response authentication for one
// identifier space. The router runs two independent instances, one for
// controllers and one for cardhosts, so the two populations never share
// peer records.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/cardwire/cardwire/internal/identity"
	"github.com/cardwire/cardwire/internal/router/store"
)

// Verification failures, in the order they are checked.
var (
	ErrNotRegistered     = errors.New("peer not registered")
	ErrNoChallenge       = errors.New("no outstanding challenge")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrChallengeMismatch = errors.New("challenge mismatch")
	ErrInvalidSignature  = errors.New("invalid signature")
)

// PeerSummary is the read-only view of an authenticated peer.
type PeerSummary struct {
	PeerID          string
	AuthenticatedAt time.Time
	RegisteredAt    time.Time
}

// Service owns peer registration and the challenge lifecycle for one
// identifier space.
type Service struct {
	peers        *store.PeerStore
	challenges   *store.ChallengeStore
	challengeTTL time.Duration
}

// NewService creates an auth service whose challenges expire after
// challengeTTL.
func NewService(challengeTTL time.Duration) *Service {
	return &Service{
		peers:        store.NewPeerStore(),
		challenges:   store.NewChallengeStore(),
		challengeTTL: challengeTTL,
	}
}

// Initiate registers the peer (or refreshes an existing record, keeping
// its authenticated state) and issues a fresh challenge, superseding any
// outstanding one. The returned peer ID is derived from the key; peers
// never choose their own.
func (s *Service) Initiate(publicKey []byte) (peerID, challenge string, err error) {
	peerID = identity.DerivePeerID(publicKey)
	s.peers.Upsert(peerID, publicKey)

	nonce, err := identity.NewNonce()
	if err != nil {
		return "", "", fmt.Errorf("issue challenge: %w", err)
	}
	s.challenges.Put(store.Challenge{
		PeerID:   peerID,
		Nonce:    nonce,
		IssuedAt: time.Now(),
	})
	return peerID, nonce, nil
}

// Verify checks the peer's signature over its outstanding challenge.
// The challenge is one-shot: both a successful verification and a failed
// signature consume it, so a second attempt needs a fresh auth-init.
// Mismatch of the presented challenge against the stored one (a stale
// challenge after re-initiation) does not consume the stored challenge.
func (s *Service) Verify(peerID, challenge string, signature []byte) error {
	peer, ok := s.peers.Get(peerID)
	if !ok {
		return ErrNotRegistered
	}
	ch, ok := s.challenges.Get(peerID)
	if !ok {
		return ErrNoChallenge
	}
	if time.Since(ch.IssuedAt) > s.challengeTTL {
		s.challenges.Delete(peerID)
		return ErrChallengeExpired
	}
	if ch.Nonce != challenge {
		return ErrChallengeMismatch
	}

	s.challenges.Delete(peerID)
	if !identity.VerifySignature(peer.PublicKey, ch.Nonce, signature) {
		return ErrInvalidSignature
	}
	s.peers.SetAuthenticated(peerID)
	return nil
}

// IsAuthenticated reports whether the peer currently holds an
// authenticated flag.
func (s *Service) IsAuthenticated(peerID string) bool {
	p, ok := s.peers.Get(peerID)
	return ok && p.Authenticated
}

// Disconnect clears the peer's authenticated flag. The record stays so a
// later auth-init reuses the same derived identity.
func (s *Service) Disconnect(peerID string) {
	s.peers.ClearAuthenticated(peerID)
}

// ListConnected returns summaries of all authenticated peers, ordered by
// peer ID.
func (s *Service) ListConnected() []PeerSummary {
	peers := s.peers.Authenticated()
	out := make([]PeerSummary, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerSummary{
			PeerID:          p.ID,
			AuthenticatedAt: p.AuthenticatedAt,
			RegisteredAt:    p.RegisteredAt,
		})
	}
	return out
}

// AuthenticatedCount reports how many peers are currently authenticated.
func (s *Service) AuthenticatedCount() int {
	return s.peers.AuthenticatedCount()
}

// CleanupExpiredChallenges sweeps challenges past their TTL, returning the
// number removed. Called from the router's periodic cleanup.
func (s *Service) CleanupExpiredChallenges() int {
	return s.challenges.DeleteExpired(s.challengeTTL)
}
