// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardwire/cardwire/internal/identity"
	"github.com/cardwire/cardwire/internal/router/store"
)

func newTestService(t *testing.T) (*Service, ed25519.PrivateKey, []byte) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	spki, err := identity.PublicKeySPKI(priv)
	require.NoError(t, err)
	return NewService(5 * time.Minute), priv, spki
}

func sign(t *testing.T, priv ed25519.PrivateKey, challenge string) []byte {
	t.Helper()
	sig, err := identity.DecodeSignature(identity.Sign(priv, challenge))
	require.NoError(t, err)
	return sig
}

func TestInitiateDerivesStableID(t *testing.T) {
	svc, _, spki := newTestService(t)

	id1, c1, err := svc.Initiate(spki)
	require.NoError(t, err)
	id2, c2, err := svc.Initiate(spki)
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "same key must derive the same peer ID")
	assert.NotEqual(t, c1, c2, "re-initiation must issue a fresh challenge")
	assert.Equal(t, 1, svc.challenges.Count(), "one live challenge per peer")
	assert.True(t, identity.VerifyPeerID(id1, spki))
}

func TestVerifyHappyPath(t *testing.T) {
	svc, priv, spki := newTestService(t)

	peerID, challenge, err := svc.Initiate(spki)
	require.NoError(t, err)
	require.False(t, svc.IsAuthenticated(peerID))

	err = svc.Verify(peerID, challenge, sign(t, priv, challenge))
	require.NoError(t, err)
	assert.True(t, svc.IsAuthenticated(peerID))

	// The challenge was consumed.
	err = svc.Verify(peerID, challenge, sign(t, priv, challenge))
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestVerifyFailureLadder(t *testing.T) {
	svc, priv, spki := newTestService(t)

	t.Run("not registered", func(t *testing.T) {
		err := svc.Verify("peer_unknown", "c", sign(t, priv, "c"))
		assert.ErrorIs(t, err, ErrNotRegistered)
	})

	peerID, challenge, err := svc.Initiate(spki)
	require.NoError(t, err)

	t.Run("stale challenge does not consume", func(t *testing.T) {
		err := svc.Verify(peerID, "some-older-challenge", sign(t, priv, "some-older-challenge"))
		assert.ErrorIs(t, err, ErrChallengeMismatch)

		// The stored challenge is still usable.
		err = svc.Verify(peerID, challenge, sign(t, priv, challenge))
		assert.NoError(t, err)
	})

	t.Run("expired challenge is deleted", func(t *testing.T) {
		id, _, err := svc.Initiate(spki)
		require.NoError(t, err)
		svc.challenges.Put(store.Challenge{
			PeerID:   id,
			Nonce:    "stale-nonce",
			IssuedAt: time.Now().Add(-6 * time.Minute),
		})

		err = svc.Verify(id, "stale-nonce", sign(t, priv, "stale-nonce"))
		assert.ErrorIs(t, err, ErrChallengeExpired)
		err = svc.Verify(id, "stale-nonce", sign(t, priv, "stale-nonce"))
		assert.ErrorIs(t, err, ErrNoChallenge)
	})
}

func TestVerifyAtChallengeTTLBoundary(t *testing.T) {
	svc, priv, spki := newTestService(t)

	// Just inside the 5-minute window the challenge is still good.
	id, _, err := svc.Initiate(spki)
	require.NoError(t, err)
	svc.challenges.Put(store.Challenge{
		PeerID:   id,
		Nonce:    "aging-nonce",
		IssuedAt: time.Now().Add(-5*time.Minute + 10*time.Second),
	})
	err = svc.Verify(id, "aging-nonce", sign(t, priv, "aging-nonce"))
	assert.NoError(t, err)
}

func TestVerifyBadSignatureConsumesChallenge(t *testing.T) {
	svc, _, spki := newTestService(t)
	_, wrongKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	peerID, challenge, err := svc.Initiate(spki)
	require.NoError(t, err)

	err = svc.Verify(peerID, challenge, sign(t, wrongKey, challenge))
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.False(t, svc.IsAuthenticated(peerID))

	// One-shot: the peer must re-initiate before trying again.
	err = svc.Verify(peerID, challenge, sign(t, wrongKey, challenge))
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestReinitiationOnlySecondChallengeVerifies(t *testing.T) {
	svc, priv, spki := newTestService(t)

	peerID, first, err := svc.Initiate(spki)
	require.NoError(t, err)
	_, second, err := svc.Initiate(spki)
	require.NoError(t, err)

	// Signing the superseded challenge fails outright.
	err = svc.Verify(peerID, first, sign(t, priv, first))
	assert.ErrorIs(t, err, ErrChallengeMismatch)

	err = svc.Verify(peerID, second, sign(t, priv, second))
	assert.NoError(t, err)
}

func TestDisconnectKeepsRecord(t *testing.T) {
	svc, priv, spki := newTestService(t)

	peerID, challenge, err := svc.Initiate(spki)
	require.NoError(t, err)
	require.NoError(t, svc.Verify(peerID, challenge, sign(t, priv, challenge)))

	svc.Disconnect(peerID)
	assert.False(t, svc.IsAuthenticated(peerID))
	assert.Equal(t, 0, svc.AuthenticatedCount())

	// The same identity authenticates again without any reset.
	_, challenge, err = svc.Initiate(spki)
	require.NoError(t, err)
	require.NoError(t, svc.Verify(peerID, challenge, sign(t, priv, challenge)))
	assert.True(t, svc.IsAuthenticated(peerID))
}

func TestListConnected(t *testing.T) {
	svc := NewService(5 * time.Minute)

	var ids []string
	for i := 0; i < 3; i++ {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		spki, err := identity.PublicKeySPKI(priv)
		require.NoError(t, err)

		id, challenge, err := svc.Initiate(spki)
		require.NoError(t, err)
		require.NoError(t, svc.Verify(id, challenge, sign(t, priv, challenge)))
		ids = append(ids, id)
	}

	list := svc.ListConnected()
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].PeerID, list[i].PeerID, "summaries ordered by peer ID")
	}
	for _, summary := range list {
		assert.Contains(t, ids, summary.PeerID)
		assert.False(t, summary.AuthenticatedAt.IsZero())
	}
}

func TestCleanupExpiredChallenges(t *testing.T) {
	svc, _, spki := newTestService(t)

	_, _, err := svc.Initiate(spki)
	require.NoError(t, err)
	svc.challenges.Put(store.Challenge{
		PeerID:   "peer_old",
		Nonce:    "n",
		IssuedAt: time.Now().Add(-time.Hour),
	})

	assert.Equal(t, 1, svc.CleanupExpiredChallenges())
	assert.Equal(t, 1, svc.challenges.Count())
}
