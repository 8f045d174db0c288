// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package identity implements the peer identity scheme shared by every
// party in the fabric: deterministic peer IDs derived from Ed25519 public
// keys, the canonical JSON form that challenge signatures are computed
// over, and the random material for challenges and session tokens.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// PeerIDPrefix starts every derived peer identifier.
const PeerIDPrefix = "peer_"

const (
	nonceSize = 32
	tokenSize = 32
)

// DerivePeerID maps a public key to its stable peer identifier:
// "peer_" followed by the unpadded base64url SHA-256 of the key bytes.
// The same key always yields the same ID; IDs are never chosen by peers.
func DerivePeerID(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return PeerIDPrefix + base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPeerID reports whether id is the derived identifier for publicKey.
func VerifyPeerID(id string, publicKey []byte) bool {
	return id == DerivePeerID(publicKey)
}

// CanonicalJSON encodes v into the byte form used for signing. Map keys
// are encoded in ascending byte order, array order is preserved, and HTML
// escaping is disabled, so the output is stable across processes and
// languages. No trailing newline.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ChallengeBytes returns the exact signing input for a challenge: the
// canonical JSON encoding of the challenge string.
func ChallengeBytes(challenge string) []byte {
	b, _ := CanonicalJSON(challenge) // encoding a plain string cannot fail
	return b
}

// ParsePublicKey decodes an Ed25519 public key from its SPKI DER form.
func ParsePublicKey(spki []byte) (ed25519.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	ed, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not Ed25519", pub)
	}
	return ed, nil
}

// VerifySignature checks an Ed25519 signature over the canonical JSON form
// of challenge. publicKey is SPKI DER bytes. Malformed keys or signatures
// simply fail verification; this function never panics and never reports
// why a signature was rejected.
func VerifySignature(publicKey []byte, challenge string, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, ChallengeBytes(challenge), signature)
}

// Sign produces the base64 signature a peer sends in auth-verify.
func Sign(priv ed25519.PrivateKey, challenge string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, ChallengeBytes(challenge)))
}

// PublicKeySPKI returns the SPKI DER encoding of the private key's public
// half, the form peer IDs are derived from.
func PublicKeySPKI(priv ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return der, nil
}

// EncodePublicKey returns the wire (base64) form of SPKI key bytes.
func EncodePublicKey(spki []byte) string {
	return base64.StdEncoding.EncodeToString(spki)
}

// DecodePublicKey reverses EncodePublicKey.
func DecodePublicKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty public key")
	}
	return key, nil
}

// DecodeSignature decodes the base64 signature field of auth-verify.
func DecodeSignature(s string) ([]byte, error) {
	sig, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return sig, nil
}

// NewNonce returns a fresh challenge nonce: 32 bytes from the CSPRNG,
// base64url encoded.
func NewNonce() (string, error) {
	b := make([]byte, nonceSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// NewToken returns an unguessable token: the prefix followed by 32 random
// bytes, base64url encoded. Used for session tokens ("sess_...").
func NewToken(prefix string) (string, error) {
	b := make([]byte, tokenSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return prefix + base64.URLEncoding.EncodeToString(b), nil
}
