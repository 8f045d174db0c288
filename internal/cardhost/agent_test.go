// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cardhost

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cardwire/cardwire/internal/identity"
	"github.com/cardwire/cardwire/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedRouter accepts cardhost sockets and hands them to the test
// goroutine, which plays the router's side of the protocol by hand.
type scriptedRouter struct {
	ts    *httptest.Server
	conns chan *websocket.Conn
}

func newScriptedRouter(t *testing.T) *scriptedRouter {
	t.Helper()
	sr := &scriptedRouter{conns: make(chan *websocket.Conn, 16)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	sr.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case sr.conns <- conn:
		default:
			conn.Close()
		}
	}))
	t.Cleanup(func() {
		for {
			select {
			case conn := <-sr.conns:
				conn.Close()
			default:
				sr.ts.Close()
				return
			}
		}
	})
	return sr
}

// next waits for the agent's next connection attempt.
func (sr *scriptedRouter) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-sr.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("agent never dialed")
		return nil
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wire.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env wire.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// scriptAuth plays the router's half of the handshake, verifying the
// agent's signature for real, and returns the derived peer id.
func scriptAuth(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	env := readEnvelope(t, conn)
	require.Equal(t, wire.TypeAuthInit, env.Type)
	key, err := identity.DecodePublicKey(env.PublicKey)
	require.NoError(t, err)
	peerID := identity.DerivePeerID(key)

	challenge, err := identity.NewNonce()
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(wire.Envelope{Type: wire.TypeAuthChallenge, UUID: peerID, Challenge: challenge}))

	env = readEnvelope(t, conn)
	require.Equal(t, wire.TypeAuthVerify, env.Type)
	sig, err := identity.DecodeSignature(env.Signature)
	require.NoError(t, err)
	require.True(t, identity.VerifySignature(key, challenge, sig), "agent signed the wrong challenge")

	require.NoError(t, conn.WriteJSON(wire.Envelope{Type: wire.TypeAuthSuccess, UUID: peerID}))
	return peerID
}

// startAgent runs an agent against the scripted router until test end.
func startAgent(t *testing.T, sr *scriptedRouter, mutate ...func(*Config)) (*Agent, *MockBackend) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RouterURL = sr.ts.URL
	cfg.PingInterval = time.Minute
	cfg.ReconnectMin = 20 * time.Millisecond
	cfg.ReconnectMax = 100 * time.Millisecond
	for _, m := range mutate {
		m(cfg)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	backend := NewMockBackend()
	agent, err := New(cfg, priv, backend, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		agent.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return agent, backend
}

func TestAgentAuthenticatesAndServes(t *testing.T) {
	sr := newScriptedRouter(t)
	agent, backend := startAgent(t, sr)

	conn := sr.next(t)
	peerID := scriptAuth(t, conn)
	assert.Equal(t, agent.PeerID(), peerID)

	// The attach nudge brings the card stack up before the first request.
	require.False(t, backend.Ready())
	require.NoError(t, conn.WriteJSON(wire.Envelope{Type: wire.TypeControllerConnected}))
	require.Eventually(t, backend.Ready, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(wire.Envelope{
		Type:    wire.TypeRPCRequest,
		ID:      "r1",
		Payload: json.RawMessage(`{"hex":"00A4040008A000000003000000"}`),
	}))
	env := readEnvelope(t, conn)
	require.Equal(t, wire.TypeRPCResponse, env.Type)
	assert.Equal(t, "r1", env.ID)
	assert.JSONEq(t, `{"sw":36864}`, string(env.Payload))

	// Malformed commands still get exactly one response with the same id.
	require.NoError(t, conn.WriteJSON(wire.Envelope{
		Type:    wire.TypeRPCRequest,
		ID:      "r2",
		Payload: json.RawMessage(`{"hex":"zz"}`),
	}))
	env = readEnvelope(t, conn)
	require.Equal(t, wire.TypeRPCResponse, env.Type)
	assert.Equal(t, "r2", env.ID)
	assert.JSONEq(t, `{"sw":28416}`, string(env.Payload))
}

func TestAgentAnswersRequestsInOrder(t *testing.T) {
	sr := newScriptedRouter(t)
	startAgent(t, sr)

	conn := sr.next(t)
	scriptAuth(t, conn)

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		require.NoError(t, conn.WriteJSON(wire.Envelope{
			Type:    wire.TypeRPCRequest,
			ID:      id,
			Payload: json.RawMessage(`{"hex":"00A4040008A000000003000000"}`),
		}))
	}
	// A card is serial; the agent answers in arrival order.
	for _, id := range ids {
		env := readEnvelope(t, conn)
		require.Equal(t, wire.TypeRPCResponse, env.Type)
		assert.Equal(t, id, env.ID)
	}
}

func TestAgentReconnectsAfterDrop(t *testing.T) {
	sr := newScriptedRouter(t)
	agent, _ := startAgent(t, sr)

	first := sr.next(t)
	scriptAuth(t, first)
	first.Close()

	// Same identity on the replacement connection.
	second := sr.next(t)
	assert.Equal(t, agent.PeerID(), scriptAuth(t, second))
}

func TestAgentRejectsForeignIdentity(t *testing.T) {
	sr := newScriptedRouter(t)
	startAgent(t, sr)

	conn := sr.next(t)
	env := readEnvelope(t, conn)
	require.Equal(t, wire.TypeAuthInit, env.Type)

	// A router claiming a different derived id must not get a signature.
	challenge, err := identity.NewNonce()
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(wire.Envelope{Type: wire.TypeAuthChallenge, UUID: "peer_imposter", Challenge: challenge}))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var next wire.Envelope
	readErr := conn.ReadJSON(&next)
	if readErr == nil {
		t.Fatalf("agent kept talking to a router with the wrong identity: sent %s", next.Type)
	}
}

func TestAgentSendsKeepalives(t *testing.T) {
	sr := newScriptedRouter(t)
	startAgent(t, sr, func(cfg *Config) {
		cfg.PingInterval = 30 * time.Millisecond
	})

	conn := sr.next(t)
	scriptAuth(t, conn)

	env := readEnvelope(t, conn)
	require.Equal(t, wire.TypePing, env.Type)
	require.NoError(t, conn.WriteJSON(wire.Envelope{Type: wire.TypePong}))

	// The pong must not confuse the serve loop; traffic still flows.
	require.NoError(t, conn.WriteJSON(wire.Envelope{
		Type:    wire.TypeRPCRequest,
		ID:      "r1",
		Payload: json.RawMessage(`{"hex":"00A4040008A000000003000000"}`),
	}))
	for {
		env = readEnvelope(t, conn)
		if env.Type == wire.TypePing {
			continue
		}
		require.Equal(t, wire.TypeRPCResponse, env.Type)
		assert.Equal(t, "r1", env.ID)
		break
	}
}

func TestBackoffCurve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReconnectMin = time.Second
	cfg.ReconnectMax = 30 * time.Second
	agent := &Agent{cfg: cfg}

	assert.Equal(t, time.Second, agent.backoffAfter(0), "healthy agent redials at the floor")
	assert.Equal(t, 2*time.Second, agent.backoffAfter(1))
	assert.Equal(t, 4*time.Second, agent.backoffAfter(2))
	assert.Equal(t, 30*time.Second, agent.backoffAfter(10), "capped at the ceiling")
}
