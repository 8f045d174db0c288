// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cardhost

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/cardwire/cardwire/internal/identity"
	"github.com/cardwire/cardwire/internal/wire"
)

const (
	writeTimeout         = 10 * time.Second
	handshakeReadTimeout = 10 * time.Second
)

// Agent keeps one authenticated WebSocket to the router and serves
// relayed requests against its backend. Run blocks until the context
// ends; lost connections are redialed with capped exponential backoff.
type Agent struct {
	cfg     *Config
	log     *slog.Logger
	priv    ed25519.PrivateKey
	pub     string // base64 SPKI, sent in auth-init
	peerID  string
	backend Backend
	dialer  *websocket.Dialer
}

func New(cfg *Config, priv ed25519.PrivateKey, backend Backend, log *slog.Logger) (*Agent, error) {
	spki, err := identity.PublicKeySPKI(priv)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Agent{
		cfg:     cfg,
		log:     log,
		priv:    priv,
		pub:     identity.EncodePublicKey(spki),
		peerID:  identity.DerivePeerID(spki),
		backend: backend,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}, nil
}

// PeerID returns the derived identity the agent presents to the router.
// Controllers use it as the connect-cardhost target.
func (a *Agent) PeerID() string {
	return a.peerID
}

// Run serves until ctx ends. Every exit from a live session feeds the
// reconnect loop; only context cancellation gets out.
func (a *Agent) Run(ctx context.Context) error {
	failures := 0
	for {
		authenticated, err := a.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if authenticated {
			failures = 0
		} else {
			failures++
		}
		backoff := a.backoffAfter(failures)
		if err != nil {
			a.log.Warn("router session ended", "error", err, "retry_in", backoff)
		} else {
			a.log.Info("router connection closed", "retry_in", backoff)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoffAfter doubles from the floor per consecutive failed session,
// capped at the ceiling. A session that reached authentication resets
// the count, so a healthy agent redials at the floor.
func (a *Agent) backoffAfter(failures int) time.Duration {
	if failures == 0 {
		return a.cfg.ReconnectMin
	}
	d := a.cfg.ReconnectMin * (1 << min(failures, 6))
	if d > a.cfg.ReconnectMax {
		d = a.cfg.ReconnectMax
	}
	return d
}

// session dials, authenticates, and serves one connection to the router.
// It reports whether authentication completed so Run can reset backoff.
func (a *Agent) session(ctx context.Context) (authenticated bool, err error) {
	wsURL, err := wire.WebSocketURL(a.cfg.RouterURL, wire.PathCardhost)
	if err != nil {
		return false, err
	}
	conn, resp, err := a.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return false, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Tear the socket down when the session ends for any reason;
		// this unblocks reads in the handshake and the serve loop alike.
		<-gctx.Done()
		conn.Close()
		return nil
	})

	lk := &link{conn: conn}
	if err := a.authenticate(lk); err != nil {
		cancel()
		_ = g.Wait()
		return false, fmt.Errorf("authenticate: %w", err)
	}
	a.log.Info("authenticated with router", "peer", a.peerID)

	g.Go(func() error {
		// A finished read loop ends the whole session, clean close
		// included; without this a pingLoop on a dead socket would
		// linger until its next tick.
		defer cancel()
		return a.serve(gctx, lk)
	})
	g.Go(func() error { return a.pingLoop(gctx, lk) })
	return true, g.Wait()
}

// authenticate runs the auth-init / auth-verify handshake and checks that
// the router derived the identity we expect.
func (a *Agent) authenticate(lk *link) error {
	if err := lk.send(wire.Envelope{Type: wire.TypeAuthInit, PublicKey: a.pub}); err != nil {
		return err
	}
	ch, err := lk.expect(wire.TypeAuthChallenge)
	if err != nil {
		return err
	}
	if ch.UUID != a.peerID {
		return fmt.Errorf("router derived unexpected identity %q, want %q", ch.UUID, a.peerID)
	}
	if err := lk.send(wire.Envelope{Type: wire.TypeAuthVerify, Signature: identity.Sign(a.priv, ch.Challenge)}); err != nil {
		return err
	}
	_, err = lk.expect(wire.TypeAuthSuccess)
	return err
}

// serve answers relayed traffic until the socket dies. Requests are
// handled in arrival order; a card is a serial device, so racing commands
// against each other buys nothing.
func (a *Agent) serve(ctx context.Context, lk *link) error {
	lk.conn.SetReadDeadline(time.Time{})
	for {
		env, err := lk.read()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		switch env.Type {
		case wire.TypeControllerConnected:
			if err := a.backend.EnsureReady(ctx); err != nil {
				a.log.Error("backend not ready", "error", err)
				continue
			}
			a.log.Info("controller attached, card stack ready")
		case wire.TypeRPCRequest:
			a.handleRequest(ctx, lk, env)
		case wire.TypePong:
			// answer to our keepalive, nothing to do
		case wire.TypeError:
			if env.Error != nil {
				a.log.Warn("router reported error", "code", env.Error.Code, "message", env.Error.Message)
			}
		default:
			a.log.Debug("ignoring frame", "type", env.Type)
		}
	}
}

// handleRequest produces exactly one rpc-response for the request id,
// even when the backend fails.
func (a *Agent) handleRequest(ctx context.Context, lk *link, env wire.Envelope) {
	payload, err := a.backend.Exchange(ctx, env.Payload)
	if err != nil {
		a.log.Error("backend exchange failed", "id", env.ID, "error", err)
		payload, _ = json.Marshal(apduResponse{SW: swUnknownError})
	}
	if err := lk.send(wire.Envelope{Type: wire.TypeRPCResponse, ID: env.ID, Payload: payload}); err != nil {
		a.log.Warn("response write failed", "id", env.ID, "error", err)
	}
}

func (a *Agent) pingLoop(ctx context.Context, lk *link) error {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := lk.send(wire.Envelope{Type: wire.TypePing}); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// link serializes writes to one WebSocket. The ping loop and the request
// handler write concurrently; gorilla connections support one writer at a
// time.
type link struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (l *link) send(env wire.Envelope) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteJSON(env)
}

func (l *link) read() (wire.Envelope, error) {
	var env wire.Envelope
	err := l.conn.ReadJSON(&env)
	return env, err
}

// expect reads the next frame under the handshake deadline and requires
// the given type. An in-band error envelope surfaces as an error.
func (l *link) expect(msgType string) (wire.Envelope, error) {
	l.conn.SetReadDeadline(time.Now().Add(handshakeReadTimeout))
	env, err := l.read()
	if err != nil {
		return env, err
	}
	if env.Type == wire.TypeError && env.Error != nil {
		return env, fmt.Errorf("router error %s: %s", env.Error.Code, env.Error.Message)
	}
	if env.Type != msgType {
		return env, fmt.Errorf("expected %s, got %s", msgType, env.Type)
	}
	return env, nil
}
