// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package controller implements the controller side of the fabric: a
// WebSocket client that authenticates against the router, binds one
// cardhost, and issues relayed RPC requests with client-chosen unique ids.
package controller

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cardwire/cardwire/internal/identity"
	"github.com/cardwire/cardwire/internal/wire"
)

const (
	writeTimeout = 10 * time.Second
	// controlTimeout bounds each handshake step. The router answers
	// handshake messages immediately, so a slow reply means trouble.
	controlTimeout = 10 * time.Second
)

// ErrClosed means the connection to the router is gone; callers should
// dial a fresh client.
var ErrClosed = errors.New("controller connection closed")

// RouterError is an in-band error envelope answered by the router. The
// Code holds one of the protocol's stable error identifiers, such as
// CARDHOST_OFFLINE or TIMEOUT.
type RouterError struct {
	Code    string
	Message string
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("router error %s: %s", e.Code, e.Message)
}

type result struct {
	env wire.Envelope
	err error
}

// Client is one controller connection. A read pump owns the socket;
// Request may be called concurrently once the session is bound, with
// responses correlated back by id.
type Client struct {
	log  *slog.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	// ctrlMu serializes control exchanges (handshake steps and pings),
	// which are strict request/reply pairs on the protocol.
	ctrlMu  sync.Mutex
	control chan wire.Envelope

	mu           sync.Mutex
	pending      map[string]chan result
	failure      error // set once the pump dies
	controllerID string
	cardhostID   string

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the router's controller endpoint and starts the read
// pump. The returned client still has to Authenticate and ConnectCardhost
// before it can Request.
func Dial(ctx context.Context, routerURL string, log *slog.Logger) (*Client, error) {
	wsURL, err := wire.WebSocketURL(routerURL, wire.PathController)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	dialer := &websocket.Dialer{HandshakeTimeout: controlTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := &Client{
		log:     log,
		conn:    conn,
		control: make(chan wire.Envelope, 8),
		pending: make(map[string]chan result),
		done:    make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

// Close tears the connection down. In-flight Requests fail with ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeTimeout)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.conn.Close()
	})
	<-c.done
	return nil
}

// ControllerID returns the router-derived identity, available after
// Authenticate succeeds.
func (c *Client) ControllerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controllerID
}

// Authenticate proves possession of the private key: auth-init, sign the
// returned challenge, auth-verify. Returns the derived controller id.
func (c *Client) Authenticate(ctx context.Context, priv ed25519.PrivateKey) (string, error) {
	spki, err := identity.PublicKeySPKI(priv)
	if err != nil {
		return "", fmt.Errorf("encode public key: %w", err)
	}

	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	if err := c.send(wire.Envelope{Type: wire.TypeAuthInit, PublicKey: identity.EncodePublicKey(spki)}); err != nil {
		return "", err
	}
	ch, err := c.awaitControl(ctx, wire.TypeAuthChallenge)
	if err != nil {
		return "", fmt.Errorf("auth-init: %w", err)
	}
	if want := identity.DerivePeerID(spki); ch.ControllerID != want {
		return "", fmt.Errorf("router derived unexpected identity %q, want %q", ch.ControllerID, want)
	}

	if err := c.send(wire.Envelope{Type: wire.TypeAuthVerify, Signature: identity.Sign(priv, ch.Challenge)}); err != nil {
		return "", err
	}
	ok, err := c.awaitControl(ctx, wire.TypeAuthSuccess)
	if err != nil {
		return "", fmt.Errorf("auth-verify: %w", err)
	}

	c.mu.Lock()
	c.controllerID = ok.ControllerID
	c.mu.Unlock()
	return ok.ControllerID, nil
}

// ConnectCardhost binds this controller to the target cardhost and waits
// for the router's confirmation. Must follow Authenticate.
func (c *Client) ConnectCardhost(ctx context.Context, cardhostID string) error {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	if err := c.send(wire.Envelope{Type: wire.TypeConnectCardhost, CardhostUUID: cardhostID}); err != nil {
		return err
	}
	env, err := c.awaitControl(ctx, wire.TypeConnected)
	if err != nil {
		return fmt.Errorf("connect-cardhost: %w", err)
	}
	if env.CardhostUUID != cardhostID {
		return fmt.Errorf("router bound %q, want %q", env.CardhostUUID, cardhostID)
	}

	c.mu.Lock()
	c.cardhostID = cardhostID
	c.mu.Unlock()
	return nil
}

// CardhostID returns the bound cardhost, available after ConnectCardhost.
func (c *Client) CardhostID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cardhostID
}

// Request relays one opaque payload to the bound cardhost and blocks for
// the correlated response. Each call chooses a fresh id, so concurrent
// requests never collide. An in-band error envelope for the request
// surfaces as a *RouterError.
func (c *Client) Request(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.failure != nil {
		err := c.failure
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(wire.Envelope{Type: wire.TypeRPCRequest, ID: id, Payload: payload}); err != nil {
		c.withdraw(id)
		return nil, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.env.Type == wire.TypeError {
			detail := r.env.Error
			if detail == nil {
				detail = &wire.ErrorDetail{Code: wire.CodeInternalError, Message: "error envelope without detail"}
			}
			return nil, &RouterError{Code: detail.Code, Message: detail.Message}
		}
		return r.env.Payload, nil
	case <-ctx.Done():
		c.withdraw(id)
		return nil, ctx.Err()
	}
}

// Ping round-trips a keepalive. Valid any time after Authenticate.
func (c *Client) Ping(ctx context.Context) error {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	if err := c.send(wire.Envelope{Type: wire.TypePing}); err != nil {
		return err
	}
	_, err := c.awaitControl(ctx, wire.TypePong)
	return err
}

func (c *Client) send(env wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

// awaitControl waits for the next control frame and requires the given
// type. An error envelope in a control exchange is terminal for the
// handshake and surfaces as *RouterError.
func (c *Client) awaitControl(ctx context.Context, msgType string) (wire.Envelope, error) {
	timer := time.NewTimer(controlTimeout)
	defer timer.Stop()

	select {
	case env := <-c.control:
		if env.Type == wire.TypeError {
			detail := env.Error
			if detail == nil {
				detail = &wire.ErrorDetail{Code: wire.CodeInternalError, Message: "error envelope without detail"}
			}
			return env, &RouterError{Code: detail.Code, Message: detail.Message}
		}
		if env.Type != msgType {
			return env, fmt.Errorf("expected %s, got %s", msgType, env.Type)
		}
		return env, nil
	case <-c.done:
		return wire.Envelope{}, c.failureErr()
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	case <-timer.C:
		return wire.Envelope{}, fmt.Errorf("no %s from router within %s", msgType, controlTimeout)
	}
}

// readPump owns the socket's read side: responses and request-scoped
// errors resolve the pending map, everything else feeds the control
// channel. When the socket dies, every waiter fails with ErrClosed.
func (c *Client) readPump() {
	defer close(c.done)
	for {
		var env wire.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.failAll(err)
			return
		}
		switch env.Type {
		case wire.TypeRPCResponse:
			c.resolve(env.ID, env)
		case wire.TypeError:
			if env.ID != "" {
				c.resolve(env.ID, env)
				continue
			}
			select {
			case c.control <- env:
			default:
				c.log.Warn("dropping unsolicited router error", "error", env.Error)
			}
		case wire.TypeRPCEvent:
			// Reserved; the router does not forward these yet.
		default:
			select {
			case c.control <- env:
			default:
				c.log.Debug("dropping unexpected frame", "type", env.Type)
			}
		}
	}
}

// resolve completes the pending request for id, dropping frames nobody is
// waiting for (a response after the caller's context expired).
func (c *Client) resolve(id string, env wire.Envelope) {
	c.mu.Lock()
	ch := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if ch == nil {
		c.log.Debug("dropping unmatched response", "id", id)
		return
	}
	ch <- result{env: env}
}

func (c *Client) withdraw(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failAll marks the connection dead and completes every waiter.
func (c *Client) failAll(cause error) {
	err := ErrClosed
	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = fmt.Errorf("%w: %s", ErrClosed, cause)
	}

	c.mu.Lock()
	c.failure = err
	victims := make([]chan result, 0, len(c.pending))
	for id, ch := range c.pending {
		delete(c.pending, id)
		victims = append(victims, ch)
	}
	c.mu.Unlock()

	for _, ch := range victims {
		ch <- result{err: err}
	}
}

func (c *Client) failureErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure != nil {
		return c.failure
	}
	return ErrClosed
}
