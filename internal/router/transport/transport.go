// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package transport owns the live socket registry and the pending-request
// table that correlates controller rpc-requests with cardhost
// rpc-responses. It never inspects payloads; the outer envelope id is the
// only thing it keys on.
package transport

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cardwire/cardwire/internal/wire"
)

// Relay failure modes surfaced to the socket handlers.
var (
	ErrBadRequest         = errors.New("rpc-request requires a string id")
	ErrDuplicateRequestID = errors.New("duplicate request id")
	ErrCardhostGone       = errors.New("cardhost not connected")
	ErrControllerGone     = errors.New("controller not connected")
	ErrRelayTimeout       = errors.New("rpc relay timeout")
	ErrSendFailed         = errors.New("write to cardhost failed")
	ErrShuttingDown       = errors.New("transport shutting down")
)

// Sink delivers one envelope to a peer's socket. Implementations serialize
// their own writes; the transport calls sinks outside its lock.
type Sink func(wire.Envelope) error

// Conn is one registered socket. Registrations are compared by pointer so
// a displaced socket's teardown can never evict its replacement.
type Conn struct {
	sink        Sink
	connectedAt time.Time
	lastActive  atomic.Int64 // unix nanoseconds

	closeOnce   sync.Once
	closeSocket func()
}

func newConn(sink Sink, closeSocket func()) *Conn {
	c := &Conn{sink: sink, connectedAt: time.Now(), closeSocket: closeSocket}
	c.touch()
	return c
}

func (c *Conn) touch() { c.lastActive.Store(time.Now().UnixNano()) }

// ConnectedAt reports when the socket registered.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// LastActive reports the last time the transport moved traffic on the
// socket.
func (c *Conn) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		if c.closeSocket != nil {
			c.closeSocket()
		}
	})
}

type pendingKey struct {
	cardhostID string
	requestID  string
}

type result struct {
	env wire.Envelope
	err error
}

// Pending is one in-flight relayed request. Exactly one completion is
// delivered: the matching response, a timeout, cardhost loss, or shutdown.
type Pending struct {
	t        *Transport
	key      pendingKey
	deadline time.Time
	ch       chan result
}

// Await blocks until the request completes. On timeout the pending entry
// is withdrawn; if a response wins the race with the deadline, the
// response is returned.
func (p *Pending) Await() (wire.Envelope, error) {
	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	select {
	case r := <-p.ch:
		return r.env, r.err
	case <-timer.C:
		if p.t.take(p.key) != nil {
			return wire.Envelope{}, ErrRelayTimeout
		}
		// A resolver removed the entry first and owns the completion.
		r := <-p.ch
		return r.env, r.err
	}
}

// Transport tracks controller and cardhost connections plus in-flight
// relay requests.
type Transport struct {
	log          *slog.Logger
	relayTimeout time.Duration

	mu          sync.Mutex
	stopped     bool
	controllers map[string]*Conn // by session token
	cardhosts   map[string]*Conn // by peer id
	pending     map[pendingKey]*Pending
}

// New creates a transport whose relayed requests time out after
// relayTimeout. The timeout is uniform across all pending requests.
func New(relayTimeout time.Duration, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		log:          log,
		relayTimeout: relayTimeout,
		controllers:  make(map[string]*Conn),
		cardhosts:    make(map[string]*Conn),
		pending:      make(map[pendingKey]*Pending),
	}
}

// =============================================================================
// Connection registry
// =============================================================================

// RegisterController installs the controller sink for a session token.
// A previous registration under the same token is replaced and its socket
// closed.
func (t *Transport) RegisterController(token string, sink Sink, closeSocket func()) *Conn {
	c := newConn(sink, closeSocket)
	t.mu.Lock()
	old := t.controllers[token]
	t.controllers[token] = c
	t.mu.Unlock()

	if old != nil {
		t.log.Debug("replacing controller connection", "token", token)
		old.close()
	}
	return c
}

// UnregisterController removes the controller registration, but only if it
// still belongs to the given connection. It reports whether the
// registration was removed; false means the connection had already been
// replaced or dropped.
func (t *Transport) UnregisterController(token string, c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.controllers[token] != c {
		return false
	}
	delete(t.controllers, token)
	return true
}

// DropController closes and removes the controller registered under token,
// if any. Used when a session is revoked out from under its connection.
func (t *Transport) DropController(token string) {
	t.mu.Lock()
	c := t.controllers[token]
	delete(t.controllers, token)
	t.mu.Unlock()

	if c != nil {
		c.close()
	}
}

// RegisterCardhost installs the cardhost sink for a peer ID. A previous
// registration under the same ID is replaced and its socket closed;
// requests already relayed to the old socket run into their timeout.
func (t *Transport) RegisterCardhost(peerID string, sink Sink, closeSocket func()) *Conn {
	c := newConn(sink, closeSocket)
	t.mu.Lock()
	old := t.cardhosts[peerID]
	t.cardhosts[peerID] = c
	t.mu.Unlock()

	if old != nil {
		t.log.Info("replacing cardhost connection", "cardhost", peerID)
		old.close()
	}
	return c
}

// UnregisterCardhost removes the cardhost registration if it still belongs
// to the given connection, and fails every pending request bound for that
// cardhost. It reports whether the registration was removed; false means
// the connection had already been replaced, and the replacement's pending
// requests must survive.
func (t *Transport) UnregisterCardhost(peerID string, c *Conn) bool {
	t.mu.Lock()
	if t.cardhosts[peerID] != c {
		t.mu.Unlock()
		return false
	}
	delete(t.cardhosts, peerID)
	victims := t.removePendingLocked(peerID)
	t.mu.Unlock()

	for _, p := range victims {
		p.ch <- result{err: ErrCardhostGone}
	}
	if len(victims) > 0 {
		t.log.Info("failed pending requests for departed cardhost",
			"cardhost", peerID, "count", len(victims))
	}
	return true
}

// removePendingLocked detaches all pending requests for one cardhost.
// Caller holds t.mu.
func (t *Transport) removePendingLocked(cardhostID string) []*Pending {
	var victims []*Pending
	for k, p := range t.pending {
		if k.cardhostID == cardhostID {
			delete(t.pending, k)
			victims = append(victims, p)
		}
	}
	return victims
}

// CardhostConnected reports whether the cardhost has a live socket.
func (t *Transport) CardhostConnected(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cardhosts[peerID] != nil
}

// ControllerCount reports live controller connections.
func (t *Transport) ControllerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.controllers)
}

// CardhostCount reports live cardhost connections.
func (t *Transport) CardhostCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cardhosts)
}

// PendingCount reports in-flight relayed requests.
func (t *Transport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// =============================================================================
// Relay
// =============================================================================

// RelayToCardhost forwards an rpc-request to the cardhost and installs the
// waiter that its response will complete. The duplicate check and the
// forward happen synchronously in the caller's read loop, so request order
// and duplicate detection are deterministic per controller; awaiting the
// response happens wherever the caller likes.
func (t *Transport) RelayToCardhost(cardhostID string, env wire.Envelope) (*Pending, error) {
	if env.ID == "" {
		return nil, ErrBadRequest
	}
	key := pendingKey{cardhostID: cardhostID, requestID: env.ID}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil, ErrShuttingDown
	}
	host := t.cardhosts[cardhostID]
	if host == nil {
		t.mu.Unlock()
		return nil, ErrCardhostGone
	}
	if _, dup := t.pending[key]; dup {
		t.mu.Unlock()
		return nil, ErrDuplicateRequestID
	}
	p := &Pending{
		t:        t,
		key:      key,
		deadline: time.Now().Add(t.relayTimeout),
		ch:       make(chan result, 1),
	}
	t.pending[key] = p
	t.mu.Unlock()

	if err := host.sink(env); err != nil {
		t.take(key) // the waiter never runs; clean up ourselves
		t.log.Warn("relay write to cardhost failed", "cardhost", cardhostID, "id", env.ID, "error", err)
		return nil, ErrSendFailed
	}
	host.touch()
	return p, nil
}

// take withdraws a pending entry, returning nil if someone else already
// completed it. Whoever removes the entry owns its completion: never both,
// never neither.
func (t *Transport) take(key pendingKey) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pending[key]
	if p != nil {
		delete(t.pending, key)
	}
	return p
}

// HandleCardhostIncoming routes one envelope read from a cardhost socket.
// rpc-response resolves its pending request; responses nobody is waiting
// for (late, unknown, or after a timeout) are dropped silently. rpc-event
// is reserved and ignored.
func (t *Transport) HandleCardhostIncoming(cardhostID string, env wire.Envelope) {
	switch env.Type {
	case wire.TypeRPCResponse:
		if env.ID == "" {
			t.log.Debug("dropping rpc-response without id", "cardhost", cardhostID)
			return
		}
		p := t.take(pendingKey{cardhostID: cardhostID, requestID: env.ID})
		if p == nil {
			t.log.Debug("dropping unmatched rpc-response", "cardhost", cardhostID, "id", env.ID)
			return
		}
		p.ch <- result{env: env}
	case wire.TypeRPCEvent:
		// Reserved for future fan-out. Deliberately not forwarded.
	default:
		t.log.Debug("ignoring cardhost message", "cardhost", cardhostID, "type", env.Type)
	}
}

// RelayToController forwards an envelope to the controller holding the
// session. Routing is strictly by session token; there is no fallback to
// "whoever asked last".
func (t *Transport) RelayToController(token string, env wire.Envelope) error {
	t.mu.Lock()
	c := t.controllers[token]
	t.mu.Unlock()

	if c == nil {
		return ErrControllerGone
	}
	if err := c.sink(env); err != nil {
		return errors.Join(ErrControllerGone, err)
	}
	c.touch()
	return nil
}

// SendToCardhost delivers a one-off envelope (such as the
// controller-connected notification) to a cardhost outside the
// request/response path.
func (t *Transport) SendToCardhost(peerID string, env wire.Envelope) error {
	t.mu.Lock()
	c := t.cardhosts[peerID]
	t.mu.Unlock()

	if c == nil {
		return ErrCardhostGone
	}
	if err := c.sink(env); err != nil {
		return errors.Join(ErrCardhostGone, err)
	}
	c.touch()
	return nil
}

// Stop drains every pending request with a shutdown error and closes all
// registered sockets. Further relays are refused.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	var victims []*Pending
	for k, p := range t.pending {
		delete(t.pending, k)
		victims = append(victims, p)
	}
	conns := make([]*Conn, 0, len(t.controllers)+len(t.cardhosts))
	for token, c := range t.controllers {
		delete(t.controllers, token)
		conns = append(conns, c)
	}
	for id, c := range t.cardhosts {
		delete(t.cardhosts, id)
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, p := range victims {
		p.ch <- result{err: ErrShuttingDown}
	}
	for _, c := range conns {
		c.close()
	}
}
