// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package router

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cardwire/cardwire/internal/wire"
)

// maxFrameBytes bounds a single inbound frame. Relay payloads are small
// (APDUs run to a few hundred bytes) but opaque, so leave headroom.
const maxFrameBytes = 1 << 20

// phase is the position of a socket in its lifecycle. Controllers advance
// authenticating, connecting, rpc; cardhosts skip the connecting step.
// Transitions are one-way.
type phase int

const (
	phaseAuthenticating phase = iota
	phaseConnecting
	phaseRPC
)

func (p phase) String() string {
	switch p {
	case phaseAuthenticating:
		return "authenticating"
	case phaseConnecting:
		return "connecting"
	case phaseRPC:
		return "rpc"
	default:
		return "unknown"
	}
}

// loopAction tells the read loop whether to keep going after a message.
type loopAction int

const (
	actionContinue loopAction = iota
	actionStop
)

// sock wraps one WebSocket connection with serialized, deadline-bounded
// writes. Response envelopes arrive from relay goroutines concurrently
// with replies from the dispatch path, so every write goes through send.
type sock struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSock(conn *websocket.Conn, writeTimeout time.Duration) *sock {
	return &sock{conn: conn, writeTimeout: writeTimeout}
}

// send writes one envelope as a text frame. A write that cannot finish
// within the write timeout fails, and the caller should treat the
// connection as gone.
func (s *sock) send(env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", env.Type, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// sendError reports a protocol error not tied to a request. Write errors
// are dropped on purpose: a peer that cannot receive the error envelope
// is already gone.
func (s *sock) sendError(code, message string) {
	_ = s.send(wire.NewError(code, message))
}

// sendRequestError reports a protocol error carrying the request id it
// answers.
func (s *sock) sendRequestError(id, code, message string) {
	_ = s.send(wire.NewRequestError(id, code, message))
}

// invalidPhase rejects a known message type arriving outside its phase.
// The socket stays open.
func (s *sock) invalidPhase(msgType string, p phase) {
	s.sendError(wire.CodeInvalidPhase, fmt.Sprintf("%s not allowed in %s phase", msgType, p))
}

// closeWith sends a close frame with the given status code and tears the
// connection down. Safe to call more than once; later calls are no-ops.
func (s *sock) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(s.writeTimeout)
		s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		s.conn.Close()
	})
}

// readSocket pumps frames from the socket into dispatch until the peer
// goes away or dispatch asks to stop. Binary frames and frames that do
// not decode as a JSON object are answered with UNKNOWN_MESSAGE and the
// socket stays open.
func (s *Server) readSocket(sk *sock, dispatch func(wire.Envelope) loopAction) {
	sk.conn.SetReadLimit(maxFrameBytes)
	for {
		msgType, data, err := sk.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("socket read ended", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			sk.sendError(wire.CodeUnknownMessage, "binary frames are not supported")
			continue
		}
		env, err := wire.Decode(data)
		if err != nil {
			sk.sendError(wire.CodeUnknownMessage, "malformed message")
			continue
		}
		if s.dispatchSafely(sk, dispatch, env) == actionStop {
			return
		}
	}
}

// dispatchSafely runs dispatch under a panic guard. A panic while handling
// one message is reported as INTERNAL_ERROR and closes the socket with
// 1011 instead of taking the server down; the Recoverer middleware never
// sees hijacked connections, so the guard lives here.
func (s *Server) dispatchSafely(sk *sock, dispatch func(wire.Envelope) loopAction, env wire.Envelope) (action loopAction) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic handling message", "type", env.Type, "panic", r)
			sk.sendError(wire.CodeInternalError, "internal error")
			sk.closeWith(websocket.CloseInternalServerErr, "internal error")
			action = actionStop
		}
	}()
	return dispatch(env)
}
