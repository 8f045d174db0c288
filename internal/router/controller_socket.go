// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package router

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/cardwire/cardwire/internal/identity"
	"github.com/cardwire/cardwire/internal/router/auth"
	"github.com/cardwire/cardwire/internal/router/transport"
	"github.com/cardwire/cardwire/internal/wire"
)

// controllerConn is the per-socket state of one controller connection.
// It is touched only from the socket's read loop; relay goroutines see
// just the sock, which serializes its own writes.
type controllerConn struct {
	sk        *sock
	phase     phase
	peerID    string
	challenge string
	token     string
	cardhost  string
	reg       *transport.Conn
}

func (s *Server) handleControllerSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("controller upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.socketWg.Add(1)
	defer s.socketWg.Done()
	s.trackConn(conn)
	defer s.untrackConn(conn)

	st := &controllerConn{sk: newSock(conn, s.config.WriteTimeout)}
	defer s.teardownController(st)

	s.log.Debug("controller socket open", "remote", r.RemoteAddr)
	s.readSocket(st.sk, func(env wire.Envelope) loopAction {
		return s.dispatchController(st, env)
	})
}

// teardownController runs when a controller socket ends for any reason.
// The authenticated flag is cleared only when this socket still owned its
// registration: a displaced socket must not revoke the replacement's
// state.
func (s *Server) teardownController(st *controllerConn) {
	owned := st.reg == nil || s.transport.UnregisterController(st.token, st.reg)
	if owned && st.phase != phaseAuthenticating {
		s.controllerAuth.Disconnect(st.peerID)
		s.log.Info("controller disconnected", "peer", st.peerID)
	}
	st.sk.closeWith(websocket.CloseNormalClosure, "")
}

func (s *Server) dispatchController(st *controllerConn, env wire.Envelope) loopAction {
	switch env.Type {
	case wire.TypeAuthInit:
		return s.controllerAuthInit(st, env)
	case wire.TypeAuthVerify:
		return s.controllerAuthVerify(st, env)
	case wire.TypeConnectCardhost:
		return s.controllerConnect(st, env)
	case wire.TypeRPCRequest:
		return s.controllerRelay(st, env)
	case wire.TypePing:
		if st.phase == phaseAuthenticating {
			st.sk.invalidPhase(env.Type, st.phase)
			return actionContinue
		}
		_ = st.sk.send(wire.Envelope{Type: wire.TypePong})
		return actionContinue
	case wire.TypeAuthChallenge, wire.TypeAuthSuccess, wire.TypeConnected,
		wire.TypeControllerConnected, wire.TypeRPCResponse, wire.TypeRPCEvent,
		wire.TypePong, wire.TypeError:
		st.sk.invalidPhase(env.Type, st.phase)
		return actionContinue
	default:
		st.sk.sendError(wire.CodeUnknownMessage, fmt.Sprintf("unknown message type %q", env.Type))
		return actionContinue
	}
}

func (s *Server) controllerAuthInit(st *controllerConn, env wire.Envelope) loopAction {
	if st.phase != phaseAuthenticating {
		st.sk.invalidPhase(env.Type, st.phase)
		return actionContinue
	}
	key, err := identity.DecodePublicKey(env.PublicKey)
	if err != nil {
		s.metrics.authFailures.Inc()
		st.sk.sendError(wire.CodeAuthFailed, "invalid public key")
		st.sk.closeWith(websocket.ClosePolicyViolation, "authentication failed")
		return actionStop
	}
	peerID, challenge, err := s.controllerAuth.Initiate(key)
	if err != nil {
		s.log.Error("challenge generation failed", "error", err)
		st.sk.sendError(wire.CodeInternalError, "internal error")
		st.sk.closeWith(websocket.CloseInternalServerErr, "internal error")
		return actionStop
	}
	st.peerID = peerID
	st.challenge = challenge
	_ = st.sk.send(wire.Envelope{
		Type:         wire.TypeAuthChallenge,
		ControllerID: peerID,
		Challenge:    challenge,
	})
	return actionContinue
}

func (s *Server) controllerAuthVerify(st *controllerConn, env wire.Envelope) loopAction {
	if st.phase != phaseAuthenticating {
		st.sk.invalidPhase(env.Type, st.phase)
		return actionContinue
	}
	if err := s.verifyPeer(s.controllerAuth, st.peerID, st.challenge, env.Signature); err != nil {
		s.metrics.authFailures.Inc()
		s.log.Info("controller authentication failed", "peer", st.peerID, "error", err)
		st.sk.sendError(wire.CodeAuthFailed, "authentication failed")
		st.sk.closeWith(websocket.ClosePolicyViolation, "authentication failed")
		return actionStop
	}
	st.phase = phaseConnecting
	s.log.Info("controller authenticated", "peer", st.peerID)
	_ = st.sk.send(wire.Envelope{Type: wire.TypeAuthSuccess, ControllerID: st.peerID})
	return actionContinue
}

// verifyPeer decodes the presented signature and checks it against the
// challenge this socket was issued.
func (s *Server) verifyPeer(svc *auth.Service, peerID, challenge, signature string) error {
	sig, err := identity.DecodeSignature(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	return svc.Verify(peerID, challenge, sig)
}

func (s *Server) controllerConnect(st *controllerConn, env wire.Envelope) loopAction {
	if st.phase != phaseConnecting {
		st.sk.invalidPhase(env.Type, st.phase)
		return actionContinue
	}
	cardhostID := env.CardhostUUID
	if !s.transport.CardhostConnected(cardhostID) {
		st.sk.sendError(wire.CodeCardhostOffline, "cardhost is not connected")
		return actionContinue
	}

	sess, err := s.sessions.Create(st.peerID)
	if err != nil {
		s.log.Error("session creation failed", "peer", st.peerID, "error", err)
		st.sk.sendError(wire.CodeInternalError, "internal error")
		st.sk.closeWith(websocket.CloseInternalServerErr, "internal error")
		return actionStop
	}
	superseded, err := s.sessions.Associate(sess.Token, cardhostID)
	if err != nil {
		s.sessions.Revoke(sess.Token)
		s.log.Error("session association failed", "peer", st.peerID, "error", err)
		st.sk.sendError(wire.CodeInternalError, "internal error")
		st.sk.closeWith(websocket.CloseInternalServerErr, "internal error")
		return actionStop
	}
	if superseded != "" {
		s.transport.DropController(superseded)
	}

	st.token = sess.Token
	st.cardhost = cardhostID
	st.reg = s.transport.RegisterController(sess.Token, st.sk.send, func() {
		st.sk.closeWith(websocket.CloseNormalClosure, "superseded")
	})

	// One-shot nudge so the cardhost can bring up its card stack before
	// the first request. Best effort; relay errors surface later anyway.
	if err := s.transport.SendToCardhost(cardhostID, wire.Envelope{Type: wire.TypeControllerConnected}); err != nil {
		s.log.Debug("controller-connected notify failed", "cardhost", cardhostID, "error", err)
	}

	st.phase = phaseRPC
	s.log.Info("relay session established", "controller", st.peerID, "cardhost", cardhostID)
	_ = st.sk.send(wire.Envelope{Type: wire.TypeConnected, CardhostUUID: cardhostID})
	return actionContinue
}

func (s *Server) controllerRelay(st *controllerConn, env wire.Envelope) loopAction {
	switch st.phase {
	case phaseAuthenticating:
		st.sk.invalidPhase(env.Type, st.phase)
		return actionContinue
	case phaseConnecting:
		st.sk.sendRequestError(env.ID, wire.CodeNoRelaySession, "no relay session, connect-cardhost first")
		return actionContinue
	}
	if _, ok := s.sessions.Validate(st.token); !ok {
		st.sk.sendRequestError(env.ID, wire.CodeNoRelaySession, "relay session expired")
		return actionContinue
	}

	// Rebuild the envelope so only the relay fields travel on.
	request := wire.Envelope{Type: wire.TypeRPCRequest, ID: env.ID, Payload: env.Payload}
	pending, err := s.transport.RelayToCardhost(st.cardhost, request)
	if err != nil {
		s.relayFailed(st.sk, env.ID, err)
		return actionContinue
	}
	s.metrics.relayRequests.Inc()
	s.sessions.Touch(st.token)

	// Await off the read loop so slow cards do not serialize the socket.
	// Responses correlate by id, not by order.
	s.socketWg.Add(1)
	go func() {
		defer s.socketWg.Done()
		resp, err := pending.Await()
		if err != nil {
			s.relayFailed(st.sk, env.ID, err)
			return
		}
		_ = st.sk.send(wire.Envelope{Type: wire.TypeRPCResponse, ID: resp.ID, Payload: resp.Payload})
	}()
	return actionContinue
}

// relayFailed answers a failed relay with the in-band error envelope the
// controller sees. The socket stays open in every case.
func (s *Server) relayFailed(sk *sock, id string, err error) {
	var code, message string
	switch {
	case errors.Is(err, transport.ErrBadRequest):
		code, message = wire.CodeUnknownMessage, "rpc-request requires a string id"
	case errors.Is(err, transport.ErrDuplicateRequestID):
		code, message = wire.CodeDuplicateRequestID, "request id already pending"
	case errors.Is(err, transport.ErrRelayTimeout):
		code, message = wire.CodeTimeout, "RPC relay timeout"
		s.metrics.relayTimeouts.Inc()
	case errors.Is(err, transport.ErrSendFailed):
		code, message = wire.CodeSendFailed, "could not deliver request to cardhost"
	case errors.Is(err, transport.ErrCardhostGone):
		code, message = wire.CodeCardhostOffline, "cardhost disconnected"
	case errors.Is(err, transport.ErrShuttingDown):
		code, message = wire.CodeCardhostOffline, "router shutting down"
	default:
		code, message = wire.CodeInternalError, "relay failed"
	}
	s.metrics.relayFailures.WithLabelValues(code).Inc()
	sk.sendRequestError(id, code, message)
}
