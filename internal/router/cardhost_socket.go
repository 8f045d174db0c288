// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package router

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/cardwire/cardwire/internal/identity"
	"github.com/cardwire/cardwire/internal/router/transport"
	"github.com/cardwire/cardwire/internal/wire"
)

// cardhostConn is the per-socket state of one cardhost connection. A
// cardhost has no connecting step: it goes straight from authenticating
// to rpc, at which point it is registered for relaying.
type cardhostConn struct {
	sk        *sock
	phase     phase
	peerID    string
	challenge string
	reg       *transport.Conn
}

func (s *Server) handleCardhostSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("cardhost upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.socketWg.Add(1)
	defer s.socketWg.Done()
	s.trackConn(conn)
	defer s.untrackConn(conn)

	st := &cardhostConn{sk: newSock(conn, s.config.WriteTimeout)}
	defer s.teardownCardhost(st)

	s.log.Debug("cardhost socket open", "remote", r.RemoteAddr)
	s.readSocket(st.sk, func(env wire.Envelope) loopAction {
		return s.dispatchCardhost(st, env)
	})
}

// teardownCardhost runs when a cardhost socket ends. Unregistering fails
// every pending request bound for this cardhost, so waiting controllers
// hear CARDHOST_OFFLINE promptly instead of at their deadline. A socket
// displaced by a re-registration owns nothing and tears down nothing.
func (s *Server) teardownCardhost(st *cardhostConn) {
	owned := st.reg == nil || s.transport.UnregisterCardhost(st.peerID, st.reg)
	if owned && st.phase == phaseRPC {
		s.cardhostAuth.Disconnect(st.peerID)
		s.log.Info("cardhost disconnected", "peer", st.peerID)
	}
	st.sk.closeWith(websocket.CloseNormalClosure, "")
}

func (s *Server) dispatchCardhost(st *cardhostConn, env wire.Envelope) loopAction {
	switch env.Type {
	case wire.TypeAuthInit:
		return s.cardhostAuthInit(st, env)
	case wire.TypeAuthVerify:
		return s.cardhostAuthVerify(st, env)
	case wire.TypeRPCResponse:
		if st.phase != phaseRPC {
			st.sk.invalidPhase(env.Type, st.phase)
			return actionContinue
		}
		// Late and unsolicited responses are dropped inside the
		// transport; nothing to answer here either way.
		s.transport.HandleCardhostIncoming(st.peerID, wire.Envelope{
			Type:    wire.TypeRPCResponse,
			ID:      env.ID,
			Payload: env.Payload,
		})
		return actionContinue
	case wire.TypeRPCEvent:
		if st.phase != phaseRPC {
			st.sk.invalidPhase(env.Type, st.phase)
			return actionContinue
		}
		// Reserved. Counted so operators can tell when a cardhost build
		// starts emitting events before fan-out exists.
		s.metrics.rpcEvents.Inc()
		s.log.Debug("rpc-event received", "peer", st.peerID)
		return actionContinue
	case wire.TypePing:
		if st.phase != phaseRPC {
			st.sk.invalidPhase(env.Type, st.phase)
			return actionContinue
		}
		_ = st.sk.send(wire.Envelope{Type: wire.TypePong})
		return actionContinue
	case wire.TypeAuthChallenge, wire.TypeAuthSuccess, wire.TypeConnectCardhost,
		wire.TypeConnected, wire.TypeControllerConnected, wire.TypeRPCRequest,
		wire.TypePong, wire.TypeError:
		st.sk.invalidPhase(env.Type, st.phase)
		return actionContinue
	default:
		st.sk.sendError(wire.CodeUnknownMessage, fmt.Sprintf("unknown message type %q", env.Type))
		return actionContinue
	}
}

func (s *Server) cardhostAuthInit(st *cardhostConn, env wire.Envelope) loopAction {
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
	peerID, challenge, err := s.cardhostAuth.Initiate(key)
	if err != nil {
		s.log.Error("challenge generation failed", "error", err)
		st.sk.sendError(wire.CodeInternalError, "internal error")
		st.sk.closeWith(websocket.CloseInternalServerErr, "internal error")
		return actionStop
	}
	st.peerID = peerID
	st.challenge = challenge
	_ = st.sk.send(wire.Envelope{
		Type:      wire.TypeAuthChallenge,
		UUID:      peerID,
		Challenge: challenge,
	})
	return actionContinue
}

func (s *Server) cardhostAuthVerify(st *cardhostConn, env wire.Envelope) loopAction {
	if st.phase != phaseAuthenticating {
		st.sk.invalidPhase(env.Type, st.phase)
		return actionContinue
	}
	if err := s.verifyPeer(s.cardhostAuth, st.peerID, st.challenge, env.Signature); err != nil {
		s.metrics.authFailures.Inc()
		s.log.Info("cardhost authentication failed", "peer", st.peerID, "error", err)
		st.sk.sendError(wire.CodeAuthFailed, "authentication failed")
		st.sk.closeWith(websocket.ClosePolicyViolation, "authentication failed")
		return actionStop
	}
	st.phase = phaseRPC

	// Register before announcing success so a controller that races the
	// announcement still finds the sink.
	st.reg = s.transport.RegisterCardhost(st.peerID, st.sk.send, func() {
		st.sk.closeWith(websocket.CloseNormalClosure, "replaced")
	})
	s.log.Info("cardhost authenticated", "peer", st.peerID)
	_ = st.sk.send(wire.Envelope{Type: wire.TypeAuthSuccess, UUID: st.peerID})
	return actionContinue
}
