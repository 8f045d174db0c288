// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package wire defines the JSON message envelope exchanged over the
// controller and cardhost WebSocket endpoints, together with the message
// type and error code catalogue. Every frame is one JSON object; unknown
// fields are ignored on decode so peers can extend messages without
// breaking older routers.
package wire

import "encoding/json"

// Message types accepted or emitted by the router. The strings are part of
// the public protocol and must not change.
const (
	TypeAuthInit            = "auth-init"
	TypeAuthChallenge       = "auth-challenge"
	TypeAuthVerify          = "auth-verify"
	TypeAuthSuccess         = "auth-success"
	TypeConnectCardhost     = "connect-cardhost"
	TypeConnected           = "connected"
	TypeControllerConnected = "controller-connected"
	TypeRPCRequest          = "rpc-request"
	TypeRPCResponse         = "rpc-response"
	TypeRPCEvent            = "rpc-event"
	TypePing                = "ping"
	TypePong                = "pong"
	TypeError               = "error"
)

// Error codes carried inside error envelopes. Stable API.
const (
	CodeInvalidPhase       = "INVALID_PHASE"
	CodeAuthFailed         = "AUTH_FAILED"
	CodeNoRelaySession     = "NO_RELAY_SESSION"
	CodeCardhostOffline    = "CARDHOST_OFFLINE"
	CodeDuplicateRequestID = "DUPLICATE_REQUEST_ID"
	CodeTimeout            = "TIMEOUT"
	CodeSendFailed         = "SEND_FAILED"
	CodeUnknownMessage     = "UNKNOWN_MESSAGE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Envelope is the single frame shape for every protocol message. Fields are
// a union across all message types; encoding omits the ones a given type
// does not use. Payload is opaque to the router and relayed byte for byte.
type Envelope struct {
	Type         string          `json:"type"`
	ID           string          `json:"id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PublicKey    string          `json:"publicKey,omitempty"`
	Challenge    string          `json:"challenge,omitempty"`
	Signature    string          `json:"signature,omitempty"`
	ControllerID string          `json:"controllerId,omitempty"`
	UUID         string          `json:"uuid,omitempty"`
	CardhostUUID string          `json:"cardhostUuid,omitempty"`
	Error        *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail is the code/message pair inside an error envelope.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds an error envelope that is not tied to a request.
func NewError(code, message string) Envelope {
	return Envelope{
		Type:  TypeError,
		Error: &ErrorDetail{Code: code, Message: message},
	}
}

// NewRequestError builds an error envelope answering a specific rpc-request.
func NewRequestError(id, code, message string) Envelope {
	env := NewError(code, message)
	env.ID = id
	return env
}

// Decode parses one frame into an Envelope. Unknown fields are ignored;
// anything that is not a JSON object fails.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
