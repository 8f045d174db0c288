// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package wire

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	frame := []byte(`{"type":"rpc-request","id":"r1","payload":{"hex":"00A40400"},"futureField":42}`)

	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.Type != TypeRPCRequest {
		t.Errorf("Type = %q, want %q", env.Type, TypeRPCRequest)
	}
	if env.ID != "r1" {
		t.Errorf("ID = %q, want r1", env.ID)
	}
	if !bytes.Equal(env.Payload, []byte(`{"hex":"00A40400"}`)) {
		t.Errorf("Payload = %s, want original bytes", env.Payload)
	}
}

func TestDecodeRejectsNonObject(t *testing.T) {
	for _, frame := range []string{`"ping"`, `[1,2,3]`, `not json`} {
		if _, err := Decode([]byte(frame)); err == nil {
			t.Errorf("Decode(%s) succeeded, want error", frame)
		}
	}
}

func TestPayloadRelayedVerbatim(t *testing.T) {
	// The router must not reserialize payloads: field order and number
	// formatting have to survive a decode/encode round trip.
	frame := []byte(`{"type":"rpc-response","id":"r9","payload":{"sw":36864,"hex":"CAFE"}}`)

	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	out, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Contains(out, []byte(`"payload":{"sw":36864,"hex":"CAFE"}`)) {
		t.Errorf("payload was reserialized: %s", out)
	}
}

func TestEncodeOmitsUnusedFields(t *testing.T) {
	out, err := json.Marshal(Envelope{Type: TypePong})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(out) != `{"type":"pong"}` {
		t.Errorf("pong frame = %s, want bare type", out)
	}
}

func TestNewRequestError(t *testing.T) {
	env := NewRequestError("r1", CodeTimeout, "RPC relay timeout")

	if env.Type != TypeError {
		t.Errorf("Type = %q, want error", env.Type)
	}
	if env.ID != "r1" {
		t.Errorf("ID = %q, want r1", env.ID)
	}
	if env.Error == nil || env.Error.Code != CodeTimeout {
		t.Fatalf("Error detail = %+v, want code TIMEOUT", env.Error)
	}

	out, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"type":"error","id":"r1","error":{"code":"TIMEOUT","message":"RPC relay timeout"}}`
	if string(out) != want {
		t.Errorf("encoded = %s, want %s", out, want)
	}
}
