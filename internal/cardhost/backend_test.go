// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cardhost

import (
	"context"
	"encoding/json"
	"testing"
)

func exchange(t *testing.T, m *MockBackend, hexCmd string) apduResponse {
	t.Helper()
	out, err := m.Exchange(context.Background(), json.RawMessage(`{"hex":"`+hexCmd+`"}`))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	var resp apduResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestMockBackendSelectAndRead(t *testing.T) {
	m := NewMockBackend()

	if resp := exchange(t, m, "00B0000000"); resp.SW != swNotAllowed {
		t.Fatalf("read before select: sw=%04X, want %04X", resp.SW, swNotAllowed)
	}

	if resp := exchange(t, m, "00A4040008A000000003000000"); resp.SW != swSuccess {
		t.Fatalf("select: sw=%04X", resp.SW)
	}
	if got := m.SelectedAID(); got != "A000000003000000" {
		t.Fatalf("selected AID %q, want A000000003000000", got)
	}

	resp := exchange(t, m, "00B0000000")
	if resp.SW != swSuccess {
		t.Fatalf("read after select: sw=%04X", resp.SW)
	}
	if resp.Data == "" {
		t.Fatal("read after select returned no data")
	}
}

func TestMockBackendUnknownInstruction(t *testing.T) {
	m := NewMockBackend()
	if resp := exchange(t, m, "00FF0000"); resp.SW != swInsNotSupported {
		t.Fatalf("sw=%04X, want %04X", resp.SW, swInsNotSupported)
	}
}

func TestMockBackendMalformedCommands(t *testing.T) {
	m := NewMockBackend()
	cases := []string{
		`"just a string"`,
		`{}`,
		`{"hex":"zz"}`,
		`{"hex":"00"}`,
		`{"hex":"00A404000A01"}`, // Lc longer than the data
	}
	for _, c := range cases {
		out, err := m.Exchange(context.Background(), json.RawMessage(c))
		if err != nil {
			t.Fatalf("exchange %s: %v", c, err)
		}
		var resp apduResponse
		if err := json.Unmarshal(out, &resp); err != nil {
			t.Fatalf("decode response for %s: %v", c, err)
		}
		if resp.SW != swUnknownError {
			t.Errorf("payload %s: sw=%04X, want %04X", c, resp.SW, swUnknownError)
		}
	}
}

func TestMockBackendCloseResetsState(t *testing.T) {
	m := NewMockBackend()
	if err := m.EnsureReady(context.Background()); err != nil {
		t.Fatalf("ensure ready: %v", err)
	}
	exchange(t, m, "00A4040008A000000003000000")

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if m.Ready() {
		t.Fatal("still ready after close")
	}
	if m.SelectedAID() != "" {
		t.Fatal("applet still selected after close")
	}
	if resp := exchange(t, m, "00B0000000"); resp.SW != swNotAllowed {
		t.Fatalf("fresh card read: sw=%04X, want %04X", resp.SW, swNotAllowed)
	}
}

func TestMockBackendCanceledContext(t *testing.T) {
	m := NewMockBackend()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Exchange(ctx, json.RawMessage(`{"hex":"00A40400"}`)); err == nil {
		t.Fatal("expected context error")
	}
}
