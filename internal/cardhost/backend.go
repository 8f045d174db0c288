// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cardhost

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
)

// Backend is the seam between the agent and a smart-card stack. The agent
// never interprets relay payloads itself; it hands the opaque command to
// the backend and forwards whatever comes back.
type Backend interface {
	// EnsureReady brings the card stack up. Called lazily when a
	// controller attaches; must be cheap when already ready.
	EnsureReady(ctx context.Context) error
	// Exchange runs one command against the card and returns the
	// response payload.
	Exchange(ctx context.Context, command json.RawMessage) (json.RawMessage, error)
	Close() error
}

// ISO 7816 status words the mock answers with.
const (
	swSuccess         = 0x9000
	swNotAllowed      = 0x6986 // command not allowed, no applet selected
	swInsNotSupported = 0x6D00
	swUnknownError    = 0x6F00
)

// Instruction bytes understood by the mock.
const (
	insSelect     = 0xA4
	insReadBinary = 0xB0
)

// mockFileContents is what READ BINARY returns once an applet is selected.
const mockFileContents = "6F108408A000000003000000A5049F6501FF"

type apduCommand struct {
	Hex string `json:"hex"`
}

type apduResponse struct {
	Data string `json:"data,omitempty"`
	SW   uint16 `json:"sw"`
}

// MockBackend is a deterministic in-memory card used by tests and by
// deployments without a physical reader. It understands just enough of
// ISO 7816-4 to support a SELECT / READ BINARY conversation: SELECT
// remembers the applet, READ BINARY answers canned file contents while
// one is selected, anything else is rejected with the matching status
// word. Malformed commands never error; they answer 6F00 like a real
// reader stack would.
type MockBackend struct {
	mu       sync.Mutex
	ready    bool
	selected string // hex AID of the selected applet, empty when none
}

func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

func (m *MockBackend) EnsureReady(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = true
	return nil
}

// Ready reports whether the card stack has been brought up.
func (m *MockBackend) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// SelectedAID returns the hex AID of the selected applet, if any.
func (m *MockBackend) SelectedAID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

func (m *MockBackend) Exchange(ctx context.Context, command json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = true

	return json.Marshal(m.execute(command))
}

func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = false
	m.selected = ""
	return nil
}

// execute runs one APDU against the mock card. Caller holds m.mu.
func (m *MockBackend) execute(command json.RawMessage) apduResponse {
	var cmd apduCommand
	if err := json.Unmarshal(command, &cmd); err != nil || cmd.Hex == "" {
		return apduResponse{SW: swUnknownError}
	}
	apdu, err := hex.DecodeString(cmd.Hex)
	if err != nil || len(apdu) < 4 {
		return apduResponse{SW: swUnknownError}
	}

	ins := apdu[1]
	switch ins {
	case insSelect:
		// SELECT by AID: CLA INS P1 P2 Lc AID...
		if len(apdu) < 5 {
			return apduResponse{SW: swUnknownError}
		}
		lc := int(apdu[4])
		if len(apdu) < 5+lc {
			return apduResponse{SW: swUnknownError}
		}
		m.selected = strings.ToUpper(hex.EncodeToString(apdu[5 : 5+lc]))
		return apduResponse{SW: swSuccess}
	case insReadBinary:
		if m.selected == "" {
			return apduResponse{SW: swNotAllowed}
		}
		return apduResponse{Data: mockFileContents, SW: swSuccess}
	default:
		return apduResponse{SW: swInsNotSupported}
	}
}
