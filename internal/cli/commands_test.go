// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

// runCLI executes the root command with the given args and captures output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	rootCmd.SetArgs([]string{})
	return buf.String(), err
}

func TestKeygenAndID(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "test.key")

	t.Run("keygen creates a key", func(t *testing.T) {
		output, err := runCLI(t, "keygen", "--key", keyPath)
		if err != nil {
			t.Fatalf("keygen failed: %v", err)
		}
		if !strings.Contains(output, "Key created") {
			t.Errorf("Expected 'Key created' message, got: %s", output)
		}
		if !strings.Contains(output, "Peer ID: peer_") {
			t.Errorf("Expected a peer ID in output, got: %s", output)
		}
	})

	t.Run("keygen keeps an existing key", func(t *testing.T) {
		first, err := runCLI(t, "keygen", "--key", keyPath)
		if err != nil {
			t.Fatalf("keygen failed: %v", err)
		}
		if !strings.Contains(first, "already exists") {
			t.Errorf("Expected 'already exists' message, got: %s", first)
		}
	})

	t.Run("id prints the bare peer ID", func(t *testing.T) {
		keygenOut, err := runCLI(t, "keygen", "--key", keyPath)
		if err != nil {
			t.Fatalf("keygen failed: %v", err)
		}

		idOut, err := runCLI(t, "id", "--key", keyPath)
		if err != nil {
			t.Fatalf("id failed: %v", err)
		}
		peerID := strings.TrimSpace(idOut)
		if !strings.HasPrefix(peerID, "peer_") {
			t.Errorf("Expected bare peer ID, got: %s", idOut)
		}
		if !strings.Contains(keygenOut, peerID) {
			t.Errorf("id printed %s but keygen reported: %s", peerID, keygenOut)
		}
	})

	t.Run("id refuses to create a key", func(t *testing.T) {
		absent := filepath.Join(t.TempDir(), "absent.key")
		_, err := runCLI(t, "id", "--key", absent)
		if err == nil {
			t.Fatal("Expected an error for a missing key file")
		}
		if !strings.Contains(err.Error(), "cardwire keygen") {
			t.Errorf("Expected a hint to run keygen, got: %v", err)
		}
	})
}

func TestStatusCommand(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(routerStats{
			Running:            true,
			ActiveControllers:  1,
			ActiveCardhosts:    2,
			ActiveSessions:     1,
			ConnectedCardhosts: 2,
		})
	}))
	defer ts.Close()

	t.Run("table output", func(t *testing.T) {
		output, err := runCLI(t, "status", "--router", ts.URL)
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if !strings.Contains(output, "Status: running") {
			t.Errorf("Expected running status, got: %s", output)
		}
		if !strings.Contains(output, "Controllers: 1 authenticated") {
			t.Errorf("Expected controller count, got: %s", output)
		}
		if !strings.Contains(output, "Cardhosts: 2 authenticated, 2 online") {
			t.Errorf("Expected cardhost counts, got: %s", output)
		}
		if !strings.Contains(output, "Relay sessions: 1") {
			t.Errorf("Expected session count, got: %s", output)
		}
	})

	t.Run("json output", func(t *testing.T) {
		output, err := runCLI(t, "status", "--router", ts.URL, "--json")
		if err != nil {
			t.Fatalf("status --json failed: %v", err)
		}
		var stats routerStats
		if err := json.Unmarshal([]byte(output), &stats); err != nil {
			t.Fatalf("Output is not valid JSON: %v\nOutput: %s", err, output)
		}
		if stats.ActiveCardhosts != 2 {
			t.Errorf("Expected 2 cardhosts, got %d", stats.ActiveCardhosts)
		}
	})

	t.Run("unreachable router", func(t *testing.T) {
		_, err := runCLI(t, "status", "--router", "ws://127.0.0.1:1")
		if err == nil {
			t.Fatal("Expected an error for an unreachable router")
		}
		if !strings.Contains(err.Error(), "not reachable") {
			t.Errorf("Expected 'not reachable' in error, got: %v", err)
		}
	})
}

func TestNormalizeAPDU(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain hex", "00A4040008A000000003000000", "00A4040008A000000003000000", false},
		{"lowercase", "00a4040008a000000003000000", "00A4040008A000000003000000", false},
		{"spaces", "00 A4 04 00", "00A40400", false},
		{"colons", "00:b0:00:00", "00B00000", false},
		{"not hex", "hello", "", true},
		{"odd length", "00A40", "", true},
		{"too short", "00A4", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := normalizeAPDU(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("normalizeAPDU(%q) = %q, expected error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeAPDU(%q) failed: %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("normalizeAPDU(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRenderAPDUResponse(t *testing.T) {
	t.Run("status word only", func(t *testing.T) {
		got, err := renderAPDUResponse([]byte(`{"sw":36864}`))
		if err != nil {
			t.Fatalf("render failed: %v", err)
		}
		if got != "9000" {
			t.Errorf("Expected 9000, got %q", got)
		}
	})

	t.Run("data and status word", func(t *testing.T) {
		got, err := renderAPDUResponse([]byte(`{"data":"6F10","sw":36864}`))
		if err != nil {
			t.Fatalf("render failed: %v", err)
		}
		if got != "6F10 9000" {
			t.Errorf("Expected '6F10 9000', got %q", got)
		}
	})

	t.Run("not json", func(t *testing.T) {
		if _, err := renderAPDUResponse([]byte("garbage")); err == nil {
			t.Fatal("Expected an error for a non-JSON payload")
		}
	})
}

func TestSendValidatesBeforeDialing(t *testing.T) {
	// A bad APDU fails argument validation; the unreachable router URL
	// proves no dial was attempted.
	_, err := runCLI(t, "send", "--router", "ws://127.0.0.1:1", "--cardhost", "peer_x", "zz")
	if err == nil {
		t.Fatal("Expected an error for a non-hex APDU")
	}
	if !strings.Contains(err.Error(), "not a hex APDU") {
		t.Errorf("Expected APDU validation error, got: %v", err)
	}
}

func TestShellRefusesNonTTY(t *testing.T) {
	// Test processes never have a terminal on stdin.
	_, err := runCLI(t, "shell", "--router", "ws://127.0.0.1:1", "--cardhost", "peer_x")
	if err == nil {
		t.Fatal("Expected shell to refuse a non-TTY stdin")
	}
	if !strings.Contains(err.Error(), "interactive terminal") {
		t.Errorf("Expected TTY refusal, got: %v", err)
	}
}
