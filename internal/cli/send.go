// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cli

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardwire/cardwire/internal/controller"
	"github.com/cardwire/cardwire/internal/identity"
)

var sendCmd = &cobra.Command{
	Use:   "send HEXAPDU...",
	Short: "Relay APDU commands to a cardhost",
	Long: `Relay one or more APDU commands to a cardhost and print the responses.

Commands are hex strings; spaces and colons inside an argument are
ignored, so "00 A4 04 00" and 00:A4:04:00 both work. Commands run in
order and the run stops at the first failure.

The identity key at --key is created on first use.

Examples:
  cardwire send --cardhost peer_abc123 00A4040008A000000003000000
  cardwire send --cardhost peer_abc123 00A4040008A000000003000000 00B0000000`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		out := cmd.OutOrStdout()

		apdus := make([]string, 0, len(args))
		for _, arg := range args {
			apdu, err := normalizeAPDU(arg)
			if err != nil {
				return err
			}
			apdus = append(apdus, apdu)
		}

		client, err := dialAndBind(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		for _, apdu := range apdus {
			reqCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
			payload, err := client.Request(reqCtx, apduPayload(apdu))
			cancel()
			if err != nil {
				return fmt.Errorf("%s: %w", apdu, err)
			}
			rendered, err := renderAPDUResponse(payload)
			if err != nil {
				return fmt.Errorf("%s: %w", apdu, err)
			}
			fmt.Fprintf(out, "%s  %s\n", apdu, rendered)
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().String("cardhost", "", "Peer ID of the target cardhost (required)")
	sendCmd.MarkFlagRequired("cardhost")
	// Slightly above the router's relay timeout, so the router's TIMEOUT
	// error wins the race and names the cardhost.
	sendCmd.Flags().Duration("timeout", 35*time.Second, "Per-command timeout")
}

// dialAndBind runs the full controller setup for a command: load the
// identity key, dial the router, authenticate, and bind the cardhost
// named by --cardhost. The caller owns the returned client.
func dialAndBind(cmd *cobra.Command) (*controller.Client, error) {
	routerURL, _ := cmd.Flags().GetString("router")
	keyPath, _ := cmd.Flags().GetString("key")
	cardhostID, _ := cmd.Flags().GetString("cardhost")

	priv, err := identity.LoadOrCreateKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity key: %w", err)
	}

	client, err := controller.Dial(cmd.Context(), routerURL, cliLogger(cmd))
	if err != nil {
		return nil, fmt.Errorf("failed to reach router: %w", err)
	}

	if _, err := client.Authenticate(cmd.Context(), priv); err != nil {
		client.Close()
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if err := client.ConnectCardhost(cmd.Context(), cardhostID); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to cardhost: %w", err)
	}
	return client, nil
}

// normalizeAPDU canonicalizes a command line argument into uppercase hex.
// Spaces and colons are separators; an APDU header is at least 4 bytes.
func normalizeAPDU(arg string) (string, error) {
	cleaned := strings.ToUpper(strings.NewReplacer(" ", "", ":", "").Replace(arg))
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return "", fmt.Errorf("%q is not a hex APDU: %w", arg, err)
	}
	if len(raw) < 4 {
		return "", fmt.Errorf("%q is too short for an APDU (need at least CLA INS P1 P2)", arg)
	}
	return cleaned, nil
}

func apduPayload(apdu string) json.RawMessage {
	payload, _ := json.Marshal(struct {
		Hex string `json:"hex"`
	}{Hex: apdu})
	return payload
}

// renderAPDUResponse formats a cardhost response payload for display:
// the response data if any, then the status word, e.g. "6F1084.. 9000".
func renderAPDUResponse(payload json.RawMessage) (string, error) {
	var resp struct {
		Data string `json:"data"`
		SW   uint16 `json:"sw"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", fmt.Errorf("unexpected response payload %s: %w", payload, err)
	}
	if resp.Data == "" {
		return fmt.Sprintf("%04X", resp.SW), nil
	}
	return fmt.Sprintf("%s %04X", resp.Data, resp.SW), nil
}
