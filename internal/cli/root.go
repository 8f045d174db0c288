// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package cli implements the cardwire controller command line: key
// management, router inspection, and one-shot or interactive APDU relays
// through a router.
package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cardwire/cardwire/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "cardwire",
	Short: "cardwire - talk to smart cards through a cardwire router",
	Long: `cardwire is the controller side of the cardwire fabric. It holds an
Ed25519 identity key, authenticates against a router, and relays APDU
commands to a cardhost connected to the same router.

Examples:
  cardwire keygen
  cardwire status --router ws://router.example.com:3000
  cardwire send --cardhost peer_abc123 00A4040008A000000003000000
  cardwire shell --cardhost peer_abc123`,
	Version: version.Info(),
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetVersionTemplate("{{.Version}}\n")
	rootCmd.PersistentFlags().String("router", envOr("CARDWIRE_ROUTER", "ws://localhost:3000"), "Router base URL (ws://, wss://, http:// or https://)")
	rootCmd.PersistentFlags().String("key", envOr("CARDWIRE_KEY", "cardwire.key"), "Path to the Ed25519 identity key file")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log connection details to stderr")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(idCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(shellCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// cliLogger returns the logger handed to the controller client. Quiet by
// default; --verbose surfaces dials, handshakes, and dropped frames.
func cliLogger(cmd *cobra.Command) *slog.Logger {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
