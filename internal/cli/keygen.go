// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cli

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cardwire/cardwire/internal/identity"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create the controller identity key",
	Long: `Create the controller's Ed25519 identity key and print the peer ID
derived from it.

The key is written to the path given by --key (default cardwire.key) with
mode 0600. Running keygen against an existing key file is safe: the key is
kept and its peer ID printed.

The peer ID is stable for the lifetime of the key. Cardhost operators use
it to recognize your controller; you use it as their --cardhost target.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, _ := cmd.Flags().GetString("key")
		out := cmd.OutOrStdout()

		_, statErr := os.Stat(keyPath)
		existed := statErr == nil

		priv, err := identity.LoadOrCreateKey(keyPath)
		if err != nil {
			return fmt.Errorf("failed to create identity key: %w", err)
		}

		if existed {
			fmt.Fprintf(out, "Key already exists: %s\n", keyPath)
		} else {
			fmt.Fprintf(out, "✓ Key created: %s\n", keyPath)
		}
		fmt.Fprintf(out, "Peer ID: %s\n", peerIDOf(priv))
		return nil
	},
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print the peer ID of the identity key",
	Long: `Print the peer ID derived from the identity key at --key.

Unlike keygen, id never creates a key; a missing file is an error. The
output is the bare peer ID, suitable for scripting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, _ := cmd.Flags().GetString("key")

		priv, err := identity.LoadKey(keyPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no identity key at %s (run 'cardwire keygen' first)", keyPath)
			}
			return fmt.Errorf("failed to load identity key: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), peerIDOf(priv))
		return nil
	},
}

// peerIDOf derives the wire identity for a key. Marshalling a valid
// Ed25519 public key cannot fail.
func peerIDOf(priv ed25519.PrivateKey) string {
	spki, _ := identity.PublicKeySPKI(priv)
	return identity.DerivePeerID(spki)
}
