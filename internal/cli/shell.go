// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cardwire/cardwire/internal/controller"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive APDU session with a cardhost",
	Long: `Open an interactive APDU session with a cardhost.

Each line is a hex APDU, sent to the cardhost as you enter it. Relay
errors (timeout, cardhost gone offline) are printed and the session
stays open; a dead router connection ends it.

The shell refuses to run without a terminal on stdin. For scripting,
use 'cardwire send'.

Example:
  cardwire shell --cardhost peer_abc123`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("shell needs an interactive terminal (use 'cardwire send' for scripting)")
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		out := cmd.OutOrStdout()

		client, err := dialAndBind(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		fmt.Fprintf(out, "Connected to %s as %s\n", client.CardhostID(), client.ControllerID())
		fmt.Fprintln(out, `Enter APDUs in hex; "help" lists commands, "exit" leaves.`)

		scanner := bufio.NewScanner(cmd.InOrStdin())
		for {
			fmt.Fprint(out, "cardwire> ")
			if !scanner.Scan() {
				fmt.Fprintln(out)
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			switch line {
			case "":
				continue
			case "exit", "quit":
				return nil
			case "help":
				printShellHelp(out)
				continue
			case "ping":
				if err := shellPing(cmd.Context(), client, out); err != nil {
					return err
				}
				continue
			}

			apdu, err := normalizeAPDU(line)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			reqCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
			payload, err := client.Request(reqCtx, apduPayload(apdu))
			cancel()
			if err != nil {
				if errors.Is(err, controller.ErrClosed) {
					return fmt.Errorf("router connection lost: %w", err)
				}
				fmt.Fprintln(out, err)
				continue
			}
			rendered, err := renderAPDUResponse(payload)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			fmt.Fprintln(out, rendered)
		}
	},
}

func init() {
	shellCmd.Flags().String("cardhost", "", "Peer ID of the target cardhost (required)")
	shellCmd.MarkFlagRequired("cardhost")
	shellCmd.Flags().Duration("timeout", 35*time.Second, "Per-command timeout")
}

func printShellHelp(out io.Writer) {
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  <hex>  send an APDU, e.g. 00A4040008A000000003000000")
	fmt.Fprintln(out, "  ping   round-trip a keepalive through the router")
	fmt.Fprintln(out, "  help   show this help")
	fmt.Fprintln(out, "  exit   leave the shell")
}

func shellPing(ctx context.Context, client *controller.Client, out io.Writer) error {
	start := time.Now()
	if err := client.Ping(ctx); err != nil {
		if errors.Is(err, controller.ErrClosed) {
			return fmt.Errorf("router connection lost: %w", err)
		}
		fmt.Fprintln(out, err)
		return nil
	}
	fmt.Fprintf(out, "pong (%s)\n", time.Since(start).Round(time.Millisecond))
	return nil
}
