// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardwire/cardwire/internal/wire"
)

// routerStats mirrors the router's /stats response.
type routerStats struct {
	Running            bool `json:"running"`
	ActiveControllers  int  `json:"activeControllers"`
	ActiveCardhosts    int  `json:"activeCardhosts"`
	ActiveSessions     int  `json:"activeSessions"`
	ConnectedCardhosts int  `json:"connectedCardhosts"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show router status",
	Long: `Show the router's connection counts.

Queries the router's /stats endpoint over plain HTTP (the --router URL's
ws/wss scheme is mapped to http/https). Shows authenticated controllers
and cardhosts, active relay sessions, and cardhosts currently online.

Use --json for machine-readable output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		routerURL, _ := cmd.Flags().GetString("router")
		jsonFlag, _ := cmd.Flags().GetBool("json")
		out := cmd.OutOrStdout()

		base, err := wire.HTTPBaseURL(routerURL)
		if err != nil {
			return fmt.Errorf("invalid router URL: %w", err)
		}

		stats, err := fetchStats(base)
		if err != nil {
			return fmt.Errorf("router %s not reachable: %w", base, err)
		}

		if jsonFlag {
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(stats)
		}

		fmt.Fprintf(out, "Router: %s\n", base)
		if stats.Running {
			fmt.Fprintf(out, "Status: running\n")
		} else {
			fmt.Fprintf(out, "Status: shutting down\n")
		}
		fmt.Fprintf(out, "Controllers: %d authenticated\n", stats.ActiveControllers)
		fmt.Fprintf(out, "Cardhosts: %d authenticated, %d online\n", stats.ActiveCardhosts, stats.ConnectedCardhosts)
		fmt.Fprintf(out, "Relay sessions: %d\n", stats.ActiveSessions)
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output in JSON format")
}

func fetchStats(base string) (*routerStats, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(base + "/stats")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("GET /stats: %s: %s", resp.Status, body)
	}

	var stats routerStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode /stats response: %w", err)
	}
	return &stats, nil
}
