// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cardwire/cardwire/internal/cardhost"
	"github.com/cardwire/cardwire/internal/identity"
	"github.com/cardwire/cardwire/internal/version"
)

func main() {
	configPath := flag.String("config", "cardhost.yaml", "Path to the config file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error("config error", "error", err)
		os.Exit(1)
	}

	priv, err := identity.LoadOrCreateKey(cfg.KeyFile)
	if err != nil {
		log.Error("identity key error", "error", err)
		os.Exit(1)
	}

	backend := cardhost.NewMockBackend()
	defer backend.Close()

	agent, err := cardhost.New(cfg, priv, backend, log)
	if err != nil {
		log.Error("agent setup failed", "error", err)
		os.Exit(1)
	}

	// Controller operators address this cardhost by its peer ID.
	log.Info("cardhost identity", "peer", agent.PeerID())
	log.Info("connecting to router", "url", cfg.RouterURL, "backend", cfg.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("agent failed", "error", err)
		os.Exit(1)
	}
	log.Info("cardhost stopped")
}

// loadConfig reads the config file when it exists. A missing file is only
// an error when the operator named it explicitly; the default path absent
// just means defaults.
func loadConfig(path string) (*cardhost.Config, error) {
	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cardhost.DefaultConfig(), nil
		}
		return nil, err
	}
	return cardhost.LoadConfig(path)
}
