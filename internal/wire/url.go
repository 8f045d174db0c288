// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package wire

import (
	"fmt"
	"net/url"
	"strings"
)

// WebSocket endpoint paths on the router.
const (
	PathController = "/ws/controller"
	PathCardhost   = "/ws/cardhost"
)

// WebSocketURL maps a router base URL onto the ws scheme and appends the
// endpoint path. http(s) bases are rewritten to ws(s); a bare host:port
// gets the plain ws scheme.
func WebSocketURL(base, path string) (string, error) {
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
	default:
		base = "ws://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid router URL %q: %w", base, err)
	}
	return strings.TrimRight(u.String(), "/") + path, nil
}

// HTTPBaseURL maps a router base URL onto the http scheme, for the /health
// and /stats endpoints. The inverse rewrite of WebSocketURL.
func HTTPBaseURL(base string) (string, error) {
	switch {
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "http://"), strings.HasPrefix(base, "https://"):
	default:
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid router URL %q: %w", base, err)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
