// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the router's Prometheus collectors. They live on a
// private registry so several routers in one process (tests, mainly)
// never fight over collector names.
type metrics struct {
	registry *prometheus.Registry

	relayRequests prometheus.Counter
	relayTimeouts prometheus.Counter
	relayFailures *prometheus.CounterVec
	authFailures  prometheus.Counter
	rpcEvents     prometheus.Counter
}

func newMetrics(s *Server) *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &metrics{
		registry: reg,
		relayRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardwire_relay_requests_total",
			Help: "RPC requests accepted for relay.",
		}),
		relayTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardwire_relay_timeouts_total",
			Help: "Relayed requests that hit the relay deadline.",
		}),
		relayFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardwire_relay_failures_total",
			Help: "Relayed requests answered with an error envelope.",
		}, []string{"reason"}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardwire_auth_failures_total",
			Help: "Authentication attempts that failed verification.",
		}),
		rpcEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardwire_rpc_events_total",
			Help: "rpc-event frames received (reserved, not forwarded).",
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cardwire_active_sessions",
		Help: "Live relay sessions.",
	}, func() float64 { return float64(s.sessions.Count()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cardwire_connected_cardhosts",
		Help: "Cardhosts with a live socket.",
	}, func() float64 { return float64(s.transport.CardhostCount()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cardwire_connected_controllers",
		Help: "Controllers with a live registered socket.",
	}, func() float64 { return float64(s.transport.ControllerCount()) })

	return m
}
