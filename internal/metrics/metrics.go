// SPDX-FileCopyrightText: (c) 2017 Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

// Package metrics exposes the Exit Endpoint's Prometheus instrumentation.
// It mirrors server/internal/instrument, which
// hands out package-level counters for the whole server process; here
// the counters are scoped to one *Metrics instance per endpoint, since a
// router process can run more than one Exit Endpoint and each needs its
// own series.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter and gauge the endpoint's components
// update. The caller of exit.New constructs it once and passes it in;
// exit.New hands the same reference to every component.
type Metrics struct {
	PacketsDropped     *prometheus.CounterVec
	AddressEvictions   prometheus.Counter
	ActiveExitSessions prometheus.Gauge
	SNodeSessions      prometheus.Gauge
	DNSQueries         *prometheus.CounterVec
}

// New constructs a Metrics instance and registers it with reg. namespace
// and subsystem follow prometheus's own naming convention, letting
// several endpoints (e.g. one per gateway) share a registry without
// series collisions when each passes a distinct subsystem.
func New(reg prometheus.Registerer, subsystem string) *Metrics {
	m := &Metrics{
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "katzenpost",
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Packets dropped by the exit endpoint, by reason.",
		}, []string{"reason"}),
		AddressEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "katzenpost",
			Subsystem: subsystem,
			Name:      "address_evictions_total",
			Help:      "LRU evictions performed by the address pool.",
		}),
		ActiveExitSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "katzenpost",
			Subsystem: subsystem,
			Name:      "active_exit_sessions",
			Help:      "Number of client sessions currently consuming egress.",
		}),
		SNodeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "katzenpost",
			Subsystem: subsystem,
			Name:      "snode_sessions",
			Help:      "Number of outbound service-node sessions currently open.",
		}),
		DNSQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "katzenpost",
			Subsystem: subsystem,
			Name:      "dns_queries_total",
			Help:      "DNS queries handled by the exit endpoint's responder, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.PacketsDropped, m.AddressEvictions, m.ActiveExitSessions, m.SNodeSessions, m.DNSQueries)
	return m
}
