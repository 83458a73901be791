// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the sync core's counters to Prometheus.
//
// Every method is safe on a nil *Metrics, which records nothing, so
// the engine can run without a registry.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

// Metrics holds the collectors. Create with New.
type Metrics struct {
	appends        *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	sendRetries    prometheus.Counter
	historyFetches *prometheus.CounterVec
	reconnects     prometheus.Counter
	openViews      prometheus.Gauge
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_appends_total",
			Help:      "Messages offered to a conversation store, by outcome (inserted, duplicate, replaced, rejected).",
		}, []string{"result"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Sends that ended in the failed state, by cause (network, server, auth, canceled).",
		}, []string{"reason"}),
		sendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_retries_total",
			Help:      "Automatic send attempts after a network error.",
		}),
		historyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_fetches_total",
			Help:      "History page fetches, by outcome (ok, error, discarded).",
		}, []string{"outcome"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Realtime connections re-established after a loss.",
		}),
		openViews: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_conversations",
			Help:      "Conversations with at least one open view.",
		}),
	}

	for _, collector := range []prometheus.Collector{
		m.appends, m.sendFailures, m.sendRetries, m.historyFetches, m.reconnects, m.openViews,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("metrics: registering collector: %w", err)
		}
	}
	return m, nil
}

// Append counts a store append by its result.
func (m *Metrics) Append(result string) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(result).Inc()
}

// SendFailed counts a send that ended failed.
func (m *Metrics) SendFailed(reason string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(reason).Inc()
}

// SendRetried counts an automatic resend.
func (m *Metrics) SendRetried() {
	if m == nil {
		return
	}
	m.sendRetries.Inc()
}

// HistoryFetched counts a history fetch by outcome.
func (m *Metrics) HistoryFetched(outcome string) {
	if m == nil {
		return
	}
	m.historyFetches.WithLabelValues(outcome).Inc()
}

// Reconnected counts a re-established realtime connection.
func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetOpenConversations sets the open conversation gauge.
func (m *Metrics) SetOpenConversations(n int) {
	if m == nil {
		return
	}
	m.openViews.Set(float64(n))
}
