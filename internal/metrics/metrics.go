// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes a Prometheus registry for the pipeline's
// ambient operational metrics, grounded on the exporter pattern in
// 99souls-ariadne's engine/monitoring: a dedicated prometheus.Registry
// (never the global default) with one counter/gauge vector per stage,
// served through promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshplane"

// Metrics holds every counter/gauge the pipeline stages publish to.
type Metrics struct {
	registry *prometheus.Registry

	TelemetryIngested   prometheus.Counter
	FeaturesEmitted     *prometheus.CounterVec
	ForecastsReceived   prometheus.Counter
	OptimizerDecisions  *prometheus.CounterVec
	CommandsDispatched  *prometheus.CounterVec
	CommandsSuppressed  *prometheus.CounterVec
	ChannelLoad         *prometheus.GaugeVec
	ConfirmCount        *prometheus.GaugeVec
}

// New builds a fresh registry with every metric registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		TelemetryIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_ingested_total",
			Help:      "Total telemetry samples accepted by the aggregator.",
		}),
		FeaturesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "features_emitted_total",
			Help:      "Total Feature records published per channel.",
		}, []string{"channel"}),
		ForecastsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forecasts_received_total",
			Help:      "Total Forecast records ingested by the optimizer.",
		}),
		OptimizerDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimizer_decisions_total",
			Help:      "Optimizer decisions by outcome (commit, reject, hold).",
		}, []string{"outcome"}),
		CommandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dispatched_total",
			Help:      "Commands dispatched by the controller, by command type.",
		}, []string{"command"}),
		CommandsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_suppressed_total",
			Help:      "Commands suppressed by the controller's dedupe and rate-limit gates.",
		}, []string{"reason"}),
		ChannelLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_load",
			Help:      "Current shared load attributed to each channel.",
		}, []string{"channel"}),
		ConfirmCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "optimizer_confirm_count",
			Help:      "Current confirmation counter per node.",
		}, []string{"node"}),
	}

	registry.MustRegister(
		m.TelemetryIngested,
		m.FeaturesEmitted,
		m.ForecastsReceived,
		m.OptimizerDecisions,
		m.CommandsDispatched,
		m.CommandsSuppressed,
		m.ChannelLoad,
		m.ConfirmCount,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
