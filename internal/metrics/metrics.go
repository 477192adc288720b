/*
 * Copyright (c) 2025, ContractShield contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package metrics exposes the gateway's Prometheus metrics on a dedicated
// registry. All metric variables are safe to use whether or not metrics
// are enabled; when disabled they are noop instances.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "contractshield"

var (
	once     sync.Once
	registry *prometheus.Registry

	// RequestsTotal counts evaluated requests by decision action.
	RequestsTotal CounterVec
	// BlockedTotal counts requests answered with a block response.
	BlockedTotal Counter
	// RuleHitsTotal counts rule hits by rule id and severity.
	RuleHitsTotal CounterVec
	// DecisionDurationSeconds observes the full pipeline duration.
	DecisionDurationSeconds HistogramVec
	// ContextBuildDurationSeconds observes context normalization alone.
	ContextBuildDurationSeconds Histogram
	// BodyBytesProcessed counts request body bytes read.
	BodyBytesProcessed Counter
	// ExcludedTotal counts requests skipped by exclusion patterns.
	ExcludedTotal Counter

	Up Gauge
)

func initMetrics() {
	RequestsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests evaluated, by decision action",
		},
		[]string{"action"},
	)

	BlockedTotal = newCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocked_total",
		Help:      "Total number of requests answered with a block response",
	})

	RuleHitsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_hits_total",
			Help:      "Total number of rule hits, by rule id and severity",
		},
		[]string{"rule", "severity"},
	)

	DecisionDurationSeconds = newHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Duration of the full decision pipeline in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"action"},
	)

	ContextBuildDurationSeconds = newHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "context_build_duration_seconds",
		Help:      "Duration of request context normalization in seconds",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
	})

	BodyBytesProcessed = newCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "body_bytes_processed_total",
		Help:      "Total request body bytes read by the normalizer",
	})

	ExcludedTotal = newCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "excluded_total",
		Help:      "Total number of requests short-circuited by exclusion patterns",
	})

	Up = newGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "up",
		Help:      "Whether the gateway middleware is initialized",
	})
}

func initRegistry() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registerCounterVec(RequestsTotal)
	registerCounter(BlockedTotal)
	registerCounterVec(RuleHitsTotal)
	registerHistogramVec(DecisionDurationSeconds)
	registerHistogram(ContextBuildDurationSeconds)
	registerCounter(BodyBytesProcessed)
	registerCounter(ExcludedTotal)
	registerGauge(Up)

	Up.Set(1)
}

// Init initializes the metric variables and, when enabled, the registry.
// Call SetEnabled first.
func Init() *prometheus.Registry {
	once.Do(func() {
		initMetrics()
		if !Enabled {
			registry = prometheus.NewRegistry()
			return
		}
		initRegistry()
	})
	return registry
}

// GetRegistry returns the prometheus registry, initializing on first use.
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return Init()
	}
	return registry
}

func registerCounterVec(c CounterVec) {
	if w, ok := c.(*counterVecWrapper); ok {
		registry.MustRegister(w.CounterVec)
	}
}

func registerCounter(c Counter) {
	if pc, ok := c.(prometheus.Counter); ok {
		registry.MustRegister(pc)
	}
}

func registerHistogramVec(h HistogramVec) {
	if w, ok := h.(*histogramVecWrapper); ok {
		registry.MustRegister(w.HistogramVec)
	}
}

func registerHistogram(h Histogram) {
	if ph, ok := h.(prometheus.Histogram); ok {
		registry.MustRegister(ph)
	}
}

func registerGauge(g Gauge) {
	if pg, ok := g.(prometheus.Gauge); ok {
		registry.MustRegister(pg)
	}
}
