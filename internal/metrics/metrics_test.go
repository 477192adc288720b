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

package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrappersRespectEnabled(t *testing.T) {
	SetEnabled(false)
	c := newCounter(prometheus.CounterOpts{Name: "w_test_total"})
	_, isNoop := c.(noopCounter)
	assert.True(t, isNoop, "disabled metrics yield noop instances")
	assert.NotPanics(t, func() { c.Inc(); c.Add(2) })

	cv := newCounterVec(prometheus.CounterOpts{Name: "w_test_vec_total"}, []string{"a"})
	assert.NotPanics(t, func() { cv.WithLabelValues("x").Inc() })

	SetEnabled(true)
	c = newCounter(prometheus.CounterOpts{Name: "w_test_real_total"})
	_, isNoop = c.(noopCounter)
	assert.False(t, isNoop)
}

func TestScrapeEndpoint(t *testing.T) {
	SetEnabled(true)
	Init()

	RequestsTotal.WithLabelValues("ALLOW").Inc()
	BlockedTotal.Inc()
	RuleHitsTotal.WithLabelValues("vuln.sqli", "high").Inc()
	DecisionDurationSeconds.WithLabelValues("ALLOW").Observe(0.002)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "contractshield_requests_total")
	assert.Contains(t, body, "contractshield_blocked_total")
	assert.Contains(t, body, "contractshield_rule_hits_total")
	assert.Contains(t, body, "contractshield_up 1")
}

func TestGetRegistryIsStable(t *testing.T) {
	assert.Same(t, GetRegistry(), GetRegistry())
}
