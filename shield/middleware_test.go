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

package shield

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/contractshield/contractshield-go/core"
	"github.com/contractshield/contractshield-go/openapi"
	"github.com/contractshield/contractshield-go/policy"
)

// ============================================================================
// Fixtures
// ============================================================================

const authPolicy = `
policyVersion: "0.1"
defaults:
  mode: enforce
routes:
  - id: users-create
    match:
      method: POST
      path: /users
    rules:
      - id: auth
        type: cel
        action: block
        severity: high
        config:
          expr: identity.authenticated == true
          message: Authentication required
`

const usersOpenAPI = `
openapi: 3.0.3
info:
  title: Users API
  version: 1.0.0
paths:
  /users:
    post:
      operationId: createUser
      requestBody:
        content:
          application/json:
            schema:
              type: object
              required: [name, email]
              properties:
                name:
                  type: string
                email:
                  type: string
                  format: email
      responses:
        "201":
          description: Created
`

func loadPolicyYAML(t *testing.T, src string) *policy.Set {
	t.Helper()
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	set, err := policy.Load(doc)
	require.NoError(t, err)
	return set
}

func loadOpenAPIYAML(t *testing.T, src string) *openapi.Spec {
	t.Helper()
	spec, err := openapi.Load([]byte(src))
	require.NoError(t, err)
	return spec
}

// harness wires a shield in front of a recording downstream handler and
// captures the decision events.
type harness struct {
	shield     *Shield
	events     []DecisionEvent
	downstream int
	handler    http.Handler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{}
	cfg.LogCallback = func(e DecisionEvent) { h.events = append(h.events, e) }

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	h.shield = s
	h.handler = s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.downstream++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	return h
}

func (h *harness) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) lastEvent(t *testing.T) DecisionEvent {
	t.Helper()
	require.NotEmpty(t, h.events)
	return h.events[len(h.events)-1]
}

// ============================================================================
// End-to-end scenarios
// ============================================================================

func TestUnauthenticatedRequestBlockedByPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = loadPolicyYAML(t, authPolicy)

	h := newHarness(t, cfg)
	rec := h.do("POST", "/users", `{"name":"A"}`, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, h.downstream)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Forbidden", body["error"])
	assert.Equal(t, "Authentication required", body["message"])

	event := h.lastEvent(t)
	assert.Equal(t, core.ActionBlock, event.Action)
	require.Len(t, event.RuleHits, 1)
	assert.Equal(t, "policy.auth", event.RuleHits[0].ID)
	assert.Equal(t, core.SeverityHigh, event.RuleHits[0].Severity)
}

func TestSQLInjectionBlocked(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = core.ModeEnforce

	h := newHarness(t, cfg)
	rec := h.do("POST", "/search", `{"query":"1 UNION SELECT * FROM users"}`, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, h.downstream)

	event := h.lastEvent(t)
	assert.Equal(t, core.ActionBlock, event.Action)
	require.NotEmpty(t, event.RuleHits)
	assert.Equal(t, "vuln.sqli", event.RuleHits[0].ID)
	assert.Equal(t, "/query", event.RuleHits[0].Path)
	assert.Equal(t, core.RiskHigh, event.Risk.Level)
	require.NotEmpty(t, event.Risk.Factors)
	assert.True(t, strings.HasPrefix(event.Risk.Factors[0], "vuln.sqli: "))
}

func TestSQLiToggleDisablesDetector(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = loadPolicyYAML(t, `
policyVersion: "0.1"
defaults:
  mode: enforce
  unmatchedRouteAction: allow
  vulnerabilityChecks:
    sqli: false
routes: []
`)

	h := newHarness(t, cfg)
	rec := h.do("POST", "/search", `{"query":"1 UNION SELECT * FROM users"}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.downstream)

	event := h.lastEvent(t)
	assert.Equal(t, core.ActionAllow, event.Action)
	assert.Empty(t, event.RuleHits)
}

func TestSchemaViolationIsMediumSeverity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = core.ModeEnforce
	cfg.OpenAPI = loadOpenAPIYAML(t, usersOpenAPI)

	h := newHarness(t, cfg)
	rec := h.do("POST", "/users", `{"name":"A","email":"not-an-email"}`, nil)

	// Medium hits are recorded but do not block on their own.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.downstream)

	event := h.lastEvent(t)
	assert.Equal(t, core.ActionAllow, event.Action)
	require.NotEmpty(t, event.RuleHits)
	assert.Equal(t, "schema.request.invalid", event.RuleHits[0].ID)
	assert.Equal(t, core.SeverityMedium, event.RuleHits[0].Severity)
	assert.Equal(t, core.RiskMedium, event.Risk.Level)
}

func TestExcludedPathSkipsPipeline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExcludePaths = []string{`/users/.*`}

	h := newHarness(t, cfg)
	rec := h.do("GET", "/users/abc", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.downstream)
	assert.Empty(t, h.events, "no decision is emitted for excluded paths")
}

func TestPrototypePollutionBlocked(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = core.ModeEnforce

	h := newHarness(t, cfg)
	rec := h.do("POST", "/products", `{"__proto__":{"admin":true}}`, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)

	event := h.lastEvent(t)
	assert.Equal(t, core.ActionBlock, event.Action)
	require.NotEmpty(t, event.RuleHits)
	assert.Equal(t, "vuln.proto_pollution", event.RuleHits[0].ID)
	assert.Equal(t, "/__proto__", event.RuleHits[0].Path)
	assert.Equal(t, core.SeverityCritical, event.RuleHits[0].Severity)
	assert.Equal(t, 100, event.Risk.Score)
}

func TestMonitorModeNeverBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = core.ModeMonitor

	h := newHarness(t, cfg)
	rec := h.do("POST", "/search", `{"query":"1 UNION SELECT * FROM users"}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.downstream)

	event := h.lastEvent(t)
	assert.Equal(t, core.ActionMonitor, event.Action)
	assert.Equal(t, http.StatusOK, event.StatusCode)
	require.NotEmpty(t, event.RuleHits)
	assert.Equal(t, "vuln.sqli", event.RuleHits[0].ID)
}

// ============================================================================
// Context build failures
// ============================================================================

func TestInvalidJSONEnforceBlocks400(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = core.ModeEnforce

	h := newHarness(t, cfg)
	rec := h.do("POST", "/anything", `{"broken":`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, h.downstream)
	assert.Empty(t, h.events, "no decision is recorded when the context cannot be built")

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["message"], "Request parsing failed")
}

func TestInvalidJSONMonitorForwards(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = core.ModeMonitor

	h := newHarness(t, cfg)
	rec := h.do("POST", "/anything", `{"broken":`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.downstream)
}

func TestPayloadTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = core.ModeEnforce
	cfg.MaxBodySize = 16

	h := newHarness(t, cfg)
	rec := h.do("POST", "/anything", `{"filler":"`+strings.Repeat("x", 64)+`"}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, h.downstream)
}

// ============================================================================
// Driver behaviors
// ============================================================================

func TestContextAvailableToHandler(t *testing.T) {
	cfg := DefaultConfig()

	var seen *core.RequestContext
	s, err := New(cfg)
	require.NoError(t, err)
	handler := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ContextFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	body := `{"name":"A"}`
	req := httptest.NewRequest("POST", "/users?page=1&page=2", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Custom-Header", "v")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotNil(t, seen)
	assert.Equal(t, "POST", seen.Method)
	assert.Equal(t, "/users", seen.Path)
	assert.Equal(t, "v", seen.Headers["x-custom-header"], "header keys are lower-cased")
	assert.Equal(t, "2", seen.Query["page"], "last query value wins")
	assert.Equal(t, len(body), seen.Body.SizeBytes)

	sum := sha256.Sum256([]byte(body))
	assert.Equal(t, hex.EncodeToString(sum[:]), seen.Body.SHA256)
}

func TestDownstreamBodyReadable(t *testing.T) {
	cfg := DefaultConfig()

	var got string
	s, err := New(cfg)
	require.NoError(t, err)
	handler := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, 64)
		n, _ := r.Body.Read(b)
		got = string(b[:n])
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/echo", strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, `{"a":1}`, got)
}

func TestCustomBlockResponse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = loadPolicyYAML(t, authPolicy)
	cfg.BlockResponseCode = http.StatusTeapot
	cfg.BlockResponseBody = map[string]any{"denied": true}

	h := newHarness(t, cfg)
	rec := h.do("POST", "/users", `{"name":"A"}`, nil)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["denied"])
}

func TestCallbackPanicIsSwallowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogCallback = func(DecisionEvent) { panic("boom") }

	s, err := New(cfg)
	require.NoError(t, err)
	handler := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/ok", nil))
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInvalidExclusionPatternFailsConstruction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExcludePaths = []string{`(`}

	_, err := New(cfg)
	var cerr *core.ConfigurationError
	assert.ErrorAs(t, err, &cerr)
}

// ============================================================================
// Policy route behaviors
// ============================================================================

func TestUnmatchedRouteBlock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = loadPolicyYAML(t, `
policyVersion: "0.1"
defaults:
  mode: enforce
  unmatchedRouteAction: block
routes: []
`)

	h := newHarness(t, cfg)
	rec := h.do("GET", "/not-in-policy", "", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	event := h.lastEvent(t)
	require.NotEmpty(t, event.RuleHits)
	assert.Equal(t, "policy.unmatched", event.RuleHits[0].ID)
	assert.Equal(t, core.SeverityHigh, event.RuleHits[0].Severity)
}

func TestMonitorActionRuleDowngrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = loadPolicyYAML(t, `
policyVersion: "0.1"
defaults:
  mode: enforce
routes:
  - id: orders
    match:
      method: POST
      path: /orders
    rules:
      - id: shadow-auth
        type: cel
        action: monitor
        severity: high
        config:
          expr: identity.authenticated == true
          message: Would require auth
`)

	h := newHarness(t, cfg)
	rec := h.do("POST", "/orders", `{"sku":"X"}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.downstream)

	event := h.lastEvent(t)
	assert.Equal(t, core.ActionMonitor, event.Action)
	assert.Equal(t, "Would require auth", event.Reason)
}

func TestLimitsRule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = loadPolicyYAML(t, `
policyVersion: "0.1"
defaults:
  mode: enforce
routes:
  - id: bulk
    match:
      method: POST
      path: /bulk
    rules:
      - id: shape
        type: limits
        action: block
        severity: med
        config:
          maxJsonDepth: 2
          maxArrayLength: 3
`)

	h := newHarness(t, cfg)
	rec := h.do("POST", "/bulk", `{"a":{"b":{"c":1}},"items":[1,2,3,4]}`, nil)

	// Limits violations are medium severity: recorded, not blocking.
	assert.Equal(t, http.StatusOK, rec.Code)
	event := h.lastEvent(t)
	require.Len(t, event.RuleHits, 2)
	assert.Equal(t, "policy.limits", event.RuleHits[0].ID)
	assert.Equal(t, core.SeverityMedium, event.RuleHits[0].Severity)
}

func TestContractRule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = loadPolicyYAML(t, `
policyVersion: "0.1"
defaults:
  mode: enforce
routes:
  - id: users-create
    match:
      method: POST
      path: /users
    contract:
      requestSchemaRef: "#/components/schemas/User"
      rejectUnknownFields: true
    rules:
      - id: user-shape
        type: contract
        action: block
        severity: med
components:
  schemas:
    User:
      type: object
      required: [name]
      properties:
        name:
          type: string
`)

	h := newHarness(t, cfg)
	rec := h.do("POST", "/users", `{"name":"A","extra":1}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	event := h.lastEvent(t)
	require.NotEmpty(t, event.RuleHits)
	assert.Equal(t, "policy.user-shape", event.RuleHits[0].ID)
	assert.Contains(t, event.RuleHits[0].Path, "/extra")
}

func TestJWTIdentitySatisfiesAuthRule(t *testing.T) {
	secret := []byte("unit-test-secret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "user-1",
		"tenant": "acme",
		"scope":  "orders:read orders:write",
	}).SignedString(secret)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Policy = loadPolicyYAML(t, authPolicy)
	cfg.IdentityProvider = JWTIdentityProvider(secret)

	h := newHarness(t, cfg)
	rec := h.do("POST", "/users", `{"name":"A"}`, map[string]string{
		"Authorization": "Bearer " + token,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.downstream)
	assert.Equal(t, core.ActionAllow, h.lastEvent(t).Action)
}

func TestJWTIdentityRejectsBadToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = loadPolicyYAML(t, authPolicy)
	cfg.IdentityProvider = JWTIdentityProvider([]byte("unit-test-secret"))

	h := newHarness(t, cfg)
	rec := h.do("POST", "/users", `{"name":"A"}`, map[string]string{
		"Authorization": "Bearer not.a.token",
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// ============================================================================
// Webhook routes
// ============================================================================

const stripePolicy = `
policyVersion: "0.1"
defaults:
  mode: enforce
routes:
  - id: stripe-hook
    match:
      method: POST
      path: /webhooks/stripe
    webhook:
      provider: stripe
      secret: whsec_unit
    rules:
      - id: sig
        type: webhook-signature
        action: block
        severity: high
      - id: replay
        type: webhook-replay
        action: block
        severity: high
`

func stripeHeader(secret, body string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestWebhookValidSignaturePasses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = loadPolicyYAML(t, stripePolicy)

	body := `{"type":"charge.succeeded"}`
	h := newHarness(t, cfg)
	rec := h.do("POST", "/webhooks/stripe", body, map[string]string{
		"Stripe-Signature": stripeHeader("whsec_unit", body, time.Now().Unix()),
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.downstream)
}

func TestWebhookInvalidSignatureBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = loadPolicyYAML(t, stripePolicy)

	body := `{"type":"charge.succeeded"}`
	h := newHarness(t, cfg)
	rec := h.do("POST", "/webhooks/stripe", body, map[string]string{
		"Stripe-Signature": stripeHeader("wrong-secret", body, time.Now().Unix()),
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	event := h.lastEvent(t)
	require.NotEmpty(t, event.RuleHits)
	assert.Equal(t, "policy.sig", event.RuleHits[0].ID)
}

func TestWebhookReplayedTimestampBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = loadPolicyYAML(t, stripePolicy)

	body := `{"type":"charge.succeeded"}`
	old := time.Now().Add(-30 * time.Minute).Unix()
	h := newHarness(t, cfg)
	rec := h.do("POST", "/webhooks/stripe", body, map[string]string{
		"Stripe-Signature": stripeHeader("whsec_unit", body, old),
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	event := h.lastEvent(t)
	require.NotEmpty(t, event.RuleHits)
	assert.Equal(t, "policy.replay", event.RuleHits[0].ID)
}
