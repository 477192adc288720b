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

// Package shield is the middleware driver: it normalizes each request into a
// frozen context, runs the vulnerability scanner, OpenAPI schema validation,
// and policy rules over it, reduces the hits to a single decision, and either
// forwards the request or synthesizes a JSON block response.
package shield

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/contractshield/contractshield-go/cel"
	"github.com/contractshield/contractshield-go/core"
	"github.com/contractshield/contractshield-go/internal/metrics"
	"github.com/contractshield/contractshield-go/openapi"
	"github.com/contractshield/contractshield-go/policy"
	"github.com/contractshield/contractshield-go/schema"
	"github.com/contractshield/contractshield-go/vulnscan"
	"github.com/contractshield/contractshield-go/webhook"
)

// Shield is the initialized pipeline. Construct with New; safe for
// concurrent use across requests.
type Shield struct {
	cfg       Config
	log       *slog.Logger
	tracer    trace.Tracer
	policySet *policy.Set
	spec      *openapi.Spec
	evaluator cel.Evaluator
	exclude   []*regexp.Regexp

	// opValidators holds the compiled request schema per OpenAPI operation;
	// contractValidators the compiled components schemas per policy route or
	// rule; webhookSecrets the resolved secret per route.
	opValidators       map[*openapi.Operation]*schema.Validator
	contractValidators map[string]*schema.Validator
	webhookSecrets     map[string]string

	learning *learningLog
}

// New loads and compiles everything the pipeline needs. Any invalid input
// (policy, OpenAPI document, contract schema, exclusion pattern, webhook
// secret) fails here; the middleware never starts half-configured.
func New(cfg Config) (*Shield, error) {
	s := &Shield{
		cfg:                cfg,
		log:                cfg.Logger,
		tracer:             cfg.Tracer,
		opValidators:       make(map[*openapi.Operation]*schema.Validator),
		contractValidators: make(map[string]*schema.Validator),
		webhookSecrets:     make(map[string]string),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("contractshield")
	}

	if err := s.loadPolicy(); err != nil {
		return nil, err
	}
	if err := s.loadOpenAPI(); err != nil {
		return nil, err
	}

	s.evaluator = cfg.CELEvaluator
	if s.evaluator == nil {
		s.evaluator = cel.NewBuiltinEvaluator()
	}

	for _, pattern := range cfg.ExcludePaths {
		re, err := regexp.Compile(`\A(?:` + pattern + `)`)
		if err != nil {
			return nil, core.NewConfigurationError("invalid exclusion pattern %q: %v", pattern, err)
		}
		s.exclude = append(s.exclude, re)
	}

	if cfg.LearningOutputPath != "" {
		learning, err := openLearningLog(cfg.LearningOutputPath)
		if err != nil {
			return nil, core.NewConfigurationError("cannot open learning output %q: %v", cfg.LearningOutputPath, err)
		}
		s.learning = learning
	}

	metrics.Init()
	return s, nil
}

// Close releases the learning output file, if any.
func (s *Shield) Close() error {
	if s.learning != nil {
		return s.learning.close()
	}
	return nil
}

func (s *Shield) loadPolicy() error {
	switch {
	case s.cfg.Policy != nil:
		s.policySet = s.cfg.Policy
	case s.cfg.PolicyFile != "":
		set, err := policy.LoadFile(s.cfg.PolicyFile)
		if err != nil {
			return err
		}
		s.policySet = set
	default:
		return nil
	}
	if err := s.policySet.Validate(); err != nil {
		return err
	}

	for i := range s.policySet.Routes {
		route := &s.policySet.Routes[i]
		if err := s.bindRoute(route); err != nil {
			return err
		}
	}
	return nil
}

// bindRoute resolves everything a route needs at request time: contract
// validators and the webhook secret.
func (s *Shield) bindRoute(route *policy.Route) error {
	if route.Contract != nil && route.Contract.RequestSchemaRef != "" {
		v, err := s.compileContract(route.Contract)
		if err != nil {
			return core.NewConfigurationError("route %s: %v", route.ID, err)
		}
		s.contractValidators[contractKey(route, nil)] = v
	}
	for i := range route.Rules {
		rule := &route.Rules[i]
		if rule.Type == policy.RuleContract && rule.Contract != nil && rule.Contract.RequestSchemaRef != "" {
			v, err := s.compileContract(rule.Contract)
			if err != nil {
				return core.NewConfigurationError("route %s rule %s: %v", route.ID, rule.ID, err)
			}
			s.contractValidators[contractKey(route, rule)] = v
		}
	}

	if route.Webhook != nil {
		secret, err := webhook.ResolveSecret(route.Webhook.Secret, route.Webhook.SecretRef)
		if err != nil {
			return core.NewConfigurationError("route %s: %v", route.ID, err)
		}
		s.webhookSecrets[route.ID] = secret
	}
	return nil
}

func (s *Shield) compileContract(contract *policy.ContractConfig) (*schema.Validator, error) {
	doc, err := schema.ResolveRef(contract.RequestSchemaRef, s.policySet.Components)
	if err != nil {
		return nil, err
	}
	opts := []schema.Option{schema.WithComponents(s.policySet.Components)}
	if contract.RejectUnknownFields {
		opts = append(opts, schema.WithRejectUnknownFields())
	}
	return schema.Compile(doc, opts...)
}

func (s *Shield) loadOpenAPI() error {
	switch {
	case s.cfg.OpenAPI != nil:
		s.spec = s.cfg.OpenAPI
	case s.cfg.OpenAPIFile != "":
		spec, err := openapi.LoadFile(s.cfg.OpenAPIFile)
		if err != nil {
			return err
		}
		s.spec = spec
	default:
		return nil
	}

	// Request schemas compile once here; a schema the spec cannot express is
	// a fatal configuration error, not a per-request failure.
	for _, route := range s.spec.Routes {
		for _, op := range route.Operations {
			requestSchema := op.RequestSchema()
			if requestSchema == nil {
				continue
			}
			v, err := schema.Compile(requestSchema, schema.WithComponents(s.spec.Components))
			if err != nil {
				return core.NewConfigurationError("operation %s %s: %v", route.Path, op.OperationID, err)
			}
			s.opValidators[op] = v
		}
	}
	return nil
}

// Middleware wraps next with the decision pipeline.
func (s *Shield) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isExcluded(r.URL.Path) {
			metrics.ExcludedTotal.Inc()
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ctx, span := s.tracer.Start(r.Context(), "shield.request", trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		))
		defer span.End()
		r = r.WithContext(ctx)

		var route *policy.Route
		if s.policySet != nil {
			route = s.policySet.Route(r.Method, r.URL.Path)
		}
		mode := s.effectiveMode(route)

		buildStart := time.Now()
		rc, err := s.buildContext(r)
		metrics.ContextBuildDurationSeconds.Observe(time.Since(buildStart).Seconds())
		if r.Context().Err() != nil {
			return
		}
		if err != nil {
			s.handleBuildFailure(w, r, next, mode, err)
			return
		}
		if route != nil {
			rc.RouteID = route.ID
		}

		if s.cfg.IdentityProvider != nil {
			if identity, ok := s.cfg.IdentityProvider(r); ok && identity.Subject != "" {
				rc.Identity = identity
			}
		}

		hits := s.collectHits(rc, route, r)
		decision := core.Reduce(hits, mode, s.blockStatusCode())

		if r.Context().Err() != nil {
			return
		}

		event := DecisionEvent{
			Action:     decision.Action,
			StatusCode: decision.StatusCode,
			Reason:     decision.Reason,
			RuleHits:   decision.RuleHits,
			Risk:       decision.Risk,
			RequestID:  rc.ID,
			DurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
			Method:     rc.Method,
			Path:       rc.Path,
		}
		s.emit(event, mode)
		span.SetAttributes(
			attribute.String("shield.action", string(decision.Action)),
			attribute.Int("shield.risk_score", decision.Risk.Score),
		)

		if decision.Action == core.ActionBlock {
			metrics.BlockedTotal.Inc()
			s.writeBlock(w, decision.StatusCode, decision.Reason)
			return
		}
		next.ServeHTTP(w, r.WithContext(withRequestContext(r.Context(), rc)))
	})
}

// collectHits runs the three evaluation stages in their fixed order:
// vulnerability scan, schema validation, policy rules.
func (s *Shield) collectHits(rc *core.RequestContext, route *policy.Route, r *http.Request) []core.RuleHit {
	var hits []core.RuleHit

	if s.cfg.EnableVulnerabilityScan && rc.Body != nil && rc.Body.JSON != nil {
		_, span := s.tracer.Start(r.Context(), "shield.vulnscan")
		scanner := vulnscan.New(s.vulnConfig(route))
		findings := scanner.Scan(rc.Body.Raw)
		hits = append(hits, vulnscan.ToRuleHits(findings)...)
		span.End()
	}

	if s.cfg.ValidateRequest && s.spec != nil {
		_, span := s.tracer.Start(r.Context(), "shield.schema")
		hits = append(hits, s.validateRequestSchema(rc)...)
		span.End()
	}

	if s.policySet != nil {
		_, span := s.tracer.Start(r.Context(), "shield.policy")
		hits = append(hits, s.evaluatePolicy(rc, route, r)...)
		span.End()
	}
	return hits
}

// validateRequestSchema validates the parsed body against the request schema
// of the matched OpenAPI operation. Violations are medium-severity hits.
func (s *Shield) validateRequestSchema(rc *core.RequestContext) []core.RuleHit {
	op, _ := s.spec.GetOperation(rc.Path, rc.Method)
	if op == nil {
		return nil
	}
	validator := s.opValidators[op]
	if validator == nil || rc.Body == nil || rc.Body.JSON == nil {
		return nil
	}

	result := validator.Validate(rc.Body.JSON)
	var hits []core.RuleHit
	for _, e := range result.Errors {
		hits = append(hits, core.RuleHit{
			ID:       "schema.request.invalid",
			Severity: core.SeverityMedium,
			Message:  e.Message,
			Path:     e.Path,
			Value:    e.Value,
		})
	}
	return hits
}

// buildContext normalizes the raw request into the frozen context every
// evaluator reads. The body is restored on the request for downstream
// handlers.
func (s *Shield) buildContext(r *http.Request) (*core.RequestContext, error) {
	rc := &core.RequestContext{
		Version:     core.ContextVersion,
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Method:      r.Method,
		Path:        r.URL.Path,
		ContentType: r.Header.Get("Content-Type"),
		Headers:     make(map[string]string, len(r.Header)),
		Query:       make(map[string]string),
		Body:        &core.Body{},
		Runtime: core.RuntimeInfo{
			Language: "go",
			Service:  s.cfg.Service,
			Env:      s.cfg.Env,
		},
		Client: core.ClientInfo{
			IP:        clientIP(r.RemoteAddr),
			UserAgent: r.UserAgent(),
		},
	}

	// Lower-case keys, last value wins on duplicates.
	for name, values := range r.Header {
		if len(values) > 0 {
			rc.Headers[strings.ToLower(name)] = values[len(values)-1]
		}
	}
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			rc.Query[name] = values[len(values)-1]
		}
	}

	if r.Body == nil || r.Body == http.NoBody {
		return rc, nil
	}

	limit := s.cfg.MaxBodySize
	if limit <= 0 {
		limit = 1 << 20
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if int64(len(raw)) > limit {
		return nil, &core.PayloadTooLargeError{Limit: limit}
	}
	if len(raw) == 0 {
		return rc, nil
	}
	metrics.BodyBytesProcessed.Add(float64(len(raw)))

	sum := sha256.Sum256(raw)
	rc.Body = &core.Body{
		Present:   true,
		SizeBytes: len(raw),
		SHA256:    hex.EncodeToString(sum[:]),
		Raw:       raw,
	}

	if isJSONContentType(rc.ContentType) {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, &core.BodyParseError{Err: err}
		}
		rc.Body.JSON = parsed
	}
	return rc, nil
}

// handleBuildFailure acts on a context build error: enforce answers 400,
// monitor and learning forward without evaluation.
func (s *Shield) handleBuildFailure(w http.ResponseWriter, r *http.Request, next http.Handler, mode core.Mode, err error) {
	var parseErr *core.BodyParseError
	var sizeErr *core.PayloadTooLargeError
	kind := "read"
	switch {
	case errors.As(err, &parseErr):
		kind = "parse"
	case errors.As(err, &sizeErr):
		kind = "size"
	}
	s.log.Warn("request context build failed",
		"method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)

	if mode == core.ModeEnforce {
		s.writeBlock(w, http.StatusBadRequest, "Request parsing failed: "+err.Error())
		return
	}
	next.ServeHTTP(w, r)
}

// vulnConfig merges the effective policy toggles over the scanner defaults.
func (s *Shield) vulnConfig(route *policy.Route) vulnscan.Config {
	cfg := vulnscan.DefaultConfig()
	if s.policySet == nil {
		return cfg
	}
	checks := s.policySet.EffectiveVulnerabilityChecks(route)
	apply := func(dst *bool, toggle *policy.Toggle) {
		if toggle != nil {
			*dst = toggle.Enabled
		}
	}
	apply(&cfg.SQLi, checks.SQLi)
	apply(&cfg.XSS, checks.XSS)
	apply(&cfg.PrototypePollution, checks.PrototypePollution)
	apply(&cfg.PathTraversal, checks.PathTraversal)
	apply(&cfg.SSRFInternal, checks.SSRFInternal)
	apply(&cfg.NoSQLInjection, checks.NoSQLInjection)
	apply(&cfg.CommandInjection, checks.CommandInjection)
	return cfg
}

// effectiveMode: route override, then driver config, then policy default,
// then enforce.
func (s *Shield) effectiveMode(route *policy.Route) core.Mode {
	if route != nil && route.Mode != nil && route.Mode.Valid() {
		return *route.Mode
	}
	if s.cfg.Mode.Valid() {
		return s.cfg.Mode
	}
	if s.policySet != nil && s.policySet.Defaults.Mode.Valid() {
		return s.policySet.Defaults.Mode
	}
	return core.ModeEnforce
}

func (s *Shield) blockStatusCode() int {
	if s.cfg.BlockResponseCode != 0 {
		return s.cfg.BlockResponseCode
	}
	if s.policySet != nil && s.policySet.Defaults.BlockStatusCode != 0 {
		return s.policySet.Defaults.BlockStatusCode
	}
	return http.StatusForbidden
}

// emit records the decision: structured log, metrics, user callback, and the
// learning output under learning mode.
func (s *Shield) emit(event DecisionEvent, mode core.Mode) {
	metrics.RequestsTotal.WithLabelValues(string(event.Action)).Inc()
	metrics.DecisionDurationSeconds.WithLabelValues(string(event.Action)).Observe(event.DurationMs / 1000.0)
	for _, hit := range event.RuleHits {
		metrics.RuleHitsTotal.WithLabelValues(hit.ID, string(hit.Severity)).Inc()
	}

	if s.cfg.LogDecisions {
		s.logDecision(event)
	}
	if s.cfg.LogCallback != nil {
		s.invokeCallback(event)
	}
	if mode == core.ModeLearning && s.learning != nil {
		if err := s.learning.record(event); err != nil {
			s.log.Warn("learning output write failed", "error", err)
		}
	}
}

func (s *Shield) logDecision(event DecisionEvent) {
	attrs := []any{
		"action", event.Action,
		"statusCode", event.StatusCode,
		"requestId", event.RequestID,
		"method", event.Method,
		"path", event.Path,
		"hits", len(event.RuleHits),
		"riskScore", event.Risk.Score,
		"riskLevel", event.Risk.Level,
		"durationMs", event.DurationMs,
	}
	switch {
	case event.Action == core.ActionBlock:
		s.log.Warn("request blocked", append(attrs, "reason", event.Reason)...)
	case len(event.RuleHits) > 0:
		s.log.Info("request allowed with hits", attrs...)
	default:
		s.log.Debug("request allowed", attrs...)
	}
}

// invokeCallback delivers the event to the user callback. A panicking
// callback never takes the request down with it.
func (s *Shield) invokeCallback(event DecisionEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("decision callback panicked", "requestId", event.RequestID, "panic", r)
		}
	}()
	s.cfg.LogCallback(event)
}

func (s *Shield) writeBlock(w http.ResponseWriter, statusCode int, reason string) {
	body := s.cfg.BlockResponseBody
	if body == nil {
		body = map[string]any{"error": "Forbidden", "message": reason}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("block response write failed", "error", err)
	}
}

func (s *Shield) isExcluded(path string) bool {
	for _, re := range s.exclude {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// isJSONContentType prefix-matches the media type, case-insensitive,
// ignoring parameters.
func isJSONContentType(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mediaType)), "application/json")
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
