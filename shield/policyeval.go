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
	"fmt"
	"net/http"
	"time"

	"github.com/contractshield/contractshield-go/core"
	"github.com/contractshield/contractshield-go/policy"
	"github.com/contractshield/contractshield-go/webhook"
)

// evaluatePolicy runs the policy rules bound to the matched route and returns
// their hits in rule declaration order. Webhook verification runs first so
// that ctx.Webhook is populated before any CEL rule reads it.
func (s *Shield) evaluatePolicy(rc *core.RequestContext, route *policy.Route, r *http.Request) []core.RuleHit {
	if route == nil {
		return s.unmatchedRouteHits(rc)
	}

	var verification *webhook.Verification
	if route.Webhook != nil {
		verification = s.verifyWebhook(rc, route, r)
	}

	ctxMap := rc.ToMap()

	var hits []core.RuleHit
	for i := range route.Rules {
		rule := &route.Rules[i]
		ruleHits := s.evaluateRule(rc, route, rule, ctxMap, verification)
		if len(ruleHits) == 0 {
			continue
		}
		switch rule.Action {
		case policy.RuleActionAllow:
			// Carve-out: the rule matched but its hits are suppressed.
			continue
		case policy.RuleActionMonitor:
			for j := range ruleHits {
				ruleHits[j].MonitorOnly = true
			}
		}
		hits = append(hits, ruleHits...)
	}
	return hits
}

// unmatchedRouteHits maps the unmatchedRouteAction default to at most one hit.
func (s *Shield) unmatchedRouteHits(rc *core.RequestContext) []core.RuleHit {
	message := fmt.Sprintf("No policy route matches: %s %s", rc.Method, rc.Path)
	switch s.policySet.Defaults.UnmatchedRouteAction {
	case policy.UnmatchedBlock:
		return []core.RuleHit{{ID: "policy.unmatched", Severity: core.SeverityHigh, Message: message}}
	case policy.UnmatchedMonitor:
		return []core.RuleHit{{ID: "policy.unmatched", Severity: core.SeverityMedium, Message: message}}
	}
	return nil
}

// verifyWebhook runs the provider HMAC and replay checks once per request and
// installs the outcome into the context.
func (s *Shield) verifyWebhook(rc *core.RequestContext, route *policy.Route, r *http.Request) *webhook.Verification {
	cfg := route.Webhook
	secret := s.webhookSecrets[route.ID]

	var body []byte
	if rc.Body != nil {
		body = rc.Body.Raw
	}
	v, err := webhook.Verify(cfg.Provider, secret, time.Duration(cfg.TimestampTolerance)*time.Second, webhook.Request{
		Method:  rc.Method,
		URL:     requestURL(r),
		Headers: rc.Headers,
		Body:    body,
		Now:     time.Now(),
	})
	if err != nil {
		s.log.Warn("webhook verification failed", "route", route.ID, "provider", cfg.Provider, "error", err)
		v = webhook.Verification{Reason: err.Error()}
	}

	rc.Webhook = core.WebhookInfo{
		Provider:       cfg.Provider,
		SignatureValid: &v.SignatureValid,
	}
	if v.TimestampKnown {
		replayed := v.Replayed
		rc.Webhook.Replayed = &replayed
	}
	return &v
}

func (s *Shield) evaluateRule(rc *core.RequestContext, route *policy.Route, rule *policy.Rule, ctxMap map[string]any, verification *webhook.Verification) []core.RuleHit {
	switch rule.Type {
	case policy.RuleCEL:
		return s.evaluateCELRule(rule, ctxMap)
	case policy.RuleWebhookSignature:
		if verification == nil {
			return configMissingHit(rule, "no webhook configuration on route")
		}
		if !verification.SignatureValid {
			return []core.RuleHit{{
				ID:       "policy." + rule.ID,
				Severity: rule.Severity,
				Message:  "Webhook signature verification failed: " + verification.Reason,
			}}
		}
	case policy.RuleWebhookReplay:
		if verification == nil {
			return configMissingHit(rule, "no webhook configuration on route")
		}
		if verification.Replayed {
			return []core.RuleHit{{
				ID:       "policy." + rule.ID,
				Severity: rule.Severity,
				Message:  "Webhook timestamp outside the tolerance window",
			}}
		}
	case policy.RuleContract:
		return s.evaluateContractRule(rc, route, rule)
	case policy.RuleLimits:
		return s.evaluateLimitsRule(rc, route, rule)
	}
	return nil
}

// evaluateCELRule treats the expression as a requirement: the rule fires when
// the expression does not hold. Evaluation failures never abort the pipeline;
// they are recorded as low-severity hits.
func (s *Shield) evaluateCELRule(rule *policy.Rule, ctxMap map[string]any) []core.RuleHit {
	ok, err := s.evaluator.Evaluate(rule.CEL.Expr, ctxMap)
	if err != nil {
		return []core.RuleHit{{
			ID:       "policy.cel_error." + rule.ID,
			Severity: core.SeverityLow,
			Message:  "Expression evaluation error: " + err.Error(),
		}}
	}
	if ok {
		return nil
	}
	message := rule.CEL.Message
	if message == "" {
		message = "Policy rule violated: " + rule.CEL.Expr
	}
	return []core.RuleHit{{
		ID:       "policy." + rule.ID,
		Severity: rule.Severity,
		Message:  message,
	}}
}

// evaluateContractRule validates the parsed body against the components
// schema bound to the rule (or the route's contract block).
func (s *Shield) evaluateContractRule(rc *core.RequestContext, route *policy.Route, rule *policy.Rule) []core.RuleHit {
	validator := s.contractValidators[contractKey(route, rule)]
	if validator == nil {
		validator = s.contractValidators[contractKey(route, nil)]
	}
	if validator == nil {
		return configMissingHit(rule, "no contract schema bound to rule")
	}
	if rc.Body == nil || rc.Body.JSON == nil {
		return nil
	}

	result := validator.Validate(rc.Body.JSON)
	var hits []core.RuleHit
	for _, e := range result.Errors {
		hits = append(hits, core.RuleHit{
			ID:       "policy." + rule.ID,
			Severity: core.SeverityMedium,
			Message:  e.Message,
			Path:     e.Path,
			Value:    e.Value,
		})
	}
	return hits
}

// evaluateLimitsRule checks the rule's limits (falling back to the effective
// route/defaults limits) over the normalized body.
func (s *Shield) evaluateLimitsRule(rc *core.RequestContext, route *policy.Route, rule *policy.Rule) []core.RuleHit {
	limits := rule.Limits
	if limits == nil {
		effective := s.policySet.EffectiveLimits(route)
		limits = &effective
	}

	var hits []core.RuleHit
	add := func(message string) {
		hits = append(hits, core.RuleHit{
			ID:       "policy.limits",
			Severity: core.SeverityMedium,
			Message:  message,
		})
	}

	if rc.Body != nil {
		if limits.MaxBodyBytes != nil && int64(rc.Body.SizeBytes) > *limits.MaxBodyBytes {
			add(fmt.Sprintf("Request body of %d bytes exceeds the %d byte limit", rc.Body.SizeBytes, *limits.MaxBodyBytes))
		}
		if rc.Body.JSON != nil {
			if limits.MaxJSONDepth != nil {
				if depth := jsonDepth(rc.Body.JSON); depth > *limits.MaxJSONDepth {
					add(fmt.Sprintf("JSON nesting depth %d exceeds the limit of %d", depth, *limits.MaxJSONDepth))
				}
			}
			if limits.MaxArrayLength != nil {
				if longest := longestArray(rc.Body.JSON); longest > *limits.MaxArrayLength {
					add(fmt.Sprintf("Array of %d elements exceeds the limit of %d", longest, *limits.MaxArrayLength))
				}
			}
		}
	}
	return hits
}

func configMissingHit(rule *policy.Rule, reason string) []core.RuleHit {
	return []core.RuleHit{{
		ID:       "policy.cel_error." + rule.ID,
		Severity: core.SeverityLow,
		Message:  fmt.Sprintf("Rule %s misconfigured: %s", rule.ID, reason),
	}}
}

// contractKey names the compiled validator for a route (rule == nil) or a
// rule-level contract override.
func contractKey(route *policy.Route, rule *policy.Rule) string {
	if rule == nil {
		return route.ID
	}
	return route.ID + "#" + rule.ID
}

// jsonDepth is the nesting depth of a decoded JSON value. Scalars have depth
// one.
func jsonDepth(v any) int {
	switch tv := v.(type) {
	case map[string]any:
		deepest := 0
		for _, child := range tv {
			if d := jsonDepth(child); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	case []any:
		deepest := 0
		for _, child := range tv {
			if d := jsonDepth(child); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	}
	return 1
}

// longestArray is the length of the longest array anywhere in the value.
func longestArray(v any) int {
	longest := 0
	switch tv := v.(type) {
	case map[string]any:
		for _, child := range tv {
			if l := longestArray(child); l > longest {
				longest = l
			}
		}
	case []any:
		longest = len(tv)
		for _, child := range tv {
			if l := longestArray(child); l > longest {
				longest = l
			}
		}
	}
	return longest
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
