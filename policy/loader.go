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

package policy

import (
	"fmt"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	"github.com/contractshield/contractshield-go/core"
)

// LoadFile reads a policy from a YAML or JSON file. YAML is a superset of
// JSON here, so a single parser handles both.
func LoadFile(path string) (*Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewConfigurationError("policy file not found: %s", path)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &core.PolicyError{Message: fmt.Sprintf("failed to parse %s: %v", path, err)}
	}
	return Load(doc)
}

// Load builds a Set from a decoded policy document. Unknown top-level keys
// are ignored for forward compatibility; unknown enum values are errors.
func Load(doc map[string]any) (*Set, error) {
	if doc == nil {
		return nil, &core.PolicyError{Message: "policy must be a mapping"}
	}

	version := stringOr(doc["policyVersion"], SupportedVersion)
	if version != SupportedVersion {
		return nil, &core.PolicyError{
			Message:       "unsupported policy version: " + version,
			PolicyVersion: version,
		}
	}

	defaults, err := parseDefaults(asMap(doc["defaults"]))
	if err != nil {
		return nil, err
	}

	var routes []Route
	for i, rd := range asSlice(doc["routes"]) {
		route, err := parseRoute(asMap(rd))
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		routes = append(routes, route)
	}

	set := &Set{
		Version:    version,
		Defaults:   defaults,
		Routes:     routes,
		Components: asMap(doc["components"]),
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

func parseDefaults(data map[string]any) (Defaults, error) {
	d := Defaults{
		Mode:                 core.ModeEnforce,
		UnmatchedRouteAction: UnmatchedAllow,
		BlockStatusCode:      403,
		VulnerabilityChecks:  defaultVulnerabilityChecks(),
	}

	if v, ok := data["mode"]; ok {
		d.Mode = core.Mode(stringOr(v, ""))
		if !d.Mode.Valid() {
			return d, &core.PolicyError{Message: fmt.Sprintf("unknown mode %q", d.Mode)}
		}
	}
	if v, ok := data["unmatchedRouteAction"]; ok {
		d.UnmatchedRouteAction = UnmatchedAction(stringOr(v, ""))
		if !d.UnmatchedRouteAction.Valid() {
			return d, &core.PolicyError{Message: fmt.Sprintf("unknown unmatchedRouteAction %q", d.UnmatchedRouteAction)}
		}
	}
	if resp := asMap(data["response"]); resp != nil {
		if code, ok := intOf(resp["blockStatusCode"]); ok {
			d.BlockStatusCode = code
		}
	}
	if lm := asMap(data["limits"]); lm != nil {
		limits, err := parseLimits(lm)
		if err != nil {
			return d, err
		}
		d.Limits = *limits
	}
	if vc := asMap(data["vulnerabilityChecks"]); vc != nil {
		checks, err := parseVulnerabilityChecks(vc)
		if err != nil {
			return d, err
		}
		mergeVulnerabilityChecks(&d.VulnerabilityChecks, checks)
	}
	return d, nil
}

// defaultVulnerabilityChecks enables the low-noise families and keeps the
// noisy ones (nosql, command injection) opt-in.
func defaultVulnerabilityChecks() VulnerabilityChecks {
	on := func(enabled bool) *Toggle { return &Toggle{Enabled: enabled} }
	return VulnerabilityChecks{
		SQLi:               on(true),
		XSS:                on(true),
		PrototypePollution: on(true),
		PathTraversal:      on(true),
		SSRFInternal:       on(true),
		NoSQLInjection:     on(false),
		CommandInjection:   on(false),
	}
}

func mergeVulnerabilityChecks(dst *VulnerabilityChecks, src *VulnerabilityChecks) {
	if src.SQLi != nil {
		dst.SQLi = src.SQLi
	}
	if src.XSS != nil {
		dst.XSS = src.XSS
	}
	if src.PrototypePollution != nil {
		dst.PrototypePollution = src.PrototypePollution
	}
	if src.PathTraversal != nil {
		dst.PathTraversal = src.PathTraversal
	}
	if src.SSRFInternal != nil {
		dst.SSRFInternal = src.SSRFInternal
	}
	if src.NoSQLInjection != nil {
		dst.NoSQLInjection = src.NoSQLInjection
	}
	if src.CommandInjection != nil {
		dst.CommandInjection = src.CommandInjection
	}
}

func parseRoute(data map[string]any) (Route, error) {
	if data == nil {
		return Route{}, &core.PolicyError{Message: "route must be a mapping"}
	}
	match := asMap(data["match"])
	route := Route{
		ID: stringOr(data["id"], "unnamed"),
		Match: RouteMatch{
			Method: stringOr(match["method"], "GET"),
			Path:   stringOr(match["path"], "/"),
		},
	}

	if v, ok := data["mode"]; ok {
		mode := core.Mode(stringOr(v, ""))
		if !mode.Valid() {
			return route, &core.PolicyError{Message: fmt.Sprintf("unknown mode %q", mode), RouteID: route.ID}
		}
		route.Mode = &mode
	}
	if cd := asMap(data["contract"]); cd != nil {
		var cc ContractConfig
		if err := decodeConfig(cd, &cc); err != nil {
			return route, &core.PolicyError{Message: "invalid contract block: " + err.Error(), RouteID: route.ID}
		}
		route.Contract = &cc
	}
	if wd := asMap(data["webhook"]); wd != nil {
		wc := WebhookConfig{RequireRawBody: true, TimestampTolerance: 300, ReplayProtection: true}
		if err := decodeConfig(wd, &wc); err != nil {
			return route, &core.PolicyError{Message: "invalid webhook block: " + err.Error(), RouteID: route.ID}
		}
		route.Webhook = &wc
	}
	if vd := asMap(data["vulnerability"]); vd != nil {
		checks, err := parseVulnerabilityChecks(vd)
		if err != nil {
			return route, err
		}
		route.Vulnerability = checks
	}
	if ld := asMap(data["limits"]); ld != nil {
		limits, err := parseLimits(ld)
		if err != nil {
			return route, err
		}
		route.Limits = limits
	}

	for i, rd := range asSlice(data["rules"]) {
		rule, err := parseRule(asMap(rd))
		if err != nil {
			return route, fmt.Errorf("route %s rules[%d]: %w", route.ID, i, err)
		}
		route.Rules = append(route.Rules, rule)
	}
	return route, nil
}

func parseRule(data map[string]any) (Rule, error) {
	if data == nil {
		return Rule{}, &core.PolicyError{Message: "rule must be a mapping"}
	}
	rule := Rule{
		ID:       stringOr(data["id"], "unnamed"),
		Type:     RuleType(stringOr(data["type"], string(RuleCEL))),
		Action:   RuleAction(stringOr(data["action"], string(RuleActionBlock))),
		Severity: core.Severity(stringOr(data["severity"], string(core.SeverityHigh))),
	}
	if !rule.Type.Valid() {
		return rule, &core.PolicyError{Message: fmt.Sprintf("rule %s: unknown type %q", rule.ID, rule.Type)}
	}
	if !rule.Action.Valid() {
		return rule, &core.PolicyError{Message: fmt.Sprintf("rule %s: unknown action %q", rule.ID, rule.Action)}
	}
	if !rule.Severity.Valid() {
		return rule, &core.PolicyError{Message: fmt.Sprintf("rule %s: unknown severity %q", rule.ID, rule.Severity)}
	}

	cfg := asMap(data["config"])
	switch rule.Type {
	case RuleCEL:
		var c CELRule
		if err := decodeConfig(cfg, &c); err != nil {
			return rule, &core.PolicyError{Message: fmt.Sprintf("rule %s: %v", rule.ID, err)}
		}
		if c.Expr == "" {
			return rule, &core.PolicyError{Message: fmt.Sprintf("rule %s: cel rule requires config.expr", rule.ID)}
		}
		rule.CEL = &c
	case RuleContract:
		var c ContractConfig
		if err := decodeConfig(cfg, &c); err != nil {
			return rule, &core.PolicyError{Message: fmt.Sprintf("rule %s: %v", rule.ID, err)}
		}
		rule.Contract = &c
	case RuleLimits:
		limits, err := parseLimits(cfg)
		if err != nil {
			return rule, &core.PolicyError{Message: fmt.Sprintf("rule %s: %v", rule.ID, err)}
		}
		rule.Limits = limits
	case RuleWebhookSignature, RuleWebhookReplay:
		// Verification settings come from the route's webhook block.
	}
	return rule, nil
}

func parseLimits(data map[string]any) (*Limits, error) {
	var l Limits
	if v, ok := data["maxBodyBytes"]; ok {
		n, ok := int64Of(v)
		if !ok {
			return nil, core.NewConfigurationError("limits.maxBodyBytes must be an integer")
		}
		l.MaxBodyBytes = &n
	}
	if v, ok := data["maxJsonDepth"]; ok {
		n, ok := intOf(v)
		if !ok {
			return nil, core.NewConfigurationError("limits.maxJsonDepth must be an integer")
		}
		l.MaxJSONDepth = &n
	}
	if v, ok := data["maxArrayLength"]; ok {
		n, ok := intOf(v)
		if !ok {
			return nil, core.NewConfigurationError("limits.maxArrayLength must be an integer")
		}
		l.MaxArrayLength = &n
	}
	return &l, nil
}

func parseVulnerabilityChecks(data map[string]any) (*VulnerabilityChecks, error) {
	var vc VulnerabilityChecks
	fields := map[string]**Toggle{
		"sqli":               &vc.SQLi,
		"xss":                &vc.XSS,
		"prototypePollution": &vc.PrototypePollution,
		"pathTraversal":      &vc.PathTraversal,
		"ssrfInternal":       &vc.SSRFInternal,
		"nosqlInjection":     &vc.NoSQLInjection,
		"commandInjection":   &vc.CommandInjection,
	}
	for key, dst := range fields {
		v, ok := data[key]
		if !ok {
			continue
		}
		t, err := parseToggle(key, v)
		if err != nil {
			return nil, err
		}
		*dst = t
	}
	return &vc, nil
}

// parseToggle accepts either a bool or a mapping with detector options. A
// mapping implies enabled unless it carries enabled: false.
func parseToggle(key string, v any) (*Toggle, error) {
	switch tv := v.(type) {
	case bool:
		return &Toggle{Enabled: tv}, nil
	case map[string]any:
		t := &Toggle{Enabled: true, Options: tv}
		if e, ok := tv["enabled"].(bool); ok {
			t.Enabled = e
		}
		return t, nil
	default:
		return nil, core.NewConfigurationError("vulnerabilityChecks.%s must be a bool or a mapping", key)
	}
}

// decodeConfig maps a free-form config mapping onto a typed struct, failing
// on type mismatches but ignoring unknown keys.
func decodeConfig(data map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func intOf(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case uint64:
		return int(n), true
	}
	return 0, false
}

func int64Of(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case uint64:
		return int64(n), true
	}
	return 0, false
}
