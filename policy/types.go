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

// Package policy holds the in-memory representation of a ContractShield
// policy file: routes, typed rules, defaults, limits, and vulnerability
// toggles, with effective-setting queries over route overrides.
package policy

import (
	"strings"

	"github.com/contractshield/contractshield-go/core"
)

// SupportedVersion is the only policy file version accepted by the loader.
const SupportedVersion = "0.1"

// UnmatchedAction selects what happens when no policy route matches.
type UnmatchedAction string

const (
	UnmatchedAllow   UnmatchedAction = "allow"
	UnmatchedBlock   UnmatchedAction = "block"
	UnmatchedMonitor UnmatchedAction = "monitor"
)

// Valid reports whether a is a known unmatched-route action.
func (a UnmatchedAction) Valid() bool {
	switch a {
	case UnmatchedAllow, UnmatchedBlock, UnmatchedMonitor:
		return true
	}
	return false
}

// RuleType discriminates the rule variants.
type RuleType string

const (
	RuleCEL              RuleType = "cel"
	RuleWebhookSignature RuleType = "webhook-signature"
	RuleWebhookReplay    RuleType = "webhook-replay"
	RuleContract         RuleType = "contract"
	RuleLimits           RuleType = "limits"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleCEL, RuleWebhookSignature, RuleWebhookReplay, RuleContract, RuleLimits:
		return true
	}
	return false
}

// RuleAction is what a triggered rule does with its hit.
type RuleAction string

const (
	// RuleActionAllow suppresses the hit entirely (carve-outs).
	RuleActionAllow RuleAction = "allow"
	// RuleActionBlock lets the hit block at its severity.
	RuleActionBlock RuleAction = "block"
	// RuleActionMonitor downgrades the hit to monitor-only regardless of
	// severity.
	RuleActionMonitor RuleAction = "monitor"
)

// Valid reports whether a is a known rule action.
func (a RuleAction) Valid() bool {
	switch a {
	case RuleActionAllow, RuleActionBlock, RuleActionMonitor:
		return true
	}
	return false
}

// CELRule is the typed config of a "cel" rule.
type CELRule struct {
	Expr    string `mapstructure:"expr"`
	Message string `mapstructure:"message"`
}

// ContractConfig configures contract validation for a route or rule.
type ContractConfig struct {
	RequestSchemaRef    string `mapstructure:"requestSchemaRef"`
	ResponseSchemaRef   string `mapstructure:"responseSchemaRef"`
	RejectUnknownFields bool   `mapstructure:"rejectUnknownFields"`
}

// WebhookConfig configures webhook signature verification for a route.
type WebhookConfig struct {
	Provider           string   `mapstructure:"provider"`
	SecretRef          string   `mapstructure:"secretRef"`
	Secret             string   `mapstructure:"secret"`
	RequireRawBody     bool     `mapstructure:"requireRawBody"`
	TimestampTolerance int      `mapstructure:"timestampTolerance"`
	ReplayProtection   bool     `mapstructure:"replayProtection"`
	AllowedEventTypes  []string `mapstructure:"allowedEventTypes"`
}

// Limits bounds the request shape. A nil field means "not set"; effective
// limits fall back to the defaults.
type Limits struct {
	MaxBodyBytes   *int64 `mapstructure:"maxBodyBytes"`
	MaxJSONDepth   *int   `mapstructure:"maxJsonDepth"`
	MaxArrayLength *int   `mapstructure:"maxArrayLength"`
}

// Toggle is a per-family vulnerability switch: either a plain bool or a map
// with detector-specific options.
type Toggle struct {
	Enabled bool
	Options map[string]any
}

// VulnerabilityChecks carries the per-family toggles a policy can set.
// Pointer fields distinguish "unset" (inherit the default) from an explicit
// route-level override.
type VulnerabilityChecks struct {
	SQLi               *Toggle
	XSS                *Toggle
	PrototypePollution *Toggle
	PathTraversal      *Toggle
	SSRFInternal       *Toggle
	NoSQLInjection     *Toggle
	CommandInjection   *Toggle
}

// Rule is one policy rule. Exactly one of the typed configs matching Type
// is populated once loaded; the free-form map never survives loading.
type Rule struct {
	ID       string
	Type     RuleType
	Action   RuleAction
	Severity core.Severity

	CEL      *CELRule
	Contract *ContractConfig
	Limits   *Limits
}

// RouteMatch is the exact-match criteria of a policy route. Path templating
// lives in the OpenAPI spec, not here.
type RouteMatch struct {
	Method string
	Path   string
}

// Route is one policy route definition.
type Route struct {
	ID            string
	Match         RouteMatch
	Mode          *core.Mode
	Contract      *ContractConfig
	Webhook       *WebhookConfig
	Vulnerability *VulnerabilityChecks
	Rules         []Rule
	Limits        *Limits
}

// Defaults are the policy-wide settings routes inherit.
type Defaults struct {
	Mode                 core.Mode
	UnmatchedRouteAction UnmatchedAction
	BlockStatusCode      int
	Limits               Limits
	VulnerabilityChecks  VulnerabilityChecks
}

// Set is a loaded policy file. It is read-only after loading and safe for
// unsynchronized concurrent reads.
type Set struct {
	Version    string
	Defaults   Defaults
	Routes     []Route
	Components map[string]any
}

// Route returns the first route whose method and exact path match, or nil.
// First insertion wins under duplicate definitions.
func (s *Set) Route(method, path string) *Route {
	method = strings.ToUpper(method)
	for i := range s.Routes {
		r := &s.Routes[i]
		if strings.ToUpper(r.Match.Method) == method && r.Match.Path == path {
			return r
		}
	}
	return nil
}

// EffectiveMode returns the route's mode override, or the default mode.
func (s *Set) EffectiveMode(route *Route) core.Mode {
	if route != nil && route.Mode != nil {
		return *route.Mode
	}
	return s.Defaults.Mode
}

// EffectiveLimits merges route limits over the defaults field by field.
func (s *Set) EffectiveLimits(route *Route) Limits {
	eff := s.Defaults.Limits
	if route == nil || route.Limits == nil {
		return eff
	}
	if route.Limits.MaxBodyBytes != nil {
		eff.MaxBodyBytes = route.Limits.MaxBodyBytes
	}
	if route.Limits.MaxJSONDepth != nil {
		eff.MaxJSONDepth = route.Limits.MaxJSONDepth
	}
	if route.Limits.MaxArrayLength != nil {
		eff.MaxArrayLength = route.Limits.MaxArrayLength
	}
	return eff
}

// EffectiveVulnerabilityChecks merges route toggles over the defaults.
func (s *Set) EffectiveVulnerabilityChecks(route *Route) VulnerabilityChecks {
	eff := s.Defaults.VulnerabilityChecks
	if route == nil || route.Vulnerability == nil {
		return eff
	}
	mergeVulnerabilityChecks(&eff, route.Vulnerability)
	return eff
}

// Validate checks cross-cutting invariants that the per-field parsing
// cannot: unique route ids and non-negative limits.
func (s *Set) Validate() error {
	seen := make(map[string]bool, len(s.Routes))
	for _, r := range s.Routes {
		if seen[r.ID] {
			return core.NewConfigurationError("duplicate route id %q", r.ID)
		}
		seen[r.ID] = true
		if err := validateLimits(r.Limits); err != nil {
			return err
		}
	}
	return validateLimits(&s.Defaults.Limits)
}

func validateLimits(l *Limits) error {
	if l == nil {
		return nil
	}
	if l.MaxBodyBytes != nil && *l.MaxBodyBytes < 0 {
		return core.NewConfigurationError("limits.maxBodyBytes must be non-negative")
	}
	if l.MaxJSONDepth != nil && *l.MaxJSONDepth < 0 {
		return core.NewConfigurationError("limits.maxJsonDepth must be non-negative")
	}
	if l.MaxArrayLength != nil && *l.MaxArrayLength < 0 {
		return core.NewConfigurationError("limits.maxArrayLength must be non-negative")
	}
	return nil
}
