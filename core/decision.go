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

// Package core holds the value types shared by every evaluation surface:
// the normalized request context, rule hits, risk scores, and the final
// decision produced once per request.
package core

import "unicode/utf8"

// Action is the verdict of the decision pipeline for one request.
type Action string

const (
	ActionAllow   Action = "ALLOW"
	ActionBlock   Action = "BLOCK"
	ActionMonitor Action = "MONITOR"
	// ActionChallenge is reserved for interactive challenges. The reducer
	// never emits it today; it exists so decision consumers can handle it.
	ActionChallenge Action = "CHALLENGE"
)

// Severity classifies a single rule hit.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "med"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight returns the risk contribution of this severity.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 30
	case SeverityHigh:
		return 60
	case SeverityCritical:
		return 100
	}
	return 0
}

// Valid reports whether s is one of the known severity values.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// RiskLevel classifies the aggregate risk of a request.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "med"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Mode controls how a BLOCK decision is acted on.
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeMonitor Mode = "monitor"
	// ModeLearning behaves like monitor and additionally records decision
	// events for offline policy authoring.
	ModeLearning Mode = "learning"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeEnforce, ModeMonitor, ModeLearning:
		return true
	}
	return false
}

// MaxReportedValueLen caps the instance snippet carried by a rule hit.
const MaxReportedValueLen = 100

// TruncateValue shortens v for reporting. Values longer than
// MaxReportedValueLen characters are cut on a rune boundary and suffixed
// with an ellipsis.
func TruncateValue(v string) string {
	if utf8.RuneCountInString(v) <= MaxReportedValueLen {
		return v
	}
	runes := []rune(v)
	return string(runes[:MaxReportedValueLen]) + "..."
}

// RuleHit is one finding attributable to a rule or detector.
type RuleHit struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message,omitempty"`
	Path     string   `json:"path,omitempty"`
	Value    string   `json:"value,omitempty"`

	// MonitorOnly marks a hit produced by a policy rule whose action is
	// "monitor". Such hits are recorded and scored but never block.
	MonitorOnly bool `json:"-"`
}

// RiskScore is the aggregate risk assessment for a set of rule hits.
type RiskScore struct {
	Score   int       `json:"score"`
	Level   RiskLevel `json:"level"`
	Factors []string  `json:"factors,omitempty"`
}

// RiskFromHits computes the severity-weighted risk for hits. The score is
// the capped sum of the per-hit weights; the level follows the maximum
// severity among the hits, not the sum.
func RiskFromHits(hits []RuleHit) RiskScore {
	if len(hits) == 0 {
		return RiskScore{Score: 0, Level: RiskNone}
	}

	total := 0
	maxWeight := 0
	var factors []string
	for _, h := range hits {
		w := h.Severity.Weight()
		total += w
		if w > maxWeight {
			maxWeight = w
		}
		if h.Message != "" {
			factors = append(factors, h.ID+": "+h.Message)
		}
	}
	if total > 100 {
		total = 100
	}

	var level RiskLevel
	switch {
	case maxWeight >= 100:
		level = RiskCritical
	case maxWeight >= 60:
		level = RiskHigh
	case maxWeight >= 30:
		level = RiskMedium
	case maxWeight > 0:
		level = RiskLow
	default:
		level = RiskNone
	}

	return RiskScore{Score: total, Level: level, Factors: factors}
}

// RedactionDirective instructs response post-processing to hide a value.
type RedactionDirective struct {
	Path     string `json:"path"`
	Action   string `json:"action"`
	Priority int    `json:"priority"`
}

// Decision is the verdict of the pipeline for one request. It is produced
// exactly once per context and discarded after the decision event is logged.
type Decision struct {
	Version    string               `json:"version"`
	Action     Action               `json:"action"`
	StatusCode int                  `json:"statusCode"`
	Reason     string               `json:"reason,omitempty"`
	RuleHits   []RuleHit            `json:"ruleHits,omitempty"`
	Risk       RiskScore            `json:"risk"`
	Redactions []RedactionDirective `json:"redactions,omitempty"`
	Metadata   map[string]any       `json:"metadata,omitempty"`
}

// DecisionVersion is the wire version of the Decision shape.
const DecisionVersion = "0.1"

// Allow builds an ALLOW decision carrying the recorded hits.
func Allow(hits []RuleHit) Decision {
	return Decision{
		Version:    DecisionVersion,
		Action:     ActionAllow,
		StatusCode: 200,
		RuleHits:   hits,
		Risk:       RiskFromHits(hits),
	}
}

// Block builds a BLOCK decision with the given reason and status code.
func Block(reason string, hits []RuleHit, statusCode int) Decision {
	if statusCode == 0 {
		statusCode = 403
	}
	return Decision{
		Version:    DecisionVersion,
		Action:     ActionBlock,
		StatusCode: statusCode,
		Reason:     reason,
		RuleHits:   hits,
		Risk:       RiskFromHits(hits),
	}
}

// Monitor builds a MONITOR decision: the request proceeds but the hits are
// recorded and reported.
func Monitor(reason string, hits []RuleHit) Decision {
	return Decision{
		Version:    DecisionVersion,
		Action:     ActionMonitor,
		StatusCode: 200,
		Reason:     reason,
		RuleHits:   hits,
		Risk:       RiskFromHits(hits),
	}
}

// Reduce maps the combined rule hits to a decision under the effective mode.
//
// Any HIGH or CRITICAL hit blocks, taking its message as the reason; hits
// downgraded by a monitor-action policy rule are exempt and instead yield a
// MONITOR decision when they are the most severe evidence. MED and LOW hits
// are recorded but do not block. When mode is monitor or learning, a BLOCK
// is rewritten to MONITOR (same hits, status 200) before the driver acts.
func Reduce(hits []RuleHit, mode Mode, blockStatusCode int) Decision {
	var monitorReason string
	for _, h := range hits {
		if h.Severity != SeverityHigh && h.Severity != SeverityCritical {
			continue
		}
		if h.MonitorOnly {
			if monitorReason == "" {
				monitorReason = blockReason(h)
			}
			continue
		}
		d := Block(blockReason(h), hits, blockStatusCode)
		if mode != ModeEnforce {
			return Monitor(d.Reason, hits)
		}
		return d
	}
	if monitorReason != "" {
		return Monitor(monitorReason, hits)
	}
	return Allow(hits)
}

func blockReason(h RuleHit) string {
	if h.Message != "" {
		return h.Message
	}
	return "Policy violation"
}
