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
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/contractshield/contractshield-go/cel"
	"github.com/contractshield/contractshield-go/core"
	"github.com/contractshield/contractshield-go/openapi"
	"github.com/contractshield/contractshield-go/policy"
)

// IdentityProvider installs a caller identity into the request context before
// evaluators run. Returning false (or an identity with an empty subject)
// leaves the context unauthenticated.
type IdentityProvider func(r *http.Request) (core.Identity, bool)

// Config configures the middleware. Start from DefaultConfig and override;
// the zero value disables every evaluation stage.
type Config struct {
	// Policy is a preloaded policy set. PolicyFile is loaded at New when
	// Policy is nil.
	Policy     *policy.Set
	PolicyFile string

	// OpenAPI is a preloaded spec. OpenAPIFile is loaded at New when
	// OpenAPI is nil.
	OpenAPI     *openapi.Spec
	OpenAPIFile string

	// ValidateRequest enables request body validation against the matched
	// OpenAPI operation schema.
	ValidateRequest bool
	// ValidateResponse is recognized but reserved; response body validation
	// is out of scope for the pipeline today.
	ValidateResponse bool

	// EnableVulnerabilityScan gates the whole scanner. Per-family toggles
	// come from the policy (defaults and per-route vulnerabilityChecks).
	EnableVulnerabilityScan bool

	// Mode overrides the policy default mode. A per-route mode override in
	// the policy still wins over this.
	Mode core.Mode

	// BlockResponseCode overrides the status code of synthesized block
	// responses. Zero means the policy default (403 absent a policy).
	BlockResponseCode int
	// BlockResponseBody replaces the default block body
	// {"error":"Forbidden","message":<reason>} when non-nil.
	BlockResponseBody map[string]any

	// LogDecisions emits one structured log record per decision.
	LogDecisions bool
	// LogCallback receives the decision event synchronously. Panics and
	// errors inside the callback are swallowed and logged at warn.
	LogCallback func(DecisionEvent)

	// MaxBodySize caps the request body read, in bytes.
	MaxBodySize int64

	// ExcludePaths are regular expressions matched against the request path
	// with an implicit start anchor. A match short-circuits the pipeline.
	ExcludePaths []string

	// CELEvaluator replaces the built-in safe evaluator, typically with the
	// cel-go backed one for full grammar support.
	CELEvaluator cel.Evaluator

	// IdentityProvider is invoked before evaluators run.
	IdentityProvider IdentityProvider

	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Tracer defaults to a noop tracer.
	Tracer trace.Tracer

	// LearningOutputPath receives one JSON line per decision when the
	// effective mode is learning.
	LearningOutputPath string

	// Service and Env describe the embedding service in the runtime section
	// of the request context.
	Service string
	Env     string
}

// DefaultConfig returns the recommended starting configuration: request
// validation and vulnerability scanning on, decisions logged, 1 MiB body cap.
func DefaultConfig() Config {
	return Config{
		ValidateRequest:         true,
		EnableVulnerabilityScan: true,
		LogDecisions:            true,
		MaxBodySize:             1 << 20,
	}
}
