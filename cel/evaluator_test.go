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

package cel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contractshield/contractshield-go/core"
)

func evalContext() map[string]any {
	return map[string]any{
		"version": "0.1",
		"id":      "req-1",
		"request": map[string]any{
			"method": "POST",
			"path":   "/users",
			"headers": map[string]any{
				"x-api-version": "2",
			},
			"query": map[string]any{
				"dryRun": "true",
			},
			"body": map[string]any{
				"present":   true,
				"sizeBytes": 64,
				"json": map[string]any{
					"role":        "admin",
					"userId":      "u-7",
					"count":       float64(12),
					"tags":        []any{"a", "b", "c"},
					"displayName": "café",
				},
			},
		},
		"identity": map[string]any{
			"authenticated": true,
			"subject":       "u-7",
			"tenant":        "acme",
		},
		"client":  map[string]any{"ip": "203.0.113.9"},
		"runtime": map[string]any{"language": "go"},
		"webhook": map[string]any{"provider": "", "signatureValid": nil, "replayed": nil},
	}
}

// ============================================================================
// Built-in evaluator
// ============================================================================

func TestBuiltin_Leaves(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{`identity.authenticated == true`, true},
		{`identity.authenticated == false`, false},
		{`request.body.role == "admin"`, true},
		{`request.body.role == "user"`, false},
		{`request.body.role != "user"`, true},
		{`request.body.json.role == "admin"`, true},
		{`request.method == "POST"`, true},
		{`request.body.count == 12`, true},
		{`request.body.count > 10`, true},
		{`request.body.count >= 12`, true},
		{`request.body.count < 10`, false},
		{`request.body.count <= 12`, true},
		{`request.body.missing > 0`, false},
		{`request.body.role > 3`, false}, // non-numeric value
		{`size(request.body.tags) <= 3`, true},
		{`size(request.body.tags) > 3`, false},
		{`size(request.body.role) == 5`, true},
		{`size(request.body.displayName) == 4`, true}, // characters, not bytes
		{`size(request.body.displayName) == 5`, false},
		{`size(request.body.missing) == 0`, true},
		{`request.body.role in ["admin", "root"]`, true},
		{`request.body.role in ["user", "guest"]`, false},
		{`request.body.count in [11, 12]`, true},
		{`identity.subject == request.body.userId`, true},
		{`identity.tenant == request.body.userId`, false},
		{`request.query.dryRun == "true"`, true},
	}
	e := NewBuiltinEvaluator()
	ctx := evalContext()
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := e.Evaluate(tc.expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBuiltin_Compound(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{`identity.authenticated == true && request.body.role == "admin"`, true},
		{`identity.authenticated == true && request.body.role == "user"`, false},
		{`request.body.role == "user" || request.body.role == "admin"`, true},
		{`request.body.role == "user" || request.body.role == "guest"`, false},
		{`identity.authenticated == false || request.body.count > 10 && size(request.body.tags) <= 3`, true},
	}
	e := NewBuiltinEvaluator()
	ctx := evalContext()
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := e.Evaluate(tc.expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBuiltin_UnsupportedPattern(t *testing.T) {
	e := NewBuiltinEvaluator()
	_, err := e.Evaluate(`request.body.items.exists(i, i.price > 100)`, evalContext())
	var cerr *core.CELEvaluationError
	require.ErrorAs(t, err, &cerr)
	assert.NotEmpty(t, cerr.Expression)
}

func TestBuiltin_QuotedCommaInList(t *testing.T) {
	e := NewBuiltinEvaluator()
	ctx := map[string]any{
		"request": map[string]any{
			"body": map[string]any{"json": map[string]any{"note": "a,b"}},
		},
	}
	got, err := e.Evaluate(`request.body.note in ["a,b", "c"]`, ctx)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestBuiltin_DoesNotMutateContext(t *testing.T) {
	e := NewBuiltinEvaluator()
	ctx := evalContext()
	_, err := e.Evaluate(`request.body.role == "admin" && size(request.body.tags) <= 3`, ctx)
	require.NoError(t, err)
	assert.Equal(t, evalContext(), ctx)
}

// ============================================================================
// cel-go evaluator
// ============================================================================

func TestCELGo_FullGrammar(t *testing.T) {
	e, err := NewCELGoEvaluator()
	require.NoError(t, err)
	ctx := evalContext()

	tests := []struct {
		expr string
		want bool
	}{
		{`identity.authenticated == true`, true},
		{`request.body.json.role == "admin"`, true},
		{`request.body.json.role.startsWith("adm")`, true},
		{`size(request.body.json.tags) == 3`, true},
		{`request.body.json.tags.exists(tag, tag == "b")`, true},
		{`"role" in request.body.json`, true},
		{`request.method == "POST" && identity.subject == request.body.json.userId`, true},
	}
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := e.Evaluate(tc.expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCELGo_CompileErrorIsTyped(t *testing.T) {
	e, err := NewCELGoEvaluator()
	require.NoError(t, err)

	_, err = e.Evaluate(`request.method ==`, evalContext())
	var cerr *core.CELEvaluationError
	assert.ErrorAs(t, err, &cerr)
}

func TestCELGo_NonBooleanResultRejected(t *testing.T) {
	e, err := NewCELGoEvaluator()
	require.NoError(t, err)

	_, err = e.Evaluate(`request.method`, evalContext())
	var cerr *core.CELEvaluationError
	assert.ErrorAs(t, err, &cerr)
}

func TestCELGo_ProgramCacheReuse(t *testing.T) {
	e, err := NewCELGoEvaluator()
	require.NoError(t, err)

	const expr = `identity.authenticated == true`
	_, err = e.Evaluate(expr, evalContext())
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.programCache[expr]
	e.mu.RUnlock()
	assert.True(t, cached)
}

// ============================================================================
// Backend agreement on the safe subset
// ============================================================================

func TestBackends_AgreeOnSafeSubset(t *testing.T) {
	builtin := NewBuiltinEvaluator()
	full, err := NewCELGoEvaluator()
	require.NoError(t, err)

	// Expressions written with explicit .json. paths so both backends
	// resolve the same locations.
	exprs := []string{
		`identity.authenticated == true`,
		`identity.authenticated == false`,
		`request.body.json.role == "admin"`,
		`request.body.json.role != "user"`,
		`request.method == "POST"`,
		`size(request.body.json.tags) <= 3`,
		`size(request.body.json.displayName) == 4`,
		`identity.authenticated == true && request.method == "POST"`,
		`request.method == "GET" || request.method == "POST"`,
	}
	ctx := evalContext()
	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			a, err := builtin.Evaluate(expr, ctx)
			require.NoError(t, err)
			b, err := full.Evaluate(expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, b, a)
		})
	}
}
