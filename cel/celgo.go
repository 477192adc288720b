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
	"fmt"
	"sync"

	celgo "github.com/google/cel-go/cel"

	"github.com/contractshield/contractshield-go/core"
)

// CELGoEvaluator evaluates full CEL expressions with cel-go. Compiled
// programs are cached per expression; the cache is guarded by an RWMutex
// with a double-checked write path.
type CELGoEvaluator struct {
	mu           sync.RWMutex
	programCache map[string]celgo.Program
	env          *celgo.Env
}

// NewCELGoEvaluator builds the evaluation environment. The declared
// variables mirror the top-level keys of the context mapping.
func NewCELGoEvaluator() (*CELGoEvaluator, error) {
	env, err := celgo.NewEnv(
		celgo.Variable("version", celgo.StringType),
		celgo.Variable("id", celgo.StringType),
		celgo.Variable("request", celgo.MapType(celgo.StringType, celgo.DynType)),
		celgo.Variable("identity", celgo.MapType(celgo.StringType, celgo.DynType)),
		celgo.Variable("client", celgo.MapType(celgo.StringType, celgo.DynType)),
		celgo.Variable("runtime", celgo.MapType(celgo.StringType, celgo.DynType)),
		celgo.Variable("webhook", celgo.MapType(celgo.StringType, celgo.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELGoEvaluator{
		programCache: make(map[string]celgo.Program),
		env:          env,
	}, nil
}

// Evaluate implements Evaluator.
func (e *CELGoEvaluator) Evaluate(expression string, ctx map[string]any) (bool, error) {
	program, err := e.getOrCompileProgram(expression)
	if err != nil {
		return false, &core.CELEvaluationError{Message: err.Error(), Expression: expression}
	}

	result, _, err := program.Eval(ctx)
	if err != nil {
		return false, &core.CELEvaluationError{
			Message:    "evaluation failed: " + err.Error(),
			Expression: expression,
		}
	}
	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, &core.CELEvaluationError{
			Message:    fmt.Sprintf("expression must return boolean, got %T", result.Value()),
			Expression: expression,
		}
	}
	return boolResult, nil
}

func (e *CELGoEvaluator) getOrCompileProgram(expression string) (celgo.Program, error) {
	e.mu.RLock()
	if program, ok := e.programCache[expression]; ok {
		e.mu.RUnlock()
		return program, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock
	if program, ok := e.programCache[expression]; ok {
		return program, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	e.programCache[expression] = program
	return program, nil
}
