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

// Package cel evaluates policy rule expressions against the normalized
// request context. Two backends exist: a safe built-in subset evaluator
// that never executes arbitrary code, and a full CEL backend on cel-go.
package cel

// Evaluator evaluates a boolean expression against a context mapping
// (the shape produced by core.RequestContext.ToMap). Implementations must
// be safe for concurrent use and must not mutate the context.
type Evaluator interface {
	Evaluate(expression string, ctx map[string]any) (bool, error)
}
