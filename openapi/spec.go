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

// Package openapi loads OpenAPI 3.x documents and matches request paths
// against compiled path templates in declaration order.
package openapi

import (
	"regexp"
	"strings"
)

// Operation is one HTTP operation under a path.
type Operation struct {
	OperationID string
	Summary     string
	Description string
	Tags        []string
	Parameters  []map[string]any
	RequestBody map[string]any
	Responses   map[string]map[string]any
	Security    []any
	Deprecated  bool
}

// RequestSchema returns the application/json request body schema, or nil.
func (o *Operation) RequestSchema() map[string]any {
	if o.RequestBody == nil {
		return nil
	}
	return jsonContentSchema(o.RequestBody)
}

// ResponseSchema returns the application/json response schema for the given
// status code, or nil.
func (o *Operation) ResponseSchema(statusCode string) map[string]any {
	resp, ok := o.Responses[statusCode]
	if !ok {
		return nil
	}
	return jsonContentSchema(resp)
}

func jsonContentSchema(holder map[string]any) map[string]any {
	content, _ := holder["content"].(map[string]any)
	jsonContent, _ := content["application/json"].(map[string]any)
	schema, _ := jsonContent["schema"].(map[string]any)
	return schema
}

// RouteSchema is a path template with its compiled matcher and operations,
// keyed by lower-case method.
type RouteSchema struct {
	Path       string
	Params     []string
	Operations map[string]*Operation

	pattern *regexp.Regexp
}

// Match tests a concrete request path against the template. On a match it
// returns the extracted path parameters; otherwise nil, false.
func (r *RouteSchema) Match(requestPath string) (map[string]string, bool) {
	m := r.pattern.FindStringSubmatch(requestPath)
	if m == nil {
		return nil, false
	}
	params := make(map[string]string, len(r.Params))
	for i, name := range r.pattern.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		params[name] = m[i]
	}
	return params, true
}

// Operation returns the operation for a method, or nil.
func (r *RouteSchema) Operation(method string) *Operation {
	return r.Operations[strings.ToLower(method)]
}

// Spec is a parsed OpenAPI document. Routes preserve the declaration order
// of the paths object; FindRoute returns the first template that matches.
type Spec struct {
	Version     string
	Title       string
	Description string
	Servers     []map[string]any
	Routes      []*RouteSchema
	Components  map[string]any
	Security    []any
	Tags        []map[string]any
}

// FindRoute returns the first route matching path along with its extracted
// path parameters, or nil.
func (s *Spec) FindRoute(path string) (*RouteSchema, map[string]string) {
	for _, r := range s.Routes {
		if params, ok := r.Match(path); ok {
			return r, params
		}
	}
	return nil, nil
}

// GetOperation resolves path and method to an operation and path params.
// It returns nil when no route matches or the route lacks the method.
func (s *Spec) GetOperation(path, method string) (*Operation, map[string]string) {
	route, params := s.FindRoute(path)
	if route == nil {
		return nil, nil
	}
	op := route.Operation(method)
	if op == nil {
		return nil, nil
	}
	return op, params
}
