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

package openapi

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/contractshield/contractshield-go/core"
)

var httpMethods = map[string]bool{
	"get": true, "post": true, "put": true, "patch": true,
	"delete": true, "head": true, "options": true, "trace": true,
}

var paramTemplate = regexp.MustCompile(`\{([^}]+)\}`)

// LoadFile reads an OpenAPI 3.x document from a YAML or JSON file.
func LoadFile(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewConfigurationError("openapi spec file not found: %s", path)
	}
	spec, err := Load(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// Load parses an OpenAPI 3.x document from bytes. The paths object keeps
// its declaration order, which drives first-match-wins routing.
func Load(raw []byte) (*Spec, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, core.NewConfigurationError("failed to parse openapi spec: %v", err)
	}
	docNode := &root
	if root.Kind == yaml.DocumentNode && len(root.Content) == 1 {
		docNode = root.Content[0]
	}
	if docNode.Kind != yaml.MappingNode {
		return nil, core.NewConfigurationError("openapi spec must be a mapping")
	}

	doc, ok := nodeToAny(docNode).(map[string]any)
	if !ok {
		return nil, core.NewConfigurationError("openapi spec must be a mapping")
	}

	version, _ := doc["openapi"].(string)
	if !strings.HasPrefix(version, "3.") {
		return nil, core.NewConfigurationError("unsupported OpenAPI version: %q (only 3.x is supported)", version)
	}

	info, _ := doc["info"].(map[string]any)
	components, _ := doc["components"].(map[string]any)

	spec := &Spec{
		Version:     version,
		Title:       stringField(info, "title", "Untitled API"),
		Description: stringField(info, "description", ""),
		Servers:     mapSlice(doc["servers"]),
		Components:  components,
		Security:    anySlice(doc["security"]),
		Tags:        mapSlice(doc["tags"]),
	}

	paths, _ := doc["paths"].(map[string]any)
	seenPatterns := make(map[string]string)
	for _, path := range orderedKeys(docNode, "paths") {
		item, ok := paths[path].(map[string]any)
		if !ok {
			continue
		}
		route, err := parsePath(path, item, doc)
		if err != nil {
			return nil, err
		}
		if prev, dup := seenPatterns[route.pattern.String()]; dup {
			return nil, core.NewConfigurationError(
				"path templates %q and %q compile to the same matcher", prev, path)
		}
		seenPatterns[route.pattern.String()] = path
		spec.Routes = append(spec.Routes, route)
	}
	return spec, nil
}

func parsePath(path string, item map[string]any, doc map[string]any) (*RouteSchema, error) {
	pattern, params, err := pathToRegex(path)
	if err != nil {
		return nil, err
	}
	route := &RouteSchema{
		Path:       path,
		Params:     params,
		Operations: make(map[string]*Operation),
		pattern:    pattern,
	}

	pathParams := mapSlice(item["parameters"])
	for method, v := range item {
		if !httpMethods[strings.ToLower(method)] {
			continue
		}
		opData, ok := v.(map[string]any)
		if !ok {
			continue
		}
		route.Operations[strings.ToLower(method)] = parseOperation(opData, pathParams, doc)
	}
	return route, nil
}

func parseOperation(data map[string]any, pathParams []map[string]any, doc map[string]any) *Operation {
	params := make([]map[string]any, 0, len(pathParams))
	params = append(params, pathParams...)
	params = append(params, mapSlice(data["parameters"])...)
	for i, p := range params {
		if resolved, ok := resolveRef(p, doc, nil).(map[string]any); ok {
			params[i] = resolved
		}
	}

	var requestBody map[string]any
	if rb, ok := data["requestBody"].(map[string]any); ok {
		requestBody, _ = resolveRef(rb, doc, nil).(map[string]any)
	}

	responses := make(map[string]map[string]any)
	if rs, ok := data["responses"].(map[string]any); ok {
		for code, resp := range rs {
			if rm, ok := resolveRef(resp, doc, nil).(map[string]any); ok {
				responses[code] = rm
			}
		}
	}

	return &Operation{
		OperationID: stringField(data, "operationId", ""),
		Summary:     stringField(data, "summary", ""),
		Description: stringField(data, "description", ""),
		Tags:        stringSlice(data["tags"]),
		Parameters:  params,
		RequestBody: requestBody,
		Responses:   responses,
		Security:    anySlice(data["security"]),
		Deprecated:  data["deprecated"] == true,
	}
}

// pathToRegex compiles an OpenAPI path template to an anchored matcher.
// Literal segments are quoted; each {name} becomes a named non-slash group.
func pathToRegex(path string) (*regexp.Regexp, []string, error) {
	var params []string
	var b strings.Builder
	b.WriteString("^")

	last := 0
	for _, loc := range paramTemplate.FindAllStringSubmatchIndex(path, -1) {
		b.WriteString(regexp.QuoteMeta(path[last:loc[0]]))
		name := path[loc[2]:loc[3]]
		params = append(params, name)
		b.WriteString("(?P<" + name + ">[^/]+)")
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(path[last:]))
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, nil, core.NewConfigurationError("invalid path template %q: %v", path, err)
	}
	return re, params, nil
}

// resolveRef expands local $ref pointers (#/...) recursively, unescaping
// JSON-pointer tokens (~1 → /, ~0 → ~). Cycles leave the $ref in place.
func resolveRef(obj any, doc map[string]any, seen map[string]bool) any {
	m, ok := obj.(map[string]any)
	if !ok {
		if list, ok := obj.([]any); ok {
			out := make([]any, len(list))
			for i, item := range list {
				out[i] = resolveRef(item, doc, seen)
			}
			return out
		}
		return obj
	}

	if ref, ok := m["$ref"].(string); ok && strings.HasPrefix(ref, "#/") {
		if seen[ref] {
			return m
		}
		target := derefPointer(ref, doc)
		if target == nil {
			return m
		}
		next := make(map[string]bool, len(seen)+1)
		for k := range seen {
			next[k] = true
		}
		next[ref] = true
		return resolveRef(target, doc, next)
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = resolveRef(v, doc, seen)
	}
	return out
}

func derefPointer(ref string, doc map[string]any) map[string]any {
	var current any = doc
	for _, part := range strings.Split(ref[2:], "/") {
		part = strings.ReplaceAll(part, "~1", "/")
		part = strings.ReplaceAll(part, "~0", "~")
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	m, _ := current.(map[string]any)
	return m
}

// orderedKeys returns the mapping keys under a top-level field in document
// order, which plain map decoding would lose.
func orderedKeys(docNode *yaml.Node, field string) []string {
	for i := 0; i+1 < len(docNode.Content); i += 2 {
		if docNode.Content[i].Value != field {
			continue
		}
		val := docNode.Content[i+1]
		if val.Kind != yaml.MappingNode {
			return nil
		}
		keys := make([]string, 0, len(val.Content)/2)
		for j := 0; j+1 < len(val.Content); j += 2 {
			keys = append(keys, val.Content[j].Value)
		}
		return keys
	}
	return nil
}

func nodeToAny(n *yaml.Node) any {
	var out any
	if err := n.Decode(&out); err != nil {
		return nil
	}
	return normalizeKeys(out)
}

// normalizeKeys rewrites map[any]any (possible with non-string YAML keys,
// e.g. numeric response codes) into map[string]any.
func normalizeKeys(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		for k, vv := range tv {
			tv[k] = normalizeKeys(vv)
		}
		return tv
	case map[any]any:
		out := make(map[string]any, len(tv))
		for k, vv := range tv {
			out[fmt.Sprint(k)] = normalizeKeys(vv)
		}
		return out
	case []any:
		for i, vv := range tv {
			tv[i] = normalizeKeys(vv)
		}
		return tv
	}
	return v
}

func stringField(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return def
}

func stringSlice(v any) []string {
	list, _ := v.([]any)
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func mapSlice(v any) []map[string]any {
	list, _ := v.([]any)
	if list == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func anySlice(v any) []any {
	s, _ := v.([]any)
	return s
}
