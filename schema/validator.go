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

// Package schema validates JSON documents against JSON Schema 2020-12 with
// the custom formats and reject-unknown-fields semantics of the contract
// layer.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/contractshield/contractshield-go/core"
)

const schemaURL = "https://contractshield.local/schema.json"

// Error is one validation finding.
type Error struct {
	Path       string `json:"path"`
	SchemaPath string `json:"schemaPath"`
	Keyword    string `json:"keyword"`
	Message    string `json:"message"`
	Value      string `json:"value,omitempty"`
}

// Result is the outcome of validating one document.
type Result struct {
	Valid  bool    `json:"valid"`
	Errors []Error `json:"errors,omitempty"`
}

// Validator is a compiled schema plus the contract options. Compile once,
// validate from any goroutine.
type Validator struct {
	compiled      *jsonschema.Schema
	raw           map[string]any
	components    map[string]any
	rejectUnknown bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithComponents makes #/components/... references resolvable. The mapping
// is injected into the compiled document root.
func WithComponents(components map[string]any) Option {
	return func(v *Validator) { v.components = components }
}

// WithRejectUnknownFields flags object keys that the schema neither lists in
// properties nor admits through patternProperties or a non-false
// additionalProperties.
func WithRejectUnknownFields() Option {
	return func(v *Validator) { v.rejectUnknown = true }
}

// Compile builds a Validator for a schema document.
func Compile(schemaDoc map[string]any, opts ...Option) (*Validator, error) {
	v := &Validator{raw: schemaDoc}
	for _, opt := range opts {
		opt(v)
	}

	doc := make(map[string]any, len(schemaDoc)+1)
	for k, val := range schemaDoc {
		doc[k] = val
	}
	if v.components != nil {
		doc["components"] = v.components
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, core.NewConfigurationError("schema is not JSON-encodable: %v", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	c.Formats = map[string]func(any) bool{
		"uuid":      checkUUID,
		"date-time": checkDateTime,
		"email":     checkEmail,
	}
	if err := c.AddResource(schemaURL, bytes.NewReader(encoded)); err != nil {
		return nil, core.NewConfigurationError("invalid schema: %v", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, core.NewConfigurationError("schema compilation failed: %v", err)
	}
	v.compiled = compiled
	return v, nil
}

// ResolveRef looks up a "#/components/schemas/<Name>" pointer in a
// components mapping. Used by policy contract rules to name their schema.
func ResolveRef(ref string, components map[string]any) (map[string]any, error) {
	if !strings.HasPrefix(ref, "#/") {
		return nil, core.NewConfigurationError("unsupported schema ref %q", ref)
	}
	var current any = map[string]any{"components": components}
	for _, part := range strings.Split(ref[2:], "/") {
		part = strings.ReplaceAll(part, "~1", "/")
		part = strings.ReplaceAll(part, "~0", "~")
		m, ok := current.(map[string]any)
		if !ok {
			return nil, core.NewConfigurationError("schema ref %q not found", ref)
		}
		current, ok = m[part]
		if !ok {
			return nil, core.NewConfigurationError("schema ref %q not found", ref)
		}
	}
	m, ok := current.(map[string]any)
	if !ok {
		return nil, core.NewConfigurationError("schema ref %q is not an object", ref)
	}
	return m, nil
}

// Validate checks doc and returns every finding, flattened from the cause
// tree to leaf errors with instance and schema locations.
func (v *Validator) Validate(doc any) Result {
	var errs []Error
	if err := v.compiled.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if ok := asValidationError(err, &verr); ok {
			errs = flatten(verr, doc)
		} else {
			errs = append(errs, Error{Path: "/", Message: err.Error()})
		}
	}
	if v.rejectUnknown {
		errs = append(errs, v.unknownFields(doc, v.raw, "")...)
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

func asValidationError(err error, out **jsonschema.ValidationError) bool {
	verr, ok := err.(*jsonschema.ValidationError)
	if ok {
		*out = verr
	}
	return ok
}

// flatten walks the cause tree and keeps the leaves, which carry the
// specific keyword failures.
func flatten(verr *jsonschema.ValidationError, doc any) []Error {
	if len(verr.Causes) == 0 {
		return []Error{toError(verr, doc)}
	}
	var out []Error
	for _, cause := range verr.Causes {
		out = append(out, flatten(cause, doc)...)
	}
	return out
}

func toError(verr *jsonschema.ValidationError, doc any) Error {
	path := verr.InstanceLocation
	if path == "" {
		path = "/"
	}
	return Error{
		Path:       path,
		SchemaPath: verr.KeywordLocation,
		Keyword:    lastSegment(verr.KeywordLocation),
		Message:    verr.Message,
		Value:      snippetAt(doc, verr.InstanceLocation),
	}
}

func lastSegment(loc string) string {
	if i := strings.LastIndex(loc, "/"); i >= 0 {
		return loc[i+1:]
	}
	return loc
}

// snippetAt renders the instance value at a JSON pointer, truncated for
// reporting.
func snippetAt(doc any, pointer string) string {
	current := doc
	if pointer != "" {
		for _, part := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
			part = strings.ReplaceAll(part, "~1", "/")
			part = strings.ReplaceAll(part, "~0", "~")
			switch tv := current.(type) {
			case map[string]any:
				var ok bool
				current, ok = tv[part]
				if !ok {
					return ""
				}
			case []any:
				idx := -1
				if _, err := fmt.Sscanf(part, "%d", &idx); err != nil || idx < 0 || idx >= len(tv) {
					return ""
				}
				current = tv[idx]
			default:
				return ""
			}
		}
	}
	switch tv := current.(type) {
	case string:
		return core.TruncateValue(tv)
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(tv)
		if err != nil {
			return ""
		}
		return core.TruncateValue(string(encoded))
	}
}

// unknownFields reports object keys that are not listed in properties and
// not admitted by patternProperties or additionalProperties. It follows
// properties, matching pattern schemas, and array items, resolving local
// refs against the injected components.
func (v *Validator) unknownFields(doc any, schemaDoc map[string]any, path string) []Error {
	schemaDoc = v.deref(schemaDoc, 0)
	if schemaDoc == nil {
		return nil
	}

	switch tv := doc.(type) {
	case map[string]any:
		props, _ := schemaDoc["properties"].(map[string]any)
		patterns, _ := schemaDoc["patternProperties"].(map[string]any)
		if props == nil && patterns == nil {
			return nil
		}
		additional, hasAdditional := schemaDoc["additionalProperties"]
		admitsAdditional := hasAdditional && additional != false
		additionalSchema, _ := additional.(map[string]any)

		var out []Error
		for key, val := range tv {
			if propSchema, known := props[key]; known {
				if ps, ok := propSchema.(map[string]any); ok {
					out = append(out, v.unknownFields(val, ps, path+"/"+key)...)
				}
				continue
			}
			if matched := matchingPatternSchemas(patterns, key); len(matched) > 0 {
				for _, ps := range matched {
					out = append(out, v.unknownFields(val, ps, path+"/"+key)...)
				}
				continue
			}
			if admitsAdditional {
				if additionalSchema != nil {
					out = append(out, v.unknownFields(val, additionalSchema, path+"/"+key)...)
				}
				continue
			}
			out = append(out, Error{
				Path:    path + "/" + key,
				Keyword: "additional-property",
				Message: fmt.Sprintf("unknown field %q", key),
			})
		}
		return out
	case []any:
		items, _ := schemaDoc["items"].(map[string]any)
		if items == nil {
			return nil
		}
		var out []Error
		for i, item := range tv {
			out = append(out, v.unknownFields(item, items, fmt.Sprintf("%s/%d", path, i))...)
		}
		return out
	}
	return nil
}

// matchingPatternSchemas returns the patternProperties schemas whose regex
// matches key. Invalid patterns never match; the compiler rejected them if
// the draft requires it.
func matchingPatternSchemas(patterns map[string]any, key string) []map[string]any {
	var out []map[string]any
	for pattern, schemaDoc := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil || !re.MatchString(key) {
			continue
		}
		if ps, ok := schemaDoc.(map[string]any); ok {
			out = append(out, ps)
		} else {
			// Boolean pattern schema: the key is admitted, nothing to walk.
			out = append(out, map[string]any{})
		}
	}
	return out
}

func (v *Validator) deref(schemaDoc map[string]any, depth int) map[string]any {
	if depth > 16 {
		return nil
	}
	ref, ok := schemaDoc["$ref"].(string)
	if !ok {
		return schemaDoc
	}
	resolved, err := ResolveRef(ref, v.components)
	if err != nil {
		return nil
	}
	return v.deref(resolved, depth+1)
}
