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

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "minLength": float64(1)},
			"age":  map[string]any{"type": "integer", "minimum": float64(0)},
			"id":   map[string]any{"type": "string", "format": "uuid"},
		},
	}
}

// ============================================================================
// Validation
// ============================================================================

func TestValidate_Valid(t *testing.T) {
	v, err := Compile(userSchema())
	require.NoError(t, err)

	res := v.Validate(map[string]any{"name": "ada", "age": float64(36)})
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	v, err := Compile(userSchema())
	require.NoError(t, err)

	res := v.Validate(map[string]any{"age": float64(-1)})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 2)

	keywords := []string{res.Errors[0].Keyword, res.Errors[1].Keyword}
	assert.Contains(t, keywords, "required")
	assert.Contains(t, keywords, "minimum")
}

func TestValidate_ErrorCarriesPathAndValue(t *testing.T) {
	v, err := Compile(userSchema())
	require.NoError(t, err)

	res := v.Validate(map[string]any{"name": "ada", "age": float64(-3)})
	require.Len(t, res.Errors, 1)
	e := res.Errors[0]
	assert.Equal(t, "/age", e.Path)
	assert.Equal(t, "minimum", e.Keyword)
	assert.Equal(t, "-3", e.Value)
	assert.NotEmpty(t, e.SchemaPath)
}

func TestValidate_ComponentRefs(t *testing.T) {
	components := map[string]any{
		"schemas": map[string]any{
			"Address": map[string]any{
				"type":     "object",
				"required": []any{"city"},
				"properties": map[string]any{
					"city": map[string]any{"type": "string"},
				},
			},
		},
	}
	v, err := Compile(
		map[string]any{"$ref": "#/components/schemas/Address"},
		WithComponents(components),
	)
	require.NoError(t, err)

	assert.True(t, v.Validate(map[string]any{"city": "Oslo"}).Valid)
	assert.False(t, v.Validate(map[string]any{}).Valid)
}

// ============================================================================
// Custom formats
// ============================================================================

func TestFormats(t *testing.T) {
	tests := []struct {
		name   string
		format string
		value  string
		valid  bool
	}{
		{"uuid v4", "uuid", "8b9c1c3e-2f4a-4d6b-9c8e-1a2b3c4d5e6f", true},
		{"uuid uppercase", "uuid", "8B9C1C3E-2F4A-4D6B-9C8E-1A2B3C4D5E6F", true},
		{"uuid bad version", "uuid", "8b9c1c3e-2f4a-9d6b-9c8e-1a2b3c4d5e6f", false},
		{"uuid bad variant", "uuid", "8b9c1c3e-2f4a-4d6b-0c8e-1a2b3c4d5e6f", false},
		{"uuid garbage", "uuid", "not-a-uuid", false},
		{"datetime with offset", "date-time", "2026-08-25T10:30:00+02:00", true},
		{"datetime zulu", "date-time", "2026-08-25T10:30:00Z", true},
		{"datetime naive", "date-time", "2026-08-25T10:30:00", true},
		{"datetime date only", "date-time", "2026-08-25", false},
		{"datetime garbage", "date-time", "yesterday", false},
		{"email ok", "email", "ada@example.com", true},
		{"email no at", "email", "ada.example.com", false},
		{"email two ats", "email", "a@b@example.com", false},
		{"email no domain dot", "email", "ada@localhost", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := Compile(map[string]any{"type": "string", "format": tc.format})
			require.NoError(t, err)
			assert.Equal(t, tc.valid, v.Validate(tc.value).Valid)
		})
	}
}

// ============================================================================
// Reject unknown fields
// ============================================================================

func TestRejectUnknownFields(t *testing.T) {
	v, err := Compile(userSchema(), WithRejectUnknownFields())
	require.NoError(t, err)

	res := v.Validate(map[string]any{"name": "ada", "isAdmin": true})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "/isAdmin", res.Errors[0].Path)
	assert.Equal(t, "additional-property", res.Errors[0].Keyword)
}

func TestRejectUnknownFields_Nested(t *testing.T) {
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"items": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"sku": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
	v, err := Compile(doc, WithRejectUnknownFields())
	require.NoError(t, err)

	res := v.Validate(map[string]any{
		"items": []any{
			map[string]any{"sku": "a-1"},
			map[string]any{"sku": "a-2", "price": float64(10)},
		},
	})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "/items/1/price", res.Errors[0].Path)
}

func TestRejectUnknownFields_PatternPropertiesAdmit(t *testing.T) {
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
		"patternProperties": map[string]any{
			"^x-": map[string]any{"type": "string"},
		},
	}
	v, err := Compile(doc, WithRejectUnknownFields())
	require.NoError(t, err)

	res := v.Validate(map[string]any{"name": "a", "x-trace": "b"})
	assert.True(t, res.Valid, "pattern-matched keys are not unknown fields")

	res = v.Validate(map[string]any{"name": "a", "y-trace": "b"})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "/y-trace", res.Errors[0].Path)
}

func TestRejectUnknownFields_AdditionalPropertiesAdmit(t *testing.T) {
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
		"additionalProperties": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"note": map[string]any{"type": "string"},
			},
		},
	}
	v, err := Compile(doc, WithRejectUnknownFields())
	require.NoError(t, err)

	res := v.Validate(map[string]any{
		"name":  "a",
		"extra": map[string]any{"note": "ok"},
	})
	assert.True(t, res.Valid, "keys admitted by additionalProperties are not unknown")

	// The walk continues through the additionalProperties schema.
	res = v.Validate(map[string]any{
		"name":  "a",
		"extra": map[string]any{"surprise": "x"},
	})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "/extra/surprise", res.Errors[0].Path)
}

func TestRejectUnknownFields_AdditionalPropertiesFalse(t *testing.T) {
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	}
	v, err := Compile(doc, WithRejectUnknownFields())
	require.NoError(t, err)

	res := v.Validate(map[string]any{"name": "a", "extra": "x"})
	require.False(t, res.Valid)

	found := false
	for _, e := range res.Errors {
		if e.Keyword == "additional-property" && e.Path == "/extra" {
			found = true
		}
	}
	assert.True(t, found, "explicit additionalProperties: false still flags the key")
}

func TestRejectUnknownFields_OffByDefault(t *testing.T) {
	v, err := Compile(userSchema())
	require.NoError(t, err)
	assert.True(t, v.Validate(map[string]any{"name": "ada", "extra": "x"}).Valid)
}

// ============================================================================
// Ref resolution helper
// ============================================================================

func TestResolveRef(t *testing.T) {
	components := map[string]any{
		"schemas": map[string]any{
			"User": map[string]any{"type": "object"},
		},
	}

	got, err := ResolveRef("#/components/schemas/User", components)
	require.NoError(t, err)
	assert.Equal(t, "object", got["type"])

	_, err = ResolveRef("#/components/schemas/Nope", components)
	assert.Error(t, err)

	_, err = ResolveRef("http://elsewhere/schema.json", components)
	assert.Error(t, err)
}
