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

package core

import "time"

// ContextVersion is the version of the RequestContext shape.
const ContextVersion = "0.1"

// Body carries the normalized request body. JSON is populated only when the
// content type begins with application/json and the body parses.
type Body struct {
	Present   bool   `json:"present"`
	SizeBytes int    `json:"sizeBytes"`
	SHA256    string `json:"sha256,omitempty"`
	Raw       []byte `json:"-"`
	JSON      any    `json:"json,omitempty"`
}

// Identity is the caller identity installed by the identity provider hook.
// It is either fully default (unauthenticated) or carries a non-empty
// subject.
type Identity struct {
	Authenticated bool           `json:"authenticated"`
	Subject       string         `json:"subject,omitempty"`
	Tenant        string         `json:"tenant,omitempty"`
	Scopes        []string       `json:"scopes,omitempty"`
	Roles         []string       `json:"roles,omitempty"`
	Claims        map[string]any `json:"claims,omitempty"`
}

// ClientInfo describes the remote client.
type ClientInfo struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// RuntimeInfo describes the service running the pipeline.
type RuntimeInfo struct {
	Language string `json:"language"`
	Service  string `json:"service,omitempty"`
	Env      string `json:"env,omitempty"`
}

// WebhookInfo is populated when webhook rules ran for the request.
type WebhookInfo struct {
	Provider       string `json:"provider,omitempty"`
	SignatureValid *bool  `json:"signatureValid,omitempty"`
	Replayed       *bool  `json:"replayed,omitempty"`
}

// RequestContext is the normalized, frozen view of one HTTP request that
// every evaluator reads. It is built once by the driver and must not be
// mutated by evaluators.
type RequestContext struct {
	Version     string
	ID          string
	Timestamp   time.Time
	Method      string
	Path        string
	RouteID     string
	ContentType string

	// Headers uses lower-case keys; duplicate headers are last-write-wins.
	Headers map[string]string

	// Query keeps the last value for repeated keys.
	Query map[string]string

	Body     *Body
	Identity Identity
	Client   ClientInfo
	Runtime  RuntimeInfo
	Webhook  WebhookInfo
}

// ToMap renders the context as the nested mapping the expression evaluators
// resolve paths against. The shape is stable: request.{method,path,headers,
// query,contentType,body.{present,sizeBytes,json}}, identity.*, client.*,
// runtime.*, webhook.*.
func (c *RequestContext) ToMap() map[string]any {
	headers := make(map[string]any, len(c.Headers))
	for k, v := range c.Headers {
		headers[k] = v
	}
	query := make(map[string]any, len(c.Query))
	for k, v := range c.Query {
		query[k] = v
	}

	body := map[string]any{"present": false, "sizeBytes": 0}
	if c.Body != nil {
		body = map[string]any{
			"present":   c.Body.Present,
			"sizeBytes": c.Body.SizeBytes,
			"json":      c.Body.JSON,
		}
	}

	var sigValid, replayed any
	if c.Webhook.SignatureValid != nil {
		sigValid = *c.Webhook.SignatureValid
	}
	if c.Webhook.Replayed != nil {
		replayed = *c.Webhook.Replayed
	}

	return map[string]any{
		"version": c.Version,
		"id":      c.ID,
		"request": map[string]any{
			"method":      c.Method,
			"path":        c.Path,
			"routeId":     c.RouteID,
			"headers":     headers,
			"query":       query,
			"contentType": c.ContentType,
			"body":        body,
		},
		"identity": map[string]any{
			"authenticated": c.Identity.Authenticated,
			"subject":       c.Identity.Subject,
			"tenant":        c.Identity.Tenant,
			"scopes":        toAnySlice(c.Identity.Scopes),
			"roles":         toAnySlice(c.Identity.Roles),
			"claims":        c.Identity.Claims,
		},
		"client": map[string]any{
			"ip":        c.Client.IP,
			"userAgent": c.Client.UserAgent,
		},
		"runtime": map[string]any{
			"language": c.Runtime.Language,
			"service":  c.Runtime.Service,
			"env":      c.Runtime.Env,
		},
		"webhook": map[string]any{
			"provider":       c.Webhook.Provider,
			"signatureValid": sigValid,
			"replayed":       replayed,
		},
	}
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
