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
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/contractshield/contractshield-go/core"
)

// JWTIdentityProvider builds an IdentityProvider that validates an HMAC
// signed bearer token from the Authorization header. The subject comes from
// the "sub" claim; "tenant" (or "tid"), "scope"/"scopes", and "roles" claims
// populate the rest of the identity. Requests without a valid token stay
// unauthenticated; the provider never blocks on its own.
func JWTIdentityProvider(secret []byte) IdentityProvider {
	return func(r *http.Request) (core.Identity, bool) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			return core.Identity{}, false
		}

		token, err := jwt.Parse(strings.TrimPrefix(header, prefix), func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			return core.Identity{}, false
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return core.Identity{}, false
		}

		subject, _ := claims["sub"].(string)
		if subject == "" {
			return core.Identity{}, false
		}

		identity := core.Identity{
			Authenticated: true,
			Subject:       subject,
			Claims:        map[string]any(claims),
		}
		if tenant, ok := claims["tenant"].(string); ok {
			identity.Tenant = tenant
		} else if tid, ok := claims["tid"].(string); ok {
			identity.Tenant = tid
		}
		identity.Scopes = claimStrings(claims, "scopes")
		if scope, ok := claims["scope"].(string); ok && len(identity.Scopes) == 0 {
			identity.Scopes = strings.Fields(scope)
		}
		identity.Roles = claimStrings(claims, "roles")
		return identity, true
	}
}

func claimStrings(claims jwt.MapClaims, key string) []string {
	values, ok := claims[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
