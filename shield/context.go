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
	"context"

	"github.com/contractshield/contractshield-go/core"
)

type contextKey struct{}

// ContextFrom returns the frozen request context installed by the middleware,
// or nil when the request did not pass through it (for example, excluded
// paths). Handlers must treat the returned context as read-only.
func ContextFrom(ctx context.Context) *core.RequestContext {
	rc, _ := ctx.Value(contextKey{}).(*core.RequestContext)
	return rc
}

func withRequestContext(ctx context.Context, rc *core.RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}
