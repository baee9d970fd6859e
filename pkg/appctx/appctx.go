// Copyright 2021-2026 the geOrchestra Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package appctx carries per-request values: the diagnostic logger and
// the request id. All logging sites read the logger from the context so
// that every line carries the request-scoped fields.
package appctx

import (
	"context"

	"github.com/georchestra/gateway/pkg/auth"
	"github.com/georchestra/gateway/pkg/identity"
	"github.com/rs/zerolog"
)

type ctxKey int

const (
	reqIDKey ctxKey = iota
	userKey
	tokenKey
)

// WithLogger returns a context with an associated logger.
func WithLogger(ctx context.Context, l *zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// GetLogger returns the logger associated with the given context
// or a disabled logger in case no logger is stored inside the context.
func GetLogger(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// WithRequestID returns a context carrying the given request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, reqIDKey, id)
}

// GetRequestID returns the request id stored in the context, if any.
func GetRequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(reqIDKey).(string)
	return id, ok
}

// WithUser returns a context carrying the resolved canonical user.
func WithUser(ctx context.Context, u *identity.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// GetUser returns the resolved user, or the anonymous pseudo-user when
// the request carries none.
func GetUser(ctx context.Context) *identity.User {
	if u, ok := ctx.Value(userKey).(*identity.User); ok {
		return u
	}
	return identity.Anonymous()
}

// WithToken returns a context carrying the authentication token.
func WithToken(ctx context.Context, t auth.Token) context.Context {
	return context.WithValue(ctx, tokenKey, t)
}

// GetToken returns the authentication token, or nil for anonymous
// requests.
func GetToken(ctx context.Context) auth.Token {
	t, _ := ctx.Value(tokenKey).(auth.Token)
	return t
}
