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

// Package auth authenticates every request. The authenticator chain is
// tried in priority order; the session is the fallback; everything else
// is anonymous. The resolved canonical user is cached on the request
// context so downstream code never resolves twice.
package auth

import (
	"net/http"
	"strings"

	"github.com/georchestra/gateway/pkg/appctx"
	"github.com/georchestra/gateway/pkg/auth"
	"github.com/georchestra/gateway/pkg/auth/resolver"
	"github.com/georchestra/gateway/pkg/config"
	"github.com/georchestra/gateway/pkg/proxy"
	"github.com/georchestra/gateway/pkg/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Options wires the middleware collaborators.
type Options struct {
	Sessions *session.Store
	// Authenticators run in order before the session fallback.
	Authenticators []auth.Authenticator
	Resolver       *resolver.Resolver
	MDC            config.MDC
	Pages          *proxy.ErrorPages
}

// New returns the authentication middleware.
func New(o Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			log := appctx.GetLogger(ctx)

			var token auth.Token
			for _, a := range o.Authenticators {
				tok, err := a.Authenticate(ctx, r)
				if errors.Is(err, auth.ErrNotHandled) {
					continue
				}
				if err != nil {
					log.Warn().Err(err).Str("authenticator", a.Name()).Msg("authentication failed")
					Deny(w, r, o.Pages, http.StatusUnauthorized)
					return
				}
				token = tok
				break
			}

			if token == nil && o.Sessions != nil {
				if s, ok := o.Sessions.Lookup(r); ok {
					token = s.Token()
				}
			}

			if token == nil {
				next.ServeHTTP(w, r)
				return
			}

			u, err := o.Resolver.Resolve(ctx, token)
			if err != nil {
				log.Error().Err(err).Str("method", token.Method()).Msg("could not resolve user")
				Deny(w, r, o.Pages, http.StatusUnauthorized)
				return
			}

			log.UpdateContext(func(lc zerolog.Context) zerolog.Context {
				if o.MDC.UserID {
					lc = lc.Str("user-id", u.Username)
				}
				if o.MDC.Roles {
					lc = lc.Str("roles", strings.Join(u.Roles, ";"))
				}
				if o.MDC.Org {
					lc = lc.Str("org", u.Organization)
				}
				if o.MDC.AuthMethod {
					lc = lc.Str("auth-method", token.Method())
				}
				return lc
			})

			ctx = appctx.WithUser(ctx, u)
			ctx = appctx.WithToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Deny answers a denied request: an error page for idempotent HTML
// requests, the bare status otherwise.
func Deny(w http.ResponseWriter, r *http.Request, pages *proxy.ErrorPages, status int) {
	if pages != nil && pages.Eligible(r, status) {
		pages.Render(w, status)
		return
	}
	http.Error(w, http.StatusText(status), status)
}
