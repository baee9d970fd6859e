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

// Package gateway dispatches authenticated requests: access check,
// route match, header projection and upstream forward.
package gateway

import (
	"net/http"
	"path"
	"strings"

	authmw "github.com/georchestra/gateway/internal/http/interceptors/auth"
	"github.com/georchestra/gateway/pkg/access"
	"github.com/georchestra/gateway/pkg/appctx"
	"github.com/georchestra/gateway/pkg/config"
	"github.com/georchestra/gateway/pkg/directory"
	"github.com/georchestra/gateway/pkg/identity"
	"github.com/georchestra/gateway/pkg/proxy"
)

// Handler is the terminal handler of the pipeline.
type Handler struct {
	table     *proxy.Table
	rules     *access.Engine
	projector *proxy.Projector
	accounts  *directory.AccountManager
	pages     *proxy.ErrorPages

	// serviceHeaders maps a route target URI to the header overrides of
	// the service it belongs to.
	serviceHeaders map[string]config.HeaderMappings
}

// New builds the dispatch handler.
func New(table *proxy.Table, rules *access.Engine, projector *proxy.Projector,
	accounts *directory.AccountManager, pages *proxy.ErrorPages, services map[string]config.Service) *Handler {
	h := &Handler{
		table:          table,
		rules:          rules,
		projector:      projector,
		accounts:       accounts,
		pages:          pages,
		serviceHeaders: map[string]config.HeaderMappings{},
	}
	for _, svc := range services {
		h.serviceHeaders[svc.Target] = svc.Headers
	}
	return h
}

// ServeHTTP implements the request pipeline tail: access check first,
// then route dispatch. Requests matching no route get a 404.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := appctx.GetUser(ctx)
	token := appctx.GetToken(ctx)

	// rules, routes and the backend must only ever see the normalized
	// path: dot segments would otherwise sidestep a guarding pattern
	// and resolve upstream
	if clean := normalizePath(r.URL.Path); clean != r.URL.Path {
		r.URL.Path = clean
		r.URL.RawPath = ""
	}

	route := h.table.Match(r)
	target := ""
	if route != nil {
		target = route.Target
	}

	switch h.rules.Decide(r.URL.Path, target, u) {
	case access.Granted:
	case access.Unauthorized:
		if h.pages.Eligible(r, http.StatusUnauthorized) {
			redirectToLogin(w, r)
			return
		}
		authmw.Deny(w, r, h.pages, http.StatusUnauthorized)
		return
	case access.Forbidden:
		appctx.GetLogger(ctx).Info().Str("path", r.URL.Path).Str("user", u.Username).Msg("access denied")
		authmw.Deny(w, r, h.pages, http.StatusForbidden)
		return
	}

	if route == nil {
		authmw.Deny(w, r, h.pages, http.StatusNotFound)
		return
	}

	if route.LoginParamRedirect() && u.IsAnonymous() &&
		r.URL.Query().Has("login") && isIdempotent(r.Method) {
		redirectToLogin(w, r)
		return
	}

	proxy.StripUntrusted(r.Header)
	h.projector.Project(r.Header, u, h.organization(r, u), h.serviceHeaders[target], token)
	route.ServeHTTP(w, r)
}

func (h *Handler) organization(r *http.Request, u *identity.User) *identity.Organization {
	if u.IsAnonymous() || u.Organization == "" {
		return nil
	}
	org, err := h.accounts.Organization(r.Context(), u)
	if err != nil {
		appctx.GetLogger(r.Context()).Warn().Err(err).Str("org", u.Organization).Msg("could not load organization")
		return nil
	}
	return org
}

func redirectToLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/login", http.StatusFound)
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// normalizePath collapses . and .. segments. URL parsing already
// decoded their percent-encoded forms into r.URL.Path. A trailing
// slash is kept, patterns distinguish /admin from /admin/.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	clean := path.Clean(p)
	if clean != "/" && strings.HasSuffix(p, "/") {
		clean += "/"
	}
	return clean
}
