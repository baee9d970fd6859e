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

// Package proxy matches requests against the configured routes and
// forwards them to the backends, projecting the identity headers and
// converting eligible error responses into local error pages.
package proxy

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/georchestra/gateway/pkg/appctx"
	"github.com/georchestra/gateway/pkg/config"
	"github.com/georchestra/gateway/pkg/errtypes"
)

const upstreamReadTimeout = 30 * time.Second

// Route is one compiled route with its forwarder.
type Route struct {
	ID     string
	Target string

	target     *url.URL
	predicates []Predicate
	filters    *routeFilters
	basePath   string
	proxy      *httputil.ReverseProxy
}

// Table is the ordered route list. Matching is first-match-wins in
// declaration order.
type Table struct {
	routes []*Route
}

// NewTable compiles the configured routes. Routes guarded by a
// RouteProfile filter are dropped when their profile is not active.
func NewTable(routes []config.Route, activeProfile func(string) bool, pages *ErrorPages) (*Table, error) {
	t := &Table{}
	for _, rc := range routes {
		filters, err := buildFilters(rc.Filters)
		if err != nil {
			return nil, errtypes.InvalidConfiguration("route " + rc.ID + ": " + err.Error())
		}
		if filters.profile != "" && !activeProfile(filters.profile) {
			continue
		}

		target, err := url.Parse(rc.URI)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, errtypes.InvalidConfiguration("route " + rc.ID + ": invalid uri " + rc.URI)
		}

		route := &Route{
			ID:      rc.ID,
			Target:  rc.URI,
			target:  target,
			filters: filters,
		}
		for _, p := range rc.Predicates {
			pred, err := ParsePredicate(p)
			if err != nil {
				return nil, errtypes.InvalidConfiguration("route " + rc.ID + ": " + err.Error())
			}
			route.predicates = append(route.predicates, pred)
			if route.basePath == "" {
				route.basePath = basePathOf(p)
			}
		}
		route.proxy = route.buildProxy(pages)
		t.routes = append(t.routes, route)
	}
	return t, nil
}

// Match returns the first route whose predicates all accept r, or nil.
func (t *Table) Match(r *http.Request) *Route {
	for _, route := range t.routes {
		if route.matches(r) {
			return route
		}
	}
	return nil
}

// Routes lists the compiled routes in declaration order.
func (t *Table) Routes() []*Route { return t.routes }

func (rt *Route) matches(r *http.Request) bool {
	for _, p := range rt.predicates {
		if !p.Matches(r) {
			return false
		}
	}
	return true
}

// LoginParamRedirect reports whether the route redirects anonymous
// idempotent requests carrying a login query parameter to /login.
func (rt *Route) LoginParamRedirect() bool { return rt.filters.loginParamRedirect }

// ServeHTTP forwards the request upstream.
func (rt *Route) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.proxy.ServeHTTP(w, r)
}

// buildProxy assembles the per-route reverse proxy. Bodies stream in
// both directions; only response headers are awaited with a timeout.
func (rt *Route) buildProxy(pages *ErrorPages) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = rt.target.Scheme
			pr.Out.URL.Host = rt.target.Host
			pr.Out.URL.Path = joinPath(rt.target.Path, rt.filters.rewritePath(pr.In.URL.Path))
			pr.Out.URL.RawPath = ""
			pr.Out.URL.RawQuery = pr.In.URL.RawQuery
			if rt.filters.preserveHost {
				pr.Out.Host = pr.In.Host
			} else {
				pr.Out.Host = rt.target.Host
			}
			pr.SetXForwarded()
		},
		Transport: &http.Transport{
			ResponseHeaderTimeout: upstreamReadTimeout,
		},
		ModifyResponse: func(resp *http.Response) error {
			rt.rewriteCookiePaths(resp)
			rt.filters.applyCookieAffinity(resp)
			if rt.filters.applicationError && pages != nil && pages.Eligible(resp.Request, resp.StatusCode) {
				return pages.Convert(resp)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			appctx.GetLogger(r.Context()).Error().Err(err).
				Str("route", rt.ID).Str("target", rt.Target).
				Msg("upstream request failed")
			if pages != nil && pages.Eligible(r, http.StatusBadGateway) {
				pages.Render(w, http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

// rewriteCookiePaths pins backend cookies to the route's public base
// path so they flow back on gateway-side requests.
func (rt *Route) rewriteCookiePaths(resp *http.Response) {
	if rt.basePath == "" {
		return
	}
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return
	}
	resp.Header.Del("Set-Cookie")
	for _, c := range cookies {
		if c.Path != "" && c.Path != rt.basePath {
			c.Path = rt.basePath
		}
		resp.Header.Add("Set-Cookie", c.String())
	}
}

// basePathOf extracts the static prefix of a Path predicate, e.g.
// "Path=/geoserver/**" yields "/geoserver".
func basePathOf(directive string) string {
	name, args, ok := strings.Cut(directive, "=")
	if !ok || name != "Path" {
		return ""
	}
	first := strings.TrimSpace(strings.Split(args, ",")[0])
	if i := strings.IndexAny(first, "*?{"); i >= 0 {
		first = first[:i]
	}
	first = strings.TrimSuffix(first, "/")
	if first == "" {
		return "/"
	}
	return first
}

func joinPath(base, path string) string {
	if base == "" || base == "/" {
		return path
	}
	return strings.TrimSuffix(base, "/") + path
}
