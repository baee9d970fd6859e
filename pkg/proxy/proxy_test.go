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

package proxy_test

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/georchestra/gateway/pkg/auth"
	"github.com/georchestra/gateway/pkg/config"
	"github.com/georchestra/gateway/pkg/identity"
	"github.com/georchestra/gateway/pkg/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestParsePredicate(t *testing.T) {
	tests := []struct {
		directive string
		request   func() *http.Request
		want      bool
	}{
		{"Path=/geoserver/**", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/geoserver/wms", nil)
		}, true},
		{"Path=/geoserver/**", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/console", nil)
		}, false},
		{"Path=/a/**,/b/**", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/b/x", nil)
		}, true},
		{"Method=GET,HEAD", func() *http.Request {
			return httptest.NewRequest(http.MethodHead, "/", nil)
		}, true},
		{"Method=POST", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/", nil)
		}, false},
		{"Host=*.example.org", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Host = "geo.example.org:8080"
			return r
		}, true},
		{"Host=*.example.org", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Host = "example.com"
			return r
		}, false},
		{"Header=X-Requested-With,XMLHttpRequest", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("X-Requested-With", "XMLHttpRequest")
			return r
		}, true},
		{"Header=X-Requested-With", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/", nil)
		}, false},
		{"Query=login", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/map?login", nil)
		}, true},
		{"Query=format,json", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/map?format=xml", nil)
		}, false},
	}
	for _, tc := range tests {
		p, err := proxy.ParsePredicate(tc.directive)
		require.NoError(t, err, tc.directive)
		assert.Equal(t, tc.want, p.Matches(tc.request()), tc.directive)
	}
}

func TestParsePredicateRejectsUnknown(t *testing.T) {
	_, err := proxy.ParsePredicate("Weight=group1,8")
	assert.Error(t, err)
	_, err = proxy.ParsePredicate("no-equals-sign")
	assert.Error(t, err)
}

func TestStripUntrusted(t *testing.T) {
	h := http.Header{}
	h.Set("Sec-Georchestra-Preauthenticated", "true")
	h.Set("Preauth-Username", "bob")
	h.Set("Sec-Roles", "ROLE_SUPER")
	h.Set("Sec-Username", "mallory")
	h.Set("Accept", "text/html")
	h.Set("X-Request-ID", "123")

	proxy.StripUntrusted(h)

	assert.Empty(t, h.Get("Sec-Georchestra-Preauthenticated"))
	assert.Empty(t, h.Get("Preauth-Username"))
	assert.Empty(t, h.Get("Sec-Roles"))
	assert.Empty(t, h.Get("Sec-Username"))
	assert.Equal(t, "text/html", h.Get("Accept"))
	assert.Equal(t, "123", h.Get("X-Request-ID"))
}

func allHeaders() config.HeaderMappings {
	return config.HeaderMappings{
		Proxy:            boolPtr(true),
		Username:         boolPtr(true),
		Roles:            boolPtr(true),
		Org:              boolPtr(true),
		OrgName:          boolPtr(true),
		Email:            boolPtr(true),
		FirstName:        boolPtr(true),
		LastName:         boolPtr(true),
		Tel:              boolPtr(true),
		JSONUser:         boolPtr(true),
		JSONOrganization: boolPtr(true),
		ExternalAuth:     boolPtr(true),
	}
}

func TestProjectAnonymous(t *testing.T) {
	p := proxy.NewProjector(allHeaders())
	h := http.Header{}
	p.Project(h, identity.Anonymous(), nil, config.HeaderMappings{}, nil)

	assert.Equal(t, "true", h.Get("sec-proxy"))
	assert.Empty(t, h.Get("sec-username"))
	assert.Empty(t, h.Get("sec-roles"))
}

func TestProjectAuthenticated(t *testing.T) {
	p := proxy.NewProjector(allHeaders())
	h := http.Header{}
	u := &identity.User{
		Username:     "alice",
		Email:        "alice@x",
		FirstName:    "Alice",
		LastName:     "Gaudin",
		Organization: "psc",
		Roles:        []string{"ROLE_USER", "ROLE_ADMINISTRATOR"},
	}
	org := &identity.Organization{ID: "psc", Name: "Project Steering Committee"}
	p.Project(h, u, org, config.HeaderMappings{}, auth.OIDCToken{})

	assert.Equal(t, "alice", h.Get("sec-username"))
	assert.Equal(t, "ROLE_USER;ROLE_ADMINISTRATOR", h.Get("sec-roles"))
	assert.Equal(t, "psc", h.Get("sec-org"))
	assert.Equal(t, "Project Steering Committee", h.Get("sec-orgname"))
	assert.Equal(t, "true", h.Get("sec-external-authentication"))

	var decoded identity.User
	payload, err := base64.StdEncoding.DecodeString(h.Get("sec-json-user"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "alice", decoded.Username)
}

func TestProjectServiceOverrideWins(t *testing.T) {
	p := proxy.NewProjector(allHeaders())
	h := http.Header{}
	u := &identity.User{Username: "alice", Email: "alice@x", Roles: []string{"ROLE_USER"}}
	p.Project(h, u, nil, config.HeaderMappings{Email: boolPtr(false)}, auth.DirectoryToken{})

	assert.Equal(t, "alice", h.Get("sec-username"))
	assert.Empty(t, h.Get("sec-email"))
	// directory authentication is not external
	assert.Empty(t, h.Get("sec-external-authentication"))
}

func TestProjectEncodesNonLatin1(t *testing.T) {
	p := proxy.NewProjector(allHeaders())
	h := http.Header{}
	u := &identity.User{Username: "mueller", LastName: "Müller–Lüdenscheidt", Roles: []string{"ROLE_USER"}}
	p.Project(h, u, nil, config.HeaderMappings{}, nil)

	got := h.Get("sec-lastname")
	require.True(t, len(got) > 8 && got[:8] == "{base64}")
	decoded, err := base64.StdEncoding.DecodeString(got[8:])
	require.NoError(t, err)
	assert.Equal(t, "Müller–Lüdenscheidt", string(decoded))
}

func newTable(t *testing.T, routes []config.Route, profiles ...string) *proxy.Table {
	t.Helper()
	active := func(p string) bool {
		for _, a := range profiles {
			if a == p {
				return true
			}
		}
		return false
	}
	table, err := proxy.NewTable(routes, active, proxy.NewErrorPages())
	require.NoError(t, err)
	return table
}

func TestTableFirstMatchWins(t *testing.T) {
	table := newTable(t, []config.Route{
		{ID: "specific", URI: "http://backend-a", Predicates: []string{"Path=/geoserver/admin/**"}},
		{ID: "catchall", URI: "http://backend-b", Predicates: []string{"Path=/geoserver/**"}},
	})

	r := table.Match(httptest.NewRequest(http.MethodGet, "/geoserver/admin/ui", nil))
	require.NotNil(t, r)
	assert.Equal(t, "specific", r.ID)

	r = table.Match(httptest.NewRequest(http.MethodGet, "/geoserver/wms", nil))
	require.NotNil(t, r)
	assert.Equal(t, "catchall", r.ID)

	assert.Nil(t, table.Match(httptest.NewRequest(http.MethodGet, "/nowhere", nil)))
}

func TestTableProfileFiltering(t *testing.T) {
	routes := []config.Route{
		{ID: "docker-only", URI: "http://backend", Predicates: []string{"Path=/x/**"},
			Filters: []config.Filter{{Name: "RouteProfile", Args: map[string]interface{}{"profile": "docker"}}}},
	}

	assert.Len(t, newTable(t, routes, "docker").Routes(), 1)
	assert.Empty(t, newTable(t, routes).Routes())
}

func TestForwardRewritesPath(t *testing.T) {
	var seen *http.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	table := newTable(t, []config.Route{{
		ID:         "geonetwork",
		URI:        backend.URL,
		Predicates: []string{"Path=/geonetwork/**"},
		Filters: []config.Filter{{
			Name: "RewritePath",
			Args: map[string]interface{}{
				"regexp":      "/geonetwork/(?<segment>.*)",
				"replacement": "/geonetwork/srv/${segment}",
			},
		}},
	}})

	req := httptest.NewRequest(http.MethodGet, "/geonetwork/eng/catalog.search?foo=bar", nil)
	route := table.Match(req)
	require.NotNil(t, route)

	w := httptest.NewRecorder()
	route.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "/geonetwork/srv/eng/catalog.search", seen.URL.Path)
	assert.Equal(t, "foo=bar", seen.URL.RawQuery)
	assert.NotEmpty(t, seen.Header.Get("X-Forwarded-For"))
}

func TestForwardStripBasePath(t *testing.T) {
	var seenPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
	}))
	defer backend.Close()

	table := newTable(t, []config.Route{{
		ID:         "console",
		URI:        backend.URL,
		Predicates: []string{"Path=/console/**"},
		Filters:    []config.Filter{{Name: "StripBasePath", Args: map[string]interface{}{"parts": 1}}},
	}})

	req := httptest.NewRequest(http.MethodGet, "/console/account/new", nil)
	table.Match(req).ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "/account/new", seenPath)
}

func TestForwardRewritesCookiePath(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "s1", Path: "/internal"})
	}))
	defer backend.Close()

	table := newTable(t, []config.Route{{
		ID:         "geoserver",
		URI:        backend.URL,
		Predicates: []string{"Path=/geoserver/**"},
	}})

	req := httptest.NewRequest(http.MethodGet, "/geoserver/web", nil)
	w := httptest.NewRecorder()
	table.Match(req).ServeHTTP(w, req)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "/geoserver", cookies[0].Path)
}

func TestForwardCookieAffinity(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sticky", Value: "v", Path: "/app"})
	}))
	defer backend.Close()

	table := newTable(t, []config.Route{{
		ID:         "app",
		URI:        backend.URL,
		Predicates: []string{"Path=/app/**"},
		Filters: []config.Filter{{
			Name: "CookieAffinity",
			Args: map[string]interface{}{"name": "sticky", "from": "/app", "to": "/"},
		}},
	}})

	req := httptest.NewRequest(http.MethodGet, "/app/x", nil)
	w := httptest.NewRecorder()
	table.Match(req).ServeHTTP(w, req)

	paths := []string{}
	for _, c := range w.Result().Cookies() {
		if c.Name == "sticky" {
			paths = append(paths, c.Path)
		}
	}
	assert.ElementsMatch(t, []string{"/app", "/"}, paths)
}

func TestForwardConvertsErrorResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("dead"))
	}))
	defer backend.Close()

	table := newTable(t, []config.Route{{
		ID:         "x",
		URI:        backend.URL,
		Predicates: []string{"Path=/x/**"},
		Filters:    []config.Filter{{Name: "ApplicationError"}},
	}})

	req := httptest.NewRequest(http.MethodGet, "/x/y", nil)
	req.Header.Set("Accept", "text/html")
	w := httptest.NewRecorder()
	table.Match(req).ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "503")
	assert.NotContains(t, w.Body.String(), "dead")

	// non-HTML requests keep the upstream body
	req = httptest.NewRequest(http.MethodGet, "/x/y", nil)
	req.Header.Set("Accept", "application/json")
	w = httptest.NewRecorder()
	table.Match(req).ServeHTTP(w, req)
	assert.Equal(t, "dead", w.Body.String())
}

func TestForwardDeadBackend(t *testing.T) {
	backend := httptest.NewServer(nil)
	backend.Close()

	table := newTable(t, []config.Route{{
		ID:         "x",
		URI:        backend.URL,
		Predicates: []string{"Path=/x/**"},
	}})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Accept", "text/html")
	w := httptest.NewRecorder()
	table.Match(req).ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "502")
}
