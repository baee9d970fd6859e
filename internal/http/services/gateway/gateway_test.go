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

package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	appctxmw "github.com/georchestra/gateway/internal/http/interceptors/appctx"
	authmw "github.com/georchestra/gateway/internal/http/interceptors/auth"
	dispatch "github.com/georchestra/gateway/internal/http/services/gateway"
	"github.com/georchestra/gateway/internal/http/services/login"
	"github.com/georchestra/gateway/internal/http/services/whoami"
	"github.com/georchestra/gateway/pkg/access"
	"github.com/georchestra/gateway/pkg/auth"
	"github.com/georchestra/gateway/pkg/auth/claims"
	"github.com/georchestra/gateway/pkg/auth/manager/oidc"
	"github.com/georchestra/gateway/pkg/auth/manager/preauth"
	"github.com/georchestra/gateway/pkg/auth/resolver"
	"github.com/georchestra/gateway/pkg/config"
	"github.com/georchestra/gateway/pkg/directory"
	"github.com/georchestra/gateway/pkg/directory/fake"
	"github.com/georchestra/gateway/pkg/identity"
	"github.com/georchestra/gateway/pkg/proxy"
	"github.com/georchestra/gateway/pkg/session"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

type pipeline struct {
	router *chi.Mux
	store  *fake.Store
}

// newPipeline assembles the middleware chain and dispatch handler the
// way the runtime does, on a fake directory store.
func newPipeline(t *testing.T, upstream string, global []config.AccessRule) *pipeline {
	t.Helper()

	store := fake.New()
	store.AddUser(&identity.User{Username: "alice", Email: "alice@x"}, "pw", "USER", "ADMINISTRATOR")

	sessions := session.NewStore(time.Hour)
	t.Cleanup(sessions.Close)

	accounts := directory.NewAccountManager(store, nil)
	res := resolver.New(resolver.Options{
		Accounts:    accounts,
		Stores:      map[string]directory.Store{"fake": store},
		Extractor:   claims.NewExtractor(config.ClaimMappings{}, nil),
		SearchEmail: map[string]bool{},
		CreateUsers: true,
	})

	services := map[string]config.Service{
		"svc": {Target: upstream},
	}
	rules, err := access.New(global, services)
	require.NoError(t, err)

	pages := proxy.NewErrorPages()
	table, err := proxy.NewTable([]config.Route{
		{ID: "svc", URI: upstream, Predicates: []string{"Path=/svc/**"}},
	}, func(string) bool { return false }, pages)
	require.NoError(t, err)

	defaults := config.HeaderMappings{
		Proxy:    boolPtr(true),
		Username: boolPtr(true),
		Roles:    boolPtr(true),
		LastName: boolPtr(true),
	}

	oidcManager, err := oidc.New(context.Background(), config.OIDC{})
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Use(appctxmw.New(zerolog.Nop(), config.MDC{}))
	router.Use(authmw.New(authmw.Options{
		Sessions:       sessions,
		Authenticators: []auth.Authenticator{preauth.New(true)},
		Resolver:       res,
		Pages:          pages,
	}))
	login.New(sessions, map[string]directory.Store{"fake": store}, oidcManager, res).Register(router)
	whoami.Register(router)
	router.Handle("/*", dispatch.New(table, rules, proxy.NewProjector(defaults), accounts, pages, services))

	return &pipeline{router: router, store: store}
}

func anonymousGlobal() []config.AccessRule {
	return []config.AccessRule{{InterceptURL: []string{"/**"}, Anonymous: true}}
}

func TestAnonymousPublicPath(t *testing.T) {
	var seen http.Header
	var seenPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		seenPath = r.URL.Path
		w.WriteHeader(http.StatusTeapot)
	}))
	defer backend.Close()

	p := newPipeline(t, backend.URL, anonymousGlobal())
	w := httptest.NewRecorder()
	p.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/svc/foo", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "/svc/foo", seenPath)
	assert.Equal(t, "true", seen.Get("sec-proxy"))
	assert.Empty(t, seen.Get("sec-username"))
}

func TestDirectoryLoginFlow(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer backend.Close()

	p := newPipeline(t, backend.URL, anonymousGlobal())

	// login
	form := url.Values{"username": {"alice"}, "password": {"pw"}}
	loginReq := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	loginReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	p.router.ServeHTTP(w, loginReq)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	withSession := func(method, target string) *http.Request {
		r := httptest.NewRequest(method, target, nil)
		for _, c := range cookies {
			r.AddCookie(c)
		}
		return r
	}

	// whoami reflects the canonical user
	w = httptest.NewRecorder()
	p.router.ServeHTTP(w, withSession(http.MethodGet, "/whoami"))
	require.Equal(t, http.StatusOK, w.Code)
	var resp whoami.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.GeorchestraUser)
	assert.Equal(t, "alice", resp.GeorchestraUser.Username)
	assert.Equal(t, []string{"ROLE_USER", "ROLE_ADMINISTRATOR"}, resp.GeorchestraUser.Roles)

	// backend-bound requests carry the identity headers
	w = httptest.NewRecorder()
	p.router.ServeHTTP(w, withSession(http.MethodGet, "/svc/data"))
	assert.Equal(t, "alice", seen.Get("sec-username"))
	assert.Equal(t, "ROLE_USER;ROLE_ADMINISTRATOR", seen.Get("sec-roles"))
}

func TestBadCredentialsRedirectToError(t *testing.T) {
	p := newPipeline(t, "http://backend.invalid", anonymousGlobal())

	form := url.Values{"username": {"alice"}, "password": {"wrong"}}
	r := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	p.router.ServeHTTP(w, r)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login?error=invalid_credentials", w.Header().Get("Location"))
}

func TestPreAuthStripAndInject(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer backend.Close()

	p := newPipeline(t, backend.URL, anonymousGlobal())

	r := httptest.NewRequest(http.MethodGet, "/svc/foo", nil)
	r.Header.Set("sec-georchestra-preauthenticated", "true")
	r.Header.Set("preauth-username", "bob")
	r.Header.Set("preauth-lastname", "{base64}TWF1ZHVpdA==")
	r.Header.Set("preauth-roles", "ADMIN;USER")
	r.Header.Set("sec-roles", "ROLE_SUPER")
	w := httptest.NewRecorder()
	p.router.ServeHTTP(w, r)

	assert.Equal(t, "bob", seen.Get("sec-username"))
	assert.Equal(t, "Mauduit", seen.Get("sec-lastname"))
	assert.Equal(t, "ROLE_USER;ROLE_ADMIN", seen.Get("sec-roles"))
	assert.Equal(t, "true", seen.Get("sec-proxy"))
	assert.Empty(t, seen.Get("preauth-username"))
	assert.Empty(t, seen.Get("preauth-roles"))
	assert.Empty(t, seen.Get("sec-georchestra-preauthenticated"))
	assert.NotContains(t, seen.Values("sec-roles"), "ROLE_SUPER")

	// bob was auto-provisioned
	assert.NotNil(t, p.store.User("bob"))
}

func TestAnonymousDeniedHTMLRedirectsToLogin(t *testing.T) {
	global := []config.AccessRule{
		{InterceptURL: []string{"/admin/**"}, AllowedRoles: []string{"ADMIN"}},
		{InterceptURL: []string{"/**"}, Anonymous: true},
	}
	p := newPipeline(t, "http://backend.invalid", global)

	r := httptest.NewRequest(http.MethodGet, "/admin/ui", nil)
	r.Header.Set("Accept", "text/html")
	w := httptest.NewRecorder()
	p.router.ServeHTTP(w, r)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))
}

func TestAuthenticatedWithoutRoleGets403(t *testing.T) {
	global := []config.AccessRule{
		{InterceptURL: []string{"/admin/**"}, AllowedRoles: []string{"ADMIN"}},
		{InterceptURL: []string{"/**"}, Anonymous: true},
	}
	p := newPipeline(t, "http://backend.invalid", global)

	r := httptest.NewRequest(http.MethodGet, "/admin/ui", nil)
	r.Header.Set("sec-georchestra-preauthenticated", "true")
	r.Header.Set("preauth-username", "carol")
	w := httptest.NewRecorder()
	p.router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUnmatchedPathIs404(t *testing.T) {
	p := newPipeline(t, "http://backend.invalid", anonymousGlobal())

	w := httptest.NewRecorder()
	p.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDotSegmentsCannotBypassRules(t *testing.T) {
	global := []config.AccessRule{
		{InterceptURL: []string{"/svc/admin/**"}, AllowedRoles: []string{"ADMIN"}},
		{InterceptURL: []string{"/**"}, Anonymous: true},
	}
	p := newPipeline(t, "http://backend.invalid", global)

	r := httptest.NewRequest(http.MethodGet, "/svc/x/../admin/secret", nil)
	r.Header.Set("Accept", "text/html")
	w := httptest.NewRecorder()
	p.router.ServeHTTP(w, r)

	// normalized to /svc/admin/secret, which the role rule guards
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))
}

func TestDotSegmentsForwardedNormalized(t *testing.T) {
	var seenPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
	}))
	defer backend.Close()

	p := newPipeline(t, backend.URL, anonymousGlobal())

	w := httptest.NewRecorder()
	p.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/svc/a/../b", nil))
	assert.Equal(t, "/svc/b", seenPath)
}

var requestIDRe = regexp.MustCompile(`^\d{16}$`)

func TestRequestIDAssignedAndEchoed(t *testing.T) {
	var seen http.Header
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer backend.Close()

	p := newPipeline(t, backend.URL, anonymousGlobal())

	// fresh id when absent, same id on both sides of the hop
	w := httptest.NewRecorder()
	p.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/svc/foo", nil))
	id := w.Header().Get("X-Request-ID")
	assert.Regexp(t, requestIDRe, id)
	assert.Equal(t, id, seen.Get("X-Request-ID"))

	// inbound id echoed and forwarded
	r := httptest.NewRequest(http.MethodGet, "/svc/foo", nil)
	r.Header.Set("X-Request-ID", "forwarded-123")
	w = httptest.NewRecorder()
	p.router.ServeHTTP(w, r)
	assert.Equal(t, "forwarded-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "forwarded-123", seen.Get("X-Request-ID"))
}
