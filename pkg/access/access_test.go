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

package access

import (
	"testing"

	"github.com/georchestra/gateway/pkg/config"
	"github.com/georchestra/gateway/pkg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathMatcher(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/**", "/anything/at/all", true},
		{"/**", "/", true},
		{"/admin/**", "/admin/ui", true},
		{"/admin/**", "/admin/ui/deep/path", true},
		{"/admin/**", "/admin", true},
		{"/admin/**", "/administrator", false},
		{"/svc/*", "/svc/foo", true},
		{"/svc/*", "/svc/foo/bar", false},
		{"/svc/?oo", "/svc/foo", true},
		{"/svc/?oo", "/svc/fooo", false},
		{"/svc/?oo", "/svc//oo", false},
		{"/a/**/z", "/a/z", false},
		{"/a/**/z", "/a/b/c/z", true},
	}
	for _, tt := range tests {
		m, err := CompilePath(tt.pattern)
		require.NoError(t, err)
		assert.Equalf(t, tt.want, m.Match(tt.path), "%s vs %s", tt.pattern, tt.path)
	}
}

func user(roles ...string) *identity.User {
	return &identity.User{Username: "u", Roles: identity.CanonicalRoles(roles)}
}

func TestDecideFirstMatchWins(t *testing.T) {
	e, err := New([]config.AccessRule{
		{InterceptURL: []string{"/admin/public/**"}, Anonymous: true},
		{InterceptURL: []string{"/admin/**"}, AllowedRoles: []string{"ADMIN"}},
		{InterceptURL: []string{"/**"}, Anonymous: true},
	}, nil)
	require.NoError(t, err)

	anon := identity.Anonymous()
	assert.Equal(t, Granted, e.Decide("/admin/public/info", "", anon))
	assert.Equal(t, Unauthorized, e.Decide("/admin/ui", "", anon))
	assert.Equal(t, Forbidden, e.Decide("/admin/ui", "", user("VIEWER")))
	assert.Equal(t, Granted, e.Decide("/admin/ui", "", user("ADMIN")))
	assert.Equal(t, Granted, e.Decide("/whatever", "", anon))
}

func TestDecideServiceRulesShadowGlobal(t *testing.T) {
	e, err := New(
		[]config.AccessRule{{InterceptURL: []string{"/**"}, Anonymous: true}},
		map[string]config.Service{
			"console": {
				Target: "http://console:8080/console/",
				AccessRules: []config.AccessRule{
					{InterceptURL: []string{"/console/private/**"}, AllowedRoles: []string{"ADMINISTRATOR"}},
				},
			},
		},
	)
	require.NoError(t, err)

	target := "http://console:8080/console/"
	anon := identity.Anonymous()

	// service rule matches: global anonymous rule must not apply
	assert.Equal(t, Unauthorized, e.Decide("/console/private/users", target, anon))
	// no service rule matches: global rules take over
	assert.Equal(t, Granted, e.Decide("/console/home", target, anon))
	// unrelated target never sees the service rules
	assert.Equal(t, Granted, e.Decide("/console/private/users", "http://other/", anon))
}

func TestDecideForbiddenBeatsRoles(t *testing.T) {
	e, err := New([]config.AccessRule{
		{InterceptURL: []string{"/blocked/**"}, Forbidden: true},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, Forbidden, e.Decide("/blocked/x", "", user("ADMIN")))
	assert.Equal(t, Forbidden, e.Decide("/blocked/x", "", identity.Anonymous()))
}

func TestDecideEmptyRolesRequiresAuthenticated(t *testing.T) {
	e, err := New([]config.AccessRule{
		{InterceptURL: []string{"/private/**"}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, Unauthorized, e.Decide("/private/x", "", identity.Anonymous()))
	assert.Equal(t, Granted, e.Decide("/private/x", "", user()))
}

func TestDecideNoMatchDenies(t *testing.T) {
	e, err := New(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Unauthorized, e.Decide("/x", "", identity.Anonymous()))
	assert.Equal(t, Forbidden, e.Decide("/x", "", user()))
}

func TestRolePrefixTolerated(t *testing.T) {
	e, err := New([]config.AccessRule{
		{InterceptURL: []string{"/a/**"}, AllowedRoles: []string{"ADMIN"}},
		{InterceptURL: []string{"/b/**"}, AllowedRoles: []string{"ROLE_ADMIN"}},
	}, nil)
	require.NoError(t, err)
	u := user("ADMIN")
	assert.Equal(t, Granted, e.Decide("/a/x", "", u))
	assert.Equal(t, Granted, e.Decide("/b/x", "", u))
}
