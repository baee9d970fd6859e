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

package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalRoles(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "adds prefix and role user",
			in:   []string{"ADMIN", "USER"},
			want: []string{"ROLE_USER", "ROLE_ADMIN"},
		},
		{
			name: "keeps existing prefix once",
			in:   []string{"ROLE_ADMIN", "ROLE_ROLE_EDITOR"},
			want: []string{"ROLE_USER", "ROLE_ADMIN", "ROLE_EDITOR"},
		},
		{
			name: "removes duplicates keeping first seen order",
			in:   []string{"B", "A", "ROLE_B"},
			want: []string{"ROLE_USER", "ROLE_B", "ROLE_A"},
		},
		{
			name: "empty input still grants role user",
			in:   nil,
			want: []string{"ROLE_USER"},
		},
		{
			name: "skips empty role names",
			in:   []string{"", "GN"},
			want: []string{"ROLE_USER", "ROLE_GN"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalRoles(tt.in))
		})
	}
}

func TestCanonicalRolesIdempotent(t *testing.T) {
	once := CanonicalRoles([]string{"ADMIN", "gn_editor"})
	twice := CanonicalRoles(once)
	assert.Equal(t, once, twice)
}

func TestHasRole(t *testing.T) {
	u := &User{Username: "alice", Roles: []string{"ROLE_USER", "ROLE_ADMIN"}}
	assert.True(t, u.HasRole("ADMIN"))
	assert.True(t, u.HasRole("ROLE_ADMIN"))
	assert.False(t, u.HasRole("SUPERUSER"))
}

func TestAnonymous(t *testing.T) {
	anon := Anonymous()
	assert.True(t, anon.IsAnonymous())
	assert.False(t, (&User{Username: "bob", Roles: []string{"ROLE_USER"}}).IsAnonymous())
	var nilUser *User
	assert.True(t, nilUser.IsAnonymous())
}
