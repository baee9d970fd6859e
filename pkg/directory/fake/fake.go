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

// Package fake provides an in-memory directory store for tests.
package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/georchestra/gateway/pkg/directory"
	"github.com/georchestra/gateway/pkg/errtypes"
	"github.com/georchestra/gateway/pkg/identity"
)

// Store is an in-memory directory.Store. The zero value is not usable;
// call New.
type Store struct {
	mu        sync.Mutex
	users     map[string]*identity.User
	orgs      map[string]*identity.Organization
	passwords map[string]string
	roles     map[string]map[string]struct{} // role name -> usernames

	// FailEnsureOrg / FailEnsureRoles force the respective provisioning
	// step to fail, for rollback tests.
	FailEnsureOrg   bool
	FailEnsureRoles bool

	// CreateCalls counts CreateUser invocations that reached the store.
	CreateCalls int
}

var _ directory.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		users:     map[string]*identity.User{},
		orgs:      map[string]*identity.Organization{},
		passwords: map[string]string{},
		roles:     map[string]map[string]struct{}{},
	}
}

// AddUser seeds a user with the given password and directory roles.
func (s *Store) AddUser(u *identity.User, password string, roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.Username] = &cp
	s.passwords[u.Username] = password
	for _, r := range roles {
		if s.roles[r] == nil {
			s.roles[r] = map[string]struct{}{}
		}
		s.roles[r][u.Username] = struct{}{}
	}
}

// AddOrg seeds an organization.
func (s *Store) AddOrg(org *identity.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *org
	s.orgs[org.ID] = &cp
}

// User returns a copy of the stored user, or nil.
func (s *Store) User(username string) *identity.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

// Roles returns the directory roles of a user.
func (s *Store) Roles(username string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for role, members := range s.roles {
		if _, ok := members[username]; ok {
			out = append(out, role)
		}
	}
	return out
}

// Bind implements directory.Store.
func (s *Store) Bind(_ context.Context, username, password string) (*directory.BindResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok || s.passwords[username] != password {
		return nil, errtypes.InvalidCredentials(username)
	}
	return &directory.BindResult{
		Source:   "fake",
		DN:       "uid=" + username + ",ou=users,dc=test",
		Username: u.Username,
		Roles:    s.rolesOf(username),
	}, nil
}

func (s *Store) rolesOf(username string) []string {
	var out []string
	for role, members := range s.roles {
		if _, ok := members[username]; ok {
			out = append(out, role)
		}
	}
	return out
}

// FindByUsername implements directory.Store.
func (s *Store) FindByUsername(_ context.Context, username string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return nil, errtypes.NotFound(username)
	}
	cp := *u
	cp.Roles = s.rolesOf(username)
	return &cp, nil
}

// FindByEmail implements directory.Store.
func (s *Store) FindByEmail(_ context.Context, email string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *identity.User
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			if found != nil {
				return nil, errtypes.DuplicateEmail(email)
			}
			found = u
		}
	}
	if found == nil {
		return nil, errtypes.NotFound(email)
	}
	cp := *found
	cp.Roles = s.rolesOf(found.Username)
	return &cp, nil
}

// FindByExternalUID implements directory.Store.
func (s *Store) FindByExternalUID(_ context.Context, provider, uid string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ExternalProvider == provider && u.ExternalUID == uid {
			cp := *u
			cp.Roles = s.rolesOf(u.Username)
			return &cp, nil
		}
	}
	return nil, errtypes.NotFound(provider + "/" + uid)
}

// CreateUser implements directory.Store.
func (s *Store) CreateUser(_ context.Context, u *identity.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreateCalls++
	if _, exists := s.users[u.Username]; exists {
		return errtypes.DuplicateUsername(u.Username)
	}
	for _, existing := range s.users {
		if u.Email != "" && strings.EqualFold(existing.Email, u.Email) {
			return errtypes.DuplicateEmail(u.Email)
		}
	}
	cp := *u
	s.users[u.Username] = &cp
	return nil
}

// DeleteUser implements directory.Store.
func (s *Store) DeleteUser(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, username)
	delete(s.passwords, username)
	for _, members := range s.roles {
		delete(members, username)
	}
	return nil
}

// EnsureRoles implements directory.Store.
func (s *Store) EnsureRoles(_ context.Context, username string, roles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailEnsureRoles {
		return errtypes.DirectoryUnavailable("forced role failure")
	}
	names := append([]string{"USER"}, roles...)
	for _, r := range names {
		r = strings.TrimPrefix(r, identity.RolePrefix)
		if r == "" {
			continue
		}
		if s.roles[r] == nil {
			s.roles[r] = map[string]struct{}{}
		}
		s.roles[r][username] = struct{}{}
	}
	return nil
}

// EnsureOrg implements directory.Store.
func (s *Store) EnsureOrg(_ context.Context, u *identity.User) (*identity.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailEnsureOrg {
		return nil, errtypes.DirectoryUnavailable("forced org failure")
	}
	var org *identity.Organization
	if u.ExternalOrgID != "" {
		for _, o := range s.orgs {
			if o.ExternalUID == u.ExternalOrgID {
				org = o
				break
			}
		}
	} else if u.Organization != "" {
		org = s.orgs[u.Organization]
	} else {
		return nil, nil
	}

	if org == nil {
		id := u.Organization
		if id == "" {
			id = u.ExternalOrgID
		}
		org = &identity.Organization{
			ID:          id,
			Name:        id,
			OrgType:     identity.DefaultOrgType,
			ExternalUID: u.ExternalOrgID,
		}
		s.orgs[id] = org
	}

	for _, m := range org.Members {
		if m == u.Username {
			cp := *org
			return &cp, nil
		}
	}
	org.Members = append(org.Members, u.Username)
	if stored, ok := s.users[u.Username]; ok {
		stored.Organization = org.ID
	}
	cp := *org
	return &cp, nil
}

// UnlinkOrg implements directory.Store.
func (s *Store) UnlinkOrg(_ context.Context, username, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[orgID]
	if !ok {
		return nil
	}
	out := org.Members[:0]
	for _, m := range org.Members {
		if m != username {
			out = append(out, m)
		}
	}
	org.Members = out
	return nil
}

// FindOrgByID implements directory.Store.
func (s *Store) FindOrgByID(_ context.Context, id string) (*identity.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, errtypes.NotFound(id)
	}
	cp := *org
	return &cp, nil
}

// FindOrgByExternalUID implements directory.Store.
func (s *Store) FindOrgByExternalUID(_ context.Context, uid string) (*identity.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, org := range s.orgs {
		if org.ExternalUID == uid {
			cp := *org
			return &cp, nil
		}
	}
	return nil, errtypes.NotFound(uid)
}
