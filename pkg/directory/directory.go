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

// Package directory talks to the LDAP directory: bind authentication,
// user and organization lookups, and account provisioning. The account
// manager in this package is the only component that mutates directory
// state.
package directory

import (
	"context"

	"github.com/georchestra/gateway/pkg/identity"
)

// BindResult is the outcome of a successful directory bind.
type BindResult struct {
	// Source is the name of the directory configuration that
	// authenticated the user.
	Source   string
	DN       string
	Username string
	Roles    []string

	// Password-expiry warning from the bind response controls.
	Warn          bool
	RemainingDays string
}

// Store is the storage-specific operation set behind the account
// manager. The single production implementation is LDAP-backed; tests
// substitute an in-memory fake.
type Store interface {
	// Bind resolves the user DN, binds with the supplied password and
	// loads the user's directory roles.
	Bind(ctx context.Context, username, password string) (*BindResult, error)

	FindByUsername(ctx context.Context, username string) (*identity.User, error)
	// FindByEmail returns errtypes.DuplicateEmail when more than one
	// entry matches.
	FindByEmail(ctx context.Context, email string) (*identity.User, error)
	FindByExternalUID(ctx context.Context, provider, uid string) (*identity.User, error)

	// CreateUser inserts a brief, non-pending account entry. It returns
	// errtypes.DuplicateUsername or errtypes.DuplicateEmail when a
	// matching entry already exists.
	CreateUser(ctx context.Context, u *identity.User) error
	// DeleteUser removes a user entry; used to roll back a partially
	// provisioned account.
	DeleteUser(ctx context.Context, username string) error

	// EnsureRoles creates missing role entries and adds the user as a
	// member. Membership in USER is always ensured. Role names are
	// directory names, without the ROLE_ prefix.
	EnsureRoles(ctx context.Context, username string, roles []string) error

	// EnsureOrg looks the organization up by external uid when the user
	// carries one, by common name otherwise, creating it when missing,
	// and adds the user as a member. All membership operations are
	// idempotent.
	EnsureOrg(ctx context.Context, u *identity.User) (*identity.Organization, error)
	// UnlinkOrg removes the user from the given organization.
	UnlinkOrg(ctx context.Context, username, orgID string) error

	FindOrgByID(ctx context.Context, id string) (*identity.Organization, error)
	FindOrgByExternalUID(ctx context.Context, uid string) (*identity.Organization, error)
}
