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

// Package resolver turns authentication tokens into canonical users.
// It is the single place where a token becomes a user record, including
// auto-provisioning, organization reconciliation and role mappings.
package resolver

import (
	"context"
	"regexp"
	"strings"

	"github.com/georchestra/gateway/pkg/auth"
	"github.com/georchestra/gateway/pkg/auth/claims"
	"github.com/georchestra/gateway/pkg/config"
	"github.com/georchestra/gateway/pkg/directory"
	"github.com/georchestra/gateway/pkg/errtypes"
	"github.com/georchestra/gateway/pkg/identity"
	"github.com/pkg/errors"
)

// Resolver resolves authentication tokens into canonical users.
type Resolver struct {
	accounts  *directory.AccountManager
	stores    map[string]directory.Store
	extractor *claims.Extractor

	// searchEmail flags the OIDC registrations whose existing-user
	// lookup goes by email instead of (provider, external uid).
	searchEmail map[string]bool

	createUsers bool
	defaultOrg  string
	mappings    []roleMapping
}

type roleMapping struct {
	pattern *regexp.Regexp
	roles   []string
}

// Options groups the resolver collaborators and settings.
type Options struct {
	Accounts *directory.AccountManager
	// Stores indexes the directory sources by name, for loading the
	// full profile after a directory bind.
	Stores      map[string]directory.Store
	Extractor   *claims.Extractor
	SearchEmail map[string]bool
	CreateUsers bool
	DefaultOrg  string
	Mappings    []config.RoleMapping
}

// New builds a resolver. Role-mapping sources allow only the *
// wildcard; config validation rejected everything else already.
func New(o Options) *Resolver {
	r := &Resolver{
		accounts:    o.Accounts,
		stores:      o.Stores,
		extractor:   o.Extractor,
		searchEmail: o.SearchEmail,
		createUsers: o.CreateUsers,
		defaultOrg:  o.DefaultOrg,
	}
	for _, m := range o.Mappings {
		r.mappings = append(r.mappings, roleMapping{
			pattern: compileSource(m.Source),
			roles:   m.Roles,
		})
	}
	return r
}

func compileSource(src string) *regexp.Regexp {
	parts := strings.Split(src, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}

// Resolve produces the canonical user for a token. It is idempotent for
// unchanged inputs; repeated resolutions of the same token do not
// re-provision anything.
func (r *Resolver) Resolve(ctx context.Context, token auth.Token) (*identity.User, error) {
	var (
		u   *identity.User
		err error
	)
	switch t := token.(type) {
	case auth.DirectoryToken:
		u, err = r.resolveDirectory(ctx, t)
	case auth.OIDCToken:
		u, err = r.resolveOIDC(ctx, t)
	case auth.PreAuthToken:
		u, err = r.resolvePreAuth(ctx, t)
	default:
		return nil, errtypes.AuthenticationFailed("unknown token type")
	}
	if err != nil {
		return nil, err
	}

	u.Roles = r.applyMappings(identity.CanonicalRoles(u.Roles))
	return u, nil
}

// resolveDirectory loads the bound user's full profile from its source.
// Sources that carry no user entries beyond the bind (plain
// authentication-only directories) yield a user built from the token.
func (r *Resolver) resolveDirectory(ctx context.Context, t auth.DirectoryToken) (*identity.User, error) {
	u := &identity.User{Username: t.Username, Roles: t.Roles}

	if store, ok := r.stores[t.Source]; ok {
		loaded, err := r.accounts.Find(ctx, func(directory.Store) (*identity.User, error) {
			return store.FindByUsername(ctx, t.Username)
		})
		switch {
		case err == nil:
			u = loaded
			if len(t.Roles) > 0 {
				u.Roles = t.Roles
			}
		case !isNotFound(err):
			return nil, err
		}
	}

	u.DirectoryWarn = t.Warn
	u.DirectoryRemainingDays = t.RemainingDays
	return u, nil
}

func (r *Resolver) resolveOIDC(ctx context.Context, t auth.OIDCToken) (*identity.User, error) {
	mapped := &identity.User{Roles: t.Authorities}
	merged := claims.Merge(t.IDTokenClaims, t.UserinfoClaims)
	if err := r.extractor.Apply(t.Registration, merged, mapped); err != nil {
		return nil, err
	}
	mapped.Roles = identity.CanonicalRoles(mapped.Roles)
	if mapped.Organization == "" && mapped.ExternalOrgID == "" {
		mapped.Organization = r.defaultOrg
	}

	lookup := func(s directory.Store) (*identity.User, error) {
		if r.searchEmail[t.Registration] {
			return s.FindByEmail(ctx, mapped.Email)
		}
		return s.FindByExternalUID(ctx, t.Registration, mapped.ExternalUID)
	}
	return r.findOrProvision(ctx, mapped, lookup)
}

func (r *Resolver) resolvePreAuth(ctx context.Context, t auth.PreAuthToken) (*identity.User, error) {
	get := func(key string) string { return t.Headers[key] }
	mapped := &identity.User{
		Username:         get("username"),
		Email:            get("email"),
		FirstName:        get("firstname"),
		LastName:         get("lastname"),
		Organization:     get("org"),
		ExternalProvider: get("provider"),
		ExternalUID:      get("provider-id"),
	}
	if roles := get("roles"); roles != "" {
		for _, role := range strings.Split(roles, ";") {
			if role = strings.TrimSpace(role); role != "" {
				mapped.Roles = append(mapped.Roles, role)
			}
		}
	}
	mapped.Roles = identity.CanonicalRoles(mapped.Roles)
	if mapped.Organization == "" {
		mapped.Organization = r.defaultOrg
	}

	lookup := func(s directory.Store) (*identity.User, error) {
		return s.FindByUsername(ctx, mapped.Username)
	}
	return r.findOrProvision(ctx, mapped, lookup)
}

// findOrProvision returns the existing user for the lookup key, creates
// it when auto-provisioning is on, and reconciles the organization
// membership against the provider's view.
func (r *Resolver) findOrProvision(ctx context.Context, mapped *identity.User, lookup func(directory.Store) (*identity.User, error)) (*identity.User, error) {
	if !r.createUsers {
		u, err := r.accounts.Find(ctx, lookup)
		if isNotFound(err) {
			return nil, errtypes.AuthenticationFailed(mapped.Username + ": no matching account and user creation is disabled")
		}
		return u, err
	}

	u, created, err := r.accounts.GetOrCreate(ctx, mapped, lookup)
	if err != nil {
		return nil, err
	}
	if created {
		return u, nil
	}

	org, err := r.accounts.Organization(ctx, u)
	if err != nil {
		return nil, err
	}
	mapped.Username = u.Username
	if err := r.accounts.ReconcileOrg(ctx, mapped, org); err != nil {
		return nil, err
	}
	if mapped.ExternalOrgID != "" && (org == nil || org.ExternalUID != mapped.ExternalOrgID) {
		if moved, err := r.accounts.Find(ctx, func(s directory.Store) (*identity.User, error) {
			return s.FindByUsername(ctx, u.Username)
		}); err == nil {
			u = moved
		}
	}
	return u, nil
}

// applyMappings appends the extra roles of every mapping whose source
// pattern matches one of the user's roles. Matching runs against the
// pre-mapping role set only, so one mapping cannot trigger another.
func (r *Resolver) applyMappings(roles []string) []string {
	if len(r.mappings) == 0 {
		return roles
	}
	out := roles
	seen := map[string]struct{}{}
	for _, role := range roles {
		seen[role] = struct{}{}
	}
	for _, m := range r.mappings {
		matched := false
		for _, role := range roles {
			if m.pattern.MatchString(role) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		for _, extra := range m.roles {
			extra = identity.CanonicalRole(extra)
			if _, ok := seen[extra]; ok {
				continue
			}
			seen[extra] = struct{}{}
			out = append(out, extra)
		}
	}
	return out
}

func isNotFound(err error) bool {
	var nf errtypes.IsNotFound
	return errors.As(err, &nf)
}
