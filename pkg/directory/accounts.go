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

package directory

import (
	"context"
	"sync"

	"github.com/georchestra/gateway/pkg/appctx"
	"github.com/georchestra/gateway/pkg/errtypes"
	"github.com/georchestra/gateway/pkg/identity"
	"github.com/pkg/errors"
)

// CreatedCallback is invoked after an account has been fully
// provisioned (user entry, organization and roles).
type CreatedCallback func(ctx context.Context, u *identity.User)

// AccountManager owns every mutation of user and organization state in
// the directory. A single reader-writer lock serializes mutations
// against lookups so concurrent first-logins of the same user cannot
// double-provision.
type AccountManager struct {
	mu      sync.RWMutex
	store   Store
	created CreatedCallback
}

// NewAccountManager wraps the given store. onCreated may be nil.
func NewAccountManager(store Store, onCreated CreatedCallback) *AccountManager {
	return &AccountManager{store: store, created: onCreated}
}

// Find looks up an existing user under the read lock using the given
// lookup function.
func (am *AccountManager) Find(ctx context.Context, lookup func(Store) (*identity.User, error)) (*identity.User, error) {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return lookup(am.store)
}

// GetOrCreate returns the existing user matched by lookup, or
// provisions mapped under the write lock. The boolean result reports
// whether a new entry was created.
//
// The create path is: insert user entry, ensure organization, ensure
// roles. A failure of a later step deletes the user entry again so a
// retry starts clean.
func (am *AccountManager) GetOrCreate(ctx context.Context, mapped *identity.User, lookup func(Store) (*identity.User, error)) (*identity.User, bool, error) {
	if existing, err := am.Find(ctx, lookup); err == nil {
		return existing, false, nil
	} else if !isNotFound(err) {
		return nil, false, err
	}

	u, created, err := am.provision(ctx, mapped, lookup)
	if err != nil {
		return nil, false, err
	}
	// the callback may publish to a slow broker; it must never run
	// under the lock
	if created && am.created != nil {
		am.created(ctx, u)
	}
	return u, created, nil
}

func (am *AccountManager) provision(ctx context.Context, mapped *identity.User, lookup func(Store) (*identity.User, error)) (*identity.User, bool, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	// somebody else may have provisioned the account while we waited
	if existing, err := lookup(am.store); err == nil {
		return existing, false, nil
	} else if !isNotFound(err) {
		return nil, false, err
	}

	if err := am.store.CreateUser(ctx, mapped); err != nil {
		// duplicates surface as-is, without rollback: nothing was written
		return nil, false, err
	}

	if _, err := am.store.EnsureOrg(ctx, mapped); err != nil {
		am.rollback(ctx, mapped)
		return nil, false, errtypes.OrgProvisioningFailed(mapped.Username + ": " + err.Error())
	}

	if err := am.store.EnsureRoles(ctx, mapped.Username, mapped.Roles); err != nil {
		am.rollback(ctx, mapped)
		return nil, false, errtypes.RoleProvisioningFailed(mapped.Username + ": " + err.Error())
	}
	return mapped, true, nil
}

// ReconcileOrg moves the user to the organization indicated by the
// provider when it differs from the stored one. current is the user's
// present organization record, possibly nil.
func (am *AccountManager) ReconcileOrg(ctx context.Context, mapped *identity.User, current *identity.Organization) error {
	if mapped.ExternalOrgID == "" {
		return nil
	}
	if current != nil && current.ExternalUID == mapped.ExternalOrgID {
		return nil
	}

	am.mu.Lock()
	defer am.mu.Unlock()

	if current != nil {
		if err := am.store.UnlinkOrg(ctx, mapped.Username, current.ID); err != nil {
			return err
		}
	}
	_, err := am.store.EnsureOrg(ctx, mapped)
	return err
}

// Organization reads the organization of the given user under the read
// lock, or nil when the user has none.
func (am *AccountManager) Organization(ctx context.Context, u *identity.User) (*identity.Organization, error) {
	if u == nil || u.Organization == "" {
		return nil, nil
	}
	am.mu.RLock()
	defer am.mu.RUnlock()
	org, err := am.store.FindOrgByID(ctx, u.Organization)
	if isNotFound(err) {
		return nil, nil
	}
	return org, err
}

// rollback is best-effort: a failure to delete the half-provisioned
// entry is logged, not propagated.
func (am *AccountManager) rollback(ctx context.Context, u *identity.User) {
	if err := am.store.DeleteUser(ctx, u.Username); err != nil {
		appctx.GetLogger(ctx).Warn().Err(err).Str("username", u.Username).
			Msg("could not roll back partially provisioned account")
	}
}

func isNotFound(err error) bool {
	var nf errtypes.IsNotFound
	return errors.As(err, &nf)
}
