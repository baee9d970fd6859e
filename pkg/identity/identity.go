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

// Package identity defines the canonical user and organization records
// shared by the authentication layer, the access-rule engine and the
// header projection.
package identity

import "strings"

// RolePrefix is prepended exactly once to every role name.
const RolePrefix = "ROLE_"

// RoleUser is granted to every authenticated user.
const RoleUser = "ROLE_USER"

// RoleAnonymous is the only role of an unauthenticated request.
const RoleAnonymous = "ROLE_ANONYMOUS"

// User is the canonical representation of an authenticated user. It is
// immutable once resolved for the lifetime of a request.
type User struct {
	ID               string   `json:"id,omitempty" yaml:"id"`
	Username         string   `json:"username" yaml:"username"`
	Email            string   `json:"email,omitempty" yaml:"email"`
	FirstName        string   `json:"firstName,omitempty" yaml:"firstName"`
	LastName         string   `json:"lastName,omitempty" yaml:"lastName"`
	TelephoneNumber  string   `json:"telephoneNumber,omitempty" yaml:"telephoneNumber"`
	PostalAddress    string   `json:"postalAddress,omitempty" yaml:"postalAddress"`
	Organization     string   `json:"organization,omitempty" yaml:"organization"`
	Roles            []string `json:"roles" yaml:"roles"`
	ExternalProvider string   `json:"oauth2Provider,omitempty" yaml:"oauth2Provider"`
	ExternalUID      string   `json:"oauth2Uid,omitempty" yaml:"oauth2Uid"`
	ExternalOrgID    string   `json:"oauth2OrgId,omitempty" yaml:"oauth2OrgId"`

	// Password-expiry information from the directory bind, when present.
	DirectoryWarn          bool   `json:"ldapWarn,omitempty" yaml:"ldapWarn"`
	DirectoryRemainingDays string `json:"ldapRemainingDays,omitempty" yaml:"ldapRemainingDays"`
}

// Organization is a directory organization entry.
type Organization struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name,omitempty" yaml:"name"`
	ShortName   string   `json:"shortName,omitempty" yaml:"shortName"`
	OrgType     string   `json:"orgType,omitempty" yaml:"orgType"`
	ExternalUID string   `json:"orgUniqueId,omitempty" yaml:"orgUniqueId"`
	Members     []string `json:"members,omitempty" yaml:"members"`
}

// DefaultOrgType is used when an organization is provisioned without an
// explicit type.
const DefaultOrgType = "Other"

// Anonymous returns the pseudo-user attached to unauthenticated requests.
func Anonymous() *User {
	return &User{Roles: []string{RoleAnonymous}}
}

// IsAnonymous reports whether u is the anonymous pseudo-user.
func (u *User) IsAnonymous() bool {
	if u == nil {
		return true
	}
	for _, r := range u.Roles {
		if r == RoleAnonymous {
			return true
		}
	}
	return u.Username == ""
}

// HasRole reports whether the user holds the given role. The ROLE_
// prefix on the argument is optional.
func (u *User) HasRole(role string) bool {
	role = CanonicalRole(role)
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanonicalRole returns the role name with the ROLE_ prefix applied
// exactly once.
func CanonicalRole(role string) string {
	for strings.HasPrefix(role, RolePrefix) {
		role = strings.TrimPrefix(role, RolePrefix)
	}
	return RolePrefix + role
}

// CanonicalRoles ensures ROLE_USER is present and first, prefixes every
// role exactly once and removes duplicates, keeping first-seen order.
func CanonicalRoles(roles []string) []string {
	out := []string{RoleUser}
	seen := map[string]struct{}{RoleUser: {}}
	for _, r := range roles {
		if r == "" {
			continue
		}
		r = CanonicalRole(r)
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
