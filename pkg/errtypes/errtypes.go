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

// Package errtypes contains definitions for the error kinds the gateway
// distinguishes. It would have been nice to call this package errors but
// that clashes with github.com/pkg/errors.
package errtypes

// NotFound is the error to use when a user, organization or role entry
// is not found in the directory.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound implements the IsNotFound interface.
func (e NotFound) IsNotFound() {}

// InvalidCredentials is the error to use when a directory bind is refused.
type InvalidCredentials string

func (e InvalidCredentials) Error() string { return "error: invalid credentials: " + string(e) }

// IsInvalidCredentials implements the IsInvalidCredentials interface.
func (e InvalidCredentials) IsInvalidCredentials() {}

// AuthenticationFailed is the error to use when an external authentication
// flow (OIDC or pre-auth) is broken beyond a wrong password.
type AuthenticationFailed string

func (e AuthenticationFailed) Error() string { return "error: authentication failed: " + string(e) }

// IsAuthenticationFailed implements the IsAuthenticationFailed interface.
func (e AuthenticationFailed) IsAuthenticationFailed() {}

// AccessDenied is the error to use when an access rule rejects a request.
type AccessDenied string

func (e AccessDenied) Error() string { return "error: access denied: " + string(e) }

// IsAccessDenied implements the IsAccessDenied interface.
func (e AccessDenied) IsAccessDenied() {}

// DuplicateUsername is the error to use when provisioning would reuse an
// existing uid.
type DuplicateUsername string

func (e DuplicateUsername) Error() string { return "error: duplicate username: " + string(e) }

// IsDuplicateUsername implements the IsDuplicateUsername interface.
func (e DuplicateUsername) IsDuplicateUsername() {}

// DuplicateEmail is the error to use when provisioning would reuse an
// existing email, or when an email lookup matches more than one entry.
type DuplicateEmail string

func (e DuplicateEmail) Error() string { return "error: duplicate email: " + string(e) }

// IsDuplicateEmail implements the IsDuplicateEmail interface.
func (e DuplicateEmail) IsDuplicateEmail() {}

// DirectoryUnavailable is the error to use when the LDAP server cannot be
// reached or the connection is lost mid-operation.
type DirectoryUnavailable string

func (e DirectoryUnavailable) Error() string { return "error: directory unavailable: " + string(e) }

// IsDirectoryUnavailable implements the IsDirectoryUnavailable interface.
func (e DirectoryUnavailable) IsDirectoryUnavailable() {}

// BrokerUnavailable is the error to use when the message broker cannot be
// reached.
type BrokerUnavailable string

func (e BrokerUnavailable) Error() string { return "error: broker unavailable: " + string(e) }

// IsBrokerUnavailable implements the IsBrokerUnavailable interface.
func (e BrokerUnavailable) IsBrokerUnavailable() {}

// UpstreamError is the error to use when the backend request itself failed.
type UpstreamError string

func (e UpstreamError) Error() string { return "error: upstream error: " + string(e) }

// IsUpstreamError implements the IsUpstreamError interface.
func (e UpstreamError) IsUpstreamError() {}

// InvalidConfiguration is the error to use for configuration problems.
// It is fatal at startup; surfaced per-request only for claim mappings
// that evaluate to unusable values.
type InvalidConfiguration string

func (e InvalidConfiguration) Error() string { return "error: invalid configuration: " + string(e) }

// IsInvalidConfiguration implements the IsInvalidConfiguration interface.
func (e InvalidConfiguration) IsInvalidConfiguration() {}

// OrgProvisioningFailed is the error to use when the organization step of
// account creation failed and the user entry was rolled back.
type OrgProvisioningFailed string

func (e OrgProvisioningFailed) Error() string { return "error: org provisioning failed: " + string(e) }

// IsOrgProvisioningFailed implements the IsOrgProvisioningFailed interface.
func (e OrgProvisioningFailed) IsOrgProvisioningFailed() {}

// RoleProvisioningFailed is the error to use when the role step of account
// creation failed and the user entry was rolled back.
type RoleProvisioningFailed string

func (e RoleProvisioningFailed) Error() string { return "error: role provisioning failed: " + string(e) }

// IsRoleProvisioningFailed implements the IsRoleProvisioningFailed interface.
func (e RoleProvisioningFailed) IsRoleProvisioningFailed() {}

// IsNotFound is the interface to implement
// to specify that an entry is not found.
type IsNotFound interface {
	IsNotFound()
}

// IsInvalidCredentials is the interface to implement
// to specify that credentials were wrong.
type IsInvalidCredentials interface {
	IsInvalidCredentials()
}

// IsAuthenticationFailed is the interface to implement
// to specify that an authentication flow failed.
type IsAuthenticationFailed interface {
	IsAuthenticationFailed()
}

// IsAccessDenied is the interface to implement
// to specify that access was denied.
type IsAccessDenied interface {
	IsAccessDenied()
}

// IsDuplicateUsername is the interface to implement
// to specify that a username already exists.
type IsDuplicateUsername interface {
	IsDuplicateUsername()
}

// IsDuplicateEmail is the interface to implement
// to specify that an email already exists.
type IsDuplicateEmail interface {
	IsDuplicateEmail()
}

// IsDirectoryUnavailable is the interface to implement
// to specify that the directory is unreachable.
type IsDirectoryUnavailable interface {
	IsDirectoryUnavailable()
}

// IsBrokerUnavailable is the interface to implement
// to specify that the broker is unreachable.
type IsBrokerUnavailable interface {
	IsBrokerUnavailable()
}

// IsUpstreamError is the interface to implement
// to specify that the backend request failed.
type IsUpstreamError interface {
	IsUpstreamError()
}

// IsInvalidConfiguration is the interface to implement
// to specify that the configuration is unusable.
type IsInvalidConfiguration interface {
	IsInvalidConfiguration()
}
