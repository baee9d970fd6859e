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

// Package auth defines the authentication token produced by the
// authentication sources and the per-request authenticator contract.
package auth

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
)

// Token is the outcome of a successful authentication. It lives only
// within the request (or session) that produced it.
type Token interface {
	// Method names the authentication source for diagnostics: "ldap",
	// "oidc" or "preauth".
	Method() string
}

// DirectoryToken is produced by a directory bind.
type DirectoryToken struct {
	// Source is the name of the directory configuration that
	// authenticated the user.
	Source   string
	DN       string
	Username string
	Roles    []string

	// Password-expiry warning surfaced by the bind response controls.
	Warn          bool
	RemainingDays string
}

// Method implements Token.
func (DirectoryToken) Method() string { return "ldap" }

// OIDCToken is produced by a completed authorization-code flow.
type OIDCToken struct {
	// Registration is the provider registration id.
	Registration   string
	IDTokenClaims  map[string]interface{}
	UserinfoClaims map[string]interface{}
	Authorities    []string
}

// Method implements Token.
func (OIDCToken) Method() string { return "oidc" }

// PreAuthToken carries the raw pre-auth header map injected by a
// trusted fronting proxy.
type PreAuthToken struct {
	Headers map[string]string
}

// Method implements Token.
func (PreAuthToken) Method() string { return "preauth" }

// ErrNotHandled is the typed outcome an authenticator returns when the
// request carries nothing it can act on, so the chain moves on to the
// next authenticator without treating it as a failure.
var ErrNotHandled = errors.New("auth: request not handled")

// Authenticator inspects a request and produces a token. Implementations
// must return ErrNotHandled when the request is not theirs to decide.
type Authenticator interface {
	Name() string
	Authenticate(ctx context.Context, r *http.Request) (Token, error)
}
