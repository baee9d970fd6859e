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

package proxy

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/georchestra/gateway/pkg/auth"
	"github.com/georchestra/gateway/pkg/auth/manager/preauth"
	"github.com/georchestra/gateway/pkg/config"
	"github.com/georchestra/gateway/pkg/identity"
)

// StripUntrusted removes every identity-bearing header from the inbound
// request so clients cannot impersonate the gateway's own projection.
func StripUntrusted(h http.Header) {
	for name := range h {
		lower := strings.ToLower(name)
		if strings.EqualFold(name, preauth.TriggerHeader) ||
			strings.HasPrefix(lower, preauth.HeaderPrefix) ||
			strings.HasPrefix(lower, "sec-") {
			h.Del(name)
		}
	}
}

// Projector appends the sec-* identity headers enabled by the effective
// header mapping.
type Projector struct {
	defaults config.HeaderMappings
}

// NewProjector builds a projector with the given global defaults.
func NewProjector(defaults config.HeaderMappings) *Projector {
	return &Projector{defaults: defaults}
}

// Project writes the identity headers for u into h. service carries the
// per-service overrides; org may be nil; token may be nil for anonymous
// requests.
func (p *Projector) Project(h http.Header, u *identity.User, org *identity.Organization, service config.HeaderMappings, token auth.Token) {
	m := service.Merge(p.defaults)
	set := func(enabled *bool, name, value string) {
		if config.Enabled(enabled) && value != "" {
			h.Set(name, encodeValue(value))
		}
	}

	if config.Enabled(m.Proxy) {
		h.Set("sec-proxy", "true")
	}

	if u.IsAnonymous() {
		return
	}

	set(m.Username, "sec-username", u.Username)
	set(m.Roles, "sec-roles", strings.Join(u.Roles, ";"))
	set(m.Org, "sec-org", u.Organization)
	set(m.Email, "sec-email", u.Email)
	set(m.FirstName, "sec-firstname", u.FirstName)
	set(m.LastName, "sec-lastname", u.LastName)
	set(m.Tel, "sec-tel", u.TelephoneNumber)
	if org != nil {
		set(m.OrgName, "sec-orgname", org.Name)
	}

	if config.Enabled(m.JSONUser) {
		if payload, err := json.Marshal(u); err == nil {
			h.Set("sec-json-user", base64.StdEncoding.EncodeToString(payload))
		}
	}
	if config.Enabled(m.JSONOrganization) && org != nil {
		if payload, err := json.Marshal(org); err == nil {
			h.Set("sec-json-organization", base64.StdEncoding.EncodeToString(payload))
		}
	}

	if config.Enabled(m.ExternalAuth) && token != nil {
		switch token.Method() {
		case "oidc", "preauth":
			h.Set("sec-external-authentication", "true")
		}
	}
}

// encodeValue keeps ISO-8859-1-safe values as-is and wraps anything
// else in the {base64} envelope backends know how to unwrap.
func encodeValue(v string) string {
	if isLatin1(v) {
		return v
	}
	return preauth.EncodedPrefix + base64.StdEncoding.EncodeToString([]byte(v))
}

func isLatin1(s string) bool {
	for _, r := range s {
		if r > 0xFF || r < 0x20 {
			return false
		}
	}
	return true
}
