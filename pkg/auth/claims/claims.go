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

// Package claims turns OIDC provider claims into user fields and roles.
//
// Three mapping levels apply in order: the standard OIDC claims, the
// general JSON-path mapping, and the provider-specific mapping. A later
// level overrides an earlier one only when it extracts a non-empty
// value.
package claims

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/georchestra/gateway/pkg/config"
	"github.com/georchestra/gateway/pkg/errtypes"
	"github.com/georchestra/gateway/pkg/identity"
	"github.com/tidwall/gjson"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Extractor applies the configured claim mappings.
type Extractor struct {
	general  config.ClaimMappings
	provider map[string]*config.ClaimMappings
}

// NewExtractor builds an extractor from the general mapping and the
// per-registration overrides.
func NewExtractor(general config.ClaimMappings, regs map[string]config.OIDCRegistration) *Extractor {
	e := &Extractor{general: general, provider: map[string]*config.ClaimMappings{}}
	for id, reg := range regs {
		if reg.Claims != nil {
			e.provider[id] = reg.Claims
		}
	}
	return e
}

// Merge combines id-token and userinfo claims; userinfo wins on overlap.
func Merge(idToken, userinfo map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(idToken)+len(userinfo))
	for k, v := range idToken {
		merged[k] = v
	}
	for k, v := range userinfo {
		merged[k] = v
	}
	return merged
}

// Apply fills u from the merged claims of the given registration.
// u.Roles is expected to hold the authorities granted so far; depending
// on the append toggle the extracted roles are prepended or replace it.
func (e *Extractor) Apply(registration string, merged map[string]interface{}, u *identity.User) error {
	doc, err := json.Marshal(merged)
	if err != nil {
		return errtypes.AuthenticationFailed("unmarshalable claims: " + err.Error())
	}

	e.applyStandard(doc, u)
	if err := applyMapping(doc, e.general, u); err != nil {
		return err
	}
	if pm := e.provider[registration]; pm != nil {
		if err := applyMapping(doc, *pm, u); err != nil {
			return err
		}
	}

	if err := e.applyRoles(registration, doc, u); err != nil {
		return err
	}

	u.ExternalProvider = registration
	u.Username = CanonicalUsername(registration, u.Username)
	return nil
}

// applyStandard maps the standard OIDC claims. The username falls back
// from preferred_username through email to sub.
func (e *Extractor) applyStandard(doc []byte, u *identity.User) {
	set := func(dst *string, path string) {
		if v := gjson.GetBytes(doc, path); v.Type == gjson.String && v.Str != "" {
			*dst = v.Str
		}
	}
	set(&u.ID, "sub")
	set(&u.ExternalUID, "sub")
	set(&u.Username, "sub")
	set(&u.Username, "email")
	set(&u.Username, "preferred_username")
	set(&u.FirstName, "given_name")
	set(&u.LastName, "family_name")
	set(&u.Email, "email")
	set(&u.TelephoneNumber, "phone_number")
	set(&u.PostalAddress, "address.formatted")
}

func applyMapping(doc []byte, m config.ClaimMappings, u *identity.User) error {
	fields := []struct {
		dst   *string
		paths []string
	}{
		{&u.ID, m.ID.Path},
		{&u.Email, m.Email.Path},
		{&u.FirstName, m.GivenName.Path},
		{&u.LastName, m.FamilyName.Path},
		{&u.Organization, m.Organization.Path},
		{&u.ExternalOrgID, m.OrganizationUID.Path},
	}
	for _, f := range fields {
		v, err := firstString(doc, f.paths)
		if err != nil {
			return err
		}
		if v != "" {
			*f.dst = v
		}
	}
	return nil
}

// firstString evaluates the paths in order and returns the first
// non-empty string extraction. Absent, null and wrong-typed scalar
// results contribute nothing; an object or array is a configuration
// error, the path points at the wrong level of the claim document.
func firstString(doc []byte, paths []string) (string, error) {
	for _, p := range paths {
		v := gjson.GetBytes(doc, toGJSON(p))
		switch v.Type {
		case gjson.String:
			if v.Str != "" {
				return v.Str, nil
			}
		case gjson.JSON:
			return "", errtypes.InvalidConfiguration("claim path " + p + " evaluates to a non-scalar value")
		}
	}
	return "", nil
}

func (e *Extractor) applyRoles(registration string, doc []byte, u *identity.User) error {
	mapping := e.general.Roles
	if pm := e.provider[registration]; pm != nil && len(pm.Roles.JSON.Path) > 0 {
		mapping = pm.Roles
	}
	if len(mapping.JSON.Path) == 0 {
		return nil
	}

	var extracted []string
	for _, p := range mapping.JSON.Path {
		v := gjson.GetBytes(doc, toGJSON(p))
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		var err error
		if v.IsArray() {
			v.ForEach(func(_, item gjson.Result) bool {
				if item.Type != gjson.String {
					err = errtypes.InvalidConfiguration("roles path " + p + " contains a non-string element")
					return false
				}
				extracted = append(extracted, item.Str)
				return true
			})
		} else if v.Type == gjson.String {
			extracted = append(extracted, v.Str)
		} else {
			err = errtypes.InvalidConfiguration("roles path " + p + " evaluates to a non-string value")
		}
		if err != nil {
			return err
		}
	}

	for i, r := range extracted {
		if mapping.UppercaseEnabled() {
			r = strings.ToUpper(r)
		}
		if mapping.NormalizeEnabled() {
			r = Normalize(r)
		}
		extracted[i] = r
	}

	if mapping.AppendEnabled() {
		u.Roles = append(extracted, u.Roles...)
	} else {
		u.Roles = extracted
	}
	return nil
}

// CanonicalUsername derives the slug "<registration>_<username>",
// lowercased, with every character outside [a-z0-9_-] replaced by _.
func CanonicalUsername(registration, username string) string {
	slug := strings.ToLower(registration + "_" + username)
	var b strings.Builder
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize applies Unicode NFC, strips combining diacritical marks,
// collapses whitespace runs into a single underscore and drops every
// character outside [A-Za-z0-9_]. It is idempotent.
func Normalize(s string) string {
	s, _, _ = transform.String(stripMarks, s)
	var b strings.Builder
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte('_')
				inSpace = true
			}
			continue
		}
		inSpace = false
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// toGJSON converts the configured JSON-path form ($.a.b[*]) into a
// gjson path. Array wildcards are dropped: the result is the array
// itself, which the caller iterates.
func toGJSON(p string) string {
	p = strings.TrimPrefix(p, "$")
	p = strings.TrimPrefix(p, ".")
	p = strings.ReplaceAll(p, "[*]", "")
	p = strings.ReplaceAll(p, "['", ".")
	p = strings.ReplaceAll(p, "']", "")
	p = strings.ReplaceAll(p, "[", ".")
	p = strings.ReplaceAll(p, "]", "")
	return p
}
