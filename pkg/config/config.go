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

// Package config loads and validates the gateway configuration from a
// data directory. Files are read once at startup; the resulting objects
// are immutable for the process lifetime.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/georchestra/gateway/pkg/errtypes"
	"gopkg.in/yaml.v3"
)

// Config is the root of the gateway configuration.
type Config struct {
	Server            Server            `yaml:"server"`
	Logging           Logging           `yaml:"logging"`
	Broker            Broker            `yaml:"broker"`
	DefaultHeaders    HeaderMappings    `yaml:"default-headers"`
	GlobalAccessRules []AccessRule      `yaml:"global-access-rules"`
	Services          map[string]Service `yaml:"services"`
	Routes            []Route           `yaml:"routes"`
	Security          Security          `yaml:"security"`
	RolesMappings     []RoleMapping     `yaml:"-"`
	Profiles          []string          `yaml:"profiles"`
}

// Server holds the listener settings.
type Server struct {
	Address string `yaml:"address"`
	// ShutdownGraceSeconds bounds the drain window on shutdown.
	ShutdownGraceSeconds int `yaml:"shutdown-grace-seconds"`
	// SessionTimeoutSeconds is the idle timeout of in-process sessions.
	SessionTimeoutSeconds int `yaml:"session-timeout-seconds"`
}

// Broker configures the optional message-broker connection for
// account-creation events.
type Broker struct {
	URL string `yaml:"url"`
}

// Logging selects the log output format and which diagnostic-context
// fields are attached to every request-scoped log line.
type Logging struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	MDC   MDC    `yaml:"mdc"`
}

// MDC toggles individual diagnostic-context fields.
type MDC struct {
	RequestID  bool `yaml:"request-id"`
	Method     bool `yaml:"method"`
	URL        bool `yaml:"url"`
	RemoteAddr bool `yaml:"remote-addr"`
	UserID     bool `yaml:"user-id"`
	Roles      bool `yaml:"roles"`
	Org        bool `yaml:"org"`
	AuthMethod bool `yaml:"auth-method"`
	AppName    string `yaml:"app-name"`
	AppVersion string `yaml:"app-version"`
}

// Service is a named logical backend with its own access rules and
// header-projection overrides. Target must equal some route URI.
type Service struct {
	Target      string         `yaml:"target"`
	AccessRules []AccessRule   `yaml:"access-rules"`
	Headers     HeaderMappings `yaml:"headers"`
}

// AccessRule admits or denies URL patterns by role.
type AccessRule struct {
	InterceptURL []string `yaml:"intercept-url"`
	Anonymous    bool     `yaml:"anonymous"`
	Forbidden    bool     `yaml:"forbidden"`
	AllowedRoles []string `yaml:"allowed-roles"`
}

// HeaderMappings toggles the identity headers appended to upstream
// requests. Unset values inherit the global defaults; a service-level
// true or false wins over the default.
type HeaderMappings struct {
	Proxy            *bool `yaml:"proxy"`
	Username         *bool `yaml:"username"`
	Roles            *bool `yaml:"roles"`
	Org              *bool `yaml:"org"`
	OrgName          *bool `yaml:"orgname"`
	Email            *bool `yaml:"email"`
	FirstName        *bool `yaml:"firstname"`
	LastName         *bool `yaml:"lastname"`
	Tel              *bool `yaml:"tel"`
	JSONUser         *bool `yaml:"json-user"`
	JSONOrganization *bool `yaml:"json-organization"`
	ExternalAuth     *bool `yaml:"external-authentication"`
}

// Merge overlays m on top of defaults and returns the effective mapping.
func (m HeaderMappings) Merge(defaults HeaderMappings) HeaderMappings {
	pick := func(override, def *bool) *bool {
		if override != nil {
			return override
		}
		return def
	}
	return HeaderMappings{
		Proxy:            pick(m.Proxy, defaults.Proxy),
		Username:         pick(m.Username, defaults.Username),
		Roles:            pick(m.Roles, defaults.Roles),
		Org:              pick(m.Org, defaults.Org),
		OrgName:          pick(m.OrgName, defaults.OrgName),
		Email:            pick(m.Email, defaults.Email),
		FirstName:        pick(m.FirstName, defaults.FirstName),
		LastName:         pick(m.LastName, defaults.LastName),
		Tel:              pick(m.Tel, defaults.Tel),
		JSONUser:         pick(m.JSONUser, defaults.JSONUser),
		JSONOrganization: pick(m.JSONOrganization, defaults.JSONOrganization),
		ExternalAuth:     pick(m.ExternalAuth, defaults.ExternalAuth),
	}
}

// Enabled dereferences a toggle, treating unset as disabled.
func Enabled(b *bool) bool { return b != nil && *b }

// Route forwards matching requests to a backend.
type Route struct {
	ID         string   `yaml:"id"`
	URI        string   `yaml:"uri"`
	Predicates []string `yaml:"predicates"`
	Filters    []Filter `yaml:"filters"`
}

// Filter is a route-scoped filter directive. Args are decoded by the
// individual filter constructors.
type Filter struct {
	Name string                 `yaml:"name"`
	Args map[string]interface{} `yaml:"args"`
}

// Security groups the authentication sources.
type Security struct {
	CreateNonExistingUsers bool                  `yaml:"create-non-existing-users"`
	DefaultOrganization    string                `yaml:"default-organization"`
	LDAP                   map[string]LDAP       `yaml:"ldap"`
	PreAuth                PreAuth               `yaml:"preauth"`
	OIDC                   OIDC                  `yaml:"oidc"`
}

// LDAP describes one directory source.
type LDAP struct {
	Enabled         bool   `yaml:"enabled"`
	Extended        bool   `yaml:"extended"`
	URL             string `yaml:"url"`
	BaseDN          string `yaml:"base-dn"`
	AdminDN         string `yaml:"admin-dn"`
	AdminPassword   string `yaml:"admin-password"`
	ActiveDirectory bool   `yaml:"active-directory"`
	Users           RDN    `yaml:"users"`
	Roles           RDN    `yaml:"roles"`
	Orgs            OrgRDN `yaml:"orgs"`
}

// RDN locates an entry collection below the base DN.
type RDN struct {
	RDN          string `yaml:"rdn"`
	SearchFilter string `yaml:"search-filter"`
}

// OrgRDN locates the organization collections of an extended source.
type OrgRDN struct {
	RDN        string `yaml:"rdn"`
	PendingRDN string `yaml:"pending-rdn"`
}

// PreAuth enables trusted-header pre-authentication.
type PreAuth struct {
	Enabled bool `yaml:"enabled"`
}

// OIDC groups the OAuth2/OIDC client registrations.
type OIDC struct {
	Enabled       bool                        `yaml:"enabled"`
	BaseURL       string                      `yaml:"base-url"`
	LogoutURL     string                      `yaml:"logout-url"`
	Proxy         OIDCProxy                   `yaml:"proxy"`
	Claims        ClaimMappings               `yaml:"claims"`
	Registrations map[string]OIDCRegistration `yaml:"registrations"`
}

// OIDCProxy is an optional HTTP proxy for all outbound provider calls.
type OIDCProxy struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// OIDCRegistration is one provider registration.
type OIDCRegistration struct {
	ClientID      string         `yaml:"client-id"`
	ClientSecret  string         `yaml:"client-secret"`
	IssuerURI     string         `yaml:"issuer-uri"`
	Scopes        []string       `yaml:"scopes"`
	EndSessionURI string         `yaml:"end-session-uri"`
	SearchEmail   bool           `yaml:"search-email"`
	Claims        *ClaimMappings `yaml:"claims"`
}

// ClaimMappings maps provider claims to user fields via JSON paths.
type ClaimMappings struct {
	ID              PathMapping  `yaml:"id"`
	Email           PathMapping  `yaml:"email"`
	GivenName       PathMapping  `yaml:"given-name"`
	FamilyName      PathMapping  `yaml:"family-name"`
	Organization    PathMapping  `yaml:"organization"`
	OrganizationUID PathMapping  `yaml:"organization-uid"`
	Roles           RolesMapping `yaml:"roles"`
}

// PathMapping is a list of JSON-path expressions tried in order; the
// first non-empty extraction wins.
type PathMapping struct {
	Path []string `yaml:"path"`
}

// RolesMapping extracts and post-processes role names from claims.
type RolesMapping struct {
	JSON      PathMapping `yaml:"json"`
	Uppercase *bool       `yaml:"uppercase"`
	Normalize *bool       `yaml:"normalize"`
	Append    *bool       `yaml:"append"`
}

// UppercaseEnabled reports the uppercase toggle, default true.
func (r RolesMapping) UppercaseEnabled() bool { return r.Uppercase == nil || *r.Uppercase }

// NormalizeEnabled reports the normalize toggle, default true.
func (r RolesMapping) NormalizeEnabled() bool { return r.Normalize == nil || *r.Normalize }

// AppendEnabled reports the append toggle, default true.
func (r RolesMapping) AppendEnabled() bool { return r.Append == nil || *r.Append }

// RoleMapping appends extra roles when a user role matches the source
// pattern. Only the * wildcard is allowed in the source.
type RoleMapping struct {
	Source string
	Roles  []string
}

// Load reads, env-expands and validates the configuration files found
// in dir: gateway.yaml (required), routes.yaml, security.yaml and
// roles-mappings.yaml (optional).
func Load(dir string) (*Config, error) {
	c := &Config{}
	if err := readInto(filepath.Join(dir, "gateway.yaml"), c); err != nil {
		return nil, err
	}

	var routes struct {
		Routes []Route `yaml:"routes"`
	}
	if err := readOptional(filepath.Join(dir, "routes.yaml"), &routes); err != nil {
		return nil, err
	}
	c.Routes = append(c.Routes, routes.Routes...)

	var sec struct {
		Security Security `yaml:"security"`
	}
	if err := readOptional(filepath.Join(dir, "security.yaml"), &sec); err != nil {
		return nil, err
	}
	if sec.Security.LDAP != nil || sec.Security.OIDC.Enabled || sec.Security.PreAuth.Enabled ||
		sec.Security.CreateNonExistingUsers || sec.Security.DefaultOrganization != "" {
		c.Security = sec.Security
	}

	mappings, err := loadRolesMappings(filepath.Join(dir, "roles-mappings.yaml"))
	if err != nil {
		return nil, err
	}
	c.RolesMappings = mappings

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func readInto(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errtypes.InvalidConfiguration(path + ": " + err.Error())
	}
	return unmarshalExpanded(path, data, v)
}

func readOptional(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errtypes.InvalidConfiguration(path + ": " + err.Error())
	}
	return unmarshalExpanded(path, data, v)
}

// unmarshalExpanded substitutes ${var} references from the environment
// before decoding. Unset variables expand to the empty string.
func unmarshalExpanded(path string, data []byte, v interface{}) error {
	expanded := os.Expand(string(data), os.Getenv)
	if err := yaml.Unmarshal([]byte(expanded), v); err != nil {
		return errtypes.InvalidConfiguration(path + ": " + err.Error())
	}
	return nil
}

// loadRolesMappings preserves the declaration order of the mapping keys,
// which a plain map decode would lose.
func loadRolesMappings(path string) ([]RoleMapping, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errtypes.InvalidConfiguration(path + ": " + err.Error())
	}
	expanded := os.Expand(string(data), os.Getenv)

	var doc struct {
		RolesMappings yaml.Node `yaml:"roles-mappings"`
	}
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, errtypes.InvalidConfiguration(path + ": " + err.Error())
	}
	if doc.RolesMappings.Kind == 0 {
		return nil, nil
	}
	if doc.RolesMappings.Kind != yaml.MappingNode {
		return nil, errtypes.InvalidConfiguration(path + ": roles-mappings must be a mapping")
	}

	var out []RoleMapping
	content := doc.RolesMappings.Content
	for i := 0; i+1 < len(content); i += 2 {
		var roles []string
		if err := content[i+1].Decode(&roles); err != nil {
			// tolerate a scalar value for a single role
			var single string
			if err2 := content[i+1].Decode(&single); err2 != nil {
				return nil, errtypes.InvalidConfiguration(path + ": " + err.Error())
			}
			roles = []string{single}
		}
		out = append(out, RoleMapping{Source: content[i].Value, Roles: roles})
	}
	return out, nil
}

// Validate checks the loaded configuration. Any violation is an
// InvalidConfiguration error and must abort startup.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownGraceSeconds <= 0 {
		c.Server.ShutdownGraceSeconds = 10
	}
	if c.Server.SessionTimeoutSeconds <= 0 {
		c.Server.SessionTimeoutSeconds = 1800
	}

	targets := map[string]struct{}{}
	for _, r := range c.Routes {
		if r.ID == "" {
			return errtypes.InvalidConfiguration("route without id")
		}
		if _, err := url.Parse(r.URI); err != nil || r.URI == "" {
			return errtypes.InvalidConfiguration(fmt.Sprintf("route %s: invalid uri %q", r.ID, r.URI))
		}
		targets[r.URI] = struct{}{}
		for _, p := range r.Predicates {
			if !strings.Contains(p, "=") {
				return errtypes.InvalidConfiguration(fmt.Sprintf("route %s: malformed predicate %q", r.ID, p))
			}
		}
	}

	for name, svc := range c.Services {
		if svc.Target == "" {
			return errtypes.InvalidConfiguration("service " + name + ": missing target")
		}
		if _, err := url.Parse(svc.Target); err != nil {
			return errtypes.InvalidConfiguration("service " + name + ": invalid target " + svc.Target)
		}
		if err := validateRules(name, svc.AccessRules); err != nil {
			return err
		}
	}
	if err := validateRules("global", c.GlobalAccessRules); err != nil {
		return err
	}

	for _, m := range c.RolesMappings {
		if m.Source == "" {
			return errtypes.InvalidConfiguration("roles mapping with empty source")
		}
		if strings.ContainsAny(m.Source, "?[]{}") {
			return errtypes.InvalidConfiguration("roles mapping " + m.Source + ": only the * wildcard is allowed")
		}
	}

	for name, l := range c.Security.LDAP {
		if !l.Enabled {
			continue
		}
		if l.URL == "" || l.BaseDN == "" {
			return errtypes.InvalidConfiguration("ldap " + name + ": url and base-dn are required")
		}
	}

	for id, reg := range c.Security.OIDC.Registrations {
		if !c.Security.OIDC.Enabled {
			break
		}
		if reg.ClientID == "" || reg.IssuerURI == "" {
			return errtypes.InvalidConfiguration("oidc " + id + ": client-id and issuer-uri are required")
		}
	}
	return nil
}

func validateRules(scope string, rules []AccessRule) error {
	for _, r := range rules {
		if len(r.InterceptURL) == 0 {
			return errtypes.InvalidConfiguration(scope + ": access rule without intercept-url")
		}
		if r.Anonymous && r.Forbidden {
			return errtypes.InvalidConfiguration(scope + ": access rule cannot be both anonymous and forbidden")
		}
	}
	return nil
}

// ActiveProfile reports whether the given profile is in the configured
// active set.
func (c *Config) ActiveProfile(name string) bool {
	for _, p := range c.Profiles {
		if p == name {
			return true
		}
	}
	return false
}
