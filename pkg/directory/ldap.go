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
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"context"

	"github.com/georchestra/gateway/pkg/appctx"
	"github.com/georchestra/gateway/pkg/config"
	"github.com/georchestra/gateway/pkg/errtypes"
	"github.com/georchestra/gateway/pkg/identity"
	"github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
)

// user entry attributes
type attributes struct {
	UID       string
	Mail      string
	GivenName string
	Surname   string
	Phone     string
	Address   string
	Org       string
	Provider  string
	External  string
}

var userAttributes = attributes{
	UID:       "uid",
	Mail:      "mail",
	GivenName: "givenName",
	Surname:   "sn",
	Phone:     "telephoneNumber",
	Address:   "postalAddress",
	Org:       "o",
	Provider:  "oauth2Provider",
	External:  "oauth2Uid",
}

const (
	orgNameAttr     = "o"
	orgShortAttr    = "ou"
	orgTypeAttr     = "businessCategory"
	orgExternalAttr = "orgUniqueId"
	memberAttr      = "member"
)

const dialTimeout = 5 * time.Second

// LDAPStore is the directory-backed Store implementation for one
// configured source.
type LDAPStore struct {
	name       string
	c          config.LDAP
	defaultOrg string
}

var _ Store = (*LDAPStore)(nil)

// NewLDAPStore returns a Store talking to the directory source named
// name. defaultOrg replaces a missing organization on user creation.
func NewLDAPStore(name string, c config.LDAP, defaultOrg string) (*LDAPStore, error) {
	if c.Users.SearchFilter == "" {
		c.Users.SearchFilter = "(uid={0})"
	}
	if c.Roles.SearchFilter == "" {
		c.Roles.SearchFilter = "(member={0})"
	}
	if c.URL == "" || c.BaseDN == "" {
		return nil, errtypes.InvalidConfiguration("ldap " + name + ": url and base-dn are required")
	}
	return &LDAPStore{name: name, c: c, defaultOrg: defaultOrg}, nil
}

// Name returns the source name.
func (s *LDAPStore) Name() string { return s.name }

// Extended reports whether this source carries organization entries.
func (s *LDAPStore) Extended() bool { return s.c.Extended }

func (s *LDAPStore) usersDN() string { return s.c.Users.RDN + "," + s.c.BaseDN }
func (s *LDAPStore) rolesDN() string { return s.c.Roles.RDN + "," + s.c.BaseDN }
func (s *LDAPStore) orgsDN() string  { return s.c.Orgs.RDN + "," + s.c.BaseDN }

func (s *LDAPStore) userDN(username string) string {
	return fmt.Sprintf("uid=%s,%s", ldap.EscapeDN(username), s.usersDN())
}

func (s *LDAPStore) roleDN(role string) string {
	return fmt.Sprintf("cn=%s,%s", ldap.EscapeDN(role), s.rolesDN())
}

func (s *LDAPStore) orgDN(id string) string {
	return fmt.Sprintf("cn=%s,%s", ldap.EscapeDN(id), s.orgsDN())
}

// withConn dials, binds as the admin user and runs fn. A transient
// network failure is retried once on a fresh connection.
func (s *LDAPStore) withConn(ctx context.Context, fn func(*ldap.Conn) error) error {
	run := func() error {
		conn, err := ldap.DialURL(s.c.URL, ldap.DialWithDialer(&net.Dialer{Timeout: dialTimeout}))
		if err != nil {
			return errtypes.DirectoryUnavailable(s.c.URL + ": " + err.Error())
		}
		defer conn.Close()
		conn.SetTimeout(dialTimeout)

		if s.c.AdminDN != "" {
			if err := conn.Bind(s.c.AdminDN, s.c.AdminPassword); err != nil {
				return mapLDAPError(err)
			}
		}
		return fn(conn)
	}

	err := run()
	if err != nil {
		var unavailable errtypes.IsDirectoryUnavailable
		if errors.As(err, &unavailable) {
			appctx.GetLogger(ctx).Warn().Err(err).Str("source", s.name).Msg("directory connection lost, retrying once")
			err = run()
		}
	}
	return err
}

func mapLDAPError(err error) error {
	if err == nil {
		return nil
	}
	if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
		return errtypes.InvalidCredentials(err.Error())
	}
	if ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
		return errtypes.DirectoryUnavailable(err.Error())
	}
	return err
}

// Bind implements Store.
func (s *LDAPStore) Bind(ctx context.Context, username, password string) (*BindResult, error) {
	var result *BindResult
	err := s.withConn(ctx, func(conn *ldap.Conn) error {
		entry, err := s.searchUser(conn, strings.ReplaceAll(s.c.Users.SearchFilter, "{0}", ldap.EscapeFilter(username)))
		if err != nil {
			return err
		}
		if entry == nil {
			// do not leak whether the user exists
			return errtypes.InvalidCredentials(username)
		}

		req := &ldap.SimpleBindRequest{
			Username: entry.DN,
			Password: password,
			Controls: []ldap.Control{ldap.NewControlBeheraPasswordPolicy()},
		}
		res, err := conn.SimpleBind(req)
		if err != nil {
			return mapLDAPError(err)
		}

		result = &BindResult{
			Source:   s.name,
			DN:       entry.DN,
			Username: entry.GetAttributeValue(userAttributes.UID),
		}
		if ctl := ldap.FindControl(res.Controls, ldap.ControlTypeBeheraPasswordPolicy); ctl != nil {
			if ppolicy, ok := ctl.(*ldap.ControlBeheraPasswordPolicy); ok && ppolicy.Expire >= 0 {
				result.Warn = true
				result.RemainingDays = strconv.FormatInt(ppolicy.Expire/86400, 10)
			}
		}

		// rebind as admin to read role membership
		if s.c.AdminDN != "" {
			if err := conn.Bind(s.c.AdminDN, s.c.AdminPassword); err != nil {
				return mapLDAPError(err)
			}
		}
		roles, err := s.searchRoles(conn, entry.DN)
		if err != nil {
			return err
		}
		result.Roles = roles
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *LDAPStore) searchUser(conn *ldap.Conn, filter string) (*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		s.usersDN(),
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter,
		[]string{
			userAttributes.UID, userAttributes.Mail, userAttributes.GivenName,
			userAttributes.Surname, userAttributes.Phone, userAttributes.Address,
			userAttributes.Org, userAttributes.Provider, userAttributes.External,
		},
		nil,
	)
	sr, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, mapLDAPError(err)
	}
	if len(sr.Entries) == 0 {
		return nil, nil
	}
	return sr.Entries[0], nil
}

func (s *LDAPStore) searchRoles(conn *ldap.Conn, userDN string) ([]string, error) {
	filter := strings.ReplaceAll(s.c.Roles.SearchFilter, "{0}", ldap.EscapeFilter(userDN))
	req := ldap.NewSearchRequest(
		s.rolesDN(),
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter,
		[]string{"cn"},
		nil,
	)
	sr, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, mapLDAPError(err)
	}
	roles := make([]string, 0, len(sr.Entries))
	for _, e := range sr.Entries {
		roles = append(roles, e.GetAttributeValue("cn"))
	}
	return roles, nil
}

func (s *LDAPStore) entryToUser(entry *ldap.Entry) *identity.User {
	return &identity.User{
		ID:               entry.DN,
		Username:         entry.GetAttributeValue(userAttributes.UID),
		Email:            entry.GetAttributeValue(userAttributes.Mail),
		FirstName:        entry.GetAttributeValue(userAttributes.GivenName),
		LastName:         entry.GetAttributeValue(userAttributes.Surname),
		TelephoneNumber:  entry.GetAttributeValue(userAttributes.Phone),
		PostalAddress:    entry.GetAttributeValue(userAttributes.Address),
		Organization:     entry.GetAttributeValue(userAttributes.Org),
		ExternalProvider: entry.GetAttributeValue(userAttributes.Provider),
		ExternalUID:      entry.GetAttributeValue(userAttributes.External),
	}
}

func (s *LDAPStore) findUser(ctx context.Context, filter string) (*identity.User, error) {
	var u *identity.User
	err := s.withConn(ctx, func(conn *ldap.Conn) error {
		entry, err := s.searchUser(conn, filter)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		u = s.entryToUser(entry)

		roles, err := s.searchRoles(conn, entry.DN)
		if err != nil {
			return err
		}
		u.Roles = roles
		return nil
	})
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errtypes.NotFound(filter)
	}
	return u, nil
}

// FindByUsername implements Store.
func (s *LDAPStore) FindByUsername(ctx context.Context, username string) (*identity.User, error) {
	return s.findUser(ctx, strings.ReplaceAll(s.c.Users.SearchFilter, "{0}", ldap.EscapeFilter(username)))
}

// FindByEmail implements Store. More than one match is a DuplicateEmail
// error, always surfaced.
func (s *LDAPStore) FindByEmail(ctx context.Context, email string) (*identity.User, error) {
	var u *identity.User
	err := s.withConn(ctx, func(conn *ldap.Conn) error {
		req := ldap.NewSearchRequest(
			s.usersDN(),
			ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
			fmt.Sprintf("(%s=%s)", userAttributes.Mail, ldap.EscapeFilter(email)),
			nil,
			nil,
		)
		sr, err := conn.Search(req)
		if err != nil {
			if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
				return nil
			}
			return mapLDAPError(err)
		}
		switch len(sr.Entries) {
		case 0:
			return nil
		case 1:
			u = s.entryToUser(sr.Entries[0])
			return nil
		default:
			return errtypes.DuplicateEmail(email)
		}
	})
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errtypes.NotFound(email)
	}
	return u, nil
}

// FindByExternalUID implements Store.
func (s *LDAPStore) FindByExternalUID(ctx context.Context, provider, uid string) (*identity.User, error) {
	filter := fmt.Sprintf("(&(%s=%s)(%s=%s))",
		userAttributes.Provider, ldap.EscapeFilter(provider),
		userAttributes.External, ldap.EscapeFilter(uid))
	return s.findUser(ctx, filter)
}

// CreateUser implements Store.
func (s *LDAPStore) CreateUser(ctx context.Context, u *identity.User) error {
	return s.withConn(ctx, func(conn *ldap.Conn) error {
		existing, err := s.searchUser(conn, strings.ReplaceAll(s.c.Users.SearchFilter, "{0}", ldap.EscapeFilter(u.Username)))
		if err != nil {
			return err
		}
		if existing != nil {
			return errtypes.DuplicateUsername(u.Username)
		}
		if u.Email != "" {
			req := ldap.NewSearchRequest(
				s.usersDN(), ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
				fmt.Sprintf("(%s=%s)", userAttributes.Mail, ldap.EscapeFilter(u.Email)),
				[]string{userAttributes.UID}, nil,
			)
			sr, err := conn.Search(req)
			if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
				return mapLDAPError(err)
			}
			if sr != nil && len(sr.Entries) > 0 {
				return errtypes.DuplicateEmail(u.Email)
			}
		}

		org := u.Organization
		if org == "" {
			org = s.defaultOrg
		}

		add := ldap.NewAddRequest(s.userDN(u.Username), nil)
		add.Attribute("objectClass", []string{"top", "person", "organizationalPerson", "inetOrgPerson", "georchestraUser"})
		add.Attribute(userAttributes.UID, []string{u.Username})
		add.Attribute("cn", []string{displayName(u)})
		add.Attribute(userAttributes.Surname, []string{valueOr(u.LastName, u.Username)})
		if u.FirstName != "" {
			add.Attribute(userAttributes.GivenName, []string{u.FirstName})
		}
		if u.Email != "" {
			add.Attribute(userAttributes.Mail, []string{u.Email})
		}
		if u.TelephoneNumber != "" {
			add.Attribute(userAttributes.Phone, []string{u.TelephoneNumber})
		}
		if org != "" {
			add.Attribute(userAttributes.Org, []string{org})
		}
		if u.ExternalProvider != "" {
			add.Attribute(userAttributes.Provider, []string{u.ExternalProvider})
			add.Attribute(userAttributes.External, []string{u.ExternalUID})
		}

		if err := conn.Add(add); err != nil {
			if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
				return errtypes.DuplicateUsername(u.Username)
			}
			return mapLDAPError(err)
		}
		return nil
	})
}

// DeleteUser implements Store. Used for rollback; the caller logs (not
// fails) when the delete itself goes wrong.
func (s *LDAPStore) DeleteUser(ctx context.Context, username string) error {
	return s.withConn(ctx, func(conn *ldap.Conn) error {
		if err := conn.Del(ldap.NewDelRequest(s.userDN(username), nil)); err != nil {
			if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
				return nil
			}
			return mapLDAPError(err)
		}
		return nil
	})
}

// EnsureRoles implements Store.
func (s *LDAPStore) EnsureRoles(ctx context.Context, username string, roles []string) error {
	names := map[string]struct{}{"USER": {}}
	for _, r := range roles {
		r = strings.TrimPrefix(r, identity.RolePrefix)
		if r != "" {
			names[r] = struct{}{}
		}
	}
	userDN := s.userDN(username)

	return s.withConn(ctx, func(conn *ldap.Conn) error {
		for role := range names {
			if err := s.ensureRoleEntry(conn, role); err != nil {
				return err
			}
			if err := s.addMember(conn, s.roleDN(role), userDN); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LDAPStore) ensureRoleEntry(conn *ldap.Conn, role string) error {
	req := ldap.NewSearchRequest(
		s.roleDN(role), ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=*)", []string{"cn"}, nil,
	)
	_, err := conn.Search(req)
	if err == nil {
		return nil
	}
	if !ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
		return mapLDAPError(err)
	}

	add := ldap.NewAddRequest(s.roleDN(role), nil)
	add.Attribute("objectClass", []string{"top", "groupOfMembers", "georchestraRole"})
	add.Attribute("cn", []string{role})
	if err := conn.Add(add); err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
		return mapLDAPError(err)
	}
	return nil
}

// addMember adds userDN to the entry's member attribute, tolerating an
// already present value.
func (s *LDAPStore) addMember(conn *ldap.Conn, entryDN, userDN string) error {
	mod := ldap.NewModifyRequest(entryDN, nil)
	mod.Add(memberAttr, []string{userDN})
	if err := conn.Modify(mod); err != nil &&
		!ldap.IsErrorWithCode(err, ldap.LDAPResultAttributeOrValueExists) {
		return mapLDAPError(err)
	}
	return nil
}

func (s *LDAPStore) removeMember(conn *ldap.Conn, entryDN, userDN string) error {
	mod := ldap.NewModifyRequest(entryDN, nil)
	mod.Delete(memberAttr, []string{userDN})
	if err := conn.Modify(mod); err != nil &&
		!ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchAttribute) &&
		!ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
		return mapLDAPError(err)
	}
	return nil
}

func (s *LDAPStore) entryToOrg(entry *ldap.Entry) *identity.Organization {
	org := &identity.Organization{
		ID:          entry.GetAttributeValue("cn"),
		Name:        entry.GetAttributeValue(orgNameAttr),
		ShortName:   entry.GetAttributeValue(orgShortAttr),
		OrgType:     entry.GetAttributeValue(orgTypeAttr),
		ExternalUID: entry.GetAttributeValue(orgExternalAttr),
	}
	for _, dn := range entry.GetAttributeValues(memberAttr) {
		if uid := uidFromDN(dn); uid != "" {
			org.Members = append(org.Members, uid)
		}
	}
	return org
}

func (s *LDAPStore) findOrg(ctx context.Context, filter string) (*identity.Organization, error) {
	if !s.c.Extended {
		return nil, errtypes.NotFound("organizations require an extended directory source")
	}
	var org *identity.Organization
	err := s.withConn(ctx, func(conn *ldap.Conn) error {
		req := ldap.NewSearchRequest(
			s.orgsDN(), ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
			filter,
			[]string{"cn", orgNameAttr, orgShortAttr, orgTypeAttr, orgExternalAttr, memberAttr},
			nil,
		)
		sr, err := conn.Search(req)
		if err != nil {
			if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
				return nil
			}
			return mapLDAPError(err)
		}
		if len(sr.Entries) > 0 {
			org = s.entryToOrg(sr.Entries[0])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, errtypes.NotFound(filter)
	}
	return org, nil
}

// FindOrgByID implements Store.
func (s *LDAPStore) FindOrgByID(ctx context.Context, id string) (*identity.Organization, error) {
	return s.findOrg(ctx, fmt.Sprintf("(cn=%s)", ldap.EscapeFilter(id)))
}

// FindOrgByExternalUID implements Store.
func (s *LDAPStore) FindOrgByExternalUID(ctx context.Context, uid string) (*identity.Organization, error) {
	return s.findOrg(ctx, fmt.Sprintf("(%s=%s)", orgExternalAttr, ldap.EscapeFilter(uid)))
}

// EnsureOrg implements Store.
func (s *LDAPStore) EnsureOrg(ctx context.Context, u *identity.User) (*identity.Organization, error) {
	if !s.c.Extended {
		return nil, errtypes.OrgProvisioningFailed("source " + s.name + " has no organization entries")
	}

	var org *identity.Organization
	var err error
	if u.ExternalOrgID != "" {
		org, err = s.FindOrgByExternalUID(ctx, u.ExternalOrgID)
	} else if u.Organization != "" {
		org, err = s.FindOrgByID(ctx, u.Organization)
	} else {
		return nil, nil
	}

	var notFound errtypes.IsNotFound
	if err != nil && !errors.As(err, &notFound) {
		return nil, err
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
		if err := s.createOrg(ctx, org); err != nil {
			return nil, err
		}
	}

	err = s.withConn(ctx, func(conn *ldap.Conn) error {
		return s.addMember(conn, s.orgDN(org.ID), s.userDN(u.Username))
	})
	if err != nil {
		return nil, err
	}
	org.Members = appendUnique(org.Members, u.Username)
	return org, nil
}

func (s *LDAPStore) createOrg(ctx context.Context, org *identity.Organization) error {
	return s.withConn(ctx, func(conn *ldap.Conn) error {
		add := ldap.NewAddRequest(s.orgDN(org.ID), nil)
		add.Attribute("objectClass", []string{"top", "groupOfMembers", "georchestraOrg"})
		add.Attribute("cn", []string{org.ID})
		add.Attribute(orgNameAttr, []string{valueOr(org.Name, org.ID)})
		add.Attribute(orgTypeAttr, []string{valueOr(org.OrgType, identity.DefaultOrgType)})
		if org.ExternalUID != "" {
			add.Attribute(orgExternalAttr, []string{org.ExternalUID})
		}
		if err := conn.Add(add); err != nil &&
			!ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
			return mapLDAPError(err)
		}
		return nil
	})
}

// UnlinkOrg implements Store.
func (s *LDAPStore) UnlinkOrg(ctx context.Context, username, orgID string) error {
	if !s.c.Extended {
		return nil
	}
	return s.withConn(ctx, func(conn *ldap.Conn) error {
		return s.removeMember(conn, s.orgDN(orgID), s.userDN(username))
	})
}

func displayName(u *identity.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func uidFromDN(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return ""
	}
	attr := parsed.RDNs[0].Attributes[0]
	if !strings.EqualFold(attr.Type, "uid") {
		return ""
	}
	return attr.Value
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
