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

// Package access decides whether a request is admitted, denied or needs
// authentication. Service-scoped rules are consulted first, global rules
// only when no service rule matches; within a list the first matching
// pattern wins.
package access

import (
	"github.com/georchestra/gateway/pkg/config"
	"github.com/georchestra/gateway/pkg/identity"
)

// Decision is the outcome of rule evaluation.
type Decision int

const (
	// Granted admits the request.
	Granted Decision = iota
	// Forbidden denies with 403.
	Forbidden
	// Unauthorized denies an unauthenticated request; the pipeline maps
	// it to a login redirect or 401 depending on the request shape.
	Unauthorized
)

type rule struct {
	matchers  []*PathMatcher
	anonymous bool
	forbidden bool
	roles     []string
}

func (r *rule) matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

func (r *rule) decide(u *identity.User) Decision {
	switch {
	case r.forbidden:
		return Forbidden
	case r.anonymous:
		return Granted
	case u.IsAnonymous():
		return Unauthorized
	case len(r.roles) == 0:
		// any authenticated user
		return Granted
	}
	for _, role := range r.roles {
		if u.HasRole(role) {
			return Granted
		}
	}
	return Forbidden
}

// Engine evaluates access rules per request.
type Engine struct {
	global   []*rule
	services map[string][]*rule // keyed by service target URI
}

// New compiles the global rules and the per-service rules, keyed by
// service target so a matched route selects them.
func New(global []config.AccessRule, services map[string]config.Service) (*Engine, error) {
	e := &Engine{services: map[string][]*rule{}}
	var err error
	if e.global, err = compileRules(global); err != nil {
		return nil, err
	}
	for _, svc := range services {
		rules, err := compileRules(svc.AccessRules)
		if err != nil {
			return nil, err
		}
		if len(rules) > 0 {
			e.services[svc.Target] = rules
		}
	}
	return e, nil
}

func compileRules(rules []config.AccessRule) ([]*rule, error) {
	out := make([]*rule, 0, len(rules))
	for _, rc := range rules {
		r := &rule{
			anonymous: rc.Anonymous,
			forbidden: rc.Forbidden,
		}
		for _, p := range rc.InterceptURL {
			m, err := CompilePath(p)
			if err != nil {
				return nil, err
			}
			r.matchers = append(r.matchers, m)
		}
		for _, role := range rc.AllowedRoles {
			// a missing ROLE_ prefix is tolerated
			r.roles = append(r.roles, identity.CanonicalRole(role))
		}
		out = append(out, r)
	}
	return out, nil
}

// Decide evaluates the effective rule list for the given path. target is
// the matched route's URI, or empty when no route matched. When no rule
// matches at all, access is denied.
func (e *Engine) Decide(path, target string, u *identity.User) Decision {
	if target != "" {
		for _, r := range e.services[target] {
			if r.matches(path) {
				return r.decide(u)
			}
		}
	}
	for _, r := range e.global {
		if r.matches(path) {
			return r.decide(u)
		}
	}
	if u.IsAnonymous() {
		return Unauthorized
	}
	return Forbidden
}
