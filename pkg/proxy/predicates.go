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
	"net/http"
	"strings"

	"github.com/georchestra/gateway/pkg/access"
	"github.com/georchestra/gateway/pkg/errtypes"
	"github.com/gobwas/glob"
)

// Predicate decides whether a route applies to a request.
type Predicate interface {
	Matches(r *http.Request) bool
}

// ParsePredicate parses a "Name=arg1,arg2" directive into a predicate.
func ParsePredicate(directive string) (Predicate, error) {
	name, rawArgs, ok := strings.Cut(directive, "=")
	if !ok {
		return nil, errtypes.InvalidConfiguration("malformed predicate " + directive)
	}
	args := strings.Split(rawArgs, ",")
	for i, a := range args {
		args[i] = strings.TrimSpace(a)
	}

	switch name {
	case "Path":
		return newPathPredicate(args)
	case "Method":
		return methodPredicate(args), nil
	case "Host":
		return newHostPredicate(args)
	case "Header":
		return newHeaderPredicate(args)
	case "Query":
		return newQueryPredicate(args)
	default:
		return nil, errtypes.InvalidConfiguration("unknown predicate " + name)
	}
}

type pathPredicate struct {
	matchers []*access.PathMatcher
}

func newPathPredicate(patterns []string) (*pathPredicate, error) {
	p := &pathPredicate{}
	for _, pat := range patterns {
		m, err := access.CompilePath(pat)
		if err != nil {
			return nil, errtypes.InvalidConfiguration("path predicate " + pat + ": " + err.Error())
		}
		p.matchers = append(p.matchers, m)
	}
	return p, nil
}

func (p *pathPredicate) Matches(r *http.Request) bool {
	for _, m := range p.matchers {
		if m.Match(r.URL.Path) {
			return true
		}
	}
	return false
}

type methodPredicate []string

func (p methodPredicate) Matches(r *http.Request) bool {
	for _, m := range p {
		if strings.EqualFold(m, r.Method) {
			return true
		}
	}
	return false
}

type hostPredicate struct {
	globs []glob.Glob
}

func newHostPredicate(patterns []string) (*hostPredicate, error) {
	p := &hostPredicate{}
	for _, pat := range patterns {
		g, err := glob.Compile(strings.ToLower(pat), '.')
		if err != nil {
			return nil, errtypes.InvalidConfiguration("host predicate " + pat + ": " + err.Error())
		}
		p.globs = append(p.globs, g)
	}
	return p, nil
}

func (p *hostPredicate) Matches(r *http.Request) bool {
	host := strings.ToLower(r.Host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	for _, g := range p.globs {
		if g.Match(host) {
			return true
		}
	}
	return false
}

// headerPredicate matches on header presence, or equality when a value
// is given.
type headerPredicate struct {
	name  string
	value string
}

func newHeaderPredicate(args []string) (*headerPredicate, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, errtypes.InvalidConfiguration("header predicate requires a header name")
	}
	p := &headerPredicate{name: args[0]}
	if len(args) > 1 {
		p.value = args[1]
	}
	return p, nil
}

func (p *headerPredicate) Matches(r *http.Request) bool {
	got := r.Header.Get(p.name)
	if got == "" {
		return false
	}
	return p.value == "" || got == p.value
}

// queryPredicate matches on query-parameter presence, or equality when
// a value is given.
type queryPredicate struct {
	name  string
	value string
}

func newQueryPredicate(args []string) (*queryPredicate, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, errtypes.InvalidConfiguration("query predicate requires a parameter name")
	}
	p := &queryPredicate{name: args[0]}
	if len(args) > 1 {
		p.value = args[1]
	}
	return p, nil
}

func (p *queryPredicate) Matches(r *http.Request) bool {
	q := r.URL.Query()
	if !q.Has(p.name) {
		return false
	}
	return p.value == "" || q.Get(p.name) == p.value
}
