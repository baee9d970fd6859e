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

package access

import (
	"strings"

	"github.com/georchestra/gateway/pkg/errtypes"
	"github.com/gobwas/glob"
)

// PathMatcher matches request paths against an Ant-style pattern:
// ? matches one character, * matches within a segment, ** spans segments.
type PathMatcher struct {
	pattern string
	g       glob.Glob
	// base is the pattern prefix for patterns ending in /**, which also
	// match the base path itself without a trailing slash.
	base string
}

// CompilePath compiles an Ant-style path pattern.
func CompilePath(pattern string) (*PathMatcher, error) {
	if pattern == "" {
		return nil, errtypes.InvalidConfiguration("empty url pattern")
	}
	g, err := glob.Compile(escapeAnt(pattern), '/')
	if err != nil {
		return nil, errtypes.InvalidConfiguration("invalid url pattern " + pattern + ": " + err.Error())
	}
	m := &PathMatcher{pattern: pattern, g: g}
	if strings.HasSuffix(pattern, "/**") {
		m.base = strings.TrimSuffix(pattern, "/**")
	}
	return m, nil
}

// Match reports whether the path matches the pattern.
func (m *PathMatcher) Match(path string) bool {
	if m.g.Match(path) {
		return true
	}
	// /admin/** also admits /admin and /admin/
	if m.base != "" && (path == m.base || path == m.base+"/") {
		return true
	}
	return false
}

// String returns the source pattern.
func (m *PathMatcher) String() string { return m.pattern }

// escapeAnt neutralizes the gobwas metacharacters that Ant patterns
// treat as literals, keeping only ?, * and ** active.
func escapeAnt(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '[', ']', '{', '}', ',', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
