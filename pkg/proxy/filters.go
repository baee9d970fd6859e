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
	"regexp"
	"strings"

	"github.com/georchestra/gateway/pkg/config"
	"github.com/georchestra/gateway/pkg/errtypes"
	"github.com/mitchellh/mapstructure"
)

// routeFilters is the compiled form of a route's filter directives.
type routeFilters struct {
	rewrites           []pathRewrite
	cookieAffinities   []cookieAffinity
	loginParamRedirect bool
	applicationError   bool
	preserveHost       bool
	profile            string
}

type pathRewrite func(path string) string

type cookieAffinity struct {
	name     string
	fromPath string
	toPath   string
}

// namedGroupRe translates the (?<name>) capture syntax found in legacy
// route files into Go's (?P<name>) form.
var namedGroupRe = regexp.MustCompile(`\(\?<([a-zA-Z][a-zA-Z0-9]*)>`)

func buildFilters(fs []config.Filter) (*routeFilters, error) {
	out := &routeFilters{}
	for _, f := range fs {
		switch f.Name {
		case "RewritePath":
			var args struct {
				Pattern     string `mapstructure:"regexp"`
				Replacement string `mapstructure:"replacement"`
			}
			if err := decodeArgs(f, &args); err != nil {
				return nil, err
			}
			pattern := namedGroupRe.ReplaceAllString(args.Pattern, `(?P<$1>`)
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, errtypes.InvalidConfiguration("RewritePath " + args.Pattern + ": " + err.Error())
			}
			replacement := strings.ReplaceAll(args.Replacement, "${", "$")
			replacement = strings.ReplaceAll(replacement, "}", "")
			out.rewrites = append(out.rewrites, func(path string) string {
				return re.ReplaceAllString(path, replacement)
			})

		case "StripBasePath":
			var args struct {
				Parts int `mapstructure:"parts"`
			}
			if err := decodeArgs(f, &args); err != nil {
				return nil, err
			}
			n := args.Parts
			if n <= 0 {
				return nil, errtypes.InvalidConfiguration("StripBasePath requires a positive parts count")
			}
			out.rewrites = append(out.rewrites, func(path string) string {
				return stripSegments(path, n)
			})

		case "CookieAffinity":
			var args struct {
				Name     string `mapstructure:"name"`
				FromPath string `mapstructure:"from"`
				ToPath   string `mapstructure:"to"`
			}
			if err := decodeArgs(f, &args); err != nil {
				return nil, err
			}
			if args.Name == "" {
				return nil, errtypes.InvalidConfiguration("CookieAffinity requires a cookie name")
			}
			out.cookieAffinities = append(out.cookieAffinities, cookieAffinity{
				name:     args.Name,
				fromPath: args.FromPath,
				toPath:   args.ToPath,
			})

		case "RouteProfile":
			var args struct {
				Profile string `mapstructure:"profile"`
			}
			if err := decodeArgs(f, &args); err != nil {
				return nil, err
			}
			out.profile = args.Profile

		case "LoginParamRedirect":
			out.loginParamRedirect = true

		case "ApplicationError":
			out.applicationError = true

		case "PreserveHost":
			out.preserveHost = true

		default:
			return nil, errtypes.InvalidConfiguration("unknown filter " + f.Name)
		}
	}
	return out, nil
}

func decodeArgs(f config.Filter, v interface{}) error {
	if err := mapstructure.Decode(f.Args, v); err != nil {
		return errtypes.InvalidConfiguration("filter " + f.Name + ": " + err.Error())
	}
	return nil
}

// stripSegments removes the first n path segments, keeping the leading
// slash. Stripping past the end yields "/".
func stripSegments(path string, n int) string {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if n >= len(segments) {
		return "/"
	}
	return "/" + strings.Join(segments[n:], "/")
}

func (f *routeFilters) rewritePath(path string) string {
	for _, rw := range f.rewrites {
		path = rw(path)
	}
	return path
}

// applyCookieAffinity duplicates matching Set-Cookie headers under the
// configured replacement path.
func (f *routeFilters) applyCookieAffinity(resp *http.Response) {
	if len(f.cookieAffinities) == 0 {
		return
	}
	for _, ca := range f.cookieAffinities {
		for _, c := range resp.Cookies() {
			if c.Name != ca.name || c.Path != ca.fromPath {
				continue
			}
			dup := *c
			dup.Path = ca.toPath
			resp.Header.Add("Set-Cookie", dup.String())
		}
	}
}
