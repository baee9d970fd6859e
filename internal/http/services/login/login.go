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

// Package login serves the login and logout endpoints: the form-based
// directory login, the OAuth2 authorization redirects and the provider
// callback.
package login

import (
	"html/template"
	"net/http"
	"sort"

	"github.com/georchestra/gateway/pkg/appctx"
	"github.com/georchestra/gateway/pkg/auth"
	"github.com/georchestra/gateway/pkg/auth/manager/oidc"
	"github.com/georchestra/gateway/pkg/auth/resolver"
	"github.com/georchestra/gateway/pkg/directory"
	"github.com/georchestra/gateway/pkg/errtypes"
	"github.com/georchestra/gateway/pkg/session"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const loginPage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/login">
<label>Username <input type="text" name="username" autofocus></label>
<label>Password <input type="password" name="password"></label>
<button type="submit">Sign in</button>
</form>
{{range .Providers}}
<p><a href="/oauth2/authorization/{{.}}">Sign in with {{.}}</a></p>
{{end}}
</body>
</html>
`

var errorBanners = map[string]string{
	"invalid_credentials":   "Invalid username or password.",
	"duplicate_account":     "An account with the same identity already exists.",
	"auth_failed":           "Authentication with the identity provider failed.",
	"directory_unavailable": "The authentication service is temporarily unavailable, please retry.",
}

// Service handles the authentication endpoints.
type Service struct {
	sessions  *session.Store
	stores    map[string]directory.Store
	sources   []string
	oidc      *oidc.Manager
	resolver  *resolver.Resolver
	logoutURL string
	tpl       *template.Template
}

// New builds the login service. Directory sources are tried in
// lexical-name order on form login.
func New(sessions *session.Store, stores map[string]directory.Store, oidcManager *oidc.Manager, res *resolver.Resolver) *Service {
	s := &Service{
		sessions:  sessions,
		stores:    stores,
		oidc:      oidcManager,
		resolver:  res,
		logoutURL: oidcManager.LogoutURL(),
		tpl:       template.Must(template.New("login").Parse(loginPage)),
	}
	for name := range stores {
		s.sources = append(s.sources, name)
	}
	sort.Strings(s.sources)
	return s
}

// Register mounts the endpoints on the router.
func (s *Service) Register(r chi.Router) {
	r.Get("/login", s.form)
	r.Post("/login", s.formLogin)
	r.Get("/logout", s.logout)
	r.Get("/oauth2/authorization/{registration}", s.authorize)
	r.Get("/login/oauth2/code/{registration}", s.callback)
}

func (s *Service) form(w http.ResponseWriter, r *http.Request) {
	providers := s.oidc.Registrations()
	sort.Strings(providers)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = s.tpl.Execute(w, struct {
		Error     string
		Providers []string
	}{errorBanners[r.URL.Query().Get("error")], providers})
}

// formLogin binds against every directory source in order. The first
// source accepting the credentials wins; only credential rejections
// move on to the next source.
func (s *Service) formLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		http.Redirect(w, r, "/login?error=invalid_credentials", http.StatusFound)
		return
	}

	var (
		result *directory.BindResult
		err    error
	)
	for _, name := range s.sources {
		result, err = s.stores[name].Bind(ctx, username, password)
		if err == nil {
			break
		}
		if !isInvalidCredentials(err) {
			appctx.GetLogger(ctx).Error().Err(err).Str("source", name).Msg("directory bind failed")
			http.Redirect(w, r, "/login?error=directory_unavailable", http.StatusFound)
			return
		}
	}
	if result == nil {
		appctx.GetLogger(ctx).Info().Str("username", username).Msg("login rejected")
		http.Redirect(w, r, "/login?error=invalid_credentials", http.StatusFound)
		return
	}

	sess := s.sessions.Renew(w, r)
	sess.SetToken(auth.DirectoryToken{
		Source:        result.Source,
		DN:            result.DN,
		Username:      result.Username,
		Roles:         result.Roles,
		Warn:          result.Warn,
		RemainingDays: result.RemainingDays,
	})
	appctx.GetLogger(ctx).Info().Str("username", result.Username).Str("source", result.Source).Msg("user logged in")
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Service) logout(w http.ResponseWriter, r *http.Request) {
	var token auth.Token
	if sess, ok := s.sessions.Lookup(r); ok {
		token = sess.Token()
	}
	s.sessions.Destroy(w, r)

	if t, ok := token.(auth.OIDCToken); ok {
		if client, found := s.oidc.Client(t.Registration); found {
			if end := client.EndSessionURL(s.logoutURL); end != "" {
				http.Redirect(w, r, end, http.StatusFound)
				return
			}
		}
	}
	http.Redirect(w, r, s.logoutURL, http.StatusFound)
}

// authorize starts the authorization-code flow for a registration.
func (s *Service) authorize(w http.ResponseWriter, r *http.Request) {
	registration := chi.URLParam(r, "registration")
	client, ok := s.oidc.Client(registration)
	if !ok {
		http.NotFound(w, r)
		return
	}

	sess, found := s.sessions.Lookup(r)
	if !found {
		sess = s.sessions.Create(w)
	}
	state, nonce := uuid.NewString(), uuid.NewString()
	sess.BeginOIDC(registration, state, nonce, r.URL.Query().Get("redirect"))
	http.Redirect(w, r, client.AuthCodeURL(state, nonce), http.StatusFound)
}

// callback finishes the authorization-code flow: state check, code
// exchange and immediate resolution so provisioning failures surface
// here rather than on the next request.
func (s *Service) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	registration := chi.URLParam(r, "registration")
	client, ok := s.oidc.Client(registration)
	if !ok {
		http.NotFound(w, r)
		return
	}

	sess, found := s.sessions.Lookup(r)
	if !found {
		http.Redirect(w, r, "/login?error=auth_failed", http.StatusFound)
		return
	}
	nonce, redirect, ok := sess.FinishOIDC(registration, r.URL.Query().Get("state"))
	if !ok {
		appctx.GetLogger(ctx).Warn().Str("registration", registration).Msg("oauth2 callback with unknown state")
		http.Redirect(w, r, "/login?error=auth_failed", http.StatusFound)
		return
	}

	token, err := client.Authenticate(ctx, r.URL.Query().Get("code"), nonce)
	if err != nil {
		appctx.GetLogger(ctx).Error().Err(err).Str("registration", registration).Msg("oauth2 code exchange failed")
		http.Redirect(w, r, "/login?error=auth_failed", http.StatusFound)
		return
	}

	if _, err := s.resolver.Resolve(ctx, token); err != nil {
		appctx.GetLogger(ctx).Error().Err(err).Str("registration", registration).Msg("could not resolve oauth2 user")
		http.Redirect(w, r, "/login?error="+errorCode(err), http.StatusFound)
		return
	}

	// the pre-login session carried the state; the authenticated one
	// gets a fresh id
	sess = s.sessions.Renew(w, r)
	sess.SetToken(token)
	http.Redirect(w, r, redirect, http.StatusFound)
}

func errorCode(err error) string {
	var dupEmail errtypes.IsDuplicateEmail
	var dupUser errtypes.IsDuplicateUsername
	switch {
	case errors.As(err, &dupEmail), errors.As(err, &dupUser):
		return "duplicate_account"
	case isDirectoryUnavailable(err):
		return "directory_unavailable"
	default:
		return "auth_failed"
	}
}

func isInvalidCredentials(err error) bool {
	var ic errtypes.IsInvalidCredentials
	return errors.As(err, &ic)
}

func isDirectoryUnavailable(err error) bool {
	var du errtypes.IsDirectoryUnavailable
	return errors.As(err, &du)
}
