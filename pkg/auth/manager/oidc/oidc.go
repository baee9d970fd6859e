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

// Package oidc runs the authorization-code flow against the registered
// providers and produces OIDC authentication tokens carrying both the
// id-token and the userinfo claim sets.
package oidc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/georchestra/gateway/pkg/auth"
	"github.com/georchestra/gateway/pkg/config"
	"github.com/georchestra/gateway/pkg/errtypes"
	"golang.org/x/oauth2"
)

const requestTimeout = 10 * time.Second

// Manager holds one configured client per provider registration.
type Manager struct {
	clients   map[string]*Client
	logoutURL string
}

// New discovers every enabled registration. Discovery failure is fatal:
// the configuration references an unusable provider.
func New(ctx context.Context, cfg config.OIDC) (*Manager, error) {
	m := &Manager{clients: map[string]*Client{}, logoutURL: cfg.LogoutURL}
	if !cfg.Enabled {
		return m, nil
	}

	httpClient, err := buildHTTPClient(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	for id, reg := range cfg.Registrations {
		c, err := newClient(ctx, id, reg, cfg.BaseURL, httpClient)
		if err != nil {
			return nil, errtypes.InvalidConfiguration("oidc registration " + id + ": " + err.Error())
		}
		m.clients[id] = c
	}
	return m, nil
}

// Client returns the client for a registration id.
func (m *Manager) Client(id string) (*Client, bool) {
	c, ok := m.clients[id]
	return c, ok
}

// Registrations lists the configured registration ids.
func (m *Manager) Registrations() []string {
	out := make([]string, 0, len(m.clients))
	for id := range m.clients {
		out = append(out, id)
	}
	return out
}

// LogoutURL is the local post-logout landing page.
func (m *Manager) LogoutURL() string {
	if m.logoutURL == "" {
		return "/"
	}
	return m.logoutURL
}

// buildHTTPClient honours the optional outbound proxy with basic
// credentials.
func buildHTTPClient(p config.OIDCProxy) (*http.Client, error) {
	client := &http.Client{Timeout: requestTimeout}
	if !p.Enabled {
		return client, nil
	}
	if p.Host == "" || p.Port == 0 {
		return nil, errtypes.InvalidConfiguration("oidc proxy requires host and port")
	}
	proxyURL := &url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", p.Host, p.Port)}
	if p.Username != "" {
		proxyURL.User = url.UserPassword(p.Username, p.Password)
	}
	client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	return client, nil
}

// Client is the OAuth2/OIDC client of one provider registration.
type Client struct {
	id            string
	provider      *gooidc.Provider
	verifier      *gooidc.IDTokenVerifier
	oauth2        oauth2.Config
	endSessionURI string
	userinfoURI   string
	searchEmail   bool
	http          *http.Client
}

func newClient(ctx context.Context, id string, reg config.OIDCRegistration, baseURL string, httpClient *http.Client) (*Client, error) {
	ctx = gooidc.ClientContext(ctx, httpClient)
	provider, err := gooidc.NewProvider(ctx, reg.IssuerURI)
	if err != nil {
		return nil, err
	}

	var extra struct {
		UserinfoEndpoint   string `json:"userinfo_endpoint"`
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		return nil, err
	}

	scopes := reg.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "profile", "email"}
	}

	endSession := reg.EndSessionURI
	if endSession == "" {
		endSession = extra.EndSessionEndpoint
	}

	return &Client{
		id:       id,
		provider: provider,
		verifier: provider.Verifier(&gooidc.Config{ClientID: reg.ClientID}),
		oauth2: oauth2.Config{
			ClientID:     reg.ClientID,
			ClientSecret: reg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  strings.TrimSuffix(baseURL, "/") + "/login/oauth2/code/" + id,
			Scopes:       scopes,
		},
		endSessionURI: endSession,
		userinfoURI:   extra.UserinfoEndpoint,
		searchEmail:   reg.SearchEmail,
		http:          httpClient,
	}, nil
}

// ID returns the registration id.
func (c *Client) ID() string { return c.id }

// SearchEmail reports whether user lookup for this provider goes by
// email instead of external uid.
func (c *Client) SearchEmail() bool { return c.searchEmail }

// AuthCodeURL builds the provider authorization redirect.
func (c *Client) AuthCodeURL(state, nonce string) string {
	return c.oauth2.AuthCodeURL(state, gooidc.Nonce(nonce))
}

// Authenticate exchanges the authorization code, verifies the id-token
// (including the expected nonce) and retrieves the userinfo claims.
func (c *Client) Authenticate(ctx context.Context, code, expectedNonce string) (auth.OIDCToken, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	tok, err := c.oauth2.Exchange(ctx, code)
	if err != nil {
		return auth.OIDCToken{}, errtypes.AuthenticationFailed("token exchange: " + err.Error())
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok {
		return auth.OIDCToken{}, errtypes.AuthenticationFailed("token response without id_token")
	}
	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return auth.OIDCToken{}, errtypes.AuthenticationFailed("id token verification: " + err.Error())
	}
	if expectedNonce != "" && idToken.Nonce != expectedNonce {
		return auth.OIDCToken{}, errtypes.AuthenticationFailed("id token nonce mismatch")
	}

	var idClaims map[string]interface{}
	if err := idToken.Claims(&idClaims); err != nil {
		return auth.OIDCToken{}, errtypes.AuthenticationFailed("id token claims: " + err.Error())
	}

	userinfo, err := c.fetchUserinfo(ctx, tok)
	if err != nil {
		return auth.OIDCToken{}, err
	}

	return auth.OIDCToken{
		Registration:   c.id,
		IDTokenClaims:  idClaims,
		UserinfoClaims: userinfo,
	}, nil
}

// fetchUserinfo calls the userinfo endpoint. Providers answering with
// application/jwt get their claim set decoded from the JWT payload; the
// issuer already proved itself on the id-token, no second signature
// check happens here.
func (c *Client) fetchUserinfo(ctx context.Context, tok *oauth2.Token) (map[string]interface{}, error) {
	if c.userinfoURI == "" {
		return map[string]interface{}{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userinfoURI, nil)
	if err != nil {
		return nil, errtypes.AuthenticationFailed("userinfo request: " + err.Error())
	}
	tok.SetAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errtypes.AuthenticationFailed("userinfo request: " + err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errtypes.AuthenticationFailed("userinfo response: " + err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errtypes.AuthenticationFailed(fmt.Sprintf("userinfo endpoint returned %d", resp.StatusCode))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/jwt" {
		return DecodeJWTClaims(strings.TrimSpace(string(body)))
	}

	var claims map[string]interface{}
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, errtypes.AuthenticationFailed("userinfo decode: " + err.Error())
	}
	return claims, nil
}

// DecodeJWTClaims extracts the claims set from a compact JWT without
// verifying its signature.
func DecodeJWTClaims(raw string) (map[string]interface{}, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, errtypes.AuthenticationFailed("malformed jwt userinfo response")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errtypes.AuthenticationFailed("jwt userinfo payload: " + err.Error())
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, errtypes.AuthenticationFailed("jwt userinfo claims: " + err.Error())
	}
	return claims, nil
}

// EndSessionURL builds the provider logout redirect, or returns empty
// when the provider has no end-session endpoint. Construction is
// best-effort: logout proceeds locally either way.
func (c *Client) EndSessionURL(postLogoutRedirect string) string {
	if c.endSessionURI == "" {
		return ""
	}
	u, err := url.Parse(c.endSessionURI)
	if err != nil {
		return ""
	}
	q := u.Query()
	if postLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
