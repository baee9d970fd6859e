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

// Package session keeps authenticated sessions in process memory.
// Sessions never cross instances; deployments with several replicas
// need sticky affinity at the load balancer.
package session

import (
	"net/http"
	"sync"
	"time"

	"github.com/georchestra/gateway/pkg/auth"
	"github.com/google/uuid"
)

// CookieName carries the session id on the client.
const CookieName = "gateway-session"

const sweepInterval = time.Minute

// Session is the per-client state between requests. Fields are guarded
// by mu: use the accessor methods.
type Session struct {
	ID string

	mu       sync.Mutex
	token    auth.Token
	lastSeen time.Time

	// pending OIDC login, set between the authorization redirect and
	// the callback
	pendingState        string
	pendingNonce        string
	pendingRegistration string
	pendingRedirect     string
}

// Token returns the authentication token, or nil when the session is
// not authenticated.
func (s *Session) Token() auth.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetToken marks the session authenticated.
func (s *Session) SetToken(t auth.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = t
}

// BeginOIDC records the state and nonce of an authorization redirect
// and where to send the user afterwards.
func (s *Session) BeginOIDC(registration, state, nonce, redirect string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingRegistration = registration
	s.pendingState = state
	s.pendingNonce = nonce
	s.pendingRedirect = redirect
}

// FinishOIDC validates the callback state and consumes the pending
// login. It returns the expected nonce and the post-login redirect.
func (s *Session) FinishOIDC(registration, state string) (nonce, redirect string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingState == "" || s.pendingState != state || s.pendingRegistration != registration {
		return "", "", false
	}
	nonce, redirect = s.pendingNonce, s.pendingRedirect
	s.pendingState, s.pendingNonce, s.pendingRegistration, s.pendingRedirect = "", "", "", ""
	if redirect == "" {
		redirect = "/"
	}
	return nonce, redirect, true
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
}

func (s *Session) expired(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen) > ttl
}

// Store holds every live session. Expired sessions are swept in the
// background once Start has been called.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	done     chan struct{}
	once     sync.Once
}

// NewStore creates a store with the given idle timeout.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		sessions: map[string]*Session{},
		ttl:      ttl,
		done:     make(chan struct{}),
	}
}

// Start launches the background sweeper.
func (st *Store) Start() {
	go st.sweep()
}

// Close stops the sweeper and drops all sessions.
func (st *Store) Close() {
	st.once.Do(func() { close(st.done) })
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions = map[string]*Session{}
}

func (st *Store) sweep() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-st.done:
			return
		case now := <-t.C:
			st.mu.Lock()
			for id, s := range st.sessions {
				if s.expired(now, st.ttl) {
					delete(st.sessions, id)
				}
			}
			st.mu.Unlock()
		}
	}
}

// Create starts a fresh session and sets its cookie on the response.
func (st *Store) Create(w http.ResponseWriter) *Session {
	s := &Session{ID: uuid.NewString(), lastSeen: time.Now()}
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    s.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return s
}

// Renew rotates the session id: whatever session the request cookie
// references is dropped and a fresh one issued. Called on privilege
// changes so a pre-login id never survives authentication.
func (st *Store) Renew(w http.ResponseWriter, r *http.Request) *Session {
	if c, err := r.Cookie(CookieName); err == nil {
		st.mu.Lock()
		delete(st.sessions, c.Value)
		st.mu.Unlock()
	}
	return st.Create(w)
}

// Lookup returns the live session referenced by the request cookie.
// The idle timer is reset on every hit.
func (st *Store) Lookup(r *http.Request) (*Session, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return nil, false
	}
	st.mu.Lock()
	s, ok := st.sessions[c.Value]
	st.mu.Unlock()
	if !ok {
		return nil, false
	}
	now := time.Now()
	if s.expired(now, st.ttl) {
		st.mu.Lock()
		delete(st.sessions, s.ID)
		st.mu.Unlock()
		return nil, false
	}
	s.touch(now)
	return s, true
}

// Destroy drops the request's session and clears the cookie.
func (st *Store) Destroy(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(CookieName); err == nil {
		st.mu.Lock()
		delete(st.sessions, c.Value)
		st.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
