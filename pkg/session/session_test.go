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

package session_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/georchestra/gateway/pkg/auth"
	"github.com/georchestra/gateway/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestWith(t *testing.T, w *httptest.ResponseRecorder) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range w.Result().Cookies() {
		r.AddCookie(c)
	}
	return r
}

func TestCreateAndLookup(t *testing.T) {
	st := session.NewStore(time.Hour)
	defer st.Close()

	w := httptest.NewRecorder()
	s := st.Create(w)
	require.NotEmpty(t, s.ID)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, session.CookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	found, ok := st.Lookup(requestWith(t, w))
	require.True(t, ok)
	assert.Same(t, s, found)
}

func TestLookupWithoutCookie(t *testing.T) {
	st := session.NewStore(time.Hour)
	defer st.Close()

	_, ok := st.Lookup(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok)
}

func TestExpiredSessionIsGone(t *testing.T) {
	st := session.NewStore(-time.Second)
	defer st.Close()

	w := httptest.NewRecorder()
	st.Create(w)

	_, ok := st.Lookup(requestWith(t, w))
	assert.False(t, ok)
	assert.Zero(t, st.Len())
}

func TestDestroyClearsCookie(t *testing.T) {
	st := session.NewStore(time.Hour)
	defer st.Close()

	w := httptest.NewRecorder()
	st.Create(w)
	r := requestWith(t, w)

	w2 := httptest.NewRecorder()
	st.Destroy(w2, r)

	_, ok := st.Lookup(r)
	assert.False(t, ok)
	cookies := w2.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Negative(t, cookies[0].MaxAge)
}

func TestRenewRotatesID(t *testing.T) {
	st := session.NewStore(time.Hour)
	defer st.Close()

	w := httptest.NewRecorder()
	old := st.Create(w)
	r := requestWith(t, w)

	fresh := st.Renew(httptest.NewRecorder(), r)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, 1, st.Len())

	// the pre-renewal id is dead
	_, ok := st.Lookup(r)
	assert.False(t, ok)
}

func TestToken(t *testing.T) {
	st := session.NewStore(time.Hour)
	defer st.Close()

	s := st.Create(httptest.NewRecorder())
	assert.Nil(t, s.Token())

	s.SetToken(auth.DirectoryToken{Username: "alice"})
	tok, ok := s.Token().(auth.DirectoryToken)
	require.True(t, ok)
	assert.Equal(t, "alice", tok.Username)
}

func TestOIDCStateRoundtrip(t *testing.T) {
	st := session.NewStore(time.Hour)
	defer st.Close()
	s := st.Create(httptest.NewRecorder())

	s.BeginOIDC("proconnect", "st4te", "n0nce", "/console")

	// wrong state or registration does not consume the pending login
	_, _, ok := s.FinishOIDC("proconnect", "forged")
	assert.False(t, ok)
	_, _, ok = s.FinishOIDC("other", "st4te")
	assert.False(t, ok)

	nonce, redirect, ok := s.FinishOIDC("proconnect", "st4te")
	require.True(t, ok)
	assert.Equal(t, "n0nce", nonce)
	assert.Equal(t, "/console", redirect)

	// consumed: a replay of the same state fails
	_, _, ok = s.FinishOIDC("proconnect", "st4te")
	assert.False(t, ok)
}
