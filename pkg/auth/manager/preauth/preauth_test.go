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

package preauth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/georchestra/gateway/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate(t *testing.T) {
	r := httptest.NewRequest("GET", "/geoserver/wms", nil)
	r.Header.Set("sec-georchestra-preauthenticated", "TRUE")
	r.Header.Set("preauth-username", "bob")
	r.Header.Set("Preauth-Email", "bob@example.org")
	r.Header.Set("preauth-lastname", "{base64}TWF1ZHVpdA==")
	r.Header.Set("preauth-roles", "ADMIN;USER")

	m := New(true)
	token, err := m.Authenticate(context.Background(), r)
	require.NoError(t, err)

	pa, ok := token.(auth.PreAuthToken)
	require.True(t, ok)
	assert.Equal(t, "preauth", pa.Method())
	assert.Equal(t, "bob", pa.Headers["username"])
	assert.Equal(t, "bob@example.org", pa.Headers["email"])
	assert.Equal(t, "Mauduit", pa.Headers["lastname"])
	assert.Equal(t, "ADMIN;USER", pa.Headers["roles"])
}

func TestAuthenticateNotHandled(t *testing.T) {
	m := New(true)

	r := httptest.NewRequest("GET", "/", nil)
	_, err := m.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, auth.ErrNotHandled)

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("sec-georchestra-preauthenticated", "false")
	_, err = m.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, auth.ErrNotHandled)
}

func TestAuthenticateDisabled(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("sec-georchestra-preauthenticated", "true")
	r.Header.Set("preauth-username", "bob")

	_, err := New(false).Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, auth.ErrNotHandled)
}

func TestAuthenticateMissingUsername(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("sec-georchestra-preauthenticated", "true")
	r.Header.Set("preauth-email", "x@y")

	_, err := New(true).Authenticate(context.Background(), r)
	require.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrNotHandled)
}

func TestDecodeValue(t *testing.T) {
	v, err := DecodeValue("{base64}TWF1ZHVpdA==")
	require.NoError(t, err)
	assert.Equal(t, "Mauduit", v)

	v, err = DecodeValue("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", v)

	_, err = DecodeValue("{base64}not!!base64")
	assert.Error(t, err)
}
