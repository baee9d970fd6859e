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

// Package preauth reads pre-authentication headers injected by a trusted
// fronting proxy. No cryptographic check happens here: the headers are
// trusted only because the fronting proxy terminates the client
// connection, and the header projection strips them from every request
// before it is forwarded upstream.
package preauth

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/georchestra/gateway/pkg/auth"
	"github.com/georchestra/gateway/pkg/errtypes"
)

const (
	// TriggerHeader marks a request as pre-authenticated by the
	// fronting proxy.
	TriggerHeader = "Sec-Georchestra-Preauthenticated"
	// HeaderPrefix selects the identity headers to consume.
	HeaderPrefix = "preauth-"
	// EncodedPrefix marks header values that need base64 decoding
	// before use.
	EncodedPrefix = "{base64}"
)

// Manager emits a PreAuthToken for requests flagged by the fronting
// proxy.
type Manager struct {
	enabled bool
}

// New returns the pre-auth header reader.
func New(enabled bool) *Manager {
	return &Manager{enabled: enabled}
}

// Name implements auth.Authenticator.
func (m *Manager) Name() string { return "preauth" }

// Authenticate implements auth.Authenticator. The preauth-username
// header is required; all other preauth-* headers are optional.
func (m *Manager) Authenticate(_ context.Context, r *http.Request) (auth.Token, error) {
	if !m.enabled || !strings.EqualFold(r.Header.Get(TriggerHeader), "true") {
		return nil, auth.ErrNotHandled
	}

	headers := map[string]string{}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, HeaderPrefix) || len(values) == 0 {
			continue
		}
		value, err := DecodeValue(values[0])
		if err != nil {
			return nil, errtypes.AuthenticationFailed("invalid " + lower + " header: " + err.Error())
		}
		headers[strings.TrimPrefix(lower, HeaderPrefix)] = value
	}

	if headers["username"] == "" {
		return nil, errtypes.AuthenticationFailed("missing preauth-username header")
	}
	return auth.PreAuthToken{Headers: headers}, nil
}

// DecodeValue resolves the optional {base64} prefix on a header value.
func DecodeValue(v string) (string, error) {
	if !strings.HasPrefix(v, EncodedPrefix) {
		return v, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, EncodedPrefix))
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
