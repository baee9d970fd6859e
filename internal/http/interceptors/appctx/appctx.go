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

// Package appctx binds the request id and a request-scoped logger to
// the context of every request.
package appctx

import (
	"crypto/rand"
	"math/big"
	"net/http"

	"github.com/georchestra/gateway/pkg/appctx"
	"github.com/georchestra/gateway/pkg/config"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the correlation id. An inbound value is kept
// and echoed; otherwise a fresh one is assigned.
const RequestIDHeader = "X-Request-ID"

// New returns the middleware establishing the diagnostic context. The
// MDC settings select which request fields every log line carries.
func New(log zerolog.Logger, mdc config.MDC) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = newRequestID()
				// the backend must see the same id the response echoes
				r.Header.Set(RequestIDHeader, reqID)
			}
			w.Header().Set(RequestIDHeader, reqID)

			lc := log.With()
			if mdc.RequestID {
				lc = lc.Str("request-id", reqID)
			}
			if mdc.Method {
				lc = lc.Str("method", r.Method)
			}
			if mdc.URL {
				lc = lc.Str("url", r.URL.Path)
			}
			if mdc.RemoteAddr {
				lc = lc.Str("remote-addr", r.RemoteAddr)
			}
			if mdc.AppName != "" {
				lc = lc.Str("application-name", mdc.AppName)
			}
			if mdc.AppVersion != "" {
				lc = lc.Str("application-version", mdc.AppVersion)
			}
			sub := lc.Logger()

			ctx := appctx.WithRequestID(r.Context(), reqID)
			ctx = appctx.WithLogger(ctx, &sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

var requestIDMax = new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil)

// newRequestID produces a 16-digit numeric correlation id.
func newRequestID() string {
	n, err := rand.Int(rand.Reader, requestIDMax)
	if err != nil {
		// crypto/rand failing means the process is beyond saving
		panic(err)
	}
	return zeroPad16(n.String())
}

func zeroPad16(s string) string {
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}
