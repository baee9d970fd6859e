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

// Package whoami exposes the canonical user of the current session.
package whoami

import (
	"encoding/json"
	"net/http"

	"github.com/georchestra/gateway/pkg/appctx"
	"github.com/georchestra/gateway/pkg/identity"
	"github.com/go-chi/chi/v5"
)

// Response wraps the user the way the console and the applications
// expect it.
type Response struct {
	GeorchestraUser *identity.User `json:"GeorchestraUser"`
}

// Register mounts GET /whoami.
func Register(r chi.Router) {
	r.Get("/whoami", handle)
}

func handle(w http.ResponseWriter, r *http.Request) {
	u := appctx.GetUser(r.Context())
	if u.IsAnonymous() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"GeorchestraUser":null}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Response{GeorchestraUser: u})
}
