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

// Package actuator serves the health and build-info endpoints used by
// orchestration probes.
package actuator

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Info is the static build information reported on /actuator/info.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Register mounts the actuator endpoints.
func Register(r chi.Router, info Info) {
	r.Get("/actuator/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "UP"})
	})
	r.Get("/actuator/info", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]Info{"app": info})
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
