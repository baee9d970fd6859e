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
	"bytes"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// errorPageTemplate renders the local error pages. Backend bodies are
// never echoed into it.
const errorPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Status}} {{.Text}}</title></head>
<body>
<h1>{{.Status}} {{.Text}}</h1>
<p>{{.Message}}</p>
</body>
</html>
`

var errorMessages = map[int]string{
	http.StatusBadRequest:          "The request could not be understood.",
	http.StatusUnauthorized:        "Authentication is required to access this resource.",
	http.StatusForbidden:           "You do not have permission to access this resource.",
	http.StatusNotFound:            "The requested resource was not found.",
	http.StatusBadGateway:          "The service is temporarily unreachable.",
	http.StatusServiceUnavailable:  "The service is temporarily unavailable.",
	http.StatusGatewayTimeout:      "The service took too long to answer.",
	http.StatusInternalServerError: "An internal error occurred.",
}

// ErrorPages converts eligible error responses into locally rendered
// HTML pages.
type ErrorPages struct {
	tpl *template.Template
}

// NewErrorPages returns the converter with the built-in templates.
func NewErrorPages() *ErrorPages {
	return &ErrorPages{tpl: template.Must(template.New("error").Parse(errorPageTemplate))}
}

// Eligible reports whether a response of the given status to r should
// be replaced by an error page: idempotent method, HTML accepted and an
// error status.
func (e *ErrorPages) Eligible(r *http.Request, status int) bool {
	if status < 400 {
		return false
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
	default:
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// Render writes the error page for status to w.
func (e *ErrorPages) Render(w http.ResponseWriter, status int) {
	body := e.page(status)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(body.Len()))
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

// Convert replaces the body of an upstream error response in place. The
// upstream body is drained and discarded.
func (e *ErrorPages) Convert(resp *http.Response) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()

	body := e.page(resp.StatusCode)
	resp.Body = io.NopCloser(body)
	resp.ContentLength = int64(body.Len())
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	resp.Header.Set("Content-Length", strconv.Itoa(body.Len()))
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Transfer-Encoding")
	return nil
}

func (e *ErrorPages) page(status int) *bytes.Buffer {
	text := http.StatusText(status)
	if text == "" {
		text = "Error"
	}
	msg, ok := errorMessages[status]
	if !ok {
		msg = fmt.Sprintf("The request failed with status %d.", status)
	}
	var buf bytes.Buffer
	_ = e.tpl.Execute(&buf, struct {
		Status  int
		Text    string
		Message string
	}{status, text, msg})
	return &buf
}
