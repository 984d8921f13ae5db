/*
 * Copyright 2026 Miccast Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/miccast/miccast/pkg/logger"
	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKey(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		header     string
		query      string
		wantStatus int
	}{
		{"no key configured", "", "", "", http.StatusOK},
		{"matching header", "secret", "secret", "", http.StatusOK},
		{"matching query param", "secret", "", "secret", http.StatusOK},
		{"wrong key", "secret", "nope", "", http.StatusUnauthorized},
		{"missing key", "secret", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := APIKey(tt.configured)(okHandler())

			url := "/v1/streams"
			if tt.query != "" {
				url += "?api_key=" + tt.query
			}

			req := httptest.NewRequest(http.MethodGet, url, http.NoBody)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRequestLoggingPassesThrough(t *testing.T) {
	handler := RequestLogging(logger.NewTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
}
