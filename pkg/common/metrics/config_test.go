// Copyright (c) 2026 The AReaL Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetricScopeNoBackend(t *testing.T) {
	scope, closer, mux := InitMetricScope(&Config{}, "areal", time.Second)
	require.NotNil(t, scope)
	defer closer.Close()

	scope.Counter("iterations").Inc(1)

	// No prometheus backend, so the mux has no /metrics handler.
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInitMetricScopePrometheus(t *testing.T) {
	cfg := &Config{Prometheus: &prometheusConfig{Enable: true}}
	scope, closer, mux := InitMetricScope(cfg, "areal-test", time.Second)
	require.NotNil(t, scope)
	defer closer.Close()

	scope.Counter("iterations").Inc(1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
