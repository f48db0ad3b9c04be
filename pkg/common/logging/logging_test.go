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

package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLogFieldFormatterFormat(t *testing.T) {
	formatter := LogFieldFormatter{
		Fields: log.Fields{
			"experiment": "ppo-math",
			"trial":      "run-1",
		},
		Formatter: &log.JSONFormatter{},
	}

	b, err := formatter.Format(log.WithField("k1", "v1"))
	assert.NoError(t, err)

	s := string(b)
	assert.Contains(t, s, `"experiment":"ppo-math"`)
	assert.Contains(t, s, `"trial":"run-1"`)
	assert.Contains(t, s, `"k1":"v1"`)
}

func TestLogFieldFormatterDoesNotOverride(t *testing.T) {
	formatter := LogFieldFormatter{
		Fields:    log.Fields{"trial": "static"},
		Formatter: &log.JSONFormatter{},
	}

	b, err := formatter.Format(log.WithField("trial", "dynamic"))
	assert.NoError(t, err)
	assert.Contains(t, string(b), `"trial":"dynamic"`)
}

func TestLevelOverwriteHandlerRejectsBadParams(t *testing.T) {
	handler := LevelOverwriteHandler(log.InfoLevel)

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/logging-level", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	handler(w, httptest.NewRequest(
		http.MethodGet, "/logging-level?level=warn&duration=1s", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLevelOverwriteHandlerSetsLevel(t *testing.T) {
	handler := LevelOverwriteHandler(log.InfoLevel)

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(
		http.MethodGet, "/logging-level?level=debug&duration=1h", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	log.SetLevel(log.InfoLevel)
}
