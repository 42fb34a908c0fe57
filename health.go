// Copyright 2025 Antfly, Inc.
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

package glimpse

import (
	"net/http"

	"github.com/bytedance/sonic/encoder"
)

// Version information - set at build time via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// HealthResponse is the response for /healthz endpoint
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response for /readyz endpoint
type ReadyResponse struct {
	Status string                `json:"status"`
	Model  ReadyModel            `json:"model"`
	Queue  QueueStats            `json:"queue"`
	Cache  DescriptionCacheStats `json:"cache"`
}

// ReadyModel shows model availability
type ReadyModel struct {
	Name   string `json:"name"`
	Loaded bool   `json:"loaded"`
	Error  string `json:"error,omitempty"`
}

// handleHealthz returns 200 if the service is running (liveness check)
func (ln *GlimpseNode) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = encoder.NewStreamEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// handleReadyz returns 200 once the model is loaded (readiness check). A
// node whose model failed to load keeps serving but never becomes ready.
func (ln *GlimpseNode) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Status: "ready",
		Model: ReadyModel{
			Name:   ln.model,
			Loaded: ln.describer.Loaded(),
		},
		Queue: ln.requestQueue.Stats(),
		Cache: ln.descriptionCache.Stats(),
	}

	status := http.StatusOK
	if !resp.Model.Loaded {
		resp.Status = "not_ready"
		if err := ln.describer.LoadError(); err != nil {
			resp.Model.Error = err.Error()
		}
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = encoder.NewStreamEncoder(w).Encode(resp)
}
