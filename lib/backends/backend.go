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

package backends

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Backend represents an inference runtime that can open operator sessions.
// Backends self-register via init() functions in their respective files.
type Backend interface {
	// Type returns the backend type identifier
	Type() BackendType

	// Name returns a human-readable name (e.g., "ONNX Runtime (CUDA)")
	Name() string

	// Available returns true if this backend can be used in the current environment.
	Available() bool

	// Priority returns the default priority (lower = higher priority).
	Priority() int

	// SessionFactory returns the factory used to open sessions.
	SessionFactory() SessionFactory
}

var (
	registry   = make(map[BackendType]Backend)
	registryMu sync.RWMutex
)

// RegisterBackend registers a backend. Called by backend implementations in init().
// Later registrations for the same type overwrite earlier ones.
func RegisterBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Type()] = b
}

// GetBackend returns the backend for the given type, if registered.
func GetBackend(t BackendType) (Backend, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[t]
	return b, ok
}

// ListAvailable returns all registered backends that can currently be used,
// sorted by priority.
func ListAvailable() []Backend {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]Backend, 0, len(registry))
	for _, b := range registry {
		if b.Available() {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Priority() < result[j].Priority()
	})
	return result
}

// GetSessionFactory returns the session factory of the requested backend.
// An empty type selects the highest priority available backend.
func GetSessionFactory(t BackendType) (SessionFactory, error) {
	if t == "" {
		available := ListAvailable()
		if len(available) == 0 {
			return nil, fmt.Errorf("no inference backend compiled in (build with -tags=\"onnx,ORT\")")
		}
		return available[0].SessionFactory(), nil
	}

	b, ok := GetBackend(t)
	if !ok {
		return nil, fmt.Errorf("backend %q not registered (available: %s)", t, availableNames())
	}
	if !b.Available() {
		return nil, fmt.Errorf("backend %q not available", t)
	}
	return b.SessionFactory(), nil
}

func availableNames() string {
	backends := ListAvailable()
	if len(backends) == 0 {
		return "none"
	}
	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = string(b.Type())
	}
	return strings.Join(names, ", ")
}
