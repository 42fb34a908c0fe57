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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFactory struct{ typ BackendType }

func (f *stubFactory) CreateSession(string, ...SessionOption) (Session, error) { return nil, nil }
func (f *stubFactory) Backend() BackendType                                    { return f.typ }

type stubBackend struct {
	typ       BackendType
	available bool
	priority  int
}

func (b *stubBackend) Type() BackendType              { return b.typ }
func (b *stubBackend) Name() string                   { return string(b.typ) }
func (b *stubBackend) Available() bool                { return b.available }
func (b *stubBackend) Priority() int                  { return b.priority }
func (b *stubBackend) SessionFactory() SessionFactory { return &stubFactory{typ: b.typ} }

func withRegistry(t *testing.T, backends ...Backend) {
	t.Helper()
	registryMu.Lock()
	saved := registry
	registry = make(map[BackendType]Backend)
	registryMu.Unlock()
	for _, b := range backends {
		RegisterBackend(b)
	}
	t.Cleanup(func() {
		registryMu.Lock()
		registry = saved
		registryMu.Unlock()
	})
}

func TestGetSessionFactory(t *testing.T) {
	withRegistry(t,
		&stubBackend{typ: "slow", available: true, priority: 50},
		&stubBackend{typ: "fast", available: true, priority: 5},
		&stubBackend{typ: "broken", available: false, priority: 1},
	)

	t.Run("default picks highest priority available", func(t *testing.T) {
		f, err := GetSessionFactory("")
		require.NoError(t, err)
		assert.Equal(t, BackendType("fast"), f.Backend())
	})

	t.Run("explicit type", func(t *testing.T) {
		f, err := GetSessionFactory("slow")
		require.NoError(t, err)
		assert.Equal(t, BackendType("slow"), f.Backend())
	})

	t.Run("unavailable backend", func(t *testing.T) {
		_, err := GetSessionFactory("broken")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not available")
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := GetSessionFactory("tpu")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fast, slow")
	})
}

func TestGetSessionFactoryNoBackends(t *testing.T) {
	withRegistry(t)
	_, err := GetSessionFactory("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no inference backend")
}

func TestParseGPUMode(t *testing.T) {
	for in, want := range map[string]GPUMode{"": GPUModeAuto, "auto": GPUModeAuto, "cuda": GPUModeCuda, "off": GPUModeOff} {
		got, err := ParseGPUMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseGPUMode("tpu")
	assert.Error(t, err)
}

func TestApplySessionOptions(t *testing.T) {
	cfg := ApplySessionOptions(WithSessionThreads(4), WithSessionGPUMode(GPUModeOff), WithGraphOptimizationLevel(1))
	assert.Equal(t, 4, cfg.NumThreads)
	assert.Equal(t, GPUModeOff, cfg.GPUMode)
	assert.Equal(t, 1, cfg.GraphOptimizationLevel)

	assert.Equal(t, GPUModeAuto, ApplySessionOptions().GPUMode)
}
