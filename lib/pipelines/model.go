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

package pipelines

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/antflydb/glimpse/lib/backends"
)

// VideoTextModel groups the three operator sessions of a video-to-text model.
// Sessions are loaded once and shared read-only; callers Borrow the group for
// the duration of a generation, and Close waits for outstanding borrows
// before releasing the sessions.
type VideoTextModel struct {
	config *ModelConfig

	visionEncoder backends.Session
	embedTokens   backends.Session
	decoder       backends.Session

	mu     sync.RWMutex
	closed bool
}

// NewVideoTextModel wraps already opened sessions.
func NewVideoTextModel(cfg *ModelConfig, visionEncoder, embedTokens, decoder backends.Session) *VideoTextModel {
	return &VideoTextModel{
		config:        cfg,
		visionEncoder: visionEncoder,
		embedTokens:   embedTokens,
		decoder:       decoder,
	}
}

// LoadVideoTextModel opens the three operator sessions described by cfg. If
// any session fails to open, the ones already opened are closed and a
// LoadError is returned.
func LoadVideoTextModel(cfg *ModelConfig, factory backends.SessionFactory, logger *zap.Logger, opts ...backends.SessionOption) (*VideoTextModel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var opened []backends.Session
	closeOpened := func() {
		for _, s := range opened {
			_ = s.Close()
		}
	}

	open := func(asset, path string) (backends.Session, error) {
		start := time.Now()
		session, err := factory.CreateSession(path, opts...)
		if err != nil {
			return nil, &LoadError{Asset: asset, Err: err}
		}
		opened = append(opened, session)

		fields := []zap.Field{
			zap.String("operator", asset),
			zap.String("path", path),
			zap.Duration("took", time.Since(start)),
		}
		if info, statErr := os.Stat(path); statErr == nil {
			fields = append(fields, zap.String("size", humanize.Bytes(uint64(info.Size()))))
		}
		logger.Info("Loaded operator", fields...)
		for _, in := range session.InputInfo() {
			logger.Debug("Operator input",
				zap.String("operator", asset),
				zap.String("name", in.Name),
				zap.Int64s("shape", in.Shape),
				zap.String("dtype", string(in.DataType)))
		}
		for _, out := range session.OutputInfo() {
			logger.Debug("Operator output",
				zap.String("operator", asset),
				zap.String("name", out.Name),
				zap.Int64s("shape", out.Shape),
				zap.String("dtype", string(out.DataType)))
		}
		return session, nil
	}

	vision, err := open(VisionEncoderSchema.Operator, cfg.VisionEncoderPath)
	if err != nil {
		closeOpened()
		return nil, err
	}
	embed, err := open(EmbedTokensSchema.Operator, cfg.EmbedTokensPath)
	if err != nil {
		closeOpened()
		return nil, err
	}
	decoder, err := open("decoder", cfg.DecoderPath)
	if err != nil {
		closeOpened()
		return nil, err
	}

	return NewVideoTextModel(cfg, vision, embed, decoder), nil
}

// Config returns the model configuration.
func (m *VideoTextModel) Config() *ModelConfig {
	return m.config
}

// Borrow acquires shared use of the sessions. The returned release function
// must be called exactly once; extra calls are ignored.
func (m *VideoTextModel) Borrow() (release func(), err error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrModelClosed
	}
	var once sync.Once
	return func() { once.Do(m.mu.RUnlock) }, nil
}

// Sessions returns the operator sessions. Callers must hold a borrow.
func (m *VideoTextModel) Sessions() (visionEncoder, embedTokens, decoder backends.Session) {
	return m.visionEncoder, m.embedTokens, m.decoder
}

// PastDataType reports the element type the decoder declares for its cache
// inputs, defaulting to float32.
func (m *VideoTextModel) PastDataType() backends.DataType {
	for _, info := range m.decoder.InputInfo() {
		if IsPastKeyValueInput(info.Name) {
			return info.DataType
		}
	}
	return backends.DataTypeFloat32
}

// Close waits for outstanding borrows and releases all sessions. It is safe
// to call more than once.
func (m *VideoTextModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for _, s := range []backends.Session{m.visionEncoder, m.embedTokens, m.decoder} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("closing sessions: %w", err)
	}
	return nil
}
