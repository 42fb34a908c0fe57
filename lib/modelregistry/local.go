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

package modelregistry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/antflydb/glimpse/lib/pipelines"
)

// LocalModel is a model directory found under the models directory.
type LocalModel struct {
	Ref  ModelRef
	Path string
	// Files is the number of regular files in the directory and Size their
	// total size in bytes.
	Files int
	Size  int64
	// Err is set when the directory is missing an asset the engine needs.
	Err error
}

// Complete reports whether the engine can load the model.
func (m LocalModel) Complete() bool {
	return m.Err == nil
}

// ListLocalModels returns the owner/name model directories under modelsDir,
// sorted by name. A missing modelsDir yields no models.
func ListLocalModels(modelsDir string) ([]LocalModel, error) {
	owners, err := os.ReadDir(modelsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading models directory: %w", err)
	}

	var models []LocalModel
	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		names, err := os.ReadDir(filepath.Join(modelsDir, owner.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", owner.Name(), err)
		}
		for _, name := range names {
			if !name.IsDir() {
				continue
			}
			m, err := InspectLocalModel(modelsDir, ModelRef{Owner: owner.Name(), Name: name.Name()})
			if err != nil {
				return nil, err
			}
			models = append(models, m)
		}
	}

	sort.Slice(models, func(i, j int) bool {
		return models[i].Ref.FullName() < models[j].Ref.FullName()
	})
	return models, nil
}

// InspectLocalModel sizes the directory of ref and checks that its assets
// load.
func InspectLocalModel(modelsDir string, ref ModelRef) (LocalModel, error) {
	m := LocalModel{Ref: ref, Path: filepath.Join(modelsDir, ref.DirPath())}

	err := filepath.WalkDir(m.Path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		m.Files++
		m.Size += info.Size()
		return nil
	})
	if err != nil {
		return LocalModel{}, fmt.Errorf("scanning %s: %w", m.Path, err)
	}

	_, m.Err = pipelines.LoadModelConfig(m.Path)
	return m, nil
}
