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
	"fmt"
	"os"
	"path/filepath"
)

// FirstNonZero returns the first non-zero value, or 0 if all are zero.
func FirstNonZero[T int | int64 | float32](values ...T) T {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

// FindModelFile looks for the first existing candidate file in dir or in its
// "onnx/" subdirectory, where Hugging Face exports usually keep graphs.
func FindModelFile(dir string, candidates []string) string {
	for _, searchDir := range []string{dir, filepath.Join(dir, "onnx")} {
		for _, name := range candidates {
			path := filepath.Join(searchDir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

func shapeString(shape []int64) string {
	return fmt.Sprintf("%v", shape)
}
