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

import "fmt"

// ImageFeatures is the flattened output of the vision encoder: Rows vectors of
// HiddenSize values, ordered frame by frame.
type ImageFeatures struct {
	Data       []float32
	Rows       int
	HiddenSize int
}

// MergeResult is the outcome of splicing image features into embeddings.
type MergeResult struct {
	Embeddings []float32
	// Replaced is the number of placeholder rows overwritten with features.
	Replaced int
	// Placeholders is the number of placeholder ids in the sequence.
	Placeholders int
}

// MergeImageFeatures returns a copy of embeddings ([len(inputIDs), hidden],
// row-major) in which the k-th placeholder row holds the k-th feature row.
// Placeholders beyond the available features keep their token embedding, and
// features beyond the available placeholders are ignored.
func MergeImageFeatures(inputIDs []int32, embeddings []float32, features ImageFeatures, placeholder int32) (*MergeResult, error) {
	hidden := features.HiddenSize
	if hidden <= 0 {
		return nil, &ShapeError{Operator: "merge", Tensor: "image_features", Want: "positive hidden size", Got: fmt.Sprint(hidden)}
	}
	if len(embeddings) != len(inputIDs)*hidden {
		return nil, &ShapeError{
			Operator: "merge",
			Tensor:   "inputs_embeds",
			Want:     fmt.Sprintf("%d values (%d tokens x %d)", len(inputIDs)*hidden, len(inputIDs), hidden),
			Got:      fmt.Sprint(len(embeddings)),
		}
	}
	if len(features.Data) < features.Rows*hidden {
		return nil, &ShapeError{
			Operator: "merge",
			Tensor:   "image_features",
			Want:     fmt.Sprintf("%d values", features.Rows*hidden),
			Got:      fmt.Sprint(len(features.Data)),
		}
	}

	merged := make([]float32, len(embeddings))
	copy(merged, embeddings)

	res := &MergeResult{Embeddings: merged}
	cursor := 0
	for pos, id := range inputIDs {
		if id != placeholder {
			continue
		}
		res.Placeholders++
		if cursor >= features.Rows {
			continue
		}
		copy(merged[pos*hidden:(pos+1)*hidden], features.Data[cursor*hidden:(cursor+1)*hidden])
		cursor++
	}
	res.Replaced = cursor
	return res, nil
}
