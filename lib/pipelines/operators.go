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

	"github.com/antflydb/glimpse/lib/backends"
)

// Operator input names.
const (
	InputPixelValues        = "pixel_values"
	InputPixelAttentionMask = "pixel_attention_mask"
	InputIDs                = "input_ids"
	InputInputsEmbeds       = "inputs_embeds"
	InputAttentionMask      = "attention_mask"
	InputPositionIDs        = "position_ids"
	InputUseCacheBranch     = "use_cache_branch"
)

// dataTypeFloat matches either float32 or float16 tensors.
const dataTypeFloat backends.DataType = "float"

// TensorSpec declares one operator input.
type TensorSpec struct {
	Name     string
	DataType backends.DataType
	Rank     int
}

// InputSchema is the declared, versioned input contract of an operator.
// Requests are checked against it, and against the session's own metadata,
// before every call.
type InputSchema struct {
	Operator string
	Version  int
	Inputs   []TensorSpec
	// Optional inputs are passed only when the session declares them.
	Optional []TensorSpec
}

// VisionEncoderSchema describes vision_encoder.onnx.
var VisionEncoderSchema = InputSchema{
	Operator: "vision_encoder",
	Version:  1,
	Inputs: []TensorSpec{
		{Name: InputPixelValues, DataType: dataTypeFloat, Rank: 5},
		{Name: InputPixelAttentionMask, DataType: backends.DataTypeBool, Rank: 4},
	},
}

// EmbedTokensSchema describes embed_tokens.onnx.
var EmbedTokensSchema = InputSchema{
	Operator: "embed_tokens",
	Version:  1,
	Inputs: []TensorSpec{
		{Name: InputIDs, DataType: backends.DataTypeInt64, Rank: 2},
	},
}

// DecoderSchema describes decoder_model_merged.onnx for a decoder with
// numLayers layers.
func DecoderSchema(numLayers int) InputSchema {
	inputs := []TensorSpec{
		{Name: InputInputsEmbeds, DataType: dataTypeFloat, Rank: 3},
		{Name: InputAttentionMask, DataType: backends.DataTypeInt64, Rank: 2},
		{Name: InputPositionIDs, DataType: backends.DataTypeInt64, Rank: 2},
	}
	for layer := 0; layer < numLayers; layer++ {
		inputs = append(inputs,
			TensorSpec{Name: PastKeyName(layer), DataType: dataTypeFloat, Rank: 4},
			TensorSpec{Name: PastValueName(layer), DataType: dataTypeFloat, Rank: 4},
		)
	}
	return InputSchema{
		Operator: "decoder",
		Version:  1,
		Inputs:   inputs,
		Optional: []TensorSpec{{Name: InputUseCacheBranch, DataType: backends.DataTypeBool, Rank: 1}},
	}
}

// Request is a typed operator request.
type Request interface {
	Tensors() []backends.NamedTensor
}

// VisionRequest is the input of the vision encoder.
type VisionRequest struct {
	PixelValues        backends.NamedTensor
	PixelAttentionMask backends.NamedTensor
}

func (r VisionRequest) Tensors() []backends.NamedTensor {
	return []backends.NamedTensor{r.PixelValues, r.PixelAttentionMask}
}

// EmbedRequest is the input of the token embedder.
type EmbedRequest struct {
	InputIDs backends.NamedTensor
}

func (r EmbedRequest) Tensors() []backends.NamedTensor {
	return []backends.NamedTensor{r.InputIDs}
}

// DecoderRequest is the input of one decoder step.
type DecoderRequest struct {
	InputsEmbeds  backends.NamedTensor
	AttentionMask backends.NamedTensor
	PositionIDs   backends.NamedTensor
	PastKeyValues []backends.NamedTensor
	// UseCache selects the cached branch of merged decoder graphs.
	UseCache bool
}

func (r DecoderRequest) Tensors() []backends.NamedTensor {
	out := make([]backends.NamedTensor, 0, 4+len(r.PastKeyValues))
	out = append(out, r.InputsEmbeds, r.AttentionMask, r.PositionIDs)
	out = append(out, r.PastKeyValues...)
	out = append(out, backends.NamedTensor{
		Name:  InputUseCacheBranch,
		Shape: []int64{1},
		Data:  []bool{r.UseCache},
	})
	return out
}

// Prepare validates tensors against the schema and the session's declared
// inputs, converts floating point and flag tensors to the precision the
// session expects, and drops optional inputs the session does not take.
func (s InputSchema) Prepare(tensors []backends.NamedTensor, sessionInputs []backends.TensorInfo) ([]backends.NamedTensor, error) {
	byName := make(map[string]backends.NamedTensor, len(tensors))
	for _, t := range tensors {
		if _, dup := byName[t.Name]; dup {
			return nil, s.shapeError(t.Name, "a single tensor", "duplicate input")
		}
		byName[t.Name] = t
	}

	for _, spec := range s.Inputs {
		t, ok := byName[spec.Name]
		if !ok {
			return nil, s.shapeError(spec.Name, "tensor", "missing from request")
		}
		if err := s.checkSpec(spec, t); err != nil {
			return nil, err
		}
	}

	// Sessions without metadata get exactly the required inputs.
	if len(sessionInputs) == 0 {
		out := make([]backends.NamedTensor, len(s.Inputs))
		for i, spec := range s.Inputs {
			out[i] = byName[spec.Name]
		}
		return out, nil
	}

	optional := make(map[string]TensorSpec, len(s.Optional))
	for _, spec := range s.Optional {
		optional[spec.Name] = spec
	}

	out := make([]backends.NamedTensor, 0, len(sessionInputs))
	for _, info := range sessionInputs {
		t, ok := byName[info.Name]
		if !ok {
			return nil, s.shapeError(info.Name, "input declared by the session", "not provided")
		}
		if spec, isOptional := optional[info.Name]; isOptional {
			if err := s.checkSpec(spec, t); err != nil {
				return nil, err
			}
		}
		if len(info.Shape) > 0 && len(info.Shape) != len(t.Shape) {
			return nil, s.shapeError(info.Name, fmt.Sprintf("rank %d", len(info.Shape)), fmt.Sprintf("shape %v", t.Shape))
		}
		converted, err := conform(t, info.DataType)
		if err != nil {
			return nil, s.shapeError(info.Name, string(info.DataType), err.Error())
		}
		out = append(out, converted)
	}
	return out, nil
}

func (s InputSchema) checkSpec(spec TensorSpec, t backends.NamedTensor) error {
	if len(t.Shape) != spec.Rank {
		return s.shapeError(spec.Name, fmt.Sprintf("rank %d", spec.Rank), fmt.Sprintf("shape %v", t.Shape))
	}
	if want := backends.NumElements(t.Shape); int64(t.Len()) != want {
		return s.shapeError(spec.Name, fmt.Sprintf("%d elements for shape %v", want, t.Shape), fmt.Sprintf("%d", t.Len()))
	}
	dt, ok := t.DataType()
	if !ok {
		return s.shapeError(spec.Name, string(spec.DataType), fmt.Sprintf("%T", t.Data))
	}
	if spec.DataType == dataTypeFloat {
		if dt != backends.DataTypeFloat32 && dt != backends.DataTypeFloat16 {
			return s.shapeError(spec.Name, "float32 or float16", string(dt))
		}
		return nil
	}
	if dt != spec.DataType && !(spec.DataType == backends.DataTypeInt64 && dt == backends.DataTypeInt32) {
		return s.shapeError(spec.Name, string(spec.DataType), string(dt))
	}
	return nil
}

func (s InputSchema) shapeError(tensor, want, got string) *ShapeError {
	return &ShapeError{
		Operator: fmt.Sprintf("%s/v%d", s.Operator, s.Version),
		Tensor:   tensor,
		Want:     want,
		Got:      got,
	}
}

// conform converts t to the element type a session declares, where a
// lossless or precision-only conversion exists.
func conform(t backends.NamedTensor, want backends.DataType) (backends.NamedTensor, error) {
	switch data := t.Data.(type) {
	case []float32:
		if want == backends.DataTypeFloat16 {
			t.Data = backends.Float32ToFloat16(data)
		}
	case []uint16:
		if want == backends.DataTypeFloat32 {
			t.Data = backends.Float16ToFloat32(data)
		}
	case []bool:
		if want == backends.DataTypeFloat32 {
			f := make([]float32, len(data))
			for i, b := range data {
				if b {
					f[i] = 1
				}
			}
			t.Data = f
		}
	case []int64, []int32:
	default:
		return t, errors.New("unsupported tensor data")
	}
	return t, nil
}

// Operator binds a session to its input schema.
type Operator struct {
	schema  InputSchema
	session backends.Session
}

// NewOperator creates an operator.
func NewOperator(schema InputSchema, session backends.Session) *Operator {
	return &Operator{schema: schema, session: session}
}

// Name returns the operator name.
func (o *Operator) Name() string {
	return o.schema.Operator
}

// Run validates req and invokes the session. Backend failures, including
// panics raised inside the runtime binding, are returned as InferenceError.
func (o *Operator) Run(req Request) (outputs []backends.NamedTensor, err error) {
	inputs, err := o.schema.Prepare(req.Tensors(), o.session.InputInfo())
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = &InferenceError{Operator: o.schema.Operator, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	outputs, err = o.session.Run(inputs)
	if err != nil {
		return nil, &InferenceError{Operator: o.schema.Operator, Err: err}
	}
	if len(outputs) == 0 || outputs[0].Data == nil {
		return nil, &InferenceError{Operator: o.schema.Operator, Err: errors.New("no outputs returned")}
	}
	return outputs, nil
}
