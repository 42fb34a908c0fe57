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

//go:build onnx && ORT

package backends

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

func init() {
	RegisterBackend(&onnxBackend{})
}

// onnxBackend implements Backend using ONNX Runtime.
//
// Runtime Requirements:
//   - Set LD_LIBRARY_PATH (or ONNXRUNTIME_ROOT) so libonnxruntime can be found
//   - For CUDA: export LD_LIBRARY_PATH=/path/to/onnxruntime/lib:/usr/local/cuda/lib64
//
// Build Requirements:
//   - CGO must be enabled (CGO_ENABLED=1)
type onnxBackend struct {
	initOnce sync.Once
	initErr  error
}

func (b *onnxBackend) Type() BackendType {
	return BackendONNX
}

func (b *onnxBackend) Name() string {
	if DetectGPU().Available {
		return "ONNX Runtime (CUDA)"
	}
	return "ONNX Runtime (CPU)"
}

func (b *onnxBackend) Available() bool {
	// The build tags ensure this file is only included when ONNX Runtime is linked.
	return true
}

func (b *onnxBackend) Priority() int {
	return 10
}

func (b *onnxBackend) SessionFactory() SessionFactory {
	return &onnxSessionFactory{backend: b}
}

// initONNX initializes the ONNX Runtime environment once per process.
func (b *onnxBackend) initONNX() error {
	b.initOnce.Do(func() {
		if libPath := getOnnxLibraryPath(); libPath != "" {
			ort.SetSharedLibraryPath(filepath.Join(libPath, getOnnxLibraryName()))
		}
		b.initErr = ort.InitializeEnvironment()
	})
	return b.initErr
}

// getOnnxLibraryPath returns the directory containing libonnxruntime from environment.
// Checks ONNXRUNTIME_ROOT first, then LD_LIBRARY_PATH (or DYLD_LIBRARY_PATH on macOS).
func getOnnxLibraryPath() string {
	platform := runtime.GOOS + "-" + runtime.GOARCH
	libName := getOnnxLibraryName()

	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		for _, dir := range []string{filepath.Join(root, platform, "lib"), filepath.Join(root, "lib")} {
			if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
				return dir
			}
		}
	}

	ldPath := os.Getenv("LD_LIBRARY_PATH")
	if runtime.GOOS == "darwin" {
		if dyldPath := os.Getenv("DYLD_LIBRARY_PATH"); dyldPath != "" {
			ldPath = dyldPath
		}
	}
	for _, dir := range filepath.SplitList(ldPath) {
		if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
			return dir
		}
	}
	return ""
}

// getOnnxLibraryName returns the platform-specific library name.
func getOnnxLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

// onnxSessionFactory implements SessionFactory for ONNX Runtime.
type onnxSessionFactory struct {
	backend *onnxBackend
}

func (f *onnxSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	if err := f.backend.initONNX(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}

	cfg := ApplySessionOptions(opts...)

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("getting model info: %w", err)
	}

	inputNames, inputInfo := describeTensors(inputs)
	outputNames, outputInfo := describeTensors(outputs)

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}

	if cfg.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			sessionOpts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}

	if ShouldUseGPU(cfg.GPUMode) {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err == nil {
			if err := sessionOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
				// CUDA not available, fall back to CPU
				cudaOpts.Destroy()
			} else {
				defer cudaOpts.Destroy()
			}
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("creating ONNX session: %w", err)
	}

	return &onnxSession{
		session:     session,
		sessionOpts: sessionOpts,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
	}, nil
}

func (f *onnxSessionFactory) Backend() BackendType {
	return BackendONNX
}

func describeTensors(infos []ort.InputOutputInfo) ([]string, []TensorInfo) {
	names := make([]string, len(infos))
	out := make([]TensorInfo, len(infos))
	for i, info := range infos {
		names[i] = info.Name
		out[i] = TensorInfo{
			Name:     info.Name,
			Shape:    info.Dimensions,
			DataType: onnxDataType(info.DataType),
		}
	}
	return names, out
}

// onnxDataType converts ONNX data type to our DataType.
func onnxDataType(dt ort.TensorElementDataType) DataType {
	switch dt {
	case ort.TensorElementDataTypeFloat:
		return DataTypeFloat32
	case ort.TensorElementDataTypeFloat16:
		return DataTypeFloat16
	case ort.TensorElementDataTypeInt64:
		return DataTypeInt64
	case ort.TensorElementDataTypeInt32:
		return DataTypeInt32
	case ort.TensorElementDataTypeBool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

// onnxSession implements Session for ONNX Runtime.
type onnxSession struct {
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
}

func (s *onnxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	if s.session == nil {
		return nil, fmt.Errorf("session is closed")
	}

	inputMap := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		inputMap[input.Name] = input
	}

	// Inputs are bound in the order the graph declares them.
	ortInputs := make([]ort.Value, len(s.inputInfo))
	defer func() {
		for _, t := range ortInputs {
			if t != nil {
				t.Destroy()
			}
		}
	}()
	for i, info := range s.inputInfo {
		input, ok := inputMap[info.Name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor: %s", info.Name)
		}
		tensor, err := createOrtTensor(input)
		if err != nil {
			return nil, fmt.Errorf("creating input tensor %s: %w", input.Name, err)
		}
		ortInputs[i] = tensor
	}

	ortOutputs := make([]ort.Value, len(s.outputInfo))
	if err := s.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("running ONNX session: %w", err)
	}
	defer func() {
		for _, t := range ortOutputs {
			if t != nil {
				t.Destroy()
			}
		}
	}()

	outputs := make([]NamedTensor, len(ortOutputs))
	for i, ortOutput := range ortOutputs {
		if ortOutput == nil {
			continue
		}
		output, err := extractOrtTensor(ortOutput, s.outputInfo[i].Name)
		if err != nil {
			return nil, fmt.Errorf("extracting output tensor %s: %w", s.outputInfo[i].Name, err)
		}
		outputs[i] = output
	}
	return outputs, nil
}

func (s *onnxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *onnxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *onnxSession) Close() error {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.sessionOpts != nil {
		s.sessionOpts.Destroy()
		s.sessionOpts = nil
	}
	return nil
}

// createOrtTensor creates an ORT tensor from a NamedTensor.
func createOrtTensor(input NamedTensor) (ort.Value, error) {
	shape := ort.NewShape(input.Shape...)

	switch data := input.Data.(type) {
	case []float32:
		return ort.NewTensor(shape, backing(data))
	case []int64:
		return ort.NewTensor(shape, backing(data))
	case []int32:
		// Convert to int64 for ONNX
		int64Data := make([]int64, len(data))
		for i, v := range data {
			int64Data[i] = int64(v)
		}
		return ort.NewTensor(shape, backing(int64Data))
	case []bool:
		return ort.NewTensor(shape, backing(data))
	case []uint16:
		raw := make([]byte, 2*len(data), 2*len(data)+2)
		for i, v := range data {
			binary.LittleEndian.PutUint16(raw[2*i:], v)
		}
		if len(raw) == 0 {
			raw = raw[:2]
		}
		return ort.NewCustomDataTensor(shape, raw, ort.TensorElementDataTypeFloat16)
	default:
		return nil, fmt.Errorf("unsupported data type: %T", data)
	}
}

// backing gives zero-length tensors (such as an empty past key/value cache)
// an addressable element; the shape still declares zero elements.
func backing[T any](data []T) []T {
	if len(data) == 0 {
		return make([]T, 1)
	}
	return data
}

// extractOrtTensor copies an ORT output into a NamedTensor owned by Go.
func extractOrtTensor(ortTensor ort.Value, name string) (NamedTensor, error) {
	shape := []int64(ortTensor.GetShape())

	switch t := ortTensor.(type) {
	case *ort.Tensor[float32]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]float32(nil), t.GetData()...)}, nil
	case *ort.Tensor[int64]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]int64(nil), t.GetData()...)}, nil
	case *ort.Tensor[int32]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]int32(nil), t.GetData()...)}, nil
	case *ort.Tensor[bool]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]bool(nil), t.GetData()...)}, nil
	case *ort.CustomDataTensor:
		raw := t.GetData()
		bits := make([]uint16, len(raw)/2)
		for i := range bits {
			bits[i] = binary.LittleEndian.Uint16(raw[2*i:])
		}
		return NamedTensor{Name: name, Shape: shape, Data: bits}, nil
	default:
		return NamedTensor{}, fmt.Errorf("unsupported tensor type %T", ortTensor)
	}
}
