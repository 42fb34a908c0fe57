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
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

var (
	gpuInfo     GPUInfo
	gpuInfoOnce sync.Once
)

// DetectGPU checks if CUDA acceleration is available.
// Results are cached after the first call.
func DetectGPU() GPUInfo {
	gpuInfoOnce.Do(func() {
		gpuInfo = GPUInfo{Type: "none"}
		if runtime.GOOS != "linux" && runtime.GOOS != "windows" {
			return
		}
		if name, ok := nvidiaSMIDevice(); ok {
			gpuInfo = GPUInfo{Available: true, Type: "cuda", DeviceName: name}
			return
		}
		if cudaLibsExist() {
			gpuInfo = GPUInfo{Available: true, Type: "cuda", DeviceName: "CUDA (libraries detected)"}
		}
	})
	return gpuInfo
}

// ShouldUseGPU determines if GPU should be used based on mode and availability.
func ShouldUseGPU(mode GPUMode) bool {
	switch mode {
	case GPUModeOff:
		return false
	case GPUModeCuda:
		return true // will fail at session creation if unavailable
	default:
		return DetectGPU().Available
	}
}

func nvidiaSMIDevice() (string, bool) {
	nvidiaSMI, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return "", false
	}
	cmd := exec.Command(nvidiaSMI, "--query-gpu=name", "--format=csv,noheader,nounits") //nolint:gosec // G204: path comes from LookPath("nvidia-smi")
	output, err := cmd.Output()
	if err != nil {
		return "", false
	}
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	return strings.TrimSpace(lines[0]), true
}

// cudaLibsExist checks if the CUDA runtime library is present.
func cudaLibsExist() bool {
	cudaPaths := []string{
		"/usr/local/cuda/lib64",
		"/usr/lib/x86_64-linux-gnu",
		"/usr/lib64",
	}
	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		cudaPaths = append(filepath.SplitList(ldPath), cudaPaths...)
	}
	for _, dir := range cudaPaths {
		matches, _ := filepath.Glob(filepath.Join(dir, "libcudart.so*"))
		if len(matches) > 0 {
			return true
		}
	}
	return false
}
