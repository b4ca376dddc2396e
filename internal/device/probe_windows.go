//go:build windows

package device

import "github.com/born-ml/born/backend/webgpu"

func probeGPU() bool {
	return webgpu.IsAvailable()
}
