//go:build !windows

package device

// The WebGPU backend is only built for windows.
func probeGPU() bool {
	return false
}
