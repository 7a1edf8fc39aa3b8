//go:build !cuda

package gpu

// Open reports ErrGPUNotAvailable for builds without the cuda tag.
func Open(cfg Config) (DeviceMemory, error) {
	return nil, ErrGPUNotAvailable
}

// Available reports whether this build can reach an accelerator.
func Available() bool {
	return false
}

// DeviceCount returns the number of visible accelerators.
func DeviceCount() int {
	return 0
}
