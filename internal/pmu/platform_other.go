//go:build !(arm64 && windows)

package pmu

// NewPlatformRegisterIOFactory returns the register backend for this
// build. Without direct MRS/MSR access the simulated backend is the
// only choice, whatever simulate says.
func NewPlatformRegisterIOFactory(simulate bool, numGPC uint8) func(core int) RegisterIO {
	return NewSimRegisterIOFactory(numGPC)
}
