//go:build arm64 && windows

package pmu

// NewPlatformRegisterIOFactory returns the register backend for this
// build. On arm64 windows the hardware backend is available; simulate
// forces the software model anyway.
func NewPlatformRegisterIOFactory(simulate bool, numGPC uint8) func(core int) RegisterIO {
	if simulate {
		return NewSimRegisterIOFactory(numGPC)
	}
	hw := NewHardwareRegisterIO()
	return func(int) RegisterIO { return hw }
}
