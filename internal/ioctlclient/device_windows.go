//go:build windows

package ioctlclient

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/windows"
)

// DefaultDevicePath is where the kernel driver registers its device
// object.
const DefaultDevicePath = `\\.\WPERFDRIVER`

// FILE_DEVICE_UNKNOWN with METHOD_BUFFERED and FILE_ANY_ACCESS; the
// command code rides in the function field.
const deviceTypeUnknown = 0x22

func ctlCode(function uint32) uint32 {
	return deviceTypeUnknown<<16 | function<<2
}

// Device issues commands straight at the kernel driver's device object
// with DeviceIoControl, bypassing the stream framing. The driver
// prefixes every output buffer with the wire status word.
type Device struct {
	h windows.Handle
}

// DialDevice opens the driver's device object.
func DialDevice(path string) (*Device, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFile(p,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0, nil,
		windows.OPEN_EXISTING,
		windows.FILE_ATTRIBUTE_NORMAL,
		0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Device{h: h}, nil
}

func (d *Device) Command(code uint32, in []byte) (uint32, []byte, error) {
	out := make([]byte, 64*1024)
	var inPtr *byte
	if len(in) > 0 {
		inPtr = &in[0]
	}
	var ret uint32
	err := windows.DeviceIoControl(d.h, ctlCode(code),
		inPtr, uint32(len(in)),
		&out[0], uint32(len(out)),
		&ret, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("DeviceIoControl: %w", err)
	}
	if ret < 4 {
		return 0, nil, fmt.Errorf("short ioctl response: %d bytes", ret)
	}
	status := binary.LittleEndian.Uint32(out[:4])
	return status, out[4:ret], nil
}

func (d *Device) Close() error {
	return windows.CloseHandle(d.h)
}

var _ Commander = (*Device)(nil)
