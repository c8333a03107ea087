package spe

import (
	"bytes"
	"testing"

	"wperf-engine/internal/pmu"
	"wperf-engine/internal/pmuerr"
)

func speIDs() pmu.IDRegisters {
	return pmu.IDRegisters{AA64DFR0EL1: 0x1 << 32} // PMSVer = 1
}

func TestUnitUnsupportedWithoutSPE(t *testing.T) {
	// CPU without the extension: PMSVer is zero.
	u := NewUnit(NewSimSource(), pmu.IDRegisters{})
	if _, err := u.Version(); pmuerr.CodeOf(err) != pmuerr.Unsupported {
		t.Errorf("Version() error = %v, want Unsupported", err)
	}
}

func TestUnitDrainIsOneShot(t *testing.T) {
	src := NewSimSource()
	u := NewUnit(src, speIDs())

	if v, err := u.Version(); err != nil || v != 1 {
		t.Fatalf("Version() = %d, %v", v, err)
	}
	if err := u.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	src.Feed([]byte{0xDE, 0xAD})
	if err := u.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	// Bytes fed while stopped are discarded, as the hardware would.
	src.Feed([]byte{0xFF})

	got, err := u.Drain()
	if err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	if !bytes.Equal(got, []byte{0xDE, 0xAD}) {
		t.Errorf("Drain() = %x, want dead", got)
	}

	// One-shot: a second drain finds an empty buffer.
	got, err = u.Drain()
	if err != nil {
		t.Fatalf("second Drain() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("second Drain() = %x, want empty", got)
	}
}

func TestUnitDoubleStart(t *testing.T) {
	u := NewUnit(NewSimSource(), speIDs())
	if err := u.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := u.Start(); pmuerr.CodeOf(err) != pmuerr.InvalidDeviceState {
		t.Errorf("double Start() = %v, want InvalidDeviceState", err)
	}
	if err := u.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
}
