package dsu

import (
	"testing"

	"wperf-engine/internal/pmuerr"
)

func TestUnitUnsupportedWithoutSource(t *testing.T) {
	u := NewUnit(nil)
	if _, err := u.NumCounters(); pmuerr.CodeOf(err) != pmuerr.Unsupported {
		t.Errorf("NumCounters() error = %v, want Unsupported", err)
	}
	if err := u.Start(); pmuerr.CodeOf(err) != pmuerr.Unsupported {
		t.Errorf("Start() error = %v, want Unsupported", err)
	}
}

func TestUnitStateMachine(t *testing.T) {
	src := NewSimSource(4)
	src.Tick = 10
	u := NewUnit(src)

	if _, err := u.Read(); pmuerr.CodeOf(err) != pmuerr.InvalidDeviceState {
		t.Errorf("Read() while idle = %v, want InvalidDeviceState", err)
	}
	if err := u.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := u.Start(); pmuerr.CodeOf(err) != pmuerr.InvalidDeviceState {
		t.Errorf("double Start() = %v, want InvalidDeviceState", err)
	}
	if err := u.Reset(); pmuerr.CodeOf(err) != pmuerr.InvalidDeviceState {
		t.Errorf("Reset() while counting = %v, want InvalidDeviceState", err)
	}

	// Counters move between reads while counting.
	u.Read()
	vals, err := u.Read()
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(vals) != 4 || vals[0] != 10 {
		t.Errorf("Read() = %v, want four advancing counters", vals)
	}

	if err := u.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	// Stop when already idle is a no-op.
	if err := u.Stop(); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}
	if err := u.Reset(); err != nil {
		t.Fatalf("Reset() after stop error: %v", err)
	}
}
