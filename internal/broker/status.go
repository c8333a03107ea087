package broker

import (
	"sync"

	"wperf-engine/internal/pmuerr"
)

// State is the broker's process-wide lifecycle state. At most one
// client holds the engine in a non-idle state at a time.
type State int

const (
	StateIdle State = iota
	StateCounting
	StateSampling
)

func (s State) String() string {
	switch s {
	case StateCounting:
		return "COUNTING"
	case StateSampling:
		return "SAMPLING"
	default:
		return "IDLE"
	}
}

// LockStatus guards the state machine. Transitions only happen under
// its lock; a command that would move the machine along a disallowed
// edge fails with InvalidDeviceState before any engine work starts.
type LockStatus struct {
	mu           sync.Mutex
	state        State
	currentCmd   uint32
	owningClient uint64
}

// begin validates the command against the current state and, for
// transition commands, moves the machine. It returns a non-nil error
// without changing anything when the edge is not in the allowed table.
func (l *LockStatus) begin(client uint64, code uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch code {
	case CmdVersion, CmdNumCores, CmdQueryHWCfg:
		// Pure queries, legal in any state.
		return nil

	case CmdAssign, CmdReset, CmdSampleSet:
		if l.state != StateIdle {
			return pmuerr.New(pmuerr.InvalidDeviceState, "requires IDLE")
		}
		return nil

	case CmdStart:
		if l.state != StateIdle {
			return pmuerr.New(pmuerr.InvalidDeviceState, "START requires IDLE")
		}
		l.state = StateCounting
		l.owningClient = client
		l.currentCmd = code
		return nil

	case CmdStop:
		// STOP after STOP is a no-op and returns success.
		if l.state == StateIdle {
			return nil
		}
		if l.state != StateCounting {
			return pmuerr.New(pmuerr.InvalidDeviceState, "STOP requires COUNTING")
		}
		if l.owningClient != client {
			return pmuerr.New(pmuerr.InvalidDeviceState, "owned by another client")
		}
		l.state = StateIdle
		l.owningClient = 0
		l.currentCmd = code
		return nil

	case CmdReadCount:
		if l.state != StateCounting {
			return pmuerr.New(pmuerr.InvalidDeviceState, "READ_COUNTING requires COUNTING")
		}
		return nil

	case CmdSampleStart:
		if l.state != StateIdle {
			return pmuerr.New(pmuerr.InvalidDeviceState, "SAMPLE_START requires IDLE")
		}
		l.state = StateSampling
		l.owningClient = client
		l.currentCmd = code
		return nil

	case CmdSampleStop:
		if l.state == StateIdle {
			return nil
		}
		if l.state != StateSampling {
			return pmuerr.New(pmuerr.InvalidDeviceState, "SAMPLE_STOP requires SAMPLING")
		}
		if l.owningClient != client {
			return pmuerr.New(pmuerr.InvalidDeviceState, "owned by another client")
		}
		l.state = StateIdle
		l.owningClient = 0
		l.currentCmd = code
		return nil

	case CmdSampleGet, CmdSampleStats:
		if l.state != StateSampling {
			return pmuerr.New(pmuerr.InvalidDeviceState, "requires SAMPLING")
		}
		return nil

	default:
		// Peripheral units run their own state machines.
		return nil
	}
}

// rollback undoes a transition taken by begin when the engine work
// behind it failed, so the state machine never claims a mode the
// hardware is not in.
func (l *LockStatus) rollback(code uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch code {
	case CmdStart:
		if l.state == StateCounting {
			l.state = StateIdle
			l.owningClient = 0
		}
	case CmdSampleStart:
		if l.state == StateSampling {
			l.state = StateIdle
			l.owningClient = 0
		}
	}
}

// State returns the current state for diagnostics.
func (l *LockStatus) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ReleaseClient forces the machine back to idle when the owning client
// disconnects without stopping.
func (l *LockStatus) ReleaseClient(client uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateIdle && l.owningClient == client {
		l.state = StateIdle
		l.owningClient = 0
		return true
	}
	return false
}
