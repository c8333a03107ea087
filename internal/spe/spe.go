// Package spe exposes the Statistical Profiling Extension over the
// shared command surface. SPE writes hardware-formatted records into a
// memory buffer; decoding that format is out of scope here, so the
// drain hands the raw buffer to the client. Drain is one-shot: the
// buffer is cleared on read.
package spe

import (
	"sync"

	"wperf-engine/internal/pmu"
	"wperf-engine/internal/pmuerr"
	"wperf-engine/internal/wplog"

	"github.com/phuslu/log"
)

// Source abstracts the SPE sampling hardware and its profiling buffer.
type Source interface {
	Start() error
	Stop() error

	// Drain returns the raw profiling buffer captured so far and clears
	// it.
	Drain() ([]byte, error)
}

// Unit is the SPE command-surface state machine. The CPU must report a
// PMSVer of at least 1 in ID_AA64DFR0_EL1 for the unit to exist.
type Unit struct {
	log log.Logger

	mu        sync.Mutex
	src       Source
	version   uint8
	profiling bool
}

// NewUnit wraps a Source. A nil source or an absent extension (version
// zero) makes every command fail with Unsupported.
func NewUnit(src Source, ids pmu.IDRegisters) *Unit {
	return &Unit{
		log:     wplog.GetSPELogger(),
		src:     src,
		version: ids.AA64PMSVersion(),
	}
}

func (u *Unit) supported() error {
	if u.src == nil || u.version == 0 {
		return pmuerr.New(pmuerr.Unsupported, "SPE not implemented on this CPU")
	}
	return nil
}

// Version answers the SPE query command with the PMSVer field.
func (u *Unit) Version() (uint8, error) {
	if err := u.supported(); err != nil {
		return 0, err
	}
	return u.version, nil
}

// Start begins statistical profiling.
func (u *Unit) Start() error {
	if err := u.supported(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.profiling {
		return pmuerr.New(pmuerr.InvalidDeviceState, "SPE already profiling")
	}
	if err := u.src.Start(); err != nil {
		return err
	}
	u.profiling = true
	u.log.Debug().Msg("SPE profiling started")
	return nil
}

// Stop ends profiling. Stop when idle is a no-op; the buffer stays
// intact for a final drain.
func (u *Unit) Stop() error {
	if err := u.supported(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.profiling {
		return nil
	}
	if err := u.src.Stop(); err != nil {
		return err
	}
	u.profiling = false
	return nil
}

// Drain returns and clears the raw profiling buffer. Legal in any
// state so a client can collect after stop.
func (u *Unit) Drain() ([]byte, error) {
	if err := u.supported(); err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.src.Drain()
}

// SimSource is a software SPE used by tests and non-hardware hosts.
// Feed fills the buffer as if the hardware had written records.
type SimSource struct {
	mu      sync.Mutex
	buf     []byte
	running bool
}

func NewSimSource() *SimSource { return &SimSource{} }

func (s *SimSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	return nil
}

func (s *SimSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

func (s *SimSource) Drain() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf
	s.buf = nil
	return out, nil
}

// Feed appends raw bytes while profiling is active; bytes fed while
// stopped are discarded, as the hardware would.
func (s *SimSource) Feed(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.buf = append(s.buf, b...)
	}
}

var _ Source = (*SimSource)(nil)
