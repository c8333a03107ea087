// Package dmc exposes the DRAM memory controller's per-channel event
// counters over the shared command surface. The controller's register
// map is deliberately behind the Source interface; only the state
// machine and command semantics live here.
package dmc

import (
	"sync"

	"wperf-engine/internal/pmuerr"
	"wperf-engine/internal/wplog"

	"github.com/phuslu/log"
)

// Source abstracts one memory controller's counter block.
type Source interface {
	NumChannels() int
	Reset() error
	Start() error
	Stop() error

	// Read returns one value per channel for the programmed event.
	Read() ([]uint64, error)
}

// Unit is the DMC command-surface state machine.
type Unit struct {
	log log.Logger

	mu       sync.Mutex
	src      Source
	counting bool
}

// NewUnit wraps a Source; nil means no DMC was discovered and every
// command fails with Unsupported.
func NewUnit(src Source) *Unit {
	return &Unit{log: wplog.GetDMCLogger(), src: src}
}

func (u *Unit) supported() error {
	if u.src == nil {
		return pmuerr.New(pmuerr.Unsupported, "no DMC on this host")
	}
	return nil
}

// NumChannels answers the DMC query command.
func (u *Unit) NumChannels() (int, error) {
	if err := u.supported(); err != nil {
		return 0, err
	}
	return u.src.NumChannels(), nil
}

// Reset zeros the channel counters. Requires idle.
func (u *Unit) Reset() error {
	if err := u.supported(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.counting {
		return pmuerr.New(pmuerr.InvalidDeviceState, "DMC reset requires idle")
	}
	return u.src.Reset()
}

// Start begins channel counting.
func (u *Unit) Start() error {
	if err := u.supported(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.counting {
		return pmuerr.New(pmuerr.InvalidDeviceState, "DMC already counting")
	}
	if err := u.src.Start(); err != nil {
		return err
	}
	u.counting = true
	u.log.Debug().Msg("DMC counting started")
	return nil
}

// Stop ends channel counting. Stop when idle is a no-op.
func (u *Unit) Stop() error {
	if err := u.supported(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.counting {
		return nil
	}
	if err := u.src.Stop(); err != nil {
		return err
	}
	u.counting = false
	return nil
}

// Read returns per-channel values; only valid while counting.
func (u *Unit) Read() ([]uint64, error) {
	if err := u.supported(); err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.counting {
		return nil, pmuerr.New(pmuerr.InvalidDeviceState, "DMC read requires counting")
	}
	return u.src.Read()
}

// SimSource is a software memory controller used by tests and
// non-hardware hosts.
type SimSource struct {
	mu       sync.Mutex
	channels []uint64
	running  bool

	Tick uint64
}

func NewSimSource(channels int) *SimSource {
	return &SimSource{channels: make([]uint64, channels)}
}

func (s *SimSource) NumChannels() int { return len(s.channels) }

func (s *SimSource) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.channels {
		s.channels[i] = 0
	}
	return nil
}

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

func (s *SimSource) Read() ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]uint64(nil), s.channels...)
	if s.running {
		for i := range s.channels {
			s.channels[i] += s.Tick
		}
	}
	return out, nil
}

var _ Source = (*SimSource)(nil)
