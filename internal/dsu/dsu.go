// Package dsu exposes the DynamIQ Shared Unit's cluster-level counters
// over the same command surface as the core PMU. The register map
// itself lives behind the Source interface; this package owns the
// state machine and the command semantics only.
package dsu

import (
	"sync"

	"wperf-engine/internal/pmuerr"
	"wperf-engine/internal/wplog"

	"github.com/phuslu/log"
)

// Source abstracts the cluster PMU hardware.
type Source interface {
	NumCounters() int
	Reset() error
	Start() error
	Stop() error
	Read() ([]uint64, error)
}

// Unit is the DSU command-surface state machine.
type Unit struct {
	log log.Logger

	mu       sync.Mutex
	src      Source
	counting bool
}

// NewUnit wraps a Source; a nil source means the cluster has no DSU
// and every command fails with Unsupported.
func NewUnit(src Source) *Unit {
	return &Unit{log: wplog.GetDSULogger(), src: src}
}

func (u *Unit) supported() error {
	if u.src == nil {
		return pmuerr.New(pmuerr.Unsupported, "no DSU on this cluster")
	}
	return nil
}

// NumCounters answers the DSU query command.
func (u *Unit) NumCounters() (int, error) {
	if err := u.supported(); err != nil {
		return 0, err
	}
	return u.src.NumCounters(), nil
}

// Reset zeros the cluster counters. Requires idle.
func (u *Unit) Reset() error {
	if err := u.supported(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.counting {
		return pmuerr.New(pmuerr.InvalidDeviceState, "DSU reset requires idle")
	}
	return u.src.Reset()
}

// Start begins cluster counting.
func (u *Unit) Start() error {
	if err := u.supported(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.counting {
		return pmuerr.New(pmuerr.InvalidDeviceState, "DSU already counting")
	}
	if err := u.src.Start(); err != nil {
		return err
	}
	u.counting = true
	u.log.Debug().Msg("DSU counting started")
	return nil
}

// Stop ends cluster counting. Stop when idle is a no-op.
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

// Read returns the cluster counter values; only valid while counting.
func (u *Unit) Read() ([]uint64, error) {
	if err := u.supported(); err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.counting {
		return nil, pmuerr.New(pmuerr.InvalidDeviceState, "DSU read requires counting")
	}
	return u.src.Read()
}

// SimSource is a software DSU used by tests and non-hardware hosts.
type SimSource struct {
	mu       sync.Mutex
	counters []uint64
	running  bool

	// Tick advances every counter by this amount on each Read while
	// running.
	Tick uint64
}

func NewSimSource(n int) *SimSource {
	return &SimSource{counters: make([]uint64, n)}
}

func (s *SimSource) NumCounters() int { return len(s.counters) }

func (s *SimSource) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.counters {
		s.counters[i] = 0
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
	out := append([]uint64(nil), s.counters...)
	if s.running {
		for i := range s.counters {
			s.counters[i] += s.Tick
		}
	}
	return out, nil
}

var _ Source = (*SimSource)(nil)
