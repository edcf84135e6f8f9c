package engine

import (
	"sync"
	"time"
)

// circuitState tracks consecutive failures of one task name. Once failures
// reach the trip threshold the circuit opens for an exponentially growing
// cooldown; a success closes it.
type circuitState struct {
	fails     int
	openUntil time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

func circuitTrip(cfg Config, opt TaskOptions) int {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return 0
	}
	if opt.CircuitTripFailures > 0 {
		return opt.CircuitTripFailures
	}
	return cfg.CircuitTripFailures
}

func (s *Service) circuitIsOpen(now time.Time, name string, cfg Config, opt TaskOptions) (bool, time.Time) {
	if circuitTrip(cfg, opt) <= 0 {
		return false, time.Time{}
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.m[name]
	if st == nil || st.openUntil.IsZero() || !now.Before(st.openUntil) {
		return false, time.Time{}
	}
	return true, st.openUntil
}

func (s *Service) circuitRecordResult(now time.Time, name string, cfg Config, opt TaskOptions, err error) {
	trip := circuitTrip(cfg, opt)
	if trip <= 0 {
		return
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	if s.circuits.m == nil {
		s.circuits.m = map[string]*circuitState{}
	}
	st := s.circuits.m[name]
	if err == nil {
		if st != nil {
			delete(s.circuits.m, name)
		}
		return
	}
	if st == nil {
		st = &circuitState{}
		s.circuits.m[name] = st
	}
	st.fails++
	if st.fails < trip {
		return
	}
	d := cfg.CircuitBaseDelay
	for i := 0; i < st.fails-trip && d < cfg.CircuitMaxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, cfg.CircuitMaxDelay))
}

func (s *Service) circuitSnapshot(now time.Time, cfg Config) (total, open int) {
	if cfg.CircuitTripFailures < 0 {
		return 0, 0
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	for _, st := range s.circuits.m {
		total++
		if now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
