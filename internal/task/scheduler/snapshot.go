package scheduler

import (
	"sort"
	"time"

	"clockswitch/internal/task/engine"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	defs := append([]scheduleDef(nil), s.defs...)
	c := s.c
	loc := s.loc
	eng := s.engine
	s.mu.Unlock()

	tz := cfg.Timezone
	if tz == "" {
		if loc == nil {
			loc = time.Local
		}
		tz = loc.String()
	}

	snap := Snapshot{Enabled: cfg.Enabled, Running: c != nil, Timezone: tz}
	for _, d := range defs {
		it := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout, Spread: d.startupSpread}
		if d.loc != nil {
			it.Timezone = d.loc.String()
		}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}

	s.tmu.Lock()
	for name, d := range s.once {
		snap.Once = append(snap.Once, OnceInfo{Name: name, At: d.at, Timeout: d.timeout, Armed: d.timer != nil})
	}
	s.tmu.Unlock()
	sort.Slice(snap.Once, func(i, j int) bool { return snap.Once[i].Name < snap.Once[j].Name })

	var ecfg engine.Config
	if eng != nil {
		ecfg.RetryMax = eng.Snapshot().RetryMax
	}
	opt := engine.DefaultTaskOptions(ecfg)
	snap.RetryMax = opt.RetryMax
	snap.RetryBase = opt.RetryBase
	snap.RetryMaxDelay = opt.RetryMaxDelay
	snap.RetryJitter = opt.RetryJitter
	return snap
}
