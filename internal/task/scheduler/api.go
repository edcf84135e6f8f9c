package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"clockswitch/internal/task/engine"
	logx "clockswitch/pkg/logx"
)

// AddSchedule parses schedule and registers a cron or interval trigger.
// Runs skip while a previous run is still queued or executing.
//
// Supported formats:
//   - Cron: "*/5 * * * *", "*/1 * * * * *", "*/1 * * * * * *", "@hourly"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) (string, error) {
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCronOpt(name, ps.Cron, timeout, opt, job)
	case SpecInterval:
		return s.AddIntervalOpt(name, ps.Every, timeout, opt, job)
	default:
		return "", errors.New("unsupported schedule kind")
	}
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	return s.AddCronOpt(name, spec, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddCronOpt registers (or replaces, by name) a cron trigger evaluated in
// the scheduler timezone.
func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	return s.AddCronInOpt(name, spec, nil, timeout, opt, job)
}

// AddCronInOpt is AddCronOpt with the expression pinned to loc. A nil loc
// follows the scheduler timezone.
func (s *Service) AddCronInOpt(name, spec string, loc *time.Location, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	norm, err := NormalizeCron(spec)
	if err != nil {
		return "", err
	}
	if _, err := ParseCron(norm); err != nil {
		return "", err
	}
	return s.upsert(name, "cron", norm, loc, timeout, opt, job)
}

func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job Job) (string, error) {
	return s.AddIntervalOpt(name, every, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddIntervalOpt registers (or replaces, by name) a fixed-interval trigger.
func (s *Service) AddIntervalOpt(name string, every time.Duration, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be > 0")
	}
	return s.upsert(name, "interval", "@every "+every.String(), nil, timeout, opt, job)
}

func (s *Service) upsert(name, kind, spec string, loc *time.Location, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}
	s.removeOnce(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeScheduleLocked(name)
	s.seq++
	d := scheduleDef{
		id:      fmt.Sprintf("%s:%d", kind, s.seq),
		name:    name,
		spec:    spec,
		loc:     loc,
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   &engine.RunState{},
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Registered with cron on Start.
		return name, nil
	}
	if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", spec)}
	if next := s.previewNextRunsLocked(spec, loc, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return name, nil
}

// AddOnce fires job once at the given time (immediately if it has passed).
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job Job) (string, error) {
	return s.AddOnceOpt(name, at, timeout, TaskOptions{}, job)
}

func (s *Service) AddOnceOpt(name string, at time.Time, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if at.IsZero() {
		return "", errors.New("at required")
	}
	if job == nil {
		return "", errors.New("job required")
	}

	s.mu.Lock()
	s.removeScheduleLocked(name)
	running := s.c != nil
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	prev := s.once[name]
	var ver uint64 = 1
	if prev != nil {
		if prev.timer != nil {
			prev.timer.Stop()
		}
		ver = prev.ver + 1
	}
	d := &onceDef{at: at, timeout: timeout, job: job, opt: opt, ver: ver}
	s.once[name] = d
	if running {
		s.armLocked(name, d)
	}
	return name, nil
}

// Remove unregisters every trigger with the given name.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	if s.removeOnce(name) {
		removed = true
	}
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Has reports whether a trigger with the given name is registered.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	for _, d := range s.defs {
		if d.name == name {
			s.mu.Unlock()
			return true
		}
	}
	s.mu.Unlock()
	s.tmu.Lock()
	defer s.tmu.Unlock()
	_, ok := s.once[name]
	return ok
}

// removeScheduleLocked drops defs named name. Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) removeOnce(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	d, ok := s.once[name]
	if !ok {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(s.once, name)
	return true
}

// armOnceTimers re-creates timers for stored one-shot definitions.
func (s *Service) armOnceTimers() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for name, d := range s.once {
		s.armLocked(name, d)
	}
}

// armLocked starts the timer for d. Call with s.tmu held.
func (s *Service) armLocked(name string, d *onceDef) {
	if d.timer != nil {
		d.timer.Stop()
	}
	ver := d.ver
	d.timer = time.AfterFunc(max(time.Until(d.at), 0), func() {
		s.tmu.Lock()
		cur, ok := s.once[name]
		if !ok || cur.ver != ver {
			// Replaced or removed since this timer was armed.
			s.tmu.Unlock()
			return
		}
		delete(s.once, name)
		s.tmu.Unlock()
		s.enqueue(name, cur.timeout, cur.opt, &engine.RunState{}, cur.job)
	})
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, opt, state, run := d.name, d.timeout, d.opt, d.state, d.job
	job := cron.FuncJob(func() { s.enqueue(name, timeout, opt, state, run) })

	if strings.HasPrefix(d.spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(d.spec, "@every")))
		if err == nil && every > 0 {
			sched, spread := makeIntervalScheduleWithSpread(every, time.Now().In(s.loc), d.name)
			d.startupSpread = spread
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	d.startupSpread = 0
	sched, err := ParseCron(d.spec)
	if err != nil {
		return err
	}
	d.entryID = s.c.Schedule(InLocation(sched, d.loc), job)
	return nil
}

func (s *Service) enqueue(name string, timeout time.Duration, opt TaskOptions, state *engine.RunState, job Job) {
	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(engine.Task{
		Name:    name,
		Timeout: timeout,
		Run:     func(ctx context.Context) error { return job(ctx) },
		Opt:     opt,
		State:   state,
	})
	s.reportEnqueueError(name, err)
}

// previewNextRunsLocked lists upcoming fire times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, pinned *time.Location, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 || strings.HasPrefix(spec, "@every") {
		return ""
	}
	sched, err := ParseCron(spec)
	if err != nil {
		return ""
	}
	loc := s.loc
	if pinned != nil {
		loc = pinned
	}
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("15:04:05"))
	}
	return strings.Join(parts, ", ")
}
