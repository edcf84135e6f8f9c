package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"clockswitch/internal/task/engine"
	logx "clockswitch/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
		bad   bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "*/1 * * * * *", kind: SpecCron, cron: "*/1 * * * * *"},
		{in: "*/1 * * * * * *", kind: SpecCron, cron: "*/1 * * * * *"},
		{in: "cron: 0 0 * * * * *", kind: SpecCron, cron: "0 0 * * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every: 10s", kind: SpecInterval, every: 10 * time.Second},
		{in: "0 0 * * * * 2030", kind: SpecCron, cron: "0 0 * * * * 2030"},
		{in: "0 0 * * * * 1900", bad: true},
		{in: "0 0 * * * * 2031-2030", bad: true},
		{in: "* * *", bad: true},
		{in: "soon", bad: true},
		{in: "", bad: true},
	}
	for _, tc := range cases {
		got, err := ParseSchedule(tc.in)
		if tc.bad {
			if err == nil {
				t.Errorf("ParseSchedule(%q) = %+v, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSchedule(%q): %v", tc.in, err)
			continue
		}
		if got.Kind != tc.kind || got.Cron != tc.cron || got.Every != tc.every {
			t.Errorf("ParseSchedule(%q) = %+v", tc.in, got)
		}
	}
}

func TestNextSevenField(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := Next("*/1 * * * * * *", base)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !next.Equal(base.Add(time.Second)) {
		t.Fatalf("next = %s, want %s", next, base.Add(time.Second))
	}
	next, err = Next("0 */5 * * * *", base)
	if err != nil || !next.Equal(base.Add(5*time.Minute)) {
		t.Fatalf("next = %s, %v", next, err)
	}
}

func TestNextYearField(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		expr string
		want time.Time
	}{
		{"0 0 0 1 1 * 2028", time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"0 30 9 * * * 2026", time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)},
		{"0 0 12 1 3 * 2026,2029", time.Date(2029, 3, 1, 12, 0, 0, 0, time.UTC)},
		{"0 0 0 1 * * 2027-2030/2", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := Next(tc.expr, base)
		if err != nil || !got.Equal(tc.want) {
			t.Errorf("Next(%q) = %s, %v; want %s", tc.expr, got, err, tc.want)
		}
	}
	if _, err := Next("0 0 0 1 1 * 2020", base); err == nil {
		t.Error("schedule limited to a past year should never fire")
	}
}

func newTestScheduler(t *testing.T) (*Service, *engine.Service) {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s, eng
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCronEverySecondFires(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	var runs atomic.Int32
	if _, err := s.AddCron("tick", "*/1 * * * * * *", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	s.Start(context.Background())
	eventually(t, "two cron runs", func() bool { return runs.Load() >= 2 })

	snap := s.Snapshot()
	if !snap.Running || len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "*/1 * * * * *" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !s.Remove("tick") || s.Has("tick") {
		t.Fatal("Remove should unregister the schedule")
	}
}

func TestAddOnceFiresOnce(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	s.Start(context.Background())
	var runs atomic.Int32
	if _, err := s.AddOnce("once", time.Now().Add(20*time.Millisecond), 0, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}
	eventually(t, "one-shot run", func() bool { return runs.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 1 || s.Has("once") {
		t.Fatalf("runs = %d, has = %v", runs.Load(), s.Has("once"))
	}
}

func TestDefinitionsSurviveRestart(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t)
	noop := func(ctx context.Context) error { return nil }
	if _, err := s.AddInterval("reconcile", time.Hour, 0, noop); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddOnce("later", time.Now().Add(time.Hour), 0, noop); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	s.Start(context.Background())

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("schedules after restart = %+v", snap.Schedules)
	}
	if len(snap.Once) != 1 || !snap.Once[0].Armed {
		t.Fatalf("once after restart = %+v", snap.Once)
	}
	if _, err := s.AddCron("bad", "0 0 * * * * 1900", 0, noop); err == nil {
		t.Fatal("out-of-range year should be rejected")
	}
}
