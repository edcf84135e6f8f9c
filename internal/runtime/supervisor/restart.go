package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "clockswitch/pkg/logx"
)

// A run that lasted this long resets the backoff.
const stableRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max     time.Duration
	maxRestarts  int // <=0: unlimited
	publishFirst bool

	current time.Duration
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The initial run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithPublishFirstError records the first failure as the supervisor error.
// Restart loops otherwise never fail the supervisor.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirst = enabled }
}

// next returns the jittered wait before the next attempt and doubles the
// window.
func (p *restartPolicy) next(ranFor time.Duration) time.Duration {
	if p.current == 0 || ranFor >= stableRun {
		p.current = p.min
	}
	wait := p.current
	if j := int64(wait) / 5; j > 0 {
		wait += time.Duration(rand.Int64N(j + 1))
	}
	p.current = min(p.current*2, p.max)
	return wait
}

// GoRestart runs fn until it returns nil or the context is canceled,
// restarting it after errors and panics.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := &restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(p)
	}
	p.max = max(p.max, p.min)

	s.spawn(func() {
		for restarts := 0; ; restarts++ {
			if s.ctx.Err() != nil {
				return
			}
			s.stats.begin(name, restarts > 0)
			startedAt := time.Now()
			err := s.protect(name, fn)
			s.stats.end(name, err)

			if err == nil || s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if p.publishFirst {
				s.firstErr.CompareAndSwap(nil, ptr(fmt.Errorf("%s: %w", name, err)))
			}
			if p.maxRestarts > 0 && restarts >= p.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}

			wait := p.next(time.Since(startedAt))
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}

func ptr(err error) *error { return &err }
