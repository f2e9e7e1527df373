// Package scheduler runs the reconciliation cycle in the background: purge
// stale links, rebuild the popularity cache, then drop cached stats snapshots.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// ErrAlreadyRunning is returned by RunOnce when a cycle is in flight.
var ErrAlreadyRunning = errors.New("reconciliation cycle already running")

// ErrCyclePanicked wraps a panic raised by one of the cycle steps.
var ErrCyclePanicked = errors.New("reconciliation cycle panicked")

// Reconciler is the subset of the link service a cycle drives.
type Reconciler interface {
	PurgeStale(ctx context.Context) (int64, error)
	RebuildPopular(ctx context.Context) (int, error)
	InvalidateStats(ctx context.Context) (int64, error)
}

type Config struct {
	// At is the local wall-clock time of the daily run, "HH:MM".
	At string
	// Interval, when positive, replaces the daily schedule with a fixed period.
	Interval time.Duration
	// Timeout bounds a single cycle.
	Timeout  time.Duration
	Location *time.Location
}

const (
	DefaultAt      = "03:00"
	DefaultTimeout = 10 * time.Minute
)

// Report summarizes one cycle.
type Report struct {
	Purged      int64
	Cached      int
	Invalidated int64
	Duration    time.Duration
}

type Scheduler struct {
	rec      Reconciler
	hour     int
	minute   int
	interval time.Duration
	timeout  time.Duration
	loc      *time.Location
	log      logrus.FieldLogger
	now      func() time.Time

	state    atomic.Int32
	cycles   atomic.Int64
	failures atomic.Int64
}

func New(rec Reconciler, cfg Config, logger logrus.FieldLogger) (*Scheduler, error) {
	if cfg.At == "" {
		cfg.At = DefaultAt
	}
	at, err := time.Parse("15:04", cfg.At)
	if err != nil {
		return nil, fmt.Errorf("invalid reconcile time %q: %w", cfg.At, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	return &Scheduler{
		rec:      rec,
		hour:     at.Hour(),
		minute:   at.Minute(),
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		loc:      cfg.Location,
		log:      logger.WithField("component", "scheduler"),
		now:      time.Now,
	}, nil
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Counters returns the number of completed cycles and of failed ones.
func (s *Scheduler) Counters() (cycles, failures int64) {
	return s.cycles.Load(), s.failures.Load()
}

// Next returns when the cycle after now is due.
func (s *Scheduler) Next(now time.Time) time.Time {
	if s.interval > 0 {
		return now.Add(s.interval)
	}
	return nextDaily(now.In(s.loc), s.hour, s.minute)
}

// nextDaily is the next occurrence of hour:minute strictly after now, in now's location.
func nextDaily(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = time.Date(now.Year(), now.Month(), now.Day()+1, hour, minute, 0, 0, now.Location())
	}
	return next
}

// Run waits for each due time and runs a cycle, until ctx is cancelled.
// Cancellation interrupts the wait only; a cycle already running completes.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("reconciliation scheduler started")
	for {
		now := s.now()
		next := s.Next(now)
		s.log.WithField("next_run", next.Format(time.RFC3339)).Debug("reconciliation armed")

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("reconciliation scheduler stopped")
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			s.log.Info("reconciliation scheduler stopped")
			return
		}

		// Errors are logged and counted inside RunOnce.
		_, _ = s.RunOnce(ctx)
	}
}

// RunOnce runs one cycle synchronously. The cycle is detached from ctx
// cancellation and bounded by the configured timeout. The first failing step
// ends the cycle.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return Report{}, ErrAlreadyRunning
	}
	defer s.state.Store(int32(Idle))

	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	start := time.Now()
	report, err := s.cycle(cycleCtx)
	report.Duration = time.Since(start)

	s.cycles.Add(1)
	fields := logrus.Fields{
		"purged":      report.Purged,
		"cached":      report.Cached,
		"invalidated": report.Invalidated,
		"duration":    report.Duration.String(),
	}
	if err != nil {
		s.failures.Add(1)
		s.log.WithError(err).WithFields(fields).Error("reconciliation cycle failed")
		return report, err
	}
	s.log.WithFields(fields).Info("reconciliation cycle completed")
	return report, nil
}

// cycle recovers a panicking step so the scheduler goroutine survives it.
func (s *Scheduler) cycle(ctx context.Context) (report Report, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.WithField("stack", string(debug.Stack())).Debug("reconciliation step panic stack")
			err = fmt.Errorf("%w: %v", ErrCyclePanicked, p)
		}
	}()

	if report.Purged, err = s.rec.PurgeStale(ctx); err != nil {
		return report, fmt.Errorf("purge: %w", err)
	}
	if report.Cached, err = s.rec.RebuildPopular(ctx); err != nil {
		return report, fmt.Errorf("rebuild popular: %w", err)
	}
	if report.Invalidated, err = s.rec.InvalidateStats(ctx); err != nil {
		return report, fmt.Errorf("invalidate stats: %w", err)
	}
	return report, nil
}
