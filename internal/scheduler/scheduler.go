// Package scheduler runs the keeper's supervisory loops at their
// individual cadences plus the hourly main cycle aligned to funding
// epochs, all serialized through the global execution lock.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/perparb/funding-keeper/internal/lockreg"
	"github.com/perparb/funding-keeper/internal/util"
)

// TaskFunc is one supervisory sweep. The thread id identifies the run in
// logs and lock ownership.
type TaskFunc func(ctx context.Context, threadID string)

// Task is a periodic loop registered with the scheduler.
type Task struct {
	Name  string
	Every time.Duration
	Fn    TaskFunc

	// Shared tasks (cache refresh, metrics) run without the global lock
	// and regardless of the main cycle.
	Shared bool
}

// Scheduler fires registered tasks and the main cycle. Exactly one
// exclusive unit of work runs at a time: either the main cycle or one
// supervisory sweep holding the global lock.
type Scheduler struct {
	registry *lockreg.Registry
	logger   *logrus.Entry
	tasks    []Task

	mainCycle TaskFunc
	isRunning atomic.Bool
}

// New builds a scheduler. mainCycle may be nil for test setups that only
// exercise supervisory tasks.
func New(registry *lockreg.Registry, mainCycle TaskFunc, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		registry:  registry,
		logger:    logger.WithField("component", "scheduler"),
		mainCycle: mainCycle,
	}
}

// Register adds a task. Not safe to call after Run.
func (s *Scheduler) Register(t Task) {
	s.tasks = append(s.tasks, t)
}

// MainCycleRunning reports whether the hourly cycle is in progress.
func (s *Scheduler) MainCycleRunning() bool { return s.isRunning.Load() }

// Run starts every registered loop and the hourly main cycle and blocks
// until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, t := range s.tasks {
		task := t
		g.Go(func() error {
			s.runLoop(gctx, task)
			return nil
		})
	}
	if s.mainCycle != nil {
		g.Go(func() error {
			s.runMainCycle(gctx)
			return nil
		})
	}

	s.logger.Infof("Scheduler started with %d supervisory loops", len(s.tasks))
	return g.Wait()
}

// runLoop drives one task at its cadence until shutdown.
func (s *Scheduler) runLoop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, t)
		}
	}
}

// fire runs one sweep of a task, taking the global lock for exclusive
// tasks and skipping the tick entirely when the keeper is busy.
func (s *Scheduler) fire(ctx context.Context, t Task) {
	threadID := util.NewThreadID(t.Name)

	if t.Shared {
		t.Fn(ctx, threadID)
		return
	}

	if s.isRunning.Load() || s.registry.IsGlobalHeld() {
		return
	}
	if !s.registry.TryAcquireGlobal(threadID, t.Name) {
		return
	}
	defer s.registry.ReleaseGlobal(threadID)
	t.Fn(ctx, threadID)
}

// runMainCycle fires the hourly cycle aligned to full hours, when venues
// settle funding. The first run waits for the next epoch.
func (s *Scheduler) runMainCycle(ctx context.Context) {
	for {
		wait := untilNextHour(timeNow())
		s.logger.Infof("Next main cycle in %s", wait.Round(time.Second))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.fireMainCycle(ctx)
		}
	}
}

// fireMainCycle runs one main cycle under the isRunning flag and the
// global lock.
func (s *Scheduler) fireMainCycle(ctx context.Context) {
	threadID := util.NewThreadID("maincycle")
	if !s.registry.TryAcquireGlobal(threadID, "main cycle") {
		s.logger.Warn("Main cycle skipped: global lock held")
		return
	}
	s.isRunning.Store(true)
	defer func() {
		s.isRunning.Store(false)
		s.registry.ReleaseGlobal(threadID)
	}()
	s.mainCycle(ctx, threadID)
}

var timeNow = time.Now

// untilNextHour returns the duration to the next full hour, with a small
// floor so a start exactly on the hour still runs promptly rather than
// waiting a full hour.
func untilNextHour(now time.Time) time.Duration {
	next := now.Truncate(time.Hour).Add(time.Hour)
	wait := next.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}
