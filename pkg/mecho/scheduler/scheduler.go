// Package scheduler implements the Scheduler: a single
// aligned 60s tick that fires enabled cron schedules at most once per
// minute bucket. Expression matching is delegated to robfig/cron's
// standard parser; the once-per-bucket dedup and fired-set bookkeeping is
// custom, since robfig/cron's own Cron type runs its own goroutine
// scheduler rather than exposing a single-tick "does this match now" check.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskBuilder constructs a queue.Task (opaque to this package to avoid an
// import cycle back into queue) for a fired schedule.
type TaskBuilder func(s Schedule) any

// Scheduler runs the.
type Scheduler struct {
	mu         sync.Mutex
	schedules  []Schedule
	parsed     map[string]cron.Schedule
	fired      map[string]struct{}
	lastBucket string

	loc     *time.Location
	enqueue func(any) (int, error)
	build   TaskBuilder
	logger  *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// Config configures a Scheduler.
type Config struct {
	// Location is the fixed time zone schedules are evaluated in (e.g.
	// Asia/Seoul) rather than the host's local zone.
	Location *time.Location
	Enqueue  func(any) (int, error)
	Build    TaskBuilder
	Logger   *slog.Logger
}

func New(cfg Config) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		parsed:  make(map[string]cron.Schedule),
		fired:   make(map[string]struct{}),
		loc:     loc,
		enqueue: cfg.Enqueue,
		build:   cfg.Build,
		logger:  logger.With("component", "scheduler"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetSchedules replaces the active schedule set, re-parsing cron
// expressions. The fired set is left as is; tick resets it at the next
// minute bucket.
func (s *Scheduler) SetSchedules(schedules []Schedule) error {
	parsed := make(map[string]cron.Schedule, len(schedules))
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for _, sc := range schedules {
		if !sc.Enabled {
			continue
		}
		sched, err := parser.Parse(sc.Cron)
		if err != nil {
			return fmt.Errorf("parse schedule %s cron %q: %w", sc.Key, sc.Cron, err)
		}
		parsed[sc.Key] = sched
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = schedules
	s.parsed = parsed
	return nil
}

// Run blocks, ticking once a minute, until ctx is cancelled or Stop is called.
// The first tick lands on the next minute boundary.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	start := time.Now()
	align := time.NewTimer(start.Truncate(time.Minute).Add(time.Minute).Sub(start))
	defer align.Stop()
	select {
	case <-ctx.Done():
		return
	case <-s.stop:
		return
	case now := <-align.C:
		s.tick(now.In(s.loc))
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.tick(now.In(s.loc))
		}
	}
}

// Stop halts Run and waits for it to return.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func minuteBucket(t time.Time) string {
	return t.Format("200601021504")
}

// tick 1-3.
func (s *Scheduler) tick(now time.Time) {
	bucket := minuteBucket(now)

	s.mu.Lock()
	if bucket != s.lastBucket {
		s.fired = make(map[string]struct{})
		s.lastBucket = bucket
	}
	due := s.dueSchedulesLocked(now)
	s.mu.Unlock()

	for _, sc := range due {
		s.fireOnce(bucket, sc)
	}
}

func (s *Scheduler) dueSchedulesLocked(now time.Time) []Schedule {
	var due []Schedule
	for _, sc := range s.schedules {
		if !sc.Enabled {
			continue
		}
		sched, ok := s.parsed[sc.Key]
		if !ok {
			continue
		}
		if matchesMinute(sched, now) {
			due = append(due, sc)
		}
	}
	return due
}

// matchesMinute reports whether a cron.Schedule fires in the minute
// containing now — robfig/cron exposes only Next(), so this checks that
// the schedule's next fire time from one second before the bucket start
// lands inside the bucket.
func matchesMinute(sched cron.Schedule, now time.Time) bool {
	bucketStart := now.Truncate(time.Minute)
	next := sched.Next(bucketStart.Add(-time.Second))
	return !next.Before(bucketStart) && next.Before(bucketStart.Add(time.Minute))
}

func (s *Scheduler) fireOnce(bucket string, sc Schedule) {
	fireKey := sc.Key + "@" + bucket
	s.mu.Lock()
	if _, already := s.fired[fireKey]; already {
		s.mu.Unlock()
		return
	}
	s.fired[fireKey] = struct{}{}
	s.mu.Unlock()

	if s.enqueue == nil || s.build == nil {
		return
	}
	task := s.build(sc)
	if _, err := s.enqueue(task); err != nil {
		s.logger.Warn("schedule enqueue failed", "schedule_key", sc.Key, "error", err)
	}
}
