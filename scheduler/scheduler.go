// Package scheduler runs registered jobs on cron expressions with
// per-job file locking, so any number of scheduler processes sharing a
// lock file execute a due job at most once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rpaflow/rpaflow/internal/lockfile"
	"github.com/rpaflow/rpaflow/metrics"
	"github.com/rpaflow/rpaflow/utils"
)

var (
	parser5 = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	parser6 = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// ParseCron accepts the 5-field (minute..weekday) or 6-field (with
// leading seconds) syntax.
func ParseCron(expr string) (cron.Schedule, error) {
	if sched, err := parser5.Parse(expr); err == nil {
		return sched, nil
	}
	sched, err := parser6.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Condition gates a job; every condition must hold for the job to run.
type Condition func() bool

// Job is one scheduled entry.
type Job struct {
	Name      string
	Expr      string
	schedule  cron.Schedule
	fn        func() error
	lockFile  string
	logFile   string
	reportDir string
	conds     []Condition
}

// JobOption tunes one job at registration time.
type JobOption func(*Job)

func WithName(name string) JobOption { return func(j *Job) { j.Name = name } }

func WithLogFile(path string) JobOption { return func(j *Job) { j.logFile = path } }

func WithReportDir(dir string) JobOption { return func(j *Job) { j.reportDir = dir } }

func WithConditions(c ...Condition) JobOption {
	return func(j *Job) { j.conds = append(j.conds, c...) }
}

// Scheduler holds jobs and the environment probes crash reports use.
type Scheduler struct {
	jobs []*Job

	displayProbe   func() string
	elevationProbe func() bool
}

// SchedOption configures a Scheduler.
type SchedOption func(*Scheduler)

// WithDisplayProbe injects the display description used in crash reports.
func WithDisplayProbe(fn func() string) SchedOption {
	return func(s *Scheduler) { s.displayProbe = fn }
}

// WithElevationProbe injects the elevation check used in crash reports.
func WithElevationProbe(fn func() bool) SchedOption {
	return func(s *Scheduler) { s.elevationProbe = fn }
}

func New(opts ...SchedOption) *Scheduler {
	s := &Scheduler{
		displayProbe:   func() string { return "unknown" },
		elevationProbe: func() bool { return false },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddJob registers a callable under a cron expression and a lock file.
func (s *Scheduler) AddJob(expr string, fn func() error, lockFile string, opts ...JobOption) (*Job, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	j := &Job{Name: expr, Expr: expr, schedule: sched, fn: fn, lockFile: lockFile}
	for _, opt := range opts {
		opt(j)
	}
	s.jobs = append(s.jobs, j)
	return j, nil
}

// due reports whether the schedule fires at the given instant, at
// second granularity.
func due(sched cron.Schedule, now time.Time) bool {
	tick := now.Truncate(time.Second)
	return sched.Next(tick.Add(-time.Second)).Equal(tick)
}

// RunPending executes every job due at now whose conditions hold and
// whose lock is free. A busy lock skips the job for this tick; it is
// not queued.
func (s *Scheduler) RunPending(now time.Time) {
	for _, j := range s.jobs {
		if !due(j.schedule, now) {
			continue
		}
		s.runJob(j)
	}
}

func (s *Scheduler) runJob(j *Job) {
	for _, cond := range j.conds {
		if !cond() {
			utils.Debug("job %s skipped: condition unmet", j.Name)
			metrics.ScheduledJobs.WithLabelValues("skipped_condition").Inc()
			return
		}
	}
	lock, err := lockfile.TryAcquire(j.lockFile)
	if err != nil {
		if errors.Is(err, lockfile.ErrBusy) {
			utils.Debug("job %s skipped: already running", j.Name)
			metrics.ScheduledJobs.WithLabelValues("skipped_busy").Inc()
			return
		}
		utils.Error("job %s lock: %v", j.Name, err)
		metrics.ScheduledJobs.WithLabelValues("error").Inc()
		return
	}
	defer lock.Release()

	if err := j.fn(); err != nil {
		utils.Error("job %s failed: %v", j.Name, err)
		metrics.ScheduledJobs.WithLabelValues("error").Inc()
		if j.reportDir != "" {
			if _, werr := s.WriteCrashReport(j, err); werr != nil {
				utils.Error("crash report for job %s: %v", j.Name, werr)
			}
		}
		return
	}
	metrics.ScheduledJobs.WithLabelValues("run").Inc()
}

// Start ticks RunPending until the context ends.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.RunPending(now)
		}
	}
}
