// Package scheduler runs recurring housekeeping tasks for vodarr on cron
// schedules. Schedules use six fields, with seconds.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskFunc performs one run of a scheduled task.
type TaskFunc func(ctx context.Context) error

type task struct {
	name    string
	spec    string
	run     TaskFunc
	entryID cron.EntryID
	lastErr error
	lastRun time.Time
	runs    int64
}

// Scheduler runs named tasks on cron schedules. A task that is still running
// when its next run comes due is skipped, not stacked.
type Scheduler struct {
	mu sync.RWMutex

	logger *slog.Logger
	parser cron.Parser
	cron   *cron.Cron
	tasks  map[string]*task

	// Running state
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a new scheduler.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		logger: slog.Default(),
		parser: cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tasks:  make(map[string]*task),
	}
	s.cron = s.newCron()
	return s
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
	return s
}

func (s *Scheduler) newCron() *cron.Cron {
	logger := cronLogger{s}
	return cron.New(
		cron.WithParser(s.parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
}

// AddTask registers fn under name on the cron schedule spec. An empty spec
// disables the task.
func (s *Scheduler) AddTask(name, spec string, fn TaskFunc) error {
	if spec == "" {
		s.logger.Info("scheduled task disabled", slog.String("task", name))
		return nil
	}
	if err := s.ValidateCron(spec); err != nil {
		return fmt.Errorf("task %s: invalid cron expression %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %s already registered", name)
	}

	t := &task{name: name, spec: spec, run: fn}
	id, err := s.cron.AddFunc(spec, func() { s.runTask(t) })
	if err != nil {
		return fmt.Errorf("scheduling task %s: %w", name, err)
	}
	t.entryID = id
	s.tasks[name] = t
	return nil
}

// Start begins running scheduled tasks. Tasks run under contexts derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()

	s.logger.Info("scheduler started", slog.Int("tasks", len(s.tasks)))
	return nil
}

// Stop stops the scheduler and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// RunNow runs a registered task synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	t, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown task %s", name)
	}
	return s.execute(ctx, t)
}

func (s *Scheduler) runTask(t *task) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_ = s.execute(ctx, t)
}

func (s *Scheduler) execute(ctx context.Context, t *task) error {
	start := time.Now()
	err := t.run(ctx)

	s.mu.Lock()
	t.lastRun = start
	t.lastErr = err
	t.runs++
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled task failed",
			slog.String("task", t.name),
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err))
		return err
	}
	s.logger.Debug("scheduled task completed",
		slog.String("task", t.name),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// TaskStatus represents the current state of a scheduled task.
type TaskStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	NextRun   time.Time `json:"next_run,omitzero"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int64     `json:"runs"`
}

// Status returns the state of every registered task, sorted by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		st := TaskStatus{
			Name:     t.name,
			Schedule: t.spec,
			NextRun:  s.cron.Entry(t.entryID).Next,
			LastRun:  t.lastRun,
			Runs:     t.runs,
		}
		if t.lastErr != nil {
			st.LastError = t.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateCron reports whether expr is a schedule AddTask accepts.
func (s *Scheduler) ValidateCron(expr string) error {
	_, err := s.parser.Parse(expr)
	return err
}

// cronLogger adapts the scheduler's slog logger to cron.Logger.
type cronLogger struct {
	s *Scheduler
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
