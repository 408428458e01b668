package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GitAcrown/MARI4/internal/observability"
)

// cronParser accepts standard 5-field expressions and descriptors such
// as @daily for the purge window.
var cronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ErrNoExecutor is recorded as the failure cause when a task comes due
// before an executor was attached.
var ErrNoExecutor = errors.New("no task executor configured")

// Executor runs one due task. A returned error marks the task failed.
type Executor interface {
	Execute(ctx context.Context, task *ScheduledTask) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *ScheduledTask) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task *ScheduledTask) error {
	return f(ctx, task)
}

// SchedulerConfig configures the task scheduler.
type SchedulerConfig struct {
	// PollInterval is how often the scheduler checks for due tasks.
	// Defaults to 30 seconds.
	PollInterval time.Duration

	// PurgeSchedule is a cron expression, evaluated in UTC, for deleting
	// old terminal tasks. Defaults to "0 3 * * *".
	PurgeSchedule string

	// PurgeAfterDays is how many days terminal tasks are kept past
	// midnight UTC. Defaults to 1.
	PurgeAfterDays int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// DefaultSchedulerConfig returns a SchedulerConfig with sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval:   30 * time.Second,
		PurgeSchedule:  "0 3 * * *",
		PurgeAfterDays: 1,
		Now:            time.Now,
	}
}

// Scheduler polls the store and runs due tasks one at a time.
type Scheduler struct {
	store  Store
	config SchedulerConfig
	logger *slog.Logger
	purge  cron.Schedule

	execMu   sync.RWMutex
	executor Executor

	// tickMu serializes ticks so a task never runs twice concurrently.
	tickMu    sync.Mutex
	nextPurge time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates a task scheduler. executor may be nil and attached
// later with SetExecutor.
func NewScheduler(store Store, executor Executor, config SchedulerConfig) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	defaults := DefaultSchedulerConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.PurgeSchedule == "" {
		config.PurgeSchedule = defaults.PurgeSchedule
	}
	if config.PurgeAfterDays <= 0 {
		config.PurgeAfterDays = defaults.PurgeAfterDays
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	purge, err := cronParser.Parse(config.PurgeSchedule)
	if err != nil {
		return nil, fmt.Errorf("parse purge schedule: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "task-scheduler")
	}

	return &Scheduler{
		store:     store,
		executor:  executor,
		config:    config,
		logger:    logger,
		purge:     purge,
		nextPurge: purge.Next(config.Now().UTC()),
	}, nil
}

// SetExecutor attaches the executor used for due tasks.
func (s *Scheduler) SetExecutor(executor Executor) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	s.executor = executor
}

// Store returns the backing store.
func (s *Scheduler) Store() Store { return s.store }

// Schedule stores task as pending and returns its ID.
func (s *Scheduler) Schedule(ctx context.Context, task *ScheduledTask) (int64, error) {
	if task == nil {
		return 0, fmt.Errorf("task is required")
	}
	task.ExecuteAt = task.ExecuteAt.UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.config.Now().UTC()
	}
	id, err := s.store.Add(ctx, task)
	if err != nil {
		return 0, err
	}
	s.logger.Info("task scheduled",
		"task_id", id,
		"channel_id", task.ChannelID,
		"user_id", task.UserID,
		"execute_at", task.ExecuteAt,
	)
	s.config.Metrics.RecordScheduledTask("scheduled")
	return id, nil
}

// Cancel cancels a pending task. A nil userID skips the ownership check.
func (s *Scheduler) Cancel(ctx context.Context, id int64, userID *string) (bool, error) {
	ok, err := s.store.Cancel(ctx, id, userID)
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Info("task cancelled", "task_id", id, "administrative", userID == nil)
		s.config.Metrics.RecordScheduledTask(string(StatusCancelled))
	}
	return ok, nil
}

// TasksForUser returns a user's pending tasks. limit defaults to 20.
func (s *Scheduler) TasksForUser(ctx context.Context, userID string, limit int) ([]*ScheduledTask, error) {
	return s.store.TasksForUser(ctx, userID, limit)
}

// CountPendingForUser counts a user's pending tasks.
func (s *Scheduler) CountPendingForUser(ctx context.Context, userID string) (int, error) {
	return s.store.CountPendingForUser(ctx, userID)
}

// AllTasks returns the most recent tasks. limit defaults to 50.
func (s *Scheduler) AllTasks(ctx context.Context, limit int) ([]*ScheduledTask, error) {
	return s.store.AllTasks(ctx, limit)
}

// Start begins the poll loop. The first poll runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true

	if n, err := s.store.FailInterrupted(ctx); err != nil {
		s.logger.Error("failed to reset interrupted tasks", "error", err)
	} else if n > 0 {
		s.logger.Warn("marked interrupted tasks as failed", "count", n)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("starting task scheduler",
		"poll_interval", s.config.PollInterval,
		"purge_schedule", s.config.PurgeSchedule,
	)

	go s.pollLoop(ctx, s.done)
	return nil
}

// Stop cancels the poll loop and waits for it, so no task starts after
// Stop returns.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.logger.Info("stopping task scheduler")
	cancel()

	select {
	case <-done:
		s.logger.Info("task scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns whether the poll loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every due task in order, then the purge if its window has
// arrived. One failing task never blocks the others.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	ctx, span := s.config.Tracer.TraceSchedulerTick(ctx)
	defer span.End()

	now := s.config.Now().UTC()
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Error("failed to get due tasks", "error", err)
		s.config.Metrics.RecordError("scheduler", "due_tasks")
		s.config.Tracer.RecordError(span, err)
	}

	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		s.run(ctx, task)
	}

	s.maybePurge(ctx, now)
}

func (s *Scheduler) run(ctx context.Context, task *ScheduledTask) {
	taskCtx := observability.AddTaskID(ctx, fmt.Sprint(task.ID))
	taskCtx = observability.AddChannelID(taskCtx, task.ChannelID)
	taskCtx = observability.AddUserID(taskCtx, task.UserID)

	claimed, err := s.store.Claim(ctx, task.ID)
	if err != nil {
		s.logger.ErrorContext(taskCtx, "failed to claim task", "error", err)
		s.config.Metrics.RecordError("scheduler", "claim")
		return
	}
	if !claimed {
		s.logger.InfoContext(taskCtx, "task no longer pending, skipping")
		return
	}

	s.logger.InfoContext(taskCtx, "executing task", "description", task.Description)

	status := StatusCompleted
	if err := s.execute(taskCtx, task); err != nil {
		status = StatusFailed
		s.logger.ErrorContext(taskCtx, "task failed", "error", err)
	}

	if err := s.store.SetStatus(ctx, task.ID, status); err != nil {
		if errors.Is(err, ErrNotPending) {
			s.logger.WarnContext(taskCtx, "task changed state during execution", "status", status)
			return
		}
		s.logger.ErrorContext(taskCtx, "failed to record task status", "status", status, "error", err)
		return
	}
	s.config.Metrics.RecordScheduledTask(string(status))
	s.logger.InfoContext(taskCtx, "task finished", "status", status)
}

func (s *Scheduler) execute(ctx context.Context, task *ScheduledTask) (err error) {
	s.execMu.RLock()
	executor := s.executor
	s.execMu.RUnlock()
	if executor == nil {
		return ErrNoExecutor
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "task executor panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return executor.Execute(ctx, task)
}

func (s *Scheduler) maybePurge(ctx context.Context, now time.Time) {
	if now.Before(s.nextPurge) {
		return
	}
	s.nextPurge = s.purge.Next(now)

	deleted, err := s.store.PurgeTerminalOlderThan(ctx, s.config.PurgeAfterDays, now)
	if err != nil {
		s.logger.Error("failed to purge old tasks", "error", err)
		s.config.Metrics.RecordError("scheduler", "purge")
		return
	}
	if deleted > 0 {
		s.logger.Info("purged old tasks", "deleted", deleted)
	}
}
