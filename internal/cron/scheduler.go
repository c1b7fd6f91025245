// Package cron runs the periodic sweeps: firing due schedules as agent_run
// tasks and expiring stale approval requests.
package cron

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/okapi-ai/overseer/internal/runner"
	"github.com/okapi-ai/overseer/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Enqueuer routes fired schedules into the task distribution layer.
// Satisfied by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, agentID, taskType string, payload map[string]any, opts store.EnqueueOptions) (string, error)
}

// Sweeper expires stale approvals. Satisfied by *approval.Manager.
type Sweeper interface {
	ExpireStaleApprovals(ctx context.Context) (int, error)
}

// Config holds the scheduler dependencies.
type Config struct {
	Store    *store.Store
	Queue    Enqueuer
	Approval Sweeper
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler ticks on an interval, firing due cron schedules and running the
// approval expiry sweep.
type Scheduler struct {
	store    *store.Store
	queue    Enqueuer
	approval Sweeper
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		queue:    cfg.Queue,
		approval: cfg.Approval,
		logger:   logger.With("component", "cron"),
		interval: interval,
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
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

// Tick runs one sweep pass: due schedules first, then approval expiry.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("query due schedules failed", "error", err)
	} else {
		for _, sched := range due {
			s.fire(ctx, sched, now)
		}
	}

	if s.approval != nil {
		expired, err := s.approval.ExpireStaleApprovals(ctx)
		if err != nil {
			s.logger.Error("approval expiry sweep failed", "error", err)
		} else if expired > 0 {
			s.logger.Info("approvals expired", "count", expired)
		}
	}
}

// fire enqueues an agent_run task for the schedule and advances its next
// run. A schedule whose expression no longer parses is disabled rather than
// fired forever.
func (s *Scheduler) fire(ctx context.Context, sched store.Schedule, now time.Time) {
	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("invalid cron expression, disabling schedule",
			"schedule_id", sched.ID, "cron_expr", sched.CronExpr, "error", err)
		sched.Enabled = false
		if err := s.store.UpsertSchedule(ctx, sched); err != nil {
			s.logger.Error("disable schedule failed", "schedule_id", sched.ID, "error", err)
		}
		return
	}

	payload := map[string]any{
		"trigger": string(runner.TriggerScheduled),
	}
	var declared map[string]any
	if err := json.Unmarshal([]byte(sched.Payload), &declared); err == nil {
		for k, v := range declared {
			payload[k] = v
		}
	}
	if _, ok := payload["input"]; !ok {
		payload["input"] = "Run your scheduled task: " + sched.Name
	}

	taskID, err := s.queue.Enqueue(ctx, sched.AgentID, store.TaskTypeAgentRun, payload, store.EnqueueOptions{})
	if err != nil {
		s.logger.Error("enqueue scheduled task failed",
			"schedule_id", sched.ID, "schedule_name", sched.Name, "error", err)
		return
	}

	if err := s.store.MarkScheduleRun(ctx, sched.ID, nextRun); err != nil {
		s.logger.Error("mark schedule run failed", "schedule_id", sched.ID, "error", err)
		return
	}

	s.logger.Info("schedule fired",
		"schedule_id", sched.ID, "schedule_name", sched.Name,
		"task_id", taskID, "next_run_at", nextRun)
}

// NextRunTime parses the cron expression and returns the next fire after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
