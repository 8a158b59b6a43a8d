package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Harsh-BH/tradeguard/internal/domain"
	"github.com/Harsh-BH/tradeguard/internal/lock"
	"github.com/Harsh-BH/tradeguard/internal/metrics"
	"github.com/Harsh-BH/tradeguard/internal/repository"
	"github.com/Harsh-BH/tradeguard/internal/schedule"
)

// finishTimeout bounds the bookkeeping done after a run ended, which must outlive the
// run's own context.
const finishTimeout = 10 * time.Second

// JobBody is the work a scheduled task performs while its lock is held.
type JobBody func(ctx context.Context, run *domain.Run) error

// ScheduleUsecase triggers scheduled tasks under their locks and exposes lock state.
type ScheduleUsecase struct {
	registry *schedule.Registry
	locks    *lock.Manager
	runs     repository.RunRepository
	body     JobBody
	logger   *zap.Logger
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closing bool
}

// NewScheduleUsecase creates a ScheduleUsecase. Runs execute body in the background and are
// detached from the triggering request.
func NewScheduleUsecase(
	registry *schedule.Registry,
	locks *lock.Manager,
	runs repository.RunRepository,
	body JobBody,
	logger *zap.Logger,
) *ScheduleUsecase {
	ctx, cancel := context.WithCancel(context.Background())
	return &ScheduleUsecase{
		registry: registry,
		locks:    locks,
		runs:     runs,
		body:     body,
		logger:   logger,
		now:      time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Run acquires the task lock and starts the job body. Contention is reported as
// skipped_lock. A lock store failure is returned so the caller skips the run.
func (uc *ScheduleUsecase) Run(ctx context.Context, task domain.Task) (domain.ScheduleExecutionResponse, error) {
	requestedAt := uc.now().UTC()

	def, err := uc.registry.Lookup(task)
	if err != nil {
		return domain.ScheduleExecutionResponse{}, err
	}

	if !uc.enter() {
		return domain.ScheduleExecutionResponse{}, fmt.Errorf("%s: %w", task, domain.ErrShuttingDown)
	}
	started := false
	defer func() {
		if !started {
			uc.wg.Done()
		}
	}()

	res, err := uc.locks.Acquire(ctx, task.String(), def.LockTTL, uc.registry.CompatibleNames(task))
	if err != nil {
		metrics.ScheduleRuns.WithLabelValues(task.String(), "error").Inc()
		return domain.ScheduleExecutionResponse{}, err
	}
	if !res.Acquired {
		metrics.ScheduleRuns.WithLabelValues(task.String(), string(domain.ScheduleSkippedLock)).Inc()
		uc.logger.Info("Task skipped, lock held", zap.String("task", task.String()))
		return domain.ScheduleExecutionResponse{Task: task, Status: domain.ScheduleSkippedLock, RequestedAt: requestedAt}, nil
	}

	runID, err := uuid.NewV7()
	if err != nil {
		uc.release(task, res.Owner)
		return domain.ScheduleExecutionResponse{}, fmt.Errorf("generate run id: %w", err)
	}
	run := &domain.Run{
		ID:        runID,
		Task:      task,
		Owner:     res.Owner,
		Status:    domain.RunRunning,
		StartedAt: requestedAt,
	}
	if err := uc.runs.Start(ctx, run); err != nil {
		uc.release(task, res.Owner)
		return domain.ScheduleExecutionResponse{}, fmt.Errorf("start run: %w", err)
	}

	started = true
	go uc.execute(run, def.LockTTL)

	metrics.ScheduleRuns.WithLabelValues(task.String(), string(domain.ScheduleStarted)).Inc()
	uc.logger.Info("Task started",
		zap.String("task", task.String()),
		zap.String("run_id", run.ID.String()),
		zap.String("owner", res.Owner),
	)
	return domain.ScheduleExecutionResponse{Task: task, Status: domain.ScheduleStarted, RequestedAt: requestedAt}, nil
}

// enter reserves a slot in the wait group unless Shutdown already began.
func (uc *ScheduleUsecase) enter() bool {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.closing {
		return false
	}
	uc.wg.Add(1)
	return true
}

// execute runs the body while keeping the lock alive. Losing the lock cancels the body.
func (uc *ScheduleUsecase) execute(run *domain.Run, ttl time.Duration) {
	defer uc.wg.Done()

	ctx, cancel := context.WithCancelCause(uc.baseCtx)
	defer cancel(nil)

	lost := uc.locks.KeepAlive(ctx, run.Task.String(), run.Owner, ttl)
	go func() {
		if err, ok := <-lost; ok {
			cancel(err)
		}
	}()

	err := uc.runBody(ctx, run)
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}

	status := domain.RunSucceeded
	errMsg := ""
	if err != nil {
		status = domain.RunFailed
		errMsg = err.Error()
		uc.logger.Error("Task failed",
			zap.String("task", run.Task.String()),
			zap.String("run_id", run.ID.String()),
			zap.Error(err),
		)
	} else {
		uc.logger.Info("Task completed",
			zap.String("task", run.Task.String()),
			zap.String("run_id", run.ID.String()),
			zap.Duration("duration", uc.now().Sub(run.StartedAt)),
		)
	}
	metrics.ScheduleRuns.WithLabelValues(run.Task.String(), string(status)).Inc()

	finishCtx, finishCancel := context.WithTimeout(context.Background(), finishTimeout)
	defer finishCancel()
	if err := uc.runs.Finish(finishCtx, run.ID, status, errMsg); err != nil {
		uc.logger.Error("Failed to finish run", zap.String("run_id", run.ID.String()), zap.Error(err))
	}
	uc.release(run.Task, run.Owner)
}

func (uc *ScheduleUsecase) runBody(ctx context.Context, run *domain.Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return uc.body(ctx, run)
}

func (uc *ScheduleUsecase) release(task domain.Task, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if _, err := uc.locks.Release(ctx, task.String(), owner); err != nil {
		uc.logger.Error("Failed to release task lock", zap.String("task", task.String()), zap.Error(err))
	}
}

// LockState reports the current lock of a task. The result is informational only.
func (uc *ScheduleUsecase) LockState(ctx context.Context, task domain.Task) (domain.ScheduleLockStateResponse, error) {
	if _, err := uc.registry.Lookup(task); err != nil {
		return domain.ScheduleLockStateResponse{}, err
	}

	state, err := uc.locks.Inspect(ctx, task.String())
	if err != nil {
		return domain.ScheduleLockStateResponse{}, err
	}

	resp := domain.ScheduleLockStateResponse{Task: task, Locked: state.Locked, CheckedAt: state.CheckedAt.UTC()}
	if state.TTL != nil {
		ms := state.TTL.Milliseconds()
		resp.TTLMs = &ms
	}
	return resp, nil
}

// ReleaseLock force releases a task lock and recovers its stuck runs.
func (uc *ScheduleUsecase) ReleaseLock(ctx context.Context, task domain.Task) (domain.ScheduleLockReleaseResponse, error) {
	if _, err := uc.registry.Lookup(task); err != nil {
		return domain.ScheduleLockReleaseResponse{}, err
	}

	outcome, err := uc.locks.ForceReleaseAndRecover(ctx, task.String())
	if err != nil {
		return domain.ScheduleLockReleaseResponse{}, err
	}

	recovered := outcome.RecoveredRunningCount
	return domain.ScheduleLockReleaseResponse{
		Task:                  task,
		Released:              outcome.Released,
		Locked:                outcome.Locked,
		ReleasedAt:            outcome.ReleasedAt.UTC(),
		RecoveredRunningCount: &recovered,
	}, nil
}

// Plan returns when the task fires next.
func (uc *ScheduleUsecase) Plan(task domain.Task) (domain.SchedulePlanResponse, error) {
	return uc.registry.Plan(task, uc.now())
}

// Shutdown cancels running job bodies and waits for them to finish their bookkeeping.
// Runs triggered afterwards fail with domain.ErrShuttingDown.
func (uc *ScheduleUsecase) Shutdown(ctx context.Context) error {
	uc.mu.Lock()
	uc.closing = true
	uc.mu.Unlock()

	uc.cancel()
	done := make(chan struct{})
	go func() {
		uc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every started run finished. Intended for tests and drains.
func (uc *ScheduleUsecase) Wait() {
	uc.wg.Wait()
}
