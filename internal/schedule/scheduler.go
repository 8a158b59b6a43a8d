package schedule

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Harsh-BH/tradeguard/internal/domain"
)

// Trigger starts a task run. It is satisfied by the schedule use case.
type Trigger interface {
	Run(ctx context.Context, task domain.Task) (domain.ScheduleExecutionResponse, error)
}

// Scheduler fires every registered task on its cron expression.
type Scheduler struct {
	cron     *cron.Cron
	registry *Registry
	trigger  Trigger
	logger   *zap.Logger
	ctx      context.Context
}

// NewScheduler creates a scheduler. Nothing fires until Start.
func NewScheduler(registry *Registry, trigger Trigger, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(registry.Location()), cron.WithParser(Parser)),
		registry: registry,
		trigger:  trigger,
		logger:   logger,
		ctx:      context.Background(),
	}
}

// Start registers every task and starts the cron loop. Runs use ctx as their parent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	for _, task := range s.registry.Tasks() {
		def, _ := s.registry.Lookup(task)
		if _, err := s.cron.AddFunc(def.Cron, func() { s.fire(task) }); err != nil {
			return err
		}
		s.logger.Info("Task scheduled",
			zap.String("task", task.String()),
			zap.String("cron", def.Cron),
			zap.String("timezone", s.registry.Location().String()),
		)
	}
	s.cron.Start()
	s.logger.Info("Scheduler started")
	return nil
}

// Stop stops firing new runs and waits for in-flight triggers to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) fire(task domain.Task) {
	resp, err := s.trigger.Run(s.ctx, task)
	switch {
	case errors.Is(err, domain.ErrStoreUnavailable):
		s.logger.Warn("Scheduled run skipped, lock state unknown", zap.String("task", task.String()), zap.Error(err))
	case errors.Is(err, domain.ErrShuttingDown):
		s.logger.Info("Scheduled run skipped, shutting down", zap.String("task", task.String()))
	case err != nil:
		s.logger.Error("Scheduled run failed", zap.String("task", task.String()), zap.Error(err))
	default:
		s.logger.Info("Scheduled run triggered",
			zap.String("task", task.String()),
			zap.String("status", string(resp.Status)),
		)
	}
}
