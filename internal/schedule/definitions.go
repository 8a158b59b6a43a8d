package schedule

import (
	"time"

	"github.com/Harsh-BH/tradeguard/internal/domain"
)

// sharedTasks may run together and alongside trade execution. The audit reads a
// consistent allocation snapshot and stays exclusive.
var sharedTasks = []domain.Task{
	domain.TaskMarketSignal,
	domain.TaskAllocationRecommendationExisting,
	domain.TaskAllocationRecommendationNew,
	domain.TaskTradeExecution,
}

// Definitions builds the production task set from per-task cron expressions.
func Definitions(crons map[domain.Task]string, lockTTL time.Duration) []Definition {
	defs := make([]Definition, 0, len(domain.ScheduledTasks))
	for _, task := range domain.ScheduledTasks {
		defs = append(defs, Definition{
			Task:       task,
			Cron:       crons[task],
			LockTTL:    lockTTL,
			Compatible: compatibleWith(task),
		})
	}
	return defs
}

func compatibleWith(task domain.Task) []domain.Task {
	if !contains(sharedTasks, task) {
		return nil
	}
	out := make([]domain.Task, 0, len(sharedTasks)-1)
	for _, t := range sharedTasks {
		if t != task {
			out = append(out, t)
		}
	}
	return out
}
