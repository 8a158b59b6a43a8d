package domain

import "fmt"

// Task identifies a schedulable background job, or a coordinated resource
// that shares the lock namespace with them.
type Task string

const (
	TaskMarketSignal                     Task = "marketSignal"
	TaskAllocationRecommendationExisting Task = "allocationRecommendationExisting"
	TaskAllocationRecommendationNew      Task = "allocationRecommendationNew"
	TaskAllocationAudit                  Task = "allocationAudit"

	// TaskTradeExecution is not schedulable. It names the exclusive right to
	// submit trades to the broker.
	TaskTradeExecution Task = "tradeExecution"
)

// ScheduledTasks lists every task that can be triggered through the schedule API.
var ScheduledTasks = []Task{
	TaskMarketSignal,
	TaskAllocationRecommendationExisting,
	TaskAllocationRecommendationNew,
	TaskAllocationAudit,
}

// IsScheduled reports whether the task can be triggered through the schedule API.
func (t Task) IsScheduled() bool {
	for _, s := range ScheduledTasks {
		if s == t {
			return true
		}
	}
	return false
}

func (t Task) String() string {
	return string(t)
}

// ParseTask resolves a schedulable task identifier.
func ParseTask(s string) (Task, error) {
	t := Task(s)
	if !t.IsScheduled() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, s)
	}
	return t, nil
}

// RunStatus is the lifecycle state of a tracked job run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunRetryable RunStatus = "retryable"
)

// IsTerminal returns true if the status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed
}
