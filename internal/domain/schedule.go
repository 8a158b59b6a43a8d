package domain

import (
	"time"

	"github.com/google/uuid"
)

// ScheduleStatus is the outcome of a schedule trigger.
type ScheduleStatus string

const (
	ScheduleStarted     ScheduleStatus = "started"
	ScheduleSkippedLock ScheduleStatus = "skipped_lock"
)

// Run is a tracked execution of a scheduled task.
type Run struct {
	ID         uuid.UUID  `json:"id"`
	Task       Task       `json:"task"`
	Owner      string     `json:"owner"`
	Status     RunStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ScheduleExecutionResponse is returned by POST /schedule/:task/run.
type ScheduleExecutionResponse struct {
	Task        Task           `json:"task"`
	Status      ScheduleStatus `json:"status"`
	RequestedAt time.Time      `json:"requestedAt"`
}

// ScheduleLockStateResponse is returned by GET /schedule/:task/lock.
type ScheduleLockStateResponse struct {
	Task      Task      `json:"task"`
	Locked    bool      `json:"locked"`
	TTLMs     *int64    `json:"ttlMs"`
	CheckedAt time.Time `json:"checkedAt"`
}

// ScheduleLockReleaseResponse is returned by DELETE /schedule/:task/lock.
type ScheduleLockReleaseResponse struct {
	Task                  Task      `json:"task"`
	Released              bool      `json:"released"`
	Locked                bool      `json:"locked"`
	ReleasedAt            time.Time `json:"releasedAt"`
	RecoveredRunningCount *int      `json:"recoveredRunningCount,omitempty"`
}

// SchedulePlanResponse is returned by GET /schedule/:task/plan.
type SchedulePlanResponse struct {
	Task           Task      `json:"task"`
	CronExpression string    `json:"cronExpression"`
	Timezone       string    `json:"timezone"`
	RunAt          time.Time `json:"runAt"`
}
