package models

import "time"

// ExecutionUpdate is the payload of a task_execution_update push event.
type ExecutionUpdate struct {
	ExecutionID  string          `json:"execution_id"`
	Status       ExecutionStatus `json:"status"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	DurationMs   *int64          `json:"duration_ms,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// TaskStatusChange is the payload of a task_status_change push event.
type TaskStatusChange struct {
	TaskName string     `json:"task_name"`
	Status   TaskStatus `json:"status"`
}
