// Package models defines the scheduler control-plane types observed by schedwatch.
package models

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus represents the scheduling state of a task definition.
type TaskStatus string

const (
	TaskStatusActive   TaskStatus = "active"
	TaskStatusPaused   TaskStatus = "paused"
	TaskStatusDisabled TaskStatus = "disabled"
)

// ExecutionStatus represents the lifecycle state of one task execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimeout   ExecutionStatus = "timeout"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ExecutionStatuses lists every execution status in display order.
var ExecutionStatuses = []ExecutionStatus{
	ExecutionPending,
	ExecutionRunning,
	ExecutionCompleted,
	ExecutionFailed,
	ExecutionTimeout,
	ExecutionCancelled,
}

// Terminal reports whether the execution has finished.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecutionPending && s != ExecutionRunning
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	for _, v := range ExecutionStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// ScheduledTask is a task definition owned by the scheduler.
type ScheduledTask struct {
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	CronExpression string     `json:"cron_expression"`
	Status         TaskStatus `json:"status"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	RetryAttempts  int        `json:"retry_attempts"`
	TimeoutSeconds int        `json:"timeout_seconds"`
}

// TaskSpec is the body of a task create or update call.
type TaskSpec struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	CronExpression string `json:"cron_expression"`
	RetryAttempts  int    `json:"retry_attempts"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Enabled        bool   `json:"enabled"`
}

// TaskExecution is one concrete run of a scheduled task.
type TaskExecution struct {
	ID           string          `json:"id"`
	TaskName     string          `json:"task_name"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	DurationMs   *int64          `json:"duration_ms,omitempty"`
	RetryAttempt int             `json:"retry_attempt"`
	MaxRetries   int             `json:"max_retries"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       string          `json:"result,omitempty"`
	InstanceID   string          `json:"instance_id,omitempty"`
}

// Validate checks the completion and retry invariants of an execution.
func (e TaskExecution) Validate() error {
	finished := e.CompletedAt != nil && e.DurationMs != nil
	partial := (e.CompletedAt != nil) != (e.DurationMs != nil)
	switch {
	case partial:
		return fmt.Errorf("execution %s: completed_at and duration_ms must be set together", e.ID)
	case e.Status.Terminal() && !finished:
		return fmt.Errorf("execution %s: %s execution missing completion data", e.ID, e.Status)
	case !e.Status.Terminal() && finished:
		return fmt.Errorf("execution %s: %s execution has completion data", e.ID, e.Status)
	case e.RetryAttempt > e.MaxRetries:
		return fmt.Errorf("execution %s: retry attempt %d exceeds max %d", e.ID, e.RetryAttempt, e.MaxRetries)
	}
	return nil
}

// ExecutionPage is one page of an execution listing.
type ExecutionPage struct {
	Items    []TaskExecution `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// ExecutionLog is a single log line emitted by an execution.
type ExecutionLog struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// InstanceState is the election role of a scheduler instance.
type InstanceState string

const (
	InstanceLeader    InstanceState = "leader"
	InstanceActive    InstanceState = "active"
	InstanceCandidate InstanceState = "candidate"
	InstanceInactive  InstanceState = "inactive"
)

// InstanceStatus describes one scheduler instance in the cluster.
type InstanceStatus struct {
	InstanceID      string        `json:"instance_id"`
	Status          InstanceState `json:"status"`
	IsHealthy       bool          `json:"is_healthy"`
	LastHeartbeat   time.Time     `json:"last_heartbeat"`
	LoadFactor      float64       `json:"load_factor"`
	CPUUsagePercent float64       `json:"cpu_usage_percent"`
	MemoryUsageMB   float64       `json:"memory_usage_mb"`
}

// LeaderElectionStatus is the control plane's view of leader election.
type LeaderElectionStatus struct {
	CurrentLeader string           `json:"current_leader,omitempty"`
	ElectionTerm  int64            `json:"election_term"`
	Instances     []InstanceStatus `json:"instances"`
}

// ErrMultipleLeaders is returned by Validate when more than one instance claims leadership.
var ErrMultipleLeaders = errors.New("more than one instance reports leader status")

// Leader returns the instance reporting leader status, if any.
func (l LeaderElectionStatus) Leader() (InstanceStatus, bool) {
	for _, inst := range l.Instances {
		if inst.Status == InstanceLeader {
			return inst, true
		}
	}
	return InstanceStatus{}, false
}

// Validate checks that at most one instance is leader and that it matches CurrentLeader.
func (l LeaderElectionStatus) Validate() error {
	leaders := 0
	for _, inst := range l.Instances {
		if inst.Status != InstanceLeader {
			continue
		}
		leaders++
		if l.CurrentLeader != "" && inst.InstanceID != l.CurrentLeader {
			return fmt.Errorf("instance %s reports leader but current leader is %s", inst.InstanceID, l.CurrentLeader)
		}
	}
	if leaders > 1 {
		return ErrMultipleLeaders
	}
	return nil
}

// StatsRange is the window accepted by the statistics endpoint.
type StatsRange string

const (
	Range24h StatsRange = "24h"
	Range7d  StatsRange = "7d"
	Range30d StatsRange = "30d"
)

// Valid reports whether r is a supported window.
func (r StatsRange) Valid() bool {
	return r == Range24h || r == Range7d || r == Range30d
}

// TaskStatistics aggregates execution counters for one task.
type TaskStatistics struct {
	TaskName             string  `json:"task_name"`
	TotalExecutions      int64   `json:"total_executions"`
	SuccessfulExecutions int64   `json:"successful_executions"`
	FailedExecutions     int64   `json:"failed_executions"`
	SuccessRate          float64 `json:"success_rate"`
	MinDurationMs        int64   `json:"min_duration_ms"`
	AvgDurationMs        float64 `json:"avg_duration_ms"`
	MaxDurationMs        int64   `json:"max_duration_ms"`
	Executions24h        int64   `json:"executions_24h"`
	Executions7d         int64   `json:"executions_7d"`
	Executions30d        int64   `json:"executions_30d"`
}

// SchedulerStatistics is the response of the statistics endpoint.
type SchedulerStatistics struct {
	Range  StatsRange       `json:"range"`
	Totals TaskStatistics   `json:"totals"`
	Tasks  []TaskStatistics `json:"tasks"`
}

// SystemMetrics is a point-in-time resource snapshot of the scheduler cluster.
type SystemMetrics struct {
	CPUUsagePercent     float64   `json:"cpu_usage_percent"`
	MemoryUsageMB       float64   `json:"memory_usage_mb"`
	QueueDepth          int64     `json:"queue_depth"`
	RunningExecutions   int64     `json:"running_executions"`
	ExecutionsPerMinute float64   `json:"executions_per_minute"`
	CollectedAt         time.Time `json:"collected_at"`
}

// Alert is an operator-facing notification raised by the control plane.
type Alert struct {
	ID           string    `json:"id"`
	Severity     string    `json:"severity"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	TaskName     string    `json:"task_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Acknowledged bool      `json:"acknowledged"`
}

// HealthStatus is the control plane's health report.
type HealthStatus struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// ClusterStatus describes the scheduler cluster membership.
type ClusterStatus struct {
	ClusterID    string           `json:"cluster_id"`
	Leader       string           `json:"leader,omitempty"`
	Instances    []InstanceStatus `json:"instances"`
	HealthyCount int              `json:"healthy_count"`
}

// DashboardOverview holds the headline counters of the dashboard endpoint.
type DashboardOverview struct {
	TotalTasks          int64   `json:"total_tasks"`
	ActiveTasks         int64   `json:"active_tasks"`
	PausedTasks         int64   `json:"paused_tasks"`
	DisabledTasks       int64   `json:"disabled_tasks"`
	TotalExecutions     int64   `json:"total_executions"`
	Executions24h       int64   `json:"executions_24h"`
	Executions7d        int64   `json:"executions_7d"`
	RunningExecutions   int64   `json:"running_executions"`
	FailedExecutions24h int64   `json:"failed_executions_24h"`
	SuccessRate24h      float64 `json:"success_rate_24h"`
}

// SchedulerDashboard is the composite snapshot served by the dashboard endpoint.
type SchedulerDashboard struct {
	Overview         DashboardOverview    `json:"overview"`
	Leader           LeaderElectionStatus `json:"leader"`
	RecentExecutions []TaskExecution      `json:"recent_executions"`
	UpcomingTasks    []ScheduledTask      `json:"upcoming_tasks"`
	ActiveAlerts     []Alert              `json:"active_alerts"`
	Metrics          SystemMetrics        `json:"system_metrics"`

	// Degraded is set client-side when the snapshot is a fallback.
	Degraded       bool   `json:"degraded"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// DefaultDashboard returns a structurally complete snapshot with zero counters and empty lists.
func DefaultDashboard() SchedulerDashboard {
	return SchedulerDashboard{
		Leader:           LeaderElectionStatus{Instances: []InstanceStatus{}},
		RecentExecutions: []TaskExecution{},
		UpcomingTasks:    []ScheduledTask{},
		ActiveAlerts:     []Alert{},
	}
}

// Normalize replaces nil lists with empty ones so renderers never see nil sections.
func (d *SchedulerDashboard) Normalize() {
	if d.Leader.Instances == nil {
		d.Leader.Instances = []InstanceStatus{}
	}
	if d.RecentExecutions == nil {
		d.RecentExecutions = []TaskExecution{}
	}
	if d.UpcomingTasks == nil {
		d.UpcomingTasks = []ScheduledTask{}
	}
	if d.ActiveAlerts == nil {
		d.ActiveAlerts = []Alert{}
	}
}
