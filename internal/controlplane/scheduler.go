package controlplane

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/fentz26/schedwatch/internal/auth"
	"github.com/fentz26/schedwatch/internal/models"
	"github.com/fentz26/schedwatch/internal/schedule"
)

const (
	// SchedulerPrefix is the root of the scheduler administration API.
	SchedulerPrefix = "/api/v1/admin/scheduler"
	// IdentityPath returns the administrator owning the current credential.
	IdentityPath = "/api/v1/admin/auth/me"
)

func taskPath(name string, action ...string) string {
	p := SchedulerPrefix + "/tasks/" + url.PathEscape(name)
	for _, a := range action {
		p += "/" + a
	}
	return p
}

func executionPath(id string, action ...string) string {
	p := SchedulerPrefix + "/executions/" + url.PathEscape(id)
	for _, a := range action {
		p += "/" + a
	}
	return p
}

// --- Dashboard ---

// GetDashboard fetches the composite dashboard snapshot. It never fails: when
// the control plane cannot be reached or answers with an error, it logs a
// warning and returns DefaultDashboard marked as degraded.
func (c *Client) GetDashboard(ctx context.Context) models.SchedulerDashboard {
	var d models.SchedulerDashboard
	if err := c.get(ctx, SchedulerPrefix+"/dashboard", nil, &d); err != nil {
		c.logger.Warn("dashboard unavailable, serving fallback", "err", err)
		fallback := models.DefaultDashboard()
		fallback.Degraded = true
		fallback.DegradedReason = err.Error()
		return fallback
	}
	d.Normalize()
	return d
}

// GetMetrics fetches current system metrics.
func (c *Client) GetMetrics(ctx context.Context) (*models.SystemMetrics, error) {
	var m models.SystemMetrics
	if err := c.get(ctx, SchedulerPrefix+"/metrics", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// --- Alerts ---

// ListAlerts fetches alerts; acknowledged ones are included when all is true.
func (c *Client) ListAlerts(ctx context.Context, all bool) ([]models.Alert, error) {
	q := url.Values{}
	if all {
		q.Set("include_acknowledged", "true")
	}
	var alerts []models.Alert
	if err := c.get(ctx, SchedulerPrefix+"/alerts", q, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// AcknowledgeAlert marks an alert as seen.
func (c *Client) AcknowledgeAlert(ctx context.Context, id string) error {
	return c.post(ctx, SchedulerPrefix+"/alerts/"+url.PathEscape(id)+"/acknowledge", nil, nil)
}

// DeleteAlert removes an alert.
func (c *Client) DeleteAlert(ctx context.Context, id string) error {
	return c.delete(ctx, SchedulerPrefix+"/alerts/"+url.PathEscape(id))
}

// --- Tasks ---

// TaskFilter narrows a task listing.
type TaskFilter struct {
	Status models.TaskStatus
	Search string
}

func (f TaskFilter) query() url.Values {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	return q
}

// ListTasks fetches task definitions.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]models.ScheduledTask, error) {
	var tasks []models.ScheduledTask
	if err := c.get(ctx, SchedulerPrefix+"/tasks", filter.query(), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask fetches one task definition.
func (c *Client) GetTask(ctx context.Context, name string) (*models.ScheduledTask, error) {
	var task models.ScheduledTask
	if err := c.get(ctx, taskPath(name), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateTask registers a new task after validating its cron expression locally.
func (c *Client) CreateTask(ctx context.Context, spec models.TaskSpec) (*models.ScheduledTask, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("task name is required")
	}
	if _, err := schedule.ParseCron(spec.CronExpression); err != nil {
		return nil, err
	}
	var task models.ScheduledTask
	if err := c.post(ctx, SchedulerPrefix+"/tasks", spec, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask replaces a task definition.
func (c *Client) UpdateTask(ctx context.Context, name string, spec models.TaskSpec) (*models.ScheduledTask, error) {
	if _, err := schedule.ParseCron(spec.CronExpression); err != nil {
		return nil, err
	}
	var task models.ScheduledTask
	if err := c.put(ctx, taskPath(name), spec, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask removes a task definition.
func (c *Client) DeleteTask(ctx context.Context, name string) error {
	return c.delete(ctx, taskPath(name))
}

// TriggerTask starts an out-of-schedule execution and returns it.
func (c *Client) TriggerTask(ctx context.Context, name string) (*models.TaskExecution, error) {
	var exec models.TaskExecution
	if err := c.post(ctx, taskPath(name, "trigger"), nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// PauseTask stops scheduling a task.
func (c *Client) PauseTask(ctx context.Context, name string) error {
	return c.post(ctx, taskPath(name, "pause"), nil, nil)
}

// ResumeTask resumes scheduling a paused task.
func (c *Client) ResumeTask(ctx context.Context, name string) error {
	return c.post(ctx, taskPath(name, "resume"), nil, nil)
}

// UpdateSchedule changes a task's cron expression.
func (c *Client) UpdateSchedule(ctx context.Context, name, cronExpr string) (*models.ScheduledTask, error) {
	if _, err := schedule.ParseCron(cronExpr); err != nil {
		return nil, err
	}
	body := map[string]string{"cron_expression": cronExpr}
	var task models.ScheduledTask
	if err := c.put(ctx, taskPath(name, "schedule"), body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// --- Executions ---

// ExecutionFilter narrows an execution listing.
type ExecutionFilter struct {
	TaskName      string
	Status        models.ExecutionStatus
	From          time.Time
	To            time.Time
	MinDurationMs int64
	MaxDurationMs int64
	Page          int
	PageSize      int
	SortBy        string
	SortOrder     string
}

func (f ExecutionFilter) query() url.Values {
	q := url.Values{}
	if f.TaskName != "" {
		q.Set("task_name", f.TaskName)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if !f.From.IsZero() {
		q.Set("start_date", f.From.UTC().Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		q.Set("end_date", f.To.UTC().Format(time.RFC3339))
	}
	if f.MinDurationMs > 0 {
		q.Set("min_duration", strconv.FormatInt(f.MinDurationMs, 10))
	}
	if f.MaxDurationMs > 0 {
		q.Set("max_duration", strconv.FormatInt(f.MaxDurationMs, 10))
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(f.PageSize))
	}
	if f.SortBy != "" {
		q.Set("sort_by", f.SortBy)
	}
	if f.SortOrder != "" {
		q.Set("sort_order", f.SortOrder)
	}
	return q
}

// ListExecutions fetches one page of executions.
func (c *Client) ListExecutions(ctx context.Context, filter ExecutionFilter) (*models.ExecutionPage, error) {
	var page models.ExecutionPage
	if err := c.get(ctx, SchedulerPrefix+"/executions", filter.query(), &page); err != nil {
		return nil, err
	}
	if page.Items == nil {
		page.Items = []models.TaskExecution{}
	}
	return &page, nil
}

// GetExecution fetches one execution.
func (c *Client) GetExecution(ctx context.Context, id string) (*models.TaskExecution, error) {
	var exec models.TaskExecution
	if err := c.get(ctx, executionPath(id), nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// RetryExecution schedules a new attempt of a finished execution.
func (c *Client) RetryExecution(ctx context.Context, id string) (*models.TaskExecution, error) {
	var exec models.TaskExecution
	if err := c.post(ctx, executionPath(id, "retry"), nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// CancelExecution cancels a pending or running execution.
func (c *Client) CancelExecution(ctx context.Context, id string) error {
	return c.post(ctx, executionPath(id, "cancel"), nil, nil)
}

// GetExecutionLogs fetches the log lines of an execution.
func (c *Client) GetExecutionLogs(ctx context.Context, id string) ([]models.ExecutionLog, error) {
	var logs []models.ExecutionLog
	if err := c.get(ctx, executionPath(id, "logs"), nil, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// --- Statistics ---

// GetStatistics fetches scheduler-wide statistics for a window.
func (c *Client) GetStatistics(ctx context.Context, r models.StatsRange) (*models.SchedulerStatistics, error) {
	if r == "" {
		r = models.Range24h
	}
	if !r.Valid() {
		return nil, fmt.Errorf("unsupported statistics range %q", r)
	}
	var stats models.SchedulerStatistics
	if err := c.get(ctx, SchedulerPrefix+"/statistics", url.Values{"range": {string(r)}}, &stats); err != nil {
		return nil, err
	}
	if stats.Tasks == nil {
		stats.Tasks = []models.TaskStatistics{}
	}
	return &stats, nil
}

// GetTaskStatistics fetches statistics for one task.
func (c *Client) GetTaskStatistics(ctx context.Context, name string) (*models.TaskStatistics, error) {
	var stats models.TaskStatistics
	if err := c.get(ctx, SchedulerPrefix+"/statistics/"+url.PathEscape(name), nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// --- Cluster ---

// GetLeader fetches the leader election status.
func (c *Client) GetLeader(ctx context.Context) (*models.LeaderElectionStatus, error) {
	var status models.LeaderElectionStatus
	if err := c.get(ctx, SchedulerPrefix+"/leader", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ForceElection asks the cluster to elect a new leader.
func (c *Client) ForceElection(ctx context.Context) (*models.LeaderElectionStatus, error) {
	var status models.LeaderElectionStatus
	if err := c.post(ctx, SchedulerPrefix+"/leader/elect", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetHealth fetches the control plane health report.
func (c *Client) GetHealth(ctx context.Context) (*models.HealthStatus, error) {
	var health models.HealthStatus
	if err := c.get(ctx, SchedulerPrefix+"/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// GetCluster fetches cluster membership.
func (c *Client) GetCluster(ctx context.Context) (*models.ClusterStatus, error) {
	var cluster models.ClusterStatus
	if err := c.get(ctx, SchedulerPrefix+"/cluster", nil, &cluster); err != nil {
		return nil, err
	}
	return &cluster, nil
}

// --- Identity ---

// VerifyIdentity asks the server who owns the current credential.
// It has the shape of auth.VerifyFunc.
func (c *Client) VerifyIdentity(ctx context.Context) (*auth.Identity, error) {
	var id auth.Identity
	if err := c.get(ctx, IdentityPath, nil, &id); err != nil {
		return nil, err
	}
	return &id, nil
}
