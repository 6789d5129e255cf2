package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fentz26/schedwatch/internal/controlplane"
	"github.com/fentz26/schedwatch/internal/models"
	"github.com/fentz26/schedwatch/internal/schedule"
)

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Aliases: []string{"task"},
	Short:   "Manage scheduled tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  withEnv(runTasksList),
}

var tasksShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show task details, statistics and upcoming runs",
	Args:  cobra.ExactArgs(1),
	RunE:  withEnv(runTasksShow),
}

var tasksCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a task",
	Args:  cobra.ExactArgs(1),
	RunE:  withEnv(runTasksCreate),
}

var tasksUpdateCmd = &cobra.Command{
	Use:   "update [name]",
	Short: "Replace a task definition",
	Args:  cobra.ExactArgs(1),
	RunE:  withEnv(runTasksUpdate),
}

var tasksDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE:  withEnv(runTasksDelete),
}

var tasksTriggerCmd = &cobra.Command{
	Use:   "trigger [name]",
	Short: "Run a task now",
	Args:  cobra.ExactArgs(1),
	RunE:  withEnv(runTasksTrigger),
}

var tasksPauseCmd = &cobra.Command{
	Use:   "pause [name]",
	Short: "Pause a task",
	Args:  cobra.ExactArgs(1),
	RunE:  withEnv(runTasksPause),
}

var tasksResumeCmd = &cobra.Command{
	Use:   "resume [name]",
	Short: "Resume a paused task",
	Args:  cobra.ExactArgs(1),
	RunE:  withEnv(runTasksResume),
}

var tasksScheduleCmd = &cobra.Command{
	Use:   "schedule [name] [cron]",
	Short: "Change a task's cron expression",
	Args:  cobra.ExactArgs(2),
	RunE:  withEnv(runTasksSchedule),
}

var (
	taskStatus   string
	taskSearch   string
	taskCron     string
	taskDesc     string
	taskRetries  int
	taskTimeout  int
	taskDisabled bool
)

func init() {
	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd, tasksCreateCmd, tasksUpdateCmd, tasksDeleteCmd,
		tasksTriggerCmd, tasksPauseCmd, tasksResumeCmd, tasksScheduleCmd)

	tasksListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (active, paused, disabled)")
	tasksListCmd.Flags().StringVar(&taskSearch, "search", "", "Filter by name substring")

	for _, c := range []*cobra.Command{tasksCreateCmd, tasksUpdateCmd} {
		c.Flags().StringVar(&taskCron, "cron", "", "Cron expression (required)")
		c.Flags().StringVar(&taskDesc, "desc", "", "Task description")
		c.Flags().IntVar(&taskRetries, "retries", 3, "Retry attempts")
		c.Flags().IntVar(&taskTimeout, "timeout", 300, "Timeout in seconds")
		c.Flags().BoolVar(&taskDisabled, "disabled", false, "Create the task disabled")
		c.MarkFlagRequired("cron")
	}
}

func taskSpec(name string) models.TaskSpec {
	return models.TaskSpec{
		Name:           name,
		Description:    taskDesc,
		CronExpression: taskCron,
		RetryAttempts:  taskRetries,
		TimeoutSeconds: taskTimeout,
		Enabled:        !taskDisabled,
	}
}

func runTasksList(ctx context.Context, e *env, args []string) error {
	tasks, err := e.client.ListTasks(ctx, controlplane.TaskFilter{
		Status: models.TaskStatus(taskStatus),
		Search: taskSearch,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(tasks)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := newTable(os.Stdout)
	fmt.Fprintln(w, "NAME\tSTATUS\tCRON\tNEXT RUN\tLAST RUN")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.Name, t.Status, t.CronExpression, agoPtr(t.NextRun), agoPtr(t.LastRun))
	}
	return w.Flush()
}

func runTasksShow(ctx context.Context, e *env, args []string) error {
	task, err := e.client.GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	stats, statsErr := e.client.GetTaskStatistics(ctx, args[0])
	if jsonOutput {
		return printJSON(map[string]interface{}{"task": task, "statistics": stats})
	}

	w := newTable(os.Stdout)
	fmt.Fprintf(w, "Name:\t%s\n", task.Name)
	fmt.Fprintf(w, "Status:\t%s\n", task.Status)
	fmt.Fprintf(w, "Cron:\t%s\n", task.CronExpression)
	fmt.Fprintf(w, "Description:\t%s\n", orDash(task.Description))
	fmt.Fprintf(w, "Retries:\t%d\n", task.RetryAttempts)
	fmt.Fprintf(w, "Timeout:\t%s\n", time.Duration(task.TimeoutSeconds)*time.Second)
	fmt.Fprintf(w, "Last run:\t%s\n", agoPtr(task.LastRun))
	if runs, err := schedule.NextRuns(task.CronExpression, time.Now(), 3); err == nil {
		for i, r := range runs {
			label := ""
			if i == 0 {
				label = "Upcoming:"
			}
			fmt.Fprintf(w, "%s\t%s (%s)\n", label, r.Local().Format(time.RFC1123), humanize.Time(r))
		}
	}
	if statsErr != nil {
		fmt.Fprintf(w, "Statistics:\tunavailable (%v)\n", statsErr)
	} else {
		fmt.Fprintf(w, "Executions:\t%s total, %s ok, %s failed\n",
			humanize.Comma(stats.TotalExecutions),
			humanize.Comma(stats.SuccessfulExecutions),
			humanize.Comma(stats.FailedExecutions))
		fmt.Fprintf(w, "Success rate:\t%s\n", percent(stats.SuccessRate))
		fmt.Fprintf(w, "Duration:\tmin %dms, avg %.0fms, max %dms\n", stats.MinDurationMs, stats.AvgDurationMs, stats.MaxDurationMs)
	}
	return w.Flush()
}

func runTasksCreate(ctx context.Context, e *env, args []string) error {
	task, err := e.client.CreateTask(ctx, taskSpec(args[0]))
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(task)
	}
	fmt.Printf("✓ Created task %s (%s)\n", task.Name, task.CronExpression)
	return nil
}

func runTasksUpdate(ctx context.Context, e *env, args []string) error {
	task, err := e.client.UpdateTask(ctx, args[0], taskSpec(args[0]))
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(task)
	}
	fmt.Printf("✓ Updated task %s\n", task.Name)
	return nil
}

func runTasksDelete(ctx context.Context, e *env, args []string) error {
	if err := e.client.DeleteTask(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("✓ Deleted task %s\n", args[0])
	return nil
}

func runTasksTrigger(ctx context.Context, e *env, args []string) error {
	exec, err := e.client.TriggerTask(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(exec)
	}
	fmt.Printf("✓ Triggered %s: execution %s (%s)\n", args[0], exec.ID, exec.Status)
	return nil
}

func runTasksPause(ctx context.Context, e *env, args []string) error {
	if err := e.client.PauseTask(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("✓ Paused task %s\n", args[0])
	return nil
}

func runTasksResume(ctx context.Context, e *env, args []string) error {
	if err := e.client.ResumeTask(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("✓ Resumed task %s\n", args[0])
	return nil
}

func runTasksSchedule(ctx context.Context, e *env, args []string) error {
	task, err := e.client.UpdateSchedule(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(task)
	}
	fmt.Printf("✓ %s now runs on %q (next %s)\n", task.Name, task.CronExpression, agoPtr(task.NextRun))
	return nil
}
