package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/schedwatch/internal/controlplane"
	"github.com/fentz26/schedwatch/internal/models"
)

var executionsCmd = &cobra.Command{
	Use:     "executions",
	Aliases: []string{"exec"},
	Short:   "Inspect and control task executions",
}

var executionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions",
	RunE:  withEnv(runExecutionsList),
}

var executionsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show an execution",
	Args:  cobra.ExactArgs(1),
	RunE:  withEnv(runExecutionsShow),
}

var executionsRetryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Retry a finished execution",
	Args:  cobra.ExactArgs(1),
	RunE:  withEnv(runExecutionsRetry),
}

var executionsCancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel a running execution",
	Args:  cobra.ExactArgs(1),
	RunE:  withEnv(runExecutionsCancel),
}

var executionsLogsCmd = &cobra.Command{
	Use:   "logs [id]",
	Short: "Show execution logs",
	Args:  cobra.ExactArgs(1),
	RunE:  withEnv(runExecutionsLogs),
}

var (
	execTask      string
	execStatus    string
	execSince     time.Duration
	execMinMs     int64
	execMaxMs     int64
	execPage      int
	execPageSize  int
	execSortBy    string
	execSortOrder string
)

func init() {
	executionsCmd.AddCommand(executionsListCmd, executionsShowCmd, executionsRetryCmd, executionsCancelCmd, executionsLogsCmd)

	f := executionsListCmd.Flags()
	f.StringVar(&execTask, "task", "", "Filter by task name")
	f.StringVar(&execStatus, "status", "", "Filter by status (pending, running, completed, failed, timeout, cancelled)")
	f.DurationVar(&execSince, "since", 0, "Only executions started within this window")
	f.Int64Var(&execMinMs, "min-duration", 0, "Minimum duration in ms")
	f.Int64Var(&execMaxMs, "max-duration", 0, "Maximum duration in ms")
	f.IntVar(&execPage, "page", 1, "Page number")
	f.IntVar(&execPageSize, "page-size", 20, "Page size")
	f.StringVar(&execSortBy, "sort", "started_at", "Sort field")
	f.StringVar(&execSortOrder, "order", "desc", "Sort order (asc, desc)")
}

func runExecutionsList(ctx context.Context, e *env, args []string) error {
	status := models.ExecutionStatus(execStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown execution status %q", execStatus)
	}
	filter := controlplane.ExecutionFilter{
		TaskName:      execTask,
		Status:        status,
		MinDurationMs: execMinMs,
		MaxDurationMs: execMaxMs,
		Page:          execPage,
		PageSize:      execPageSize,
		SortBy:        execSortBy,
		SortOrder:     execSortOrder,
	}
	if execSince > 0 {
		filter.From = time.Now().Add(-execSince)
	}

	page, err := e.client.ListExecutions(ctx, filter)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(page)
	}
	if len(page.Items) == 0 {
		fmt.Println("No executions found.")
		return nil
	}

	w := newTable(os.Stdout)
	fmt.Fprintln(w, "ID\tTASK\tSTATUS\tSTARTED\tDURATION\tRETRY\tERROR")
	for _, x := range page.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			x.ID, x.TaskName, x.Status, ago(x.StartedAt), millis(x.DurationMs),
			x.RetryAttempt, x.MaxRetries, truncate(x.ErrorMessage, 40))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nPage %d, %d of %d executions\n", page.Page, len(page.Items), page.Total)
	return nil
}

func runExecutionsShow(ctx context.Context, e *env, args []string) error {
	x, err := e.client.GetExecution(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(x)
	}

	w := newTable(os.Stdout)
	fmt.Fprintf(w, "ID:\t%s\n", x.ID)
	fmt.Fprintf(w, "Task:\t%s\n", x.TaskName)
	fmt.Fprintf(w, "Status:\t%s\n", x.Status)
	fmt.Fprintf(w, "Started:\t%s (%s)\n", x.StartedAt.Local().Format(time.RFC3339), ago(x.StartedAt))
	fmt.Fprintf(w, "Completed:\t%s\n", agoPtr(x.CompletedAt))
	fmt.Fprintf(w, "Duration:\t%s\n", millis(x.DurationMs))
	fmt.Fprintf(w, "Retry:\t%d/%d\n", x.RetryAttempt, x.MaxRetries)
	fmt.Fprintf(w, "Instance:\t%s\n", orDash(x.InstanceID))
	if x.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:\t%s\n", x.ErrorMessage)
	}
	if x.Result != "" {
		fmt.Fprintf(w, "Result:\t%s\n", x.Result)
	}
	return w.Flush()
}

func runExecutionsRetry(ctx context.Context, e *env, args []string) error {
	x, err := e.client.RetryExecution(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(x)
	}
	fmt.Printf("✓ Retry started: execution %s (%s)\n", x.ID, x.Status)
	return nil
}

func runExecutionsCancel(ctx context.Context, e *env, args []string) error {
	if err := e.client.CancelExecution(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("✓ Cancelled execution %s\n", args[0])
	return nil
}

func runExecutionsLogs(ctx context.Context, e *env, args []string) error {
	logs, err := e.client.GetExecutionLogs(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(logs)
	}
	if len(logs) == 0 {
		fmt.Println("No logs.")
		return nil
	}
	for _, l := range logs {
		fmt.Printf("%s  %-5s  %s\n", l.Timestamp.Local().Format("15:04:05.000"), strings.ToUpper(l.Level), l.Message)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
