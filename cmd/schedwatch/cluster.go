package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fentz26/schedwatch/internal/dashboard"
	"github.com/fentz26/schedwatch/internal/models"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Print the aggregated dashboard once",
	RunE:  withEnv(runDashboard),
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show execution statistics",
	RunE:  withEnv(runStats),
}

var leaderCmd = &cobra.Command{
	Use:   "leader",
	Short: "Show the leader election status",
	RunE:  withEnv(runLeader),
}

var leaderElectCmd = &cobra.Command{
	Use:   "elect",
	Short: "Force a new leader election",
	RunE:  withEnv(runLeaderElect),
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show control plane health",
	RunE:  withEnv(runHealth),
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Show cluster membership",
	RunE:  withEnv(runCluster),
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show system metrics",
	RunE:  withEnv(runMetrics),
}

var statsRange string

func init() {
	leaderCmd.AddCommand(leaderElectCmd)
	statsCmd.Flags().StringVar(&statsRange, "range", "", "Statistics window: 24h, 7d or 30d (default from config)")
}

func runDashboard(ctx context.Context, e *env, args []string) error {
	view := e.newAggregator().Refresh(ctx)
	if jsonOutput {
		return printJSON(view)
	}

	o := view.Dashboard.Overview
	d := view.Derived
	w := newTable(os.Stdout)
	fmt.Fprintf(w, "Tasks:\t%s total, %s active, %s paused, %s disabled\n",
		humanize.Comma(o.TotalTasks), humanize.Comma(o.ActiveTasks), humanize.Comma(o.PausedTasks), humanize.Comma(o.DisabledTasks))
	fmt.Fprintf(w, "Executions:\t%s total, %s in 24h, %s running\n",
		humanize.Comma(o.TotalExecutions), humanize.Comma(o.Executions24h), humanize.Comma(o.RunningExecutions))
	fmt.Fprintf(w, "Growth (7d):\t%s\n", percent(d.ExecutionGrowthRate))
	fmt.Fprintf(w, "Success rate:\t%s\n", percent(d.SuccessRate))
	fmt.Fprintf(w, "Avg per task:\t%.1f\n", d.AvgExecutionsPerTask)
	fmt.Fprintf(w, "Healthy instances:\t%s (avg load %.2f)\n", percent(d.HealthyInstancePercent), d.AvgLoadFactor)
	fmt.Fprintf(w, "Leader:\t%s (term %d)\n", orDash(view.Dashboard.Leader.CurrentLeader), view.Dashboard.Leader.ElectionTerm)
	fmt.Fprintf(w, "Health:\t%s\n", orDash(view.Health.Status))
	fmt.Fprintf(w, "Active alerts:\t%d\n", len(view.Dashboard.ActiveAlerts))
	if err := w.Flush(); err != nil {
		return err
	}

	if len(d.StatusDistribution) > 0 {
		fmt.Println("\nRecent execution status:")
		for _, s := range models.ExecutionStatuses {
			if pct, ok := d.StatusDistribution[s]; ok {
				fmt.Printf("  %-10s %s\n", s, percent(pct))
			}
		}
	}

	if view.Degraded {
		fmt.Println("\n⚠ Some sections are unavailable:")
		for _, section := range []string{dashboard.SectionDashboard, dashboard.SectionStatistics, dashboard.SectionCluster, dashboard.SectionHealth} {
			if msg, ok := view.Errors[section]; ok {
				fmt.Printf("  %s: %s\n", section, msg)
			}
		}
	}
	return nil
}

func runStats(ctx context.Context, e *env, args []string) error {
	r := e.cfg.Dashboard.StatsRange
	if statsRange != "" {
		r = models.StatsRange(statsRange)
	}
	stats, err := e.client.GetStatistics(ctx, r)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(stats)
	}

	t := stats.Totals
	fmt.Printf("Range %s: %s executions, %s succeeded, %s failed (%s)\n\n",
		stats.Range, humanize.Comma(t.TotalExecutions), humanize.Comma(t.SuccessfulExecutions),
		humanize.Comma(t.FailedExecutions), percent(dashboard.Percent(t.SuccessfulExecutions, t.TotalExecutions)))

	tasks := append([]models.TaskStatistics(nil), stats.Tasks...)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TotalExecutions > tasks[j].TotalExecutions })

	w := newTable(os.Stdout)
	fmt.Fprintln(w, "TASK\tRUNS\tOK\tFAILED\tSUCCESS\tAVG\tMAX")
	for _, s := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.0fms\t%dms\n",
			s.TaskName, humanize.Comma(s.TotalExecutions), humanize.Comma(s.SuccessfulExecutions),
			humanize.Comma(s.FailedExecutions), percent(s.SuccessRate), s.AvgDurationMs, s.MaxDurationMs)
	}
	return w.Flush()
}

func printInstances(instances []models.InstanceStatus) error {
	w := newTable(os.Stdout)
	fmt.Fprintln(w, "INSTANCE\tSTATUS\tHEALTHY\tLOAD\tCPU\tMEMORY\tHEARTBEAT")
	for _, i := range instances {
		fmt.Fprintf(w, "%s\t%s\t%t\t%.2f\t%.0f%%\t%s\t%s\n",
			i.InstanceID, i.Status, i.IsHealthy, i.LoadFactor, i.CPUUsagePercent,
			humanize.IBytes(uint64(i.MemoryUsageMB*1024*1024)), ago(i.LastHeartbeat))
	}
	return w.Flush()
}

func printLeader(status *models.LeaderElectionStatus) error {
	if jsonOutput {
		return printJSON(status)
	}
	if err := status.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	fmt.Printf("Leader: %s (term %d)\n\n", orDash(status.CurrentLeader), status.ElectionTerm)
	return printInstances(status.Instances)
}

func runLeader(ctx context.Context, e *env, args []string) error {
	status, err := e.client.GetLeader(ctx)
	if err != nil {
		return err
	}
	return printLeader(status)
}

func runLeaderElect(ctx context.Context, e *env, args []string) error {
	status, err := e.client.ForceElection(ctx)
	if err != nil {
		return err
	}
	if !jsonOutput {
		fmt.Println("✓ Election requested")
	}
	return printLeader(status)
}

func runHealth(ctx context.Context, e *env, args []string) error {
	health, err := e.client.GetHealth(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(health)
	}
	fmt.Printf("Status: %s (checked %s)\n", health.Status, ago(health.CheckedAt))

	names := make([]string, 0, len(health.Components))
	for name := range health.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	w := newTable(os.Stdout)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\t%s\n", name, health.Components[name])
	}
	return w.Flush()
}

func runCluster(ctx context.Context, e *env, args []string) error {
	cluster, err := e.client.GetCluster(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cluster)
	}
	fmt.Printf("Cluster %s: leader %s, %d/%d healthy\n\n",
		orDash(cluster.ClusterID), orDash(cluster.Leader), cluster.HealthyCount, len(cluster.Instances))
	return printInstances(cluster.Instances)
}

func runMetrics(ctx context.Context, e *env, args []string) error {
	m, err := e.client.GetMetrics(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(m)
	}
	w := newTable(os.Stdout)
	fmt.Fprintf(w, "CPU:\t%.1f%%\n", m.CPUUsagePercent)
	fmt.Fprintf(w, "Memory:\t%s\n", humanize.IBytes(uint64(m.MemoryUsageMB*1024*1024)))
	fmt.Fprintf(w, "Queue depth:\t%s\n", humanize.Comma(m.QueueDepth))
	fmt.Fprintf(w, "Running:\t%s\n", humanize.Comma(m.RunningExecutions))
	fmt.Fprintf(w, "Throughput:\t%.1f/min\n", m.ExecutionsPerMinute)
	fmt.Fprintf(w, "Collected:\t%s\n", ago(m.CollectedAt))
	return w.Flush()
}
