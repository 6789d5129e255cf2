package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/fentz26/schedwatch/internal/dashboard"
	"github.com/fentz26/schedwatch/internal/models"
)

func renderOverview(v *dashboard.View) string {
	var b strings.Builder
	o := v.Dashboard.Overview
	d := v.Derived

	b.WriteString(headerStyle.Render("Overview") + "\n")
	b.WriteString(fmt.Sprintf("Tasks       %s total  %s active  %s paused  %s disabled\n",
		humanize.Comma(o.TotalTasks),
		humanize.Comma(o.ActiveTasks),
		humanize.Comma(o.PausedTasks),
		humanize.Comma(o.DisabledTasks),
	))
	b.WriteString(fmt.Sprintf("Executions  %s total  %s in 24h  %s running\n",
		humanize.Comma(o.TotalExecutions),
		humanize.Comma(o.Executions24h),
		humanize.Comma(o.RunningExecutions),
	))
	b.WriteString(fmt.Sprintf("Growth      %s over 7d\n", signedPercent(d.ExecutionGrowthRate)))
	b.WriteString(fmt.Sprintf("Success     %s  (%s failed in 24h)\n",
		rateStyle(d.SuccessRate).Render(fmt.Sprintf("%.1f%%", d.SuccessRate)),
		humanize.Comma(o.FailedExecutions24h),
	))
	b.WriteString(fmt.Sprintf("Avg run     %s  %.1f runs/task\n",
		formatDuration(time.Duration(d.AvgDurationMs)*time.Millisecond),
		d.AvgExecutionsPerTask,
	))

	m := v.Dashboard.Metrics
	b.WriteString(fmt.Sprintf("System      cpu %.0f%%  mem %s  queue %d  %.1f/min",
		m.CPUUsagePercent,
		humanize.IBytes(uint64(m.MemoryUsageMB*1024*1024)),
		m.QueueDepth,
		m.ExecutionsPerMinute,
	))
	return b.String()
}

func renderCluster(v *dashboard.View) string {
	var b strings.Builder

	leader := v.Dashboard.Leader
	b.WriteString(headerStyle.Render("Cluster") + "\n")
	if leader.CurrentLeader != "" {
		b.WriteString(fmt.Sprintf("Leader  %s  (term %d)\n", leaderStyle.Render(leader.CurrentLeader), leader.ElectionTerm))
	} else {
		b.WriteString("Leader  " + unhealthyStyle.Render("none elected") + "\n")
	}

	instances := v.Cluster.Instances
	if len(instances) == 0 {
		instances = leader.Instances
	}
	b.WriteString(fmt.Sprintf("Healthy %.0f%%  avg load %.2f\n",
		v.Derived.HealthyInstancePercent, v.Derived.AvgLoadFactor))
	for _, inst := range instances {
		mark := healthyStyle.Render("●")
		if !inst.IsHealthy {
			mark = unhealthyStyle.Render("●")
		}
		name := truncate(inst.InstanceID, 16)
		if inst.Status == models.InstanceLeader {
			name = leaderStyle.Render(name)
		}
		b.WriteString(fmt.Sprintf("%s %-16s %-9s load %.2f  %s\n",
			mark, name, inst.Status, inst.LoadFactor, since(inst.LastHeartbeat)))
	}

	health := v.Health.Status
	if health == "" {
		health = "unknown"
	}
	b.WriteString("Health  " + health)
	return b.String()
}

func renderExecutions(v *dashboard.View, query string, limit int) string {
	var b strings.Builder

	b.WriteString("\n  " + headerStyle.Render("Recent executions") + "\n")
	b.WriteString("  " + strings.Repeat("─", 72) + "\n")

	shown := 0
	for _, e := range v.Dashboard.RecentExecutions {
		if !matches(query, e.TaskName, string(e.Status)) {
			continue
		}
		if shown == limit {
			break
		}
		shown++

		dur := "-"
		if e.DurationMs != nil {
			dur = formatDuration(time.Duration(*e.DurationMs) * time.Millisecond)
		}
		line := fmt.Sprintf("  %-10s  %-24s  %s  %-8s  %s",
			truncate(e.ID, 10),
			truncate(e.TaskName, 24),
			statusStyle(e.Status).Render(fmt.Sprintf("%-9s", e.Status)),
			dur,
			since(e.StartedAt),
		)
		if e.ErrorMessage != "" {
			line += "  " + unhealthyStyle.Render(truncate(e.ErrorMessage, 30))
		}
		b.WriteString(line + "\n")
	}
	if shown == 0 {
		b.WriteString(helpStyle.Render("  No executions") + "\n")
	}
	return b.String()
}

func renderAlerts(v *dashboard.View) string {
	alerts := v.Dashboard.ActiveAlerts
	if len(alerts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n  " + headerStyle.Render(fmt.Sprintf("Alerts (%d)", len(alerts))) + "\n")
	for i, a := range alerts {
		if i == 5 {
			b.WriteString(helpStyle.Render(fmt.Sprintf("  ... %d more", len(alerts)-5)) + "\n")
			break
		}
		b.WriteString(fmt.Sprintf("  %s %s  %s\n",
			severityStyle(a.Severity).Render(fmt.Sprintf("[%s]", a.Severity)),
			a.Title,
			helpStyle.Render(since(a.CreatedAt)),
		))
	}
	return b.String()
}

func statusStyle(s models.ExecutionStatus) lipgloss.Style {
	switch s {
	case models.ExecutionCompleted:
		return lipgloss.NewStyle().Foreground(successColor)
	case models.ExecutionRunning:
		return lipgloss.NewStyle().Foreground(cyanColor)
	case models.ExecutionPending:
		return lipgloss.NewStyle().Foreground(mutedColor)
	case models.ExecutionFailed, models.ExecutionTimeout:
		return lipgloss.NewStyle().Foreground(errorColor)
	default:
		return lipgloss.NewStyle().Foreground(warningColor)
	}
}

func severityStyle(severity string) lipgloss.Style {
	switch strings.ToLower(severity) {
	case "critical", "error":
		return lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	case "warning":
		return lipgloss.NewStyle().Foreground(warningColor)
	default:
		return lipgloss.NewStyle().Foreground(cyanColor)
	}
}

func rateStyle(rate float64) lipgloss.Style {
	switch {
	case rate >= 95:
		return lipgloss.NewStyle().Foreground(successColor)
	case rate >= 80:
		return lipgloss.NewStyle().Foreground(warningColor)
	default:
		return lipgloss.NewStyle().Foreground(errorColor)
	}
}

func signedPercent(v float64) string {
	if v > 0 {
		return fmt.Sprintf("+%.1f%%", v)
	}
	return fmt.Sprintf("%.1f%%", v)
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
