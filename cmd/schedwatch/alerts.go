package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Manage scheduler alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts",
	RunE:  withEnv(runAlertsList),
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack [id]",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE:  withEnv(runAlertsAck),
}

var alertsDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete an alert",
	Args:  cobra.ExactArgs(1),
	RunE:  withEnv(runAlertsDelete),
}

var alertsAll bool

func init() {
	alertsCmd.AddCommand(alertsListCmd, alertsAckCmd, alertsDeleteCmd)
	alertsListCmd.Flags().BoolVar(&alertsAll, "all", false, "Include acknowledged alerts")
}

func runAlertsList(ctx context.Context, e *env, args []string) error {
	alerts, err := e.client.ListAlerts(ctx, alertsAll)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(alerts)
	}
	if len(alerts) == 0 {
		fmt.Println("No alerts.")
		return nil
	}

	w := newTable(os.Stdout)
	fmt.Fprintln(w, "ID\tSEVERITY\tTITLE\tTASK\tCREATED\tACK")
	for _, a := range alerts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n", a.ID, a.Severity, a.Title, orDash(a.TaskName), ago(a.CreatedAt), a.Acknowledged)
	}
	return w.Flush()
}

func runAlertsAck(ctx context.Context, e *env, args []string) error {
	if err := e.client.AcknowledgeAlert(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("✓ Acknowledged alert %s\n", args[0])
	return nil
}

func runAlertsDelete(ctx context.Context, e *env, args []string) error {
	if err := e.client.DeleteAlert(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("✓ Deleted alert %s\n", args[0])
	return nil
}
