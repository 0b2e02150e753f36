package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"threathunter/internal/hunter"
	"threathunter/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline state and open issues",
	Long:  `Display the current cycle state, ingest statistics, and the open issue list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var snap hunter.Snapshot
		if err := newAPIClient().getJSON("/api/dashboard", &snap); err != nil {
			return err
		}
		printStatus(snap)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func printStatus(snap hunter.Snapshot) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("=== Threat Hunter Status ==="))

	stateColor := color.New(color.FgGreen).SprintFunc()
	if snap.State == types.StateError {
		stateColor = color.New(color.FgRed).SprintFunc()
	}
	fmt.Printf("  State:    %s\n", stateColor(string(snap.State)))
	fmt.Printf("  Detail:   %s\n", snap.StatusMessage)
	if !snap.LastRun.IsZero() {
		fmt.Printf("  Last run: %s (%v ago)\n",
			snap.LastRun.Format("2006-01-02 15:04:05"),
			time.Since(snap.LastRun).Round(time.Second))
	}
	fmt.Printf("  Corpus:   %d alerts stored, %d new last cycle\n\n",
		snap.TotalLogs, snap.NewLogsLastCycle)

	if snap.OverallSummary != "" {
		fmt.Printf("%s\n  %s\n\n", yellow("Latest Summary:"), snap.OverallSummary)
	}

	fmt.Printf("%s\n", yellow("Open Issues:"))
	if len(snap.Issues) == 0 {
		fmt.Printf("  %s\n", gray("none"))
	}
	for _, issue := range snap.Issues {
		fmt.Printf("  %s [%s] %s\n", severityColor(issue.Severity)("●"), issue.Severity, issue.Title)
		fmt.Printf("    %s  %s\n", gray(issue.ID), issue.Summary)
	}
	fmt.Println()
}

func severityColor(sev types.Severity) func(a ...interface{}) string {
	switch sev {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	case types.SeverityHigh:
		return color.New(color.FgRed).SprintFunc()
	case types.SeverityMedium:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgHiBlack).SprintFunc()
	}
}
