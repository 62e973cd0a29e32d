package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"releaseline/internal/domain"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOK(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func printReport(report domain.VerificationReport) {
	reasons := make(map[string]domain.Failure, len(report.Failures))
	for _, f := range report.Failures {
		reasons[f.InvariantID] = f
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Invariant", "Status", "Severity", "Reason"})
	for _, ev := range report.Proof.Evidence {
		status := "PASS"
		switch {
		case ev.Skipped:
			status = "SKIP"
		case !ev.Satisfied:
			status = "FAIL"
		}
		f := reasons[ev.InvariantID]
		tw.AppendRow(table.Row{ev.InvariantID, status, f.Severity, f.Reason})
	}
	tw.Render()
	s := report.Summary
	fmt.Printf("%d checked, %d passed, %d failed, %d skipped\n", s.Total, s.Passed, s.Failed, s.Skipped)
	fmt.Printf("proof %s\n", report.Proof.ProofHash)
	if report.ReadyForDeployment {
		fmt.Println("ready for deployment")
		return
	}
	fmt.Println("NOT ready for deployment")
	for _, f := range report.Failures {
		if f.Remediation != "" {
			fmt.Printf("  %s: %s\n", f.InvariantID, f.Remediation)
		}
	}
}

func printRun(res domain.RunResult) {
	fmt.Printf("run %s (%s): %s after %d attempt(s) in %dms\n", res.RunID, res.Target, res.FinalState, res.Attempts, res.DurationMS)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"From", "To", "Reason"})
	for _, t := range res.Transitions {
		tw.AppendRow(table.Row{t.From, t.To, t.Reason})
	}
	tw.Render()
	if res.Deployment != nil {
		fmt.Printf("deployment %s %s %s\n", res.Deployment.ID, res.Deployment.Status, res.Deployment.URL)
	}
	if res.Health != nil && !res.Health.Skipped {
		fmt.Printf("health: success %.1f%%, p95 %.0fms, p99 %.0fms\n", res.Health.SuccessRate*100, res.Health.P95LatencyMS, res.Health.P99LatencyMS)
	}
	if res.RolledBack && res.Alert != nil {
		fmt.Printf("rolled back to %s: %s\n", res.Alert.RollbackTarget, res.Alert.Reason)
	}
	if res.Escalation != nil {
		fmt.Printf("escalated: %s\n", res.Escalation.Reason)
		for _, fix := range res.Escalation.ProposedFixes {
			fmt.Printf("  proposed %s/%s (permitted=%t): %s\n", fix.Category, fix.Action, fix.Permitted, fix.Diagnostic)
		}
	}
}

func printRuns(runs []domain.Run) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Target", "State", "Deployment", "Actor", "Finished"})
	for _, r := range runs {
		tw.AppendRow(table.Row{r.ID, r.Target, r.FinalState, r.DeploymentID, r.ActorID, r.FinishedAt})
	}
	tw.Render()
}

func printAlerts(alerts []domain.GjallarhornAlert) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Deployment", "Action", "Rollback To", "OK", "Reason"})
	for _, a := range alerts {
		ok := "-"
		if a.RollbackSucceeded != nil {
			ok = fmt.Sprint(*a.RollbackSucceeded)
		}
		tw.AppendRow(table.Row{a.ID, a.DeploymentID, a.ActionTaken, a.RollbackTarget, ok, a.Reason})
	}
	tw.Render()
}

func printHealth(report domain.HealthReport) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Endpoint", "Method", "Status", "Latency (ms)", "Error"})
	for _, s := range report.Samples {
		tw.AppendRow(table.Row{s.Endpoint, s.Method, s.StatusCode, fmt.Sprintf("%.1f", s.LatencyMS), s.Error})
	}
	tw.Render()
	fmt.Printf("%d requests, success %.1f%%, p95 %.0fms, p99 %.0fms\n", report.TotalRequests, report.SuccessRate*100, report.P95LatencyMS, report.P99LatencyMS)
	if report.PassedThresholds {
		fmt.Println("thresholds passed")
		return
	}
	fmt.Printf("thresholds failed: %s\n", report.FailureReason)
}

func printDeployment(info domain.DeploymentInfo) error {
	if viper.GetBool("json") {
		return printJSON(info)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Status", "URL", "Target", "Aliases"})
	tw.AppendRow(table.Row{info.ID, info.Status, info.URL, info.Target, fmt.Sprint(info.Aliases)})
	tw.Render()
	return nil
}

func printEvents(evts []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Target", "Entity", "Actor"})
	for _, ev := range evts {
		tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.Target, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
	}
	tw.Render()
}
