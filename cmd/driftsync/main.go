package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/engine"
	"github.com/driftsync/driftsync/internal/executor"
	"github.com/driftsync/driftsync/internal/exitcodes"
	"github.com/driftsync/driftsync/internal/logging"
	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "driftsync",
		Usage:   "Differential migration between a legacy schema and its redesigned destination",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file on completion",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "no-progress",
				Usage: "Disable console progress bars",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// Redirect logs to stderr when JSON output is enabled
			if c.Bool("output-json") || c.String("output-file") != "" {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "analyze",
				Usage:  "Compare record counts and mapping validity between source and destination",
				Action: runAnalyze,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "entity",
						Usage: "Restrict to specific entity types (repeatable)",
					},
				},
			},
			{
				Name:   "detect",
				Usage:  "Detect new, modified, and deleted records since the last migration",
				Action: runDetect,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "entity",
						Usage: "Restrict to specific entity types (repeatable)",
					},
					&cli.StringFlag{
						Name:  "strategy",
						Usage: "Override detection strategy: timestamp, id, or checksum",
					},
				},
			},
			{
				Name:   "run",
				Usage:  "Detect changes and migrate them as dependency-ordered batches",
				Action: runMigration,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "entity",
						Usage: "Restrict to specific entity types (repeatable)",
					},
				},
			},
			{
				Name:   "resume",
				Usage:  "Resume a paused or failed run from its checkpoints",
				Action: runResume,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "checkpoint",
						Usage: "Resume a single entity from this checkpoint id",
					},
				},
			},
			{
				Name:  "conflicts",
				Usage: "Detect and resolve independently modified destination records",
				Subcommands: []*cli.Command{
					{
						Name:   "detect",
						Usage:  "Record conflicted destination rows as audit differentials",
						Action: runConflictDetect,
						Flags: []cli.Flag{
							&cli.StringSliceFlag{
								Name:  "entity",
								Usage: "Restrict to specific entity types (repeatable)",
							},
						},
					},
					{
						Name:   "resolve",
						Usage:  "Resolve unresolved differentials under a strategy",
						Action: runConflictResolve,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "entity",
								Usage: "Restrict to one entity type",
							},
							&cli.StringFlag{
								Name:  "strategy",
								Usage: "Override strategy: source_wins, target_wins, or manual",
							},
							&cli.BoolFlag{
								Name:  "dry-run",
								Usage: "Compute and report without writing",
							},
						},
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show the state of the current or last run",
				Action: runStatus,
			},
			{
				Name:   "history",
				Usage:  "List recorded migration runs",
				Action: runHistory,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show the execution log for a specific run id",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcodes.FromError(err))
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newEngine(ctx context.Context, c *cli.Context) (*engine.Engine, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	display := !c.Bool("no-progress") && !c.Bool("output-json") && c.String("output-file") == ""
	return engine.New(ctx, cfg, engine.Options{Display: display})
}

func runAnalyze(c *cli.Context) error {
	ctx := c.Context
	eng, err := newEngine(ctx, c)
	if err != nil {
		return err
	}
	defer eng.Close()

	report, err := eng.Analyze(ctx, c.StringSlice("entity"))
	if err != nil {
		return err
	}
	if wantJSON(c) {
		return outputJSON(c, report)
	}

	fmt.Printf("Baseline analysis at %s\n", report.AnalysisTimestamp.Format(time.RFC3339))
	fmt.Printf("Overall health: %s\n\n", report.OverallHealth)
	for _, eb := range report.Entities {
		if !eb.Available {
			fmt.Printf("  %-20s unavailable: %s\n", eb.EntityType, eb.Error)
			continue
		}
		fmt.Printf("  %-20s source=%d destination=%d gap=%d (%.1f%%)\n",
			eb.EntityType, eb.SourceCount, eb.DestinationCount, eb.RecordGap, eb.GapPercentage)
		for _, issue := range eb.MappingIssues {
			fmt.Printf("  %-20s mapping: %s\n", "", issue)
		}
	}
	fmt.Println()
	for i, rec := range report.Recommendations {
		fmt.Printf("%d. %s\n", i+1, rec)
	}
	return nil
}

func runDetect(c *cli.Context) error {
	ctx := c.Context
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if s := c.String("strategy"); s != "" {
		cfg.Engine.Detection.Strategy = s
	}
	display := !c.Bool("no-progress") && !wantJSON(c)
	eng, err := engine.New(ctx, cfg, engine.Options{Display: display})
	if err != nil {
		return err
	}
	defer eng.Close()

	results, err := eng.Detect(ctx, c.StringSlice("entity"))
	if err != nil {
		return err
	}
	if wantJSON(c) {
		return outputJSON(c, results)
	}

	for et, res := range results {
		fmt.Printf("%s: %d new, %d modified, %d deleted (%.1f%% of %d source records, %d queries in %s)\n",
			et, res.Summary.NewCount, res.Summary.ModifiedCount, res.Summary.DeletedCount,
			res.Summary.ChangePercent, res.SourceRecordCount,
			res.Performance.QueriesExecuted, res.Performance.Duration.Round(time.Millisecond))
	}
	return nil
}

func runMigration(c *cli.Context) error {
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	eng, err := newEngine(ctx, c)
	if err != nil {
		return err
	}
	defer eng.Close()

	// First signal pauses after in-flight batches; second aborts.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted. Pausing after in-flight batches...")
		if cpID, err := eng.Pause(context.Background()); err == nil {
			fmt.Fprintf(os.Stderr, "Paused at checkpoint %s. Resume with: driftsync resume\n", cpID)
		}
		<-sigCh
		fmt.Fprintln(os.Stderr, "Aborting.")
		cancel()
	}()

	result, runErr := eng.Run(ctx, c.StringSlice("entity"))
	if result != nil && wantJSON(c) {
		if err := outputJSON(c, result); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	if !wantJSON(c) {
		printExecutionSummary(result)
	}
	return pausedExit(result)
}

func runResume(c *cli.Context) error {
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	eng, err := newEngine(ctx, c)
	if err != nil {
		return err
	}
	defer eng.Close()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted. Pausing after in-flight batches...")
		if cpID, err := eng.Pause(context.Background()); err == nil {
			fmt.Fprintf(os.Stderr, "Paused at checkpoint %s\n", cpID)
		}
		<-sigCh
		cancel()
	}()

	result, err := eng.Resume(ctx, c.String("checkpoint"))
	if err != nil {
		return err
	}
	if wantJSON(c) {
		if err := outputJSON(c, result); err != nil {
			return err
		}
		return pausedExit(result)
	}
	printExecutionSummary(result)
	return pausedExit(result)
}

// pausedExit maps a paused run to the recoverable cancelled exit code so
// schedulers retry with resume instead of treating it as success.
func pausedExit(result *executor.ExecutionResult) error {
	if result != nil && result.OverallStatus == executor.RunPaused {
		return exitcodes.NewExitError(fmt.Errorf("run paused at checkpoint; resume to continue"), exitcodes.Cancelled)
	}
	return nil
}

func runConflictDetect(c *cli.Context) error {
	ctx := c.Context
	eng, err := newEngine(ctx, c)
	if err != nil {
		return err
	}
	defer eng.Close()

	found, err := eng.DetectConflicts(ctx, c.StringSlice("entity"))
	if err != nil {
		return err
	}
	if wantJSON(c) {
		return outputJSON(c, found)
	}

	if len(found) == 0 {
		fmt.Println("No conflicted records detected.")
		return nil
	}
	for _, diff := range found {
		fmt.Printf("%s: %d conflicted records (differential %s)\n",
			diff.EntityType, diff.RecordCount, diff.ID)
	}
	return nil
}

func runConflictResolve(c *cli.Context) error {
	ctx := c.Context
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.Bool("dry-run") {
		cfg.Engine.Resolution.DryRun = true
	}
	eng, err := engine.New(ctx, cfg, engine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	summary, err := eng.Resolve(ctx, c.String("entity"), c.String("strategy"))
	if err != nil {
		return err
	}
	if wantJSON(c) {
		return outputJSON(c, summary)
	}

	mode := ""
	if summary.DryRun {
		mode = " (dry run)"
	}
	fmt.Printf("Resolved %d of %d differentials with %s%s: %d skipped, %d failed, %d pending manual\n",
		summary.Resolved, summary.Total, summary.Strategy, mode,
		summary.Skipped, summary.Failed, summary.PendingManual)
	for _, res := range summary.Results {
		if res.Error != "" {
			fmt.Printf("  %s [%s]: %s\n", res.DifferentialID, res.Status, res.Error)
		}
	}
	return nil
}

func runStatus(c *cli.Context) error {
	ctx := c.Context
	eng, err := newEngine(ctx, c)
	if err != nil {
		return err
	}
	defer eng.Close()

	runs, err := eng.History()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No migration runs recorded.")
		return nil
	}
	last := runs[0]
	if wantJSON(c) {
		return outputJSON(c, last)
	}

	fmt.Printf("Run %s: %s (started %s)\n", last.ID, last.Status, last.StartedAt.Format(time.RFC3339))
	if last.CompletedAt != nil {
		fmt.Printf("Completed %s\n", last.CompletedAt.Format(time.RFC3339))
	}
	return nil
}

func runHistory(c *cli.Context) error {
	ctx := c.Context
	eng, err := newEngine(ctx, c)
	if err != nil {
		return err
	}
	defer eng.Close()

	if runID := c.String("run"); runID != "" {
		logs, err := eng.Logs(runID)
		if err != nil {
			return err
		}
		if wantJSON(c) {
			return outputJSON(c, logs)
		}
		for _, entry := range logs {
			et := entry.EntityType
			if et == "" {
				et = "-"
			}
			fmt.Printf("%s  %-5s %-18s %-12s %s\n",
				entry.Timestamp.Format(time.RFC3339), strings.ToUpper(entry.LogLevel),
				entry.OperationType, et, entry.Message)
		}
		return nil
	}

	runs, err := eng.History()
	if err != nil {
		return err
	}
	if wantJSON(c) {
		return outputJSON(c, runs)
	}
	for _, run := range runs {
		completed := "-"
		if run.CompletedAt != nil {
			completed = run.CompletedAt.Format(time.RFC3339)
		}
		fmt.Printf("%-36s %-10s started=%s completed=%s\n",
			run.ID, run.Status, run.StartedAt.Format(time.RFC3339), completed)
	}
	return nil
}

func printExecutionSummary(result *executor.ExecutionResult) {
	if result == nil {
		return
	}
	duration := result.CompletedAt.Sub(result.StartedAt).Round(time.Second)
	fmt.Printf("\nRun %s finished: %s in %s\n", result.RunID, result.OverallStatus, duration)
	fmt.Printf("Records: %d processed, %d failed\n",
		result.TotalRecordsProcessed, result.TotalRecordsFailed)
	for et, er := range result.EntityResults {
		fmt.Printf("  %-20s %-10s %d processed, %d failed (%d batches)\n",
			et, er.Status, er.ProcessedRecords, er.FailedRecords, len(er.Batches))
	}
	if len(result.CycleMembers) > 0 {
		fmt.Printf("Dependency cycle demoted to single-entity levels: %s\n",
			strings.Join(result.CycleMembers, ", "))
	}
	if result.Recovery.Resumable {
		fmt.Printf("Resumable from checkpoint %s. Resume with: driftsync resume\n",
			result.Recovery.LastCheckpointID)
		for _, action := range result.Recovery.RecommendedActions {
			fmt.Printf("  - %s\n", action)
		}
	}
}

func wantJSON(c *cli.Context) bool {
	return c.Bool("output-json") || c.String("output-file") != ""
}

func outputJSON(c *cli.Context, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if path := c.String("output-file"); path != "" {
		if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
			return fmt.Errorf("writing result file: %w", err)
		}
		return nil
	}
	fmt.Println(string(data))
	return nil
}
