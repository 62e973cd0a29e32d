package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"releaseline/internal/app"
	"releaseline/internal/config"
	"releaseline/internal/db"
	"releaseline/internal/deploy"
	"releaseline/internal/domain"
	"releaseline/internal/engine"
	"releaseline/internal/export"
	"releaseline/internal/health"
	"releaseline/internal/lock"
	"releaseline/internal/logging"
	"releaseline/internal/metrics"
	"releaseline/internal/migrate"
	"releaseline/internal/orchestrator"
	"releaseline/internal/repo"
	"releaseline/internal/server"
	"releaseline/internal/snapshot"
	"releaseline/internal/verify"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Releaseline CLI",
	Long: `Releaseline verifies, ships and guards releases without a human in the loop.
Core concepts:
- Manifest: releaseline.yml lists the invariants, which of them each operation kind requires, the self-correction allowlist and the circuit-breaker thresholds.
- Verify: captures a snapshot of the workspace (build, lint, typecheck, tests, git, scanned files) and produces a hash-chained proof.
- Run: VERIFY -> BUILD -> TEST -> DEPLOY -> PROBE -> DONE, with SELF_CORRECT for allowlisted repairs, ESCALATE when attempts run out and ROLLBACK when the new deployment is unhealthy.
- Target: project/environment. One run per target at a time (see --lock-backend).
- Event log: every run, transition, alert and rollback, view with 'rl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

// exitCode ends the process with a status and no further output.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RELEASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded in the event log")
	flags.String("manifest", "", "manifest path (default <workspace>/releaseline.yml, then the imported manifest)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("deploy-token", "", "hosting API token; empty simulates deployments")
	flags.String("deploy-api-url", "", "hosting API base URL")
	flags.String("deploy-team", "", "hosting API team scope")
	flags.String("lock-backend", lock.BackendSQLite, "target lock backend (memory, sqlite, redis)")
	flags.String("redis-addr", "", "redis address for --lock-backend redis")
	flags.String("export-bucket", "", "S3 bucket for run exports (default: workspace .releaseline/exports)")
	flags.String("export-region", "", "S3 region")
	flags.String("export-endpoint", "", "S3-compatible endpoint (MinIO, LocalStack)")
	flags.String("build-cmd", "", "build command")
	flags.String("lint-cmd", "", "lint command")
	flags.String("typecheck-cmd", "", "type-check command")
	flags.String("test-cmd", "", "test command")
	flags.StringSlice("scan", nil, "files or directories read for content scans")
	flags.StringToString("document", nil, "named YAML or JSON document for schema checks (name=path under the workspace, repeatable)")
	flags.String("snapshot", "", "use a fixed snapshot file instead of running commands")
	flags.Duration("stage-timeout", 10*time.Minute, "timeout per stage command")
	for _, key := range []string{
		"workspace", "json", "actor-id", "manifest", "log-level",
		"deploy-token", "deploy-api-url", "deploy-team",
		"lock-backend", "redis-addr",
		"export-bucket", "export-region", "export-endpoint",
		"build-cmd", "lint-cmd", "typecheck-cmd", "test-cmd", "scan", "document", "snapshot", "stage-timeout",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}
}

func registerCommands() {
	rootCmd.AddCommand(manifestCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(alertsCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(deployCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func manifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Manage the verification manifest",
		Long:  "The manifest is the rulebook: invariants, proof requirements per operation kind, the self-correction allowlist and circuit-breaker thresholds. It is read from releaseline.yml, or from the workspace database after 'rl manifest import'.",
	}
	cmd.AddCommand(manifestInitCmd())
	cmd.AddCommand(manifestShowCmd())
	cmd.AddCommand(manifestImportCmd())
	cmd.AddCommand(manifestValidateCmd())
	return cmd
}

func manifestInitCmd() *cobra.Command {
	var project string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default manifest to releaseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if project == "" {
				abs, err := filepath.Abs(workspace)
				if err != nil {
					return err
				}
				project = filepath.Base(abs)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(project)), 0o644); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"path": path, "project": project})
			}
			fmt.Printf("Wrote %s for project %s\n", path, project)
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "deploy project name (default: workspace directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing manifest")
	return cmd
}

func manifestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				m, src, err := app.ResolveManifest(ctx, viper.GetString("workspace"), viper.GetString("manifest"), r)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"source": src, "manifest": m})
				}
				data, err := m.YAML()
				if err != nil {
					return err
				}
				fmt.Printf("# source: %s\n%s", src, data)
				return nil
			})
		},
	}
}

func manifestImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Store a manifest in the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			m, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ImportManifest(ctx, m, viper.GetString("actor-id")); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"imported": filePath, "codename": m.Codename, "invariants": len(m.Invariants)})
				}
				fmt.Printf("Imported %s (%s, %d invariants)\n", filePath, m.Codename, len(m.Invariants))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "manifest file (default <workspace>/releaseline.yml)")
	return cmd
}

func manifestValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if filePath != "" {
				_, err = config.FromFile(filePath)
			} else {
				err = withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
					m, _, err := app.ResolveManifest(ctx, viper.GetString("workspace"), viper.GetString("manifest"), r)
					if err != nil {
						return err
					}
					return m.Validate()
				})
			}
			if viper.GetBool("json") {
				if perr := printJSON(map[string]any{"ok": err == nil, "error": errString(err)}); perr != nil {
					return perr
				}
				if err != nil {
					return exitCode(1)
				}
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println("manifest OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "manifest file to validate instead of the active one")
	return cmd
}

func verifyCmd() *cobra.Command {
	var opts engine.VerifyOptions
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the workspace against the manifest invariants",
		Long:  "Captures a snapshot and checks the invariants required for --kind (or the ones named with --invariant). Exits 2 when the result is not ready for deployment.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				report, err := e.Verify(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(report); err != nil {
						return err
					}
				} else {
					printReport(report)
				}
				if !report.ReadyForDeployment {
					return exitCode(2)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Kind, "kind", config.KindDeployment, "operation kind (deployment, commit, claim)")
	cmd.Flags().StringSliceVar(&opts.InvariantIDs, "invariant", nil, "invariant ids to check instead of the kind's requirements")
	cmd.Flags().StringVar(&opts.Target, "target", "", "target recorded with the verification event")
	return cmd
}

func runCmd() *cobra.Command {
	var opts engine.RunOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the release pipeline",
		Long:  "Verifies, self-corrects allowlisted failures, deploys, probes and rolls back unhealthy deployments. Exits 2 when the run does not end in DONE.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.MaxAttempts < 0 {
				return fmt.Errorf("--max-attempts must not be negative")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				res, err := e.StartRun(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(res); err != nil {
						return err
					}
				} else {
					printRun(res)
				}
				if !res.Success {
					return exitCode(2)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Project, "project", "", "deploy project (default from manifest)")
	cmd.Flags().StringVar(&opts.Environment, "env", "", "target environment (default from manifest)")
	cmd.Flags().StringVar(&opts.SourceRef, "source-ref", "", "commit or branch being released")
	cmd.Flags().StringVar(&opts.Kind, "kind", config.KindDeployment, "operation kind whose invariants gate the run")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "verify and self-check without deploying or applying fixes")
	cmd.Flags().BoolVar(&opts.SkipDeploy, "skip-deploy", false, "stop after tests")
	cmd.Flags().IntVar(&opts.MaxAttempts, "max-attempts", orchestrator.DefaultMaxAttempts, "self-correction attempts before escalating")
	cmd.Flags().StringVar(&opts.PreviousStableID, "previous-stable", "", "rollback target (default: last successful run's deployment)")
	return cmd
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "runs", Short: "Inspect pipeline runs"}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsShowCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				printRuns(runs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Target, "target", "", "project/environment filter")
	cmd.Flags().StringVar(&f.FinalState, "state", "", "final state filter (DONE, FAILED)")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				res, err := r.GetRunResult(ctx, args[0])
				if err != nil {
					return fmt.Errorf("run %s: %w", args[0], err)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printRun(res)
				return nil
			})
		},
	}
}

func alertsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "alerts", Short: "Inspect health alerts"}
	var target string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List health alerts and rollbacks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				alerts, err := r.ListAlerts(ctx, target, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(alerts)
				}
				printAlerts(alerts)
				return nil
			})
		},
	}
	list.Flags().StringVar(&target, "target", "", "project/environment filter")
	list.Flags().IntVar(&limit, "limit", 20, "number of alerts")
	cmd.AddCommand(list)
	return cmd
}

func probeCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "probe <url>",
		Short: "Probe a URL against the circuit-breaker thresholds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if count > 0 {
					e.Guard.Config.ProbeCount = count
				}
				report, err := e.Probe(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(report); err != nil {
						return err
					}
				} else {
					printHealth(report)
				}
				if !report.PassedThresholds {
					return exitCode(2)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "samples per endpoint (default from manifest)")
	return cmd
}

func deployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Drive the deployment provider directly",
		Long:  "Without --deploy-token deployments are simulated in-process, so 'get' and 'wait' fall back to the last state recorded in the workspace.",
	}
	cmd.AddCommand(deployCreateCmd())
	cmd.AddCommand(deployGetCmd())
	cmd.AddCommand(deployWaitCmd())
	alias := &cobra.Command{Use: "alias", Short: "Manage stable aliases"}
	alias.AddCommand(deployAliasSetCmd())
	alias.AddCommand(deployAliasRmCmd())
	cmd.AddCommand(alias)
	return cmd
}

func deployCreateCmd() *cobra.Command {
	var opts deploy.CreateOptions
	var project string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				info, err := e.CreateDeployment(ctx, opts, project, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printDeployment(info)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "deploy project (default from manifest)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "deployment name (default: project)")
	cmd.Flags().StringVar(&opts.Target, "env", "", "target environment (default from manifest)")
	cmd.Flags().StringVar(&opts.SourceRef, "source-ref", "", "commit or branch")
	return cmd
}

func lookupDeployment(ctx context.Context, e engine.Engine, id string) (domain.DeploymentInfo, error) {
	info, err := e.Deploy.GetDeployment(ctx, id)
	if err != nil {
		return domain.DeploymentInfo{}, err
	}
	if info != nil {
		return *info, nil
	}
	stored, err := e.Repo.GetDeployment(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.DeploymentInfo{}, fmt.Errorf("deployment %s: %w", id, deploy.ErrNotFound)
	}
	return stored, err
}

func deployGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <deployment-id>",
		Short: "Show a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				info, err := lookupDeployment(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printDeployment(info)
			})
		},
	}
}

func deployWaitCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <deployment-id>",
		Short: "Wait until a deployment is ready, failed or canceled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if e.Deploy.Simulated() {
					info, err := lookupDeployment(ctx, e, args[0])
					if err != nil {
						return err
					}
					return printDeployment(info)
				}
				if timeout <= 0 {
					timeout = time.Duration(e.Manifest.Deploy.WaitTimeoutMS) * time.Millisecond
				}
				info, err := e.Deploy.WaitForDeployment(ctx, args[0], timeout)
				if err != nil {
					return err
				}
				if info == nil {
					return fmt.Errorf("deployment %s not terminal after %s", args[0], timeout)
				}
				if err := printDeployment(*info); err != nil {
					return err
				}
				if info.Status != domain.DeploymentReady {
					return exitCode(2)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "maximum wait (default from manifest)")
	return cmd
}

func deployAliasSetCmd() *cobra.Command {
	var alias string
	cmd := &cobra.Command{
		Use:   "set <deployment-id>",
		Short: "Point an alias at a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if alias == "" {
					alias = e.Manifest.CircuitBreaker.ProductionAlias
				}
				if !e.Deploy.SetAlias(ctx, args[0], alias) {
					return fmt.Errorf("set alias %s to %s failed", alias, args[0])
				}
				return printOK(map[string]any{"alias": alias, "deployment_id": args[0]}, fmt.Sprintf("%s -> %s", alias, args[0]))
			})
		},
	}
	cmd.Flags().StringVar(&alias, "alias", "", "alias name (default: manifest production_alias)")
	return cmd
}

func deployAliasRmCmd() *cobra.Command {
	var alias string
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Remove an alias",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if alias == "" {
					alias = e.Manifest.CircuitBreaker.ProductionAlias
				}
				if !e.Deploy.RemoveAlias(ctx, alias) {
					return fmt.Errorf("remove alias %s failed", alias)
				}
				return printOK(map[string]any{"alias": alias, "removed": true}, fmt.Sprintf("removed %s", alias))
			})
		},
	}
	cmd.Flags().StringVar(&alias, "alias", "", "alias name (default: manifest production_alias)")
	return cmd
}

func rollbackCmd() *cobra.Command {
	var opts engine.RollbackOptions
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Point the production alias back at an earlier deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				alert, err := e.Rollback(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(alert)
				}
				fmt.Printf("Rolled back %s to %s (%s)\n", e.Manifest.CircuitBreaker.ProductionAlias, alert.RollbackTarget, alert.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.DeploymentID, "to", "", "deployment id (default: last successful run's deployment)")
	cmd.Flags().StringVar(&opts.Project, "project", "", "deploy project (default from manifest)")
	cmd.Flags().StringVar(&opts.Environment, "env", "", "target environment (default from manifest)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "recorded with the rollback alert")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				printEvents(evts)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Target, "target", "", "project/environment filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, e)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				e.Logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving Releaseline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- wiring ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	logger, err := logging.New(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		workspace := viper.GetString("workspace")
		m, src, err := app.ResolveManifest(ctx, workspace, viper.GetString("manifest"), r)
		if err != nil {
			return err
		}
		logger.Debug("manifest resolved", zap.String("source", string(src)), zap.String("codename", m.Codename))
		e, err := buildEngine(ctx, r, m, workspace, logger)
		if err != nil {
			return err
		}
		return fn(ctx, e)
	})
}

func buildEngine(ctx context.Context, r repo.Repo, m *config.Manifest, workspace string, logger *zap.Logger) (engine.Engine, error) {
	e, err := engine.New(r.DB, m)
	if err != nil {
		return e, err
	}
	e.Logger = logger
	e.Metrics = metrics.New()
	if e.Verifier, err = verify.New(logger); err != nil {
		return e, err
	}

	provider := deploy.NewProvider(deploy.ProviderConfig{
		Token:   viper.GetString("deploy-token"),
		APIURL:  viper.GetString("deploy-api-url"),
		Team:    viper.GetString("deploy-team"),
		BaseURL: m.Deploy.SimulatedBaseURL,
		Logger:  logger,
	})
	e.Deploy = deploy.NewManager(provider, logger)
	if m.Deploy.PollIntervalMS > 0 {
		e.Deploy.PollInterval = time.Duration(m.Deploy.PollIntervalMS) * time.Millisecond
	}
	e.Guard = health.NewGuard(m.CircuitBreaker, e.Deploy, logger, e.Metrics)

	if e.Locker, err = lock.New(viper.GetString("lock-backend"), r.DB, lock.RedisOptions{
		Addr:   viper.GetString("redis-addr"),
		Prefix: "releaseline:lock:",
	}); err != nil {
		return e, err
	}

	if path := viper.GetString("snapshot"); path != "" {
		static, err := snapshot.FromFile(path)
		if err != nil {
			return e, err
		}
		e.Snapshots = static
	} else {
		e.Snapshots = snapshot.Command{
			Dir: workspace,
			Commands: snapshot.Commands{
				Build:     viper.GetString("build-cmd"),
				Lint:      viper.GetString("lint-cmd"),
				TypeCheck: viper.GetString("typecheck-cmd"),
				Tests:     viper.GetString("test-cmd"),
			},
			ScanPaths: viper.GetStringSlice("scan"),
			Documents: viper.GetStringMapString("document"),
			Timeout:   viper.GetDuration("stage-timeout"),
			Logger:    logger,
		}
	}
	e.Fixer = orchestrator.CommandFixer{Dir: workspace, Logger: logger}

	if bucket := viper.GetString("export-bucket"); bucket != "" {
		sink, err := export.NewS3Sink(ctx, export.S3Config{
			Bucket:   bucket,
			Region:   viper.GetString("export-region"),
			Endpoint: viper.GetString("export-endpoint"),
			Prefix:   "releaseline",
		})
		if err != nil {
			return e, fmt.Errorf("export sink: %w", err)
		}
		e.Export = sink
	} else {
		e.Export = export.FileSink{Dir: filepath.Join(db.StateDir(workspace), "exports")}
	}
	return e, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
