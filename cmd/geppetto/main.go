// Command geppetto runs the detection-job scheduling daemon and its
// operational subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"geppetto/internal/config"
	"geppetto/internal/generator"
	"geppetto/internal/runner"
	"geppetto/internal/storage"
	"geppetto/pkg/logx"
)

// Populated via -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "geppetto",
		Short:         "Cron-driven discrepancy detection runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newRunCmd(&cfgPath),
		newCleanupCmd(&cfgPath),
		newStatusCmd(&cfgPath),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduling daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(*cfgPath)
		},
	}
}

func serve(cfgPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("loading config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logConfig(cfg))
	defer func() { _ = logSvc.Close() }()
	mgr.SetLogger(log.With(logx.String("component", "config")))

	rt, err := buildRuntime(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = rt.store.Close() }()

	// Hot-reload: logging and engine tunables follow the file; storage
	// settings need a restart.
	go func() { _ = mgr.Watch(ctx) }()
	sub := mgr.Subscribe(1)
	defer mgr.Unsubscribe(sub)
	go func() {
		for next := range sub {
			if next == nil {
				continue
			}
			logSvc.Apply(logConfig(next))
			if rc, err := runnerConfig(next); err != nil {
				log.Warn("reloaded runner settings invalid, keeping previous", logx.Err(err))
			} else {
				rt.svc.ApplyConfig(rc)
			}
			log.Info("configuration reloaded", logx.String("path", cfgPath))
		}
	}()

	if err := rt.svc.Start(ctx); err != nil {
		return err
	}
	log.Info("geppetto started", logx.String("version", version))

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return rt.svc.Stop(shutdownCtx)
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var startDate, endDate string

	cmd := &cobra.Command{
		Use:   "run JOB_ID",
		Short: "Execute one job immediately, outside its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := openRuntime(*cfgPath)
			if err != nil {
				return err
			}
			defer cleanup()

			rec, err := rt.svc.RunNow(cmd.Context(), args[0], startDate, endDate)
			if err != nil {
				return err
			}
			fmt.Printf("execution %s finished: %s", rec.ID, rec.Status)
			if rec.ExitCode != nil {
				fmt.Printf(" (exit %d)", *rec.ExitCode)
			}
			fmt.Println()
			if rec.ErrorMessage != "" {
				fmt.Println(rec.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&startDate, "start-date", "", "detection window start (RFC 3339)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "detection window end (RFC 3339)")
	return cmd
}

func newCleanupCmd(cfgPath *string) *cobra.Command {
	var stale time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup [JOB_ID]",
		Short: "Remove generated artifacts",
		Long:  "Remove one job's generated artifact, or with --stale every artifact untouched for longer than the given age.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := openRuntime(*cfgPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if len(args) == 1 {
				removed, err := rt.svc.CleanupArtifact(args[0])
				if err != nil {
					return err
				}
				if removed {
					fmt.Println("artifact removed")
				} else {
					fmt.Println("no artifact to remove")
				}
				return nil
			}
			if stale <= 0 {
				return fmt.Errorf("either a JOB_ID or --stale is required")
			}
			n, err := rt.svc.CleanupStaleArtifacts(stale)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d stale artifact(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&stale, "stale", 0, "remove all artifacts older than this age (e.g. 168h)")
	return cmd
}

func newStatusCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored jobs and execution statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, cleanup, err := openRuntime(*cfgPath)
			if err != nil {
				return err
			}
			defer cleanup()

			jobs, err := rt.store.FetchActiveJobs(cmd.Context(), 0)
			if err != nil {
				return err
			}
			fmt.Printf("active jobs: %d\n", len(jobs))
			for _, j := range jobs {
				fmt.Printf("  %-36s %-20s cron=%q tz=%s\n", j.ID, j.Name, j.CronExpr, j.Timezone)
			}

			stats, err := rt.store.GetExecutionStats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println("executions by status:")
			for status, n := range stats {
				fmt.Printf("  %-10s %d\n", status, n)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Printf("geppetto %s (%s)\n", version, commit)
		},
	}
}

// runtime bundles the wired components behind every subcommand.
type runtime struct {
	store storage.Store
	svc   *runner.Service
}

func buildRuntime(cfg *config.Config, log logx.Logger) (*runtime, error) {
	busyTimeout, err := cfg.Storage.BusyTimeoutOrDefault()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.PathOrDefault(),
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	gen, err := generator.NewTemplate(log.With(logx.String("component", "generator")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	runnerCfg, err := runnerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	exec := runner.NewExecutor(store, gen, log.With(logx.String("component", "executor")), runnerCfg)
	svc := runner.New(runnerCfg, store, exec, log.With(logx.String("component", "runner")))
	return &runtime{store: store, svc: svc}, nil
}

// openRuntime loads the config and wires components for one-shot subcommands,
// logging to the console only.
func openRuntime(cfgPath string) (*runtime, func(), error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config %s: %w", cfgPath, err)
	}
	log := logx.NewConsole(cfg.Log.Level)
	rt, err := buildRuntime(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return rt, func() { _ = rt.store.Close() }, nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	}
}

func runnerConfig(cfg *config.Config) (runner.Config, error) {
	pollInterval, err := cfg.Runner.PollIntervalOrDefault()
	if err != nil {
		return runner.Config{}, err
	}
	execTimeout, err := cfg.Runner.ExecTimeoutOrDefault()
	if err != nil {
		return runner.Config{}, err
	}
	rc := runner.Config{
		MaxQueueSize: cfg.Runner.MaxQueueSizeOrDefault(),
		PollInterval: pollInterval,
		ExecTimeout:  execTimeout,
		WorkDir:      cfg.Runner.WorkDir,
		Interpreter:  cfg.Runner.Interpreter,
		LookbackDays: cfg.Runner.LookbackDays,
		Output: runner.OutputArgs{
			CallbackURL: cfg.Output.CallbackURL,
		},
	}
	if cdn := cfg.Output.CDN; cdn != nil {
		rc.Output.CDNURL = cdn.URL
		rc.Output.CDNAccessKey = cdn.AccessKey
		rc.Output.CDNSecretKey = cdn.SecretKey
		rc.Output.CDNBucket = cdn.Bucket
		rc.Output.CDNDisableSSL = !cdn.SSLEnabled()
	}
	return rc, nil
}
