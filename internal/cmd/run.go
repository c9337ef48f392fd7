package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mavdaviddraughn/tasksmith/internal/cache"
	"github.com/mavdaviddraughn/tasksmith/internal/config"
	"github.com/mavdaviddraughn/tasksmith/internal/event"
	"github.com/mavdaviddraughn/tasksmith/internal/logger"
	"github.com/mavdaviddraughn/tasksmith/internal/output"
	"github.com/mavdaviddraughn/tasksmith/internal/recovery"
	"github.com/mavdaviddraughn/tasksmith/internal/runner"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <script> [args...]",
		Short: "Execute a script and capture its output",
		Long: `Execute a script, streaming its stdout and stderr through the
output buffers with live error detection.

Successful runs are memoized in the result cache keyed by the script's
content, so re-running an unchanged script is served instantly.

Examples:
  tasksmith run ./deploy.sh
  tasksmith run ./build.sh --target prod
  tasksmith run --no-cache ./flaky.sh
  tasksmith run --timeout 5m ./migrate.sh`,
		Args: cobra.MinimumNArgs(1),
		RunE: runScript,
	}

	cmd.Flags().Bool("no-cache", false, "Always execute, even for an unchanged script")
	cmd.Flags().Duration("timeout", 0, "Maximum run duration (0 = from config)")
	cmd.Flags().Bool("quiet", false, "Suppress live output, print only the summary")

	return cmd
}

func runScript(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := logger.NewConsoleLogger(os.Stderr, cfg.LogLevel)
	bus := event.NewBus()

	managerCfg, err := cfg.ManagerConfig()
	if err != nil {
		return err
	}
	cacheCfg, err := cfg.CacheConfig()
	if err != nil {
		return err
	}
	recoveryCfg, err := cfg.RecoveryConfig()
	if err != nil {
		return err
	}

	results, err := cache.New(cacheCfg, bus, log)
	if err != nil {
		return err
	}
	defer results.Stop()

	handler, err := recovery.New(recoveryCfg, bus, log)
	if err != nil {
		return err
	}
	if cfg.JournalPath != "" {
		journal, err := recovery.OpenJournal(cfg.JournalPath)
		if err != nil {
			log.Warnf("error journal unavailable: %v", err)
		} else {
			defer journal.Close()
			handler.WithJournal(journal)
		}
	}

	noCache, _ := cmd.Flags().GetBool("no-cache")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	quiet, _ := cmd.Flags().GetBool("quiet")

	if !quiet {
		attachLiveDisplay(bus)
	}

	r := runner.New(runner.Config{
		Manager:  managerCfg,
		Timeout:  timeout,
		UseCache: !noCache,
	}, bus, results, handler, log)

	res, err := r.Run(cmd.Context(), args[0], args[1:]...)
	if err != nil {
		return err
	}

	printSummary(res)
	if res.ExitCode != 0 {
		return fmt.Errorf("script exited with code %d", res.ExitCode)
	}
	return nil
}

// attachLiveDisplay prints chunks as they arrive. Stderr chunks are colored
// red when stdout is a terminal.
func attachLiveDisplay(bus *event.Bus) {
	colorOutput := isatty.IsTerminal(os.Stdout.Fd())
	stderrColor := color.New(color.FgRed)

	print := func(c *output.Chunk) {
		if c.Source == output.SourceStderr && colorOutput {
			stderrColor.Print(c.Content)
			return
		}
		fmt.Print(c.Content)
	}

	bus.Subscribe(event.KindData, func(ev event.Event) {
		if c, ok := ev.Payload.(*output.Chunk); ok {
			print(c)
		}
	})
	bus.Subscribe(event.KindBatch, func(ev event.Event) {
		if chunks, ok := ev.Payload.([]*output.Chunk); ok {
			for _, c := range chunks {
				print(c)
			}
		}
	})
}

// printSummary writes the run summary to stdout.
func printSummary(res *runner.Result) {
	fmt.Printf("\n")
	fmt.Printf("Run Summary:\n")
	fmt.Printf("  Run ID: %s\n", res.RunID)
	fmt.Printf("  Exit code: %d\n", res.ExitCode)
	fmt.Printf("  Duration: %s\n", res.Duration.Round(time.Millisecond))
	fmt.Printf("  Errors: %d, warnings: %d\n", res.Errors, res.Warnings)
	if res.Cached {
		fmt.Printf("  Served from cache\n")
	}
}

// loadConfig reads the config file named by the --config flag and applies
// flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}
