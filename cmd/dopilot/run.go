package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"dopilot/internal/budget"
	"dopilot/internal/config"
	doerrors "dopilot/internal/errors"
	"dopilot/internal/limiter"
	"dopilot/internal/llm"
	"dopilot/internal/logging"
	"dopilot/internal/workflow"
	"dopilot/internal/workflow/stages"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func newRunCommand() *cobra.Command {
	var (
		outputDir  string
		reportPath string
	)

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Generate a project from a natural-language prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			return runWorkflow(cmd.Context(), prompt, outputDir, reportPath)
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "generated", "directory to write generated files into")
	cmd.Flags().StringVar(&reportPath, "report", "", "write the run report as JSON to this path")
	cmd.Flags().Int("rpm", 0, "requests per minute (0 uses the configured default)")
	_ = viper.BindPFlag("requests_per_minute", cmd.Flags().Lookup("rpm"))

	return cmd
}

func runWorkflow(parent context.Context, prompt, outputDir, reportPath string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := llm.NewOpenAIClient(cfg.Model, llm.Config{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Timeout: int(cfg.CallTimeout / time.Second),
	})
	if err != nil {
		return fmt.Errorf("create provider client: %w", err)
	}

	logger := logging.NewComponentLogger("cli")

	stageSet, err := stages.New(stages.Dependencies{
		Client: client,
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	executor, err := workflow.NewExecutor(workflow.ExecutorOptions{
		Limiter: limiter.New(cfg.RequestsPerMinute, cfg.AcquireTimeout),
		Budget:  budget.NewTracker(cfg.TokenCeiling),
		RetryConfig: doerrors.RetryConfig{
			MaxAttempts:  cfg.RetryAttempts,
			BaseDelay:    cfg.RetryBaseDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			JitterFactor: 0.25,
		},
		CallTimeout: cfg.CallTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	engine, err := workflow.NewEngine(cfg, executor, stageSet, workflow.EngineOptions{Logger: logger})
	if err != nil {
		return err
	}
	engine.AddListener(workflow.ListenerFunc(printProgress))

	fmt.Printf("%s %s\n", bold("dopilot"), gray(fmt.Sprintf("model=%s rpm=%d budget=%d tokens",
		cfg.Model, cfg.RequestsPerMinute, cfg.TokenCeiling)))
	fmt.Printf("%s %s\n\n", cyan("prompt:"), prompt)

	state, report, runErr := engine.Run(ctx, workflow.NewState(prompt))

	// Write whatever was generated, even on failure.
	if len(state.GeneratedFiles) > 0 {
		if err := writeGeneratedFiles(ctx, outputDir, state); err != nil {
			return err
		}
		fmt.Printf("\n%s %d files written to %s\n", green("✔"), len(state.GeneratedFiles), outputDir)
	}

	if reportPath != "" {
		if err := writeReport(reportPath, report); err != nil {
			return err
		}
	}

	printSummary(state, report)

	if runErr != nil {
		return fmt.Errorf("run %s failed: %w", report.RunID, runErr)
	}
	return nil
}

func loadConfig() (config.RunContext, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return cfg, err
	}
	if v := viper.GetString("model"); v != "" {
		cfg.Model = v
	}
	if v := viper.GetString("base_url"); v != "" {
		cfg.BaseURL = v
	}
	if v := viper.GetInt("requests_per_minute"); v > 0 {
		cfg.RequestsPerMinute = v
	}
	return cfg, cfg.Validate()
}

func printProgress(ev workflow.Event) {
	switch ev.Type {
	case workflow.EventStageStarted:
		fmt.Printf("%s %s\n", yellow("▸"), ev.Stage)
	case workflow.EventStageCompleted:
		fmt.Printf("%s %s %s\n", green("✔"), ev.Stage,
			gray(fmt.Sprintf("(%v, %d tokens)", ev.Elapsed.Round(time.Millisecond), ev.TokensUsed)))
	case workflow.EventStageFailed:
		fmt.Printf("%s %s %s\n", red("✘"), ev.Stage, gray(ev.Err))
	}
}

// writeGeneratedFiles materializes the generated content under dir,
// creating parent directories as needed.
func writeGeneratedFiles(ctx context.Context, dir string, state workflow.State) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for path, content := range state.GeneratedFiles {
		path, content := path, content
		g.Go(func() error {
			target := filepath.Join(dir, filepath.Clean(path))
			if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
				return fmt.Errorf("generated path %q escapes output dir", path)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return os.WriteFile(target, []byte(content), 0o644)
		})
	}
	return g.Wait()
}

func writeReport(path string, report workflow.RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func printSummary(state workflow.State, report workflow.RunReport) {
	fmt.Printf("\n%s\n", bold("summary"))
	fmt.Printf("  run:     %s\n", report.RunID)
	switch report.Status {
	case workflow.StatusDone:
		fmt.Printf("  status:  %s\n", green(string(report.Status)))
	default:
		fmt.Printf("  status:  %s\n", red(string(report.Status)))
	}
	fmt.Printf("  tokens:  %d\n", report.TokensUsed)
	fmt.Printf("  elapsed: %v\n", report.Elapsed.Round(time.Millisecond))

	if report.FailedStage != "" {
		fmt.Printf("  failed:  %s %s\n", report.FailedStage, gray(report.Cause))
	}
	if len(state.SecurityFindings) > 0 {
		fmt.Printf("  %s %d unresolved security findings\n", yellow("⚠"), len(state.SecurityFindings))
		for _, finding := range state.SecurityFindings {
			fmt.Printf("    - [%s] %s: %s\n", finding.Severity, finding.File, finding.Description)
		}
	}
	if state.VerificationReport.Passed {
		fmt.Printf("  %s verification passed\n", green("✔"))
	}
}
