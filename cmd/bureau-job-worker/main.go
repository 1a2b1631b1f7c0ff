// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/jobworker/lib/artifact"
	"github.com/bureau-foundation/jobworker/lib/clock"
	"github.com/bureau-foundation/jobworker/lib/config"
	"github.com/bureau-foundation/jobworker/lib/gitactivity"
	"github.com/bureau-foundation/jobworker/lib/guard"
	"github.com/bureau-foundation/jobworker/lib/job"
	"github.com/bureau-foundation/jobworker/lib/journal"
	"github.com/bureau-foundation/jobworker/lib/logpipe"
	"github.com/bureau-foundation/jobworker/lib/orchestrator"
	"github.com/bureau-foundation/jobworker/lib/process"
	"github.com/bureau-foundation/jobworker/lib/statusapi"
	"github.com/bureau-foundation/jobworker/lib/supervisor"
	"github.com/bureau-foundation/jobworker/lib/version"
	"github.com/bureau-foundation/jobworker/lib/workspace"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		process.Fatal(err)
	}
}

// flags holds the parsed command line.
type flags struct {
	configPath   string
	jobPath      string
	jobID        string
	jobType      string
	prompt       string
	title        string
	mode         string
	project      string
	keep         bool
	statusListen string
	logLevel     string
	showVersion  bool
}

func parseFlags(args []string) (flags, error) {
	var parsed flags
	flagSet := pflag.NewFlagSet("bureau-job-worker", pflag.ContinueOnError)
	flagSet.StringVarP(&parsed.configPath, "config", "c", "", "config file (YAML or JSONC; default $BUREAU_WORKER_CONFIG)")
	flagSet.StringVarP(&parsed.jobPath, "job", "j", "", "job description file (JSON or JSONC)")
	flagSet.StringVar(&parsed.jobID, "id", "", "job id (default: a random UUID)")
	flagSet.StringVarP(&parsed.jobType, "type", "t", "", "job type: prd_generation, code_execution, clarifying_questions")
	flagSet.StringVarP(&parsed.prompt, "prompt", "p", "", "job prompt")
	flagSet.StringVar(&parsed.title, "title", "", "job title")
	flagSet.StringVar(&parsed.mode, "mode", "", "run mode: single or iterative (default: by job type)")
	flagSet.StringVar(&parsed.project, "project", "", "project repository path")
	flagSet.BoolVar(&parsed.keep, "keep-workspace", false, "keep the code execution worktree after the run")
	flagSet.StringVar(&parsed.statusListen, "status-listen", "", "serve the status API on host:port")
	flagSet.StringVar(&parsed.logLevel, "log-level", "", "console log level: debug, info, warn, error")
	flagSet.BoolVar(&parsed.showVersion, "version", false, "print version information and exit")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bureau-job-worker [--job FILE | --type TYPE --prompt TEXT] [flags]\n\n")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		return flags{}, err
	}
	if flagSet.NArg() > 0 {
		return flags{}, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	return parsed, nil
}

// loadJob builds the job from the job file, or from flags when there
// is none. Flags override file values.
func loadJob(parsed flags) (job.Job, error) {
	j := job.Job{AutoCleanup: true}
	if parsed.jobPath != "" {
		loaded, err := job.LoadFile(parsed.jobPath)
		if err != nil {
			return job.Job{}, err
		}
		j = loaded
	}
	if parsed.jobID != "" {
		j.ID = parsed.jobID
	}
	if parsed.jobType != "" {
		j.Type = job.Type(parsed.jobType)
	}
	if parsed.prompt != "" {
		j.Prompt = parsed.prompt
	}
	if parsed.title != "" {
		j.Title = parsed.title
	}
	if parsed.mode != "" {
		j.Mode = job.Mode(parsed.mode)
	}
	if parsed.project != "" {
		j.ProjectPath = parsed.project
	}
	if parsed.keep {
		j.AutoCleanup = false
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if err := j.Validate(); err != nil {
		return job.Job{}, err
	}
	return j, nil
}

func loadConfig(parsed flags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if parsed.configPath != "" {
		cfg, err = config.LoadFile(parsed.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if parsed.logLevel != "" {
		cfg.Logging.Level = parsed.logLevel
	}
	if parsed.statusListen != "" {
		cfg.Status.Listen = parsed.statusListen
	}
	return cfg, nil
}

// defaultJournalPath is used when the config names no journal.
func defaultJournalPath() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "bureau-worker", "journal.jsonl")
}

// incompleteError reports an iterative run that hit its ceiling.
type incompleteError struct{ jobID string }

func (e incompleteError) Error() string {
	return fmt.Sprintf("job %s stopped at its iteration limit without completing", e.jobID)
}

func (e incompleteError) ExitCode() int { return process.ExitIncomplete }

// outcomeError maps a finished run to the error main exits with.
func outcomeError(result *job.ExecutionResult, err error) error {
	if err != nil {
		return err
	}
	if result != nil && result.Completion == job.CompletionIterationLimit {
		return incompleteError{jobID: result.JobID}
	}
	return nil
}

func run(args []string) error {
	parsed, err := parseFlags(args)
	if err != nil {
		return err
	}
	if parsed.showVersion {
		version.Print("bureau-job-worker")
		return nil
	}

	cfg, err := loadConfig(parsed)
	if err != nil {
		return err
	}
	level, err := logpipe.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	format, err := logpipe.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return err
	}

	clk := clock.Real()
	pipeline := logpipe.New(logpipe.Options{Clock: clk}, logpipe.NewConsole(logpipe.ConsoleOptions{
		Level:  level,
		Format: format,
		Color:  cfg.Logging.Color,
	}))
	defer pipeline.Close(context.Background())

	agentID := uuid.NewString()
	pipeline.SetContext("agent_id", agentID)
	logger := slog.New(logpipe.NewHandler(pipeline, level.Slog()))
	slog.SetDefault(logger)

	j, err := loadJob(parsed)
	if err != nil {
		return err
	}

	journalPath := cfg.Journal
	if journalPath == "" {
		journalPath = defaultJournalPath()
	}
	reporter, err := journal.Open(journalPath, clk)
	if err != nil {
		return err
	}
	defer reporter.Close()

	var archiver *artifact.Archiver
	if cfg.Artifacts.Enabled {
		archiver, err = artifact.NewArchiver(artifact.Options{
			Compression: artifact.Compression(cfg.Artifacts.Compression),
			Recipients:  cfg.Artifacts.Recipients,
			Clock:       clk,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("configuring artifacts: %w", err)
		}
	}

	runner := supervisor.New(supervisor.Options{
		Spawner:     supervisor.ExecSpawner{},
		Clock:       clk,
		GracePeriod: cfg.Agent.GracePeriod,
		Logger:      logger.With("component", "supervisor"),
	})

	worker, err := orchestrator.New(orchestrator.Options{
		Pipeline:   pipeline,
		Supervisor: runner,
		Reporter:   reporter,
		PathGuard: guard.NewPathGuard(guard.PathGuardOptions{
			AllowedBases: cfg.Guard.AllowedPaths,
			Logger:       logger,
		}),
		PromptGuard:      guard.NewPromptGuard(logger),
		EnvironmentGuard: guard.NewEnvironmentGuard(cfg.Guard.ExtraEnvironment, logger),
		Workspaces: workspace.New(workspace.Options{
			DefaultProject: cfg.Workspace.DefaultProject,
			Root:           cfg.Workspace.Root,
			BaseRef:        cfg.Workspace.BaseRef,
			Logger:         logger.With("component", "workspace"),
		}),
		GitActivity: gitactivity.NewReporter(gitactivity.Options{
			Remote: cfg.Workspace.Remote,
			Logger: logger.With("component", "gitactivity"),
		}),
		Archiver:      archiver,
		ArtifactNames: cfg.Artifacts.Names,
		RemoteLogs: &orchestrator.RemoteLogging{
			UseBatchEndpoint: cfg.Logging.UseBatchEndpoint,
			BatchSize:        cfg.Logging.BatchSize,
			BatchInterval:    cfg.Logging.BatchInterval,
			Spool:            cfg.Logging.Spool,
		},
		AgentBinary:       cfg.Agent.Binary,
		AgentArgs:         cfg.Agent.ExtraArgs,
		SingleShotTimeout: cfg.Agent.SingleShotTimeout,
		IterativeTimeout:  cfg.Agent.IterativeTimeout,
		DefaultProject:    cfg.Workspace.DefaultProject,
		Clock:             clk,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Status.Listen != "" {
		server := statusapi.Server{Orchestrator: worker, AgentID: agentID, Logger: logger.With("component", "statusapi")}
		go func() {
			if err := server.Serve(ctx, cfg.Status.Listen); err != nil {
				logger.Error("status api stopped", "error", err)
			}
		}()
	}

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go handleSignals(ctx, signals, worker, cancel, cfg.Agent.GracePeriod, logger)

	logger.Info("starting job",
		"version", version.Info(),
		"job_id", j.ID,
		"job_type", string(j.Type),
		"journal", journalPath,
	)
	result, err := worker.Execute(ctx, j)
	renderSummary(os.Stdout, cfg.Logging.Color, j, result, err)
	return outcomeError(result, err)
}

// handleSignals terminates the agent gracefully on the first signal
// and cancels the run on the second.
func handleSignals(ctx context.Context, signals <-chan os.Signal, worker *orchestrator.Orchestrator, cancel context.CancelFunc, grace time.Duration, logger *slog.Logger) {
	select {
	case received := <-signals:
		logger.Warn("terminating agent", "signal", received.String())
		go func() {
			shutdownContext, done := context.WithTimeout(ctx, grace+5*time.Second)
			defer done()
			if err := worker.Shutdown(shutdownContext); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("graceful shutdown failed", "error", err)
			}
		}()
	case <-ctx.Done():
		return
	}
	select {
	case received := <-signals:
		logger.Warn("second signal, cancelling run", "signal", received.String())
		cancel()
	case <-ctx.Done():
	}
}
