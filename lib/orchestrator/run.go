// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bureau-foundation/jobworker/lib/artifact"
	"github.com/bureau-foundation/jobworker/lib/job"
	"github.com/bureau-foundation/jobworker/lib/logpipe"
	"github.com/bureau-foundation/jobworker/lib/milestone"
	"github.com/bureau-foundation/jobworker/lib/supervisor"
)

// jobRun carries one job through its flow.
type jobRun struct {
	orchestrator *Orchestrator
	job          job.Job
	mode         job.Mode
	projectPath  string
	workingDir   string
	branch       string
	logger       *logpipe.Pipeline
	started      time.Time

	jobLog *logpipe.JobLog
	remote *logpipe.Batching
}

func (run *jobRun) execute(ctx context.Context) (result *job.ExecutionResult, err error) {
	o := run.orchestrator
	j := run.job

	if err := run.attachLogs(ctx); err != nil {
		return nil, err
	}
	defer run.detachLogs(ctx)

	timer := run.logger.StartTimer(ctx, "job")
	defer func() { timer.End(ctx, err) }()

	o.sendEvent(ctx, run.logger, j.ID, job.EventJobStarted, "Started "+j.DisplayTitle(), map[string]any{
		"type": string(j.Type),
		"mode": string(run.mode),
	})

	if j.Type == job.TypeCodeExecution {
		workspace, err := o.options.Workspaces.CreateWorkspace(ctx, j)
		if err != nil {
			run.logger.Error(ctx, "workspace creation failed", "error", err)
			o.sendEvent(ctx, run.logger, j.ID, job.EventJobFailed, "Could not create a workspace", map[string]any{"error": err.Error()})
			return nil, fmt.Errorf("creating workspace: %w", err)
		}
		run.workingDir = workspace
		run.branch = o.options.Workspaces.BranchNameFor(j)
		o.updateActive(func(active *activeJob) { active.workspace = workspace })
		defer run.releaseWorkspace(ctx)
	}

	return run.supervise(ctx)
}

// attachLogs opens the job log under the main project, where it
// survives workspace removal, and adds it and the optional remote
// destination to the pipeline.
func (run *jobRun) attachLogs(ctx context.Context) error {
	o := run.orchestrator
	jobLog, err := logpipe.OpenJobLog(logpipe.JobLogOptions{
		Path:  logpipe.JobLogPath(run.projectPath, run.job.ID),
		JobID: run.job.ID,
		Title: run.job.DisplayTitle(),
		Clock: o.clock,
	})
	if err != nil {
		return fmt.Errorf("opening job log: %w", err)
	}
	run.jobLog = jobLog
	o.options.Pipeline.Add(jobLog)

	if remote := o.options.RemoteLogs; remote != nil {
		var spool *logpipe.Spool
		if remote.Spool {
			spool = logpipe.NewSpool(logpipe.SpoolPath(run.projectPath, run.job.ID))
		}
		run.remote = logpipe.NewBatching(logpipe.NewRemote(logpipe.RemoteOptions{
			Reporter:         o.options.Reporter,
			JobID:            run.job.ID,
			UseBatchEndpoint: remote.UseBatchEndpoint,
			Level:            logpipe.LevelInfo,
			Spool:            spool,
		}), logpipe.BatchingOptions{
			MaxSize:  remote.BatchSize,
			Interval: remote.BatchInterval,
			Clock:    o.clock,
		})
		o.options.Pipeline.Add(run.remote)
	}
	run.logger.Info(ctx, "job log opened", "path", jobLog.Path())
	return nil
}

// detachLogs removes the per-job destinations and closes them. The
// job log may already have been closed by finishLog.
func (run *jobRun) detachLogs(ctx context.Context) {
	o := run.orchestrator
	if run.remote != nil {
		o.options.Pipeline.Remove(run.remote)
		if err := run.remote.Close(ctx); err != nil {
			run.logger.Warn(ctx, "closing remote log destination failed", "error", err)
		}
	}
	o.options.Pipeline.Remove(run.jobLog)
	run.jobLog.Close(ctx)
}

// releaseWorkspace removes the workspace unless the job opted out.
// Failures are logged and never replace the job's outcome.
func (run *jobRun) releaseWorkspace(ctx context.Context) {
	o := run.orchestrator
	if !run.job.AutoCleanup {
		run.logger.Info(ctx, "workspace retained",
			"workspace", run.workingDir,
			"branch", run.branch,
		)
		return
	}
	// The job context may already be cancelled; cleanup still has to
	// run.
	cleanupContext := context.WithoutCancel(ctx)
	if err := o.options.Workspaces.RemoveWorkspace(cleanupContext, run.job); err != nil {
		run.logger.Warn(ctx, "workspace cleanup failed", "workspace", run.workingDir, "error", err)
		return
	}
	run.logger.Info(ctx, "workspace removed", "workspace", run.workingDir)
}

func (run *jobRun) supervise(ctx context.Context) (*job.ExecutionResult, error) {
	o := run.orchestrator
	j := run.job

	extractor := milestone.New(ctx, milestone.Options{
		JobID:    j.ID,
		JobType:  j.Type,
		Reporter: o.options.Reporter,
		Clock:    o.clock,
		Logger:   slog.New(logpipe.NewHandler(run.logger.With("component", "milestone"), nil)),
	})
	o.updateActive(func(active *activeJob) { active.extractor = extractor })

	progress := supervisor.SubscriberFunc(func(chunk string) {
		if err := o.options.Reporter.SendProgress(ctx, j.ID, chunk); err != nil {
			run.logger.Debug(ctx, "progress delivery failed", "error", err)
		}
	})

	command := buildCommand(j, commandSpec{
		binary:      o.options.AgentBinary,
		extraArgs:   o.options.AgentArgs,
		workingDir:  run.workingDir,
		projectPath: run.projectPath,
		mode:        run.mode,
		environ:     o.options.EnvironmentGuard.Sanitize(o.options.Environ()),
	})
	iterative := run.mode == job.ModeIterative
	timeout := o.options.SingleShotTimeout
	if iterative {
		timeout = o.options.IterativeTimeout
	}

	run.logger.Info(ctx, "starting agent",
		"binary", command.Path,
		"args", strings.Join(command.Args, " "),
		"working_dir", command.Dir,
		"timeout", timeout,
		"iterative", iterative,
	)
	outcome, runErr := o.options.Supervisor.Run(ctx, supervisor.RunRequest{
		Command:     command,
		Timeout:     timeout,
		Iterative:   iterative,
		Subscribers: []supervisor.Subscriber{extractor, progress},
	})
	if err := o.options.Reporter.FlushProgressBuffer(ctx, j.ID); err != nil {
		run.logger.Debug(ctx, "progress flush failed", "error", err)
	}

	result := &job.ExecutionResult{
		JobID:      j.ID,
		BranchName: run.branch,
	}
	if runErr != nil {
		return run.fail(ctx, result, runErr)
	}

	result.RawOutput = outcome.Output
	result.ExitCode = outcome.ExitCode
	result.Completion = job.DetectCompletion(run.mode, outcome.Output)
	if result.Completion == job.CompletionComplete {
		extractor.Complete()
	}

	switch j.Type {
	case job.TypePRDGeneration:
		result.Summary = documentSummary(outcome.Output)
	case job.TypeClarifyingQuestions:
		result.Summary = questionSummary(outcome.Output)
	case job.TypeCodeExecution:
		if o.options.GitActivity != nil {
			baseRef := "HEAD"
			if provider, ok := o.options.Workspaces.(BaseRefProvider); ok {
				baseRef = provider.BaseRefFor(j)
			}
			activity := o.options.GitActivity.Report(ctx, run.workingDir, run.branch, baseRef)
			result.GitActivity = &activity
			result.Summary = activity.SummaryText
		}
	}
	if result.Completion == job.CompletionIterationLimit {
		run.logger.Warn(ctx, "agent stopped at its iteration limit without signalling completion")
	}

	result.DurationMS = o.clock.Now().Sub(run.started).Milliseconds()
	run.finishLog(ctx, result, outcome.Output)

	o.updateMetadata(ctx, run.logger, j.ID, resultMetadata(result))
	o.sendEvent(ctx, run.logger, j.ID, job.EventJobCompleted, completionMessage(result), map[string]any{
		"completion":  string(result.Completion),
		"duration_ms": result.DurationMS,
		"summary":     result.Summary,
	})
	return result, nil
}

// fail records a failed run. The returned error is runErr.
func (run *jobRun) fail(ctx context.Context, result *job.ExecutionResult, runErr error) (*job.ExecutionResult, error) {
	o := run.orchestrator
	var categorized *supervisor.Error
	if !errors.As(runErr, &categorized) {
		run.logger.Error(ctx, "agent run failed", "error", runErr)
		return nil, runErr
	}

	result.RawOutput = categorized.PartialOutput
	result.ExitCode = categorized.ChildExitCode
	result.DurationMS = o.clock.Now().Sub(run.started).Milliseconds()

	run.logger.Error(ctx, "agent run failed",
		"category", string(categorized.Category),
		"exit_code", categorized.ChildExitCode,
		"details", categorized.TechnicalDetails,
	)
	run.finishLog(ctx, result, categorized.PartialOutput)

	o.updateMetadata(ctx, run.logger, run.job.ID, map[string]any{
		"error_category": string(categorized.Category),
		"duration_ms":    result.DurationMS,
	})
	o.sendEvent(ctx, run.logger, run.job.ID, job.EventJobFailed, categorized.UserMessage, map[string]any{
		"category":  string(categorized.Category),
		"exit_code": categorized.ChildExitCode,
	})
	return result, runErr
}

// finishLog writes the transcript and footer, closes the job log, and
// archives it with the job's artifacts.
func (run *jobRun) finishLog(ctx context.Context, result *job.ExecutionResult, transcript string) {
	o := run.orchestrator
	if err := run.jobLog.WriteTranscript(transcript); err != nil {
		run.logger.Warn(ctx, "writing transcript failed", "error", err)
	}
	footer := map[string]any{
		"duration_ms": result.DurationMS,
		"exit_code":   result.ExitCode,
	}
	if result.Completion != "" {
		footer["completion"] = string(result.Completion)
	}
	if result.BranchName != "" {
		footer["branch"] = result.BranchName
	}
	run.jobLog.SetFooter(footer)
	o.options.Pipeline.Remove(run.jobLog)
	if err := run.jobLog.Close(ctx); err != nil {
		run.logger.Warn(ctx, "closing job log failed", "error", err)
	}
	result.LogPath = run.jobLog.Path()

	artifactDirectory := strings.TrimSuffix(result.LogPath, ".log") + ".artifacts"
	files := []string{result.LogPath}
	copied, err := run.collectArtifacts(artifactDirectory, result.RawOutput)
	if err != nil {
		run.logger.Warn(ctx, "copying artifacts failed", "error", err)
	}
	files = append(files, copied...)

	archiver := o.options.Archiver
	if archiver == nil {
		return
	}
	archivePath := archiver.PathFor(filepath.Dir(result.LogPath), run.job.ID)
	if _, err := archiver.Write(run.job.ID, archivePath, files); err != nil {
		run.logger.Warn(ctx, "archiving artifacts failed", "error", err)
		return
	}
	result.ArchivePath = archivePath
}

// collectArtifacts copies workspace artifacts next to the log. A PRD
// run's output is the document itself and is saved as prd.md.
func (run *jobRun) collectArtifacts(directory, output string) ([]string, error) {
	if run.job.Type == job.TypePRDGeneration && strings.TrimSpace(output) != "" {
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return nil, fmt.Errorf("creating artifact directory: %w", err)
		}
		path := filepath.Join(directory, "prd.md")
		if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
			return nil, fmt.Errorf("saving generated PRD: %w", err)
		}
		return []string{path}, nil
	}
	if run.workingDir == run.projectPath {
		return nil, nil
	}
	return artifact.Collect(run.workingDir, directory, run.orchestrator.options.ArtifactNames)
}

func (o *Orchestrator) updateMetadata(ctx context.Context, logger *logpipe.Pipeline, jobID string, fields map[string]any) {
	if err := o.options.Reporter.UpdateJobMetadata(ctx, jobID, fields); err != nil {
		logger.Warn(ctx, "metadata update failed", "error", err)
	}
}

func resultMetadata(result *job.ExecutionResult) map[string]any {
	fields := map[string]any{
		"completion":  string(result.Completion),
		"duration_ms": result.DurationMS,
		"exit_code":   result.ExitCode,
	}
	if result.Summary != "" {
		fields["summary"] = result.Summary
	}
	if result.BranchName != "" {
		fields["branch_name"] = result.BranchName
	}
	if result.GitActivity != nil {
		fields["commit_count"] = result.GitActivity.CommitCount
		fields["was_pushed"] = result.GitActivity.WasPushed
	}
	if result.ArchivePath != "" {
		fields["archive_path"] = result.ArchivePath
	}
	return fields
}

func completionMessage(result *job.ExecutionResult) string {
	if result.Completion == job.CompletionIterationLimit {
		return "Stopped at the iteration limit"
	}
	return "Completed"
}
