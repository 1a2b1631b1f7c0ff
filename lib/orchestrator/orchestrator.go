// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/jobworker/lib/artifact"
	"github.com/bureau-foundation/jobworker/lib/clock"
	"github.com/bureau-foundation/jobworker/lib/gitactivity"
	"github.com/bureau-foundation/jobworker/lib/guard"
	"github.com/bureau-foundation/jobworker/lib/job"
	"github.com/bureau-foundation/jobworker/lib/logpipe"
	"github.com/bureau-foundation/jobworker/lib/milestone"
	"github.com/bureau-foundation/jobworker/lib/supervisor"
)

// ErrBusy is returned by Execute while another job is running.
var ErrBusy = errors.New("orchestrator: a job is already running")

// Runner is the supervised-execution surface the orchestrator needs.
// [*supervisor.Supervisor] implements it.
type Runner interface {
	Run(ctx context.Context, request supervisor.RunRequest) (supervisor.Outcome, error)
	TerminateActive(ctx context.Context) error
	Pid() int
}

// BaseRefProvider is implemented by workspace providers that know the
// commit a job's branch started from.
type BaseRefProvider interface {
	BaseRefFor(j job.Job) string
}

// RemoteLogging sends pipeline records for the active job to the
// reporter, batched.
type RemoteLogging struct {
	UseBatchEndpoint bool
	BatchSize        int
	BatchInterval    time.Duration

	// Spool keeps records that could not be delivered in a CBOR file
	// next to the job log.
	Spool bool
}

// Options configures an Orchestrator. Pipeline, Supervisor, Reporter,
// and the three guards are required.
type Options struct {
	Pipeline   *logpipe.Pipeline
	Supervisor Runner
	Reporter   job.Reporter

	PathGuard        *guard.PathGuard
	PromptGuard      *guard.PromptGuard
	EnvironmentGuard *guard.EnvironmentGuard

	// Workspaces is required for code execution jobs.
	Workspaces job.WorkspaceProvider

	// GitActivity summarizes code execution workspaces. Nil skips the
	// summary.
	GitActivity *gitactivity.Reporter

	// Archiver packs job artifacts after the run. Nil disables
	// archiving; artifacts are still copied next to the log.
	Archiver      *artifact.Archiver
	ArtifactNames []string

	// RemoteLogs, when set, adds a batched remote destination for the
	// duration of each job.
	RemoteLogs *RemoteLogging

	AgentBinary       string
	AgentArgs         []string
	SingleShotTimeout time.Duration
	IterativeTimeout  time.Duration

	// DefaultProject is the project for jobs without a project path.
	// When empty, the worker's working directory is used.
	DefaultProject string

	// Environ supplies the environment the agent's is filtered from.
	// Defaults to os.Environ.
	Environ func() []string

	Clock clock.Clock
}

// Orchestrator executes jobs one at a time.
type Orchestrator struct {
	options  Options
	pipeline *logpipe.Pipeline
	clock    clock.Clock

	mutex  sync.Mutex
	active *activeJob
}

// activeJob is the process context of the running job. It is cleared
// before the orchestrator accepts the next job.
type activeJob struct {
	job       job.Job
	started   time.Time
	extractor *milestone.Extractor
	workspace string
}

// Status is a snapshot of the orchestrator.
type Status struct {
	State      string    `json:"state"`
	JobID      string    `json:"job_id,omitempty"`
	JobType    job.Type  `json:"job_type,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Progress   int       `json:"progress"`
	Milestones []string  `json:"milestones,omitempty"`
	Workspace  string    `json:"workspace,omitempty"`
	Pid        int       `json:"pid,omitempty"`
}

// New creates an Orchestrator.
func New(options Options) (*Orchestrator, error) {
	switch {
	case options.Pipeline == nil:
		return nil, fmt.Errorf("orchestrator: Pipeline is required")
	case options.Supervisor == nil:
		return nil, fmt.Errorf("orchestrator: Supervisor is required")
	case options.Reporter == nil:
		return nil, fmt.Errorf("orchestrator: Reporter is required")
	case options.PathGuard == nil || options.PromptGuard == nil || options.EnvironmentGuard == nil:
		return nil, fmt.Errorf("orchestrator: all three guards are required")
	}
	if options.AgentBinary == "" {
		options.AgentBinary = "claude"
	}
	if options.SingleShotTimeout <= 0 {
		options.SingleShotTimeout = time.Hour
	}
	if options.IterativeTimeout <= 0 {
		options.IterativeTimeout = 2 * time.Hour
	}
	if options.ArtifactNames == nil {
		options.ArtifactNames = artifact.DefaultNames
	}
	if options.Environ == nil {
		options.Environ = os.Environ
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	return &Orchestrator{
		options:  options,
		pipeline: options.Pipeline.With("component", "orchestrator"),
		clock:    options.Clock,
	}, nil
}

// Status returns what the orchestrator is doing.
func (o *Orchestrator) Status() Status {
	o.mutex.Lock()
	if o.active == nil {
		o.mutex.Unlock()
		return Status{State: "idle"}
	}
	active := *o.active
	o.mutex.Unlock()

	status := Status{
		State:     "running",
		JobID:     active.job.ID,
		JobType:   active.job.Type,
		StartedAt: active.started,
		Workspace: active.workspace,
		Pid:       o.options.Supervisor.Pid(),
	}
	if active.extractor != nil {
		status.Progress = active.extractor.Progress()
		status.Milestones = active.extractor.Milestones()
	}
	return status
}

// Shutdown terminates the active agent process, if any, and waits for
// its run to return or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.pipeline.Info(ctx, "shutdown requested")
	return o.options.Supervisor.TerminateActive(ctx)
}

func (o *Orchestrator) setActive(active *activeJob) {
	o.mutex.Lock()
	o.active = active
	o.mutex.Unlock()
}

func (o *Orchestrator) updateActive(update func(*activeJob)) {
	o.mutex.Lock()
	if o.active != nil {
		update(o.active)
	}
	o.mutex.Unlock()
}

// preflight is the validated input of a job.
type preflight struct {
	projectPath string
}

// validate runs the guards. Nothing has been created or spawned when
// it fails.
func (o *Orchestrator) validate(j job.Job) (preflight, error) {
	if err := j.Validate(); err != nil {
		return preflight{}, err
	}
	if err := o.options.PromptGuard.Validate(j.Prompt); err != nil {
		return preflight{}, err
	}
	project := j.ProjectPath
	if project == "" {
		project = o.options.DefaultProject
	}
	if project == "" {
		workingDirectory, err := os.Getwd()
		if err != nil {
			return preflight{}, fmt.Errorf("resolving working directory: %w", err)
		}
		project = workingDirectory
	}
	resolved, err := o.options.PathGuard.ValidateDirectory(project)
	if err != nil {
		return preflight{}, err
	}
	if j.Type == job.TypeCodeExecution && o.options.Workspaces == nil {
		return preflight{}, fmt.Errorf("job %s: code execution needs a workspace provider", j.ID)
	}
	return preflight{projectPath: resolved}, nil
}

// Execute runs j to completion. Guard rejections return a
// [*guard.ValidationError] and a nil result. Failed runs return a
// [*supervisor.Error] together with a result carrying the partial
// output. ErrBusy is returned while another job is running.
func (o *Orchestrator) Execute(ctx context.Context, j job.Job) (*job.ExecutionResult, error) {
	o.mutex.Lock()
	if o.active != nil {
		o.mutex.Unlock()
		return nil, ErrBusy
	}
	o.active = &activeJob{job: j, started: o.clock.Now()}
	o.mutex.Unlock()
	defer o.setActive(nil)

	logger := o.pipeline.With("job_id", j.ID, "job_type", string(j.Type))

	checked, err := o.validate(j)
	if err != nil {
		logger.Error(ctx, "job rejected", "error", err, "reason", guard.ReasonOf(err))
		o.sendEvent(ctx, logger, j.ID, job.EventJobFailed, "Job rejected: "+err.Error(), map[string]any{
			"reason": guard.ReasonOf(err),
		})
		return nil, err
	}

	o.options.Pipeline.SetContext("job_id", j.ID)
	defer o.options.Pipeline.SetContext("job_id", nil)

	run := &jobRun{
		orchestrator: o,
		job:          j,
		mode:         j.RunMode(),
		projectPath:  checked.projectPath,
		workingDir:   checked.projectPath,
		logger:       logger,
		started:      o.clock.Now(),
	}
	return run.execute(ctx)
}

func (o *Orchestrator) sendEvent(ctx context.Context, logger *logpipe.Pipeline, jobID, eventType, message string, data map[string]any) {
	if err := o.options.Reporter.SendStatusEvent(ctx, jobID, eventType, message, data); err != nil {
		logger.Warn(ctx, "status event delivery failed", "event_type", eventType, "error", err)
	}
}
