// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bureau-foundation/jobworker/lib/clock"
)

// DefaultGracePeriod is the delay between SIGTERM and SIGKILL.
const DefaultGracePeriod = 2 * time.Second

// ErrBusy is returned by Run while another run is active.
var ErrBusy = errors.New("supervisor: a process is already running")

// State is the lifecycle position of a Supervisor.
type State string

const (
	StateIdle      State = "idle"
	StateSpawning  State = "spawning"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Subscriber receives standard output chunks in the order the child
// produced them. HandleChunk is called from the supervisor's event
// loop; the next chunk is not delivered until it returns.
type Subscriber interface {
	HandleChunk(chunk string)
}

// SubscriberFunc adapts a function to [Subscriber].
type SubscriberFunc func(chunk string)

func (f SubscriberFunc) HandleChunk(chunk string) { f(chunk) }

// RunRequest is one supervised execution.
type RunRequest struct {
	Command Command

	// Timeout bounds the run. Zero disables it.
	Timeout time.Duration

	// Iterative marks an iteration-loop run, for which exit status 1
	// means the loop reached its ceiling rather than a failure.
	Iterative bool

	Subscribers []Subscriber
}

// Outcome is a run that did not fail.
type Outcome struct {
	Output   string
	Stderr   string
	ExitCode int

	// IterationLimit is set when an iterative run exited with status
	// 1. Whether the task actually finished is decided from Output by
	// the caller.
	IterationLimit bool

	Duration time.Duration
}

// Options configures a [Supervisor].
type Options struct {
	Spawner     Spawner
	Clock       clock.Clock
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// Supervisor runs at most one process at a time.
type Supervisor struct {
	spawner     Spawner
	clock       clock.Clock
	gracePeriod time.Duration
	logger      *slog.Logger

	mutex   sync.Mutex
	state   State
	pid     int
	control chan controlMessage
	done    chan struct{}
}

type controlMessage int

const (
	controlTimeout controlMessage = iota
	controlTerminate
	controlKill
)

type streamKind int

const (
	streamStdout streamKind = iota
	streamStderr
)

type streamChunk struct {
	kind streamKind
	text string
}

// New creates a Supervisor. A nil Spawner means [ExecSpawner].
func New(options Options) *Supervisor {
	if options.Spawner == nil {
		options.Spawner = ExecSpawner{}
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.GracePeriod <= 0 {
		options.GracePeriod = DefaultGracePeriod
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Supervisor{
		spawner:     options.Spawner,
		clock:       options.Clock,
		gracePeriod: options.GracePeriod,
		logger:      options.Logger,
		state:       StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Pid returns the process id of the active child, or 0.
func (s *Supervisor) Pid() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.pid
}

// Run spawns request.Command and supervises it until exit. The
// returned error is [ErrBusy] or an [*Error]. Cancelling ctx
// terminates the child the same way [Supervisor.TerminateActive] does.
//
// When request.Timeout elapses, Run returns the timeout error at once.
// The process is still sent SIGTERM and, after the grace period,
// SIGKILL; the supervisor stays busy until it has exited.
func (s *Supervisor) Run(ctx context.Context, request RunRequest) (Outcome, error) {
	s.mutex.Lock()
	if s.state != StateIdle {
		s.mutex.Unlock()
		return Outcome{}, ErrBusy
	}
	s.state = StateSpawning
	control := make(chan controlMessage, 4)
	done := make(chan struct{})
	s.control = control
	s.done = done
	s.mutex.Unlock()

	release := func() {
		s.mutex.Lock()
		s.state = StateIdle
		s.pid = 0
		s.control = nil
		s.done = nil
		s.mutex.Unlock()
		close(done)
	}
	// A timed-out run returns before its process is gone; the reaper
	// then owns release.
	var handedOff bool
	defer func() {
		if !handedOff {
			release()
		}
	}()

	logger := s.logger.With("command", request.Command.Path)
	started := s.clock.Now()

	// Unbuffered: a writer blocks until the loop has taken its chunk,
	// which keeps Wait from returning ahead of undelivered output.
	chunks := make(chan streamChunk)
	stdout := &streamWriter{kind: streamStdout, chunks: chunks}
	stderr := &streamWriter{kind: streamStderr, chunks: chunks}

	process, err := s.spawner.Spawn(ctx, request.Command, stdout, stderr)
	if err != nil {
		s.setState(StateFailed)
		categorized := Categorize(Signals{Err: err, ExitCode: -1})
		logger.Error("spawning agent failed", "category", categorized.Category, "error", err)
		return Outcome{}, categorized
	}

	s.mutex.Lock()
	s.state = StateRunning
	s.pid = process.Pid()
	s.mutex.Unlock()
	logger.Info("agent process started", "pid", process.Pid(), "timeout", request.Timeout)

	exited := make(chan error, 1)
	go func() { exited <- process.Wait() }()

	send := func(message controlMessage) func() {
		return func() {
			select {
			case control <- message:
			default:
			}
		}
	}

	var timeoutTimer *clock.Timer
	if request.Timeout > 0 {
		timeoutTimer = s.clock.AfterFunc(request.Timeout, send(controlTimeout))
		defer timeoutTimer.Stop()
	}
	var graceTimer *clock.Timer
	defer func() {
		if graceTimer != nil && !handedOff {
			graceTimer.Stop()
		}
	}()

	var output, errorOutput strings.Builder
	var terminating bool
	contextDone := ctx.Done()

	beginTermination := func(reason string) {
		if terminating {
			return
		}
		terminating = true
		logger.Warn("terminating agent process", "reason", reason, "grace_period", s.gracePeriod)
		if err := process.Signal(syscall.SIGTERM); err != nil {
			logger.Debug("SIGTERM delivery failed", "error", err)
		}
		graceTimer = s.clock.AfterFunc(s.gracePeriod, send(controlKill))
	}

	for {
		select {
		case chunk := <-chunks:
			if chunk.kind == streamStdout {
				output.WriteString(chunk.text)
				for _, subscriber := range request.Subscribers {
					subscriber.HandleChunk(chunk.text)
				}
			} else {
				errorOutput.WriteString(chunk.text)
				logger.Warn("agent stderr", "output", strings.TrimRight(chunk.text, "\n"))
			}

		case message := <-control:
			switch message {
			case controlTimeout:
				partialOutput := output.String()
				s.setState(StateTimedOut)
				beginTermination("timeout")
				handedOff = true
				go s.reap(logger, process, chunks, control, exited, graceTimer, release)
				logger.Error("agent process timed out",
					"timeout", request.Timeout,
					"partial_output_bytes", len(partialOutput),
				)
				return Outcome{}, Categorize(Signals{
					Err:      errTimedOut,
					ExitCode: -1,
					Stderr:   errorOutput.String(),
					Output:   partialOutput,
					TimedOut: true,
				})
			case controlTerminate:
				beginTermination("terminate requested")
			case controlKill:
				logger.Warn("grace period elapsed, killing agent process")
				// The process may have exited between the timer
				// firing and this signal.
				if err := process.Signal(syscall.SIGKILL); err != nil {
					logger.Debug("SIGKILL delivery failed", "error", err)
				}
			}

		case <-contextDone:
			contextDone = nil
			beginTermination("context cancelled")

		case waitErr := <-exited:
			duration := s.clock.Now().Sub(started)
			return s.finish(logger, request, waitErr, finishState{
				output:     output.String(),
				stderr:     errorOutput.String(),
				terminated: terminating,
				duration:   duration,
			})
		}
	}
}

// reap waits out a timed-out process: it discards further output,
// delivers the grace-period SIGKILL, and releases the supervisor once
// the process has exited.
func (s *Supervisor) reap(logger *slog.Logger, process Process, chunks <-chan streamChunk, control <-chan controlMessage, exited <-chan error, graceTimer *clock.Timer, release func()) {
	for {
		select {
		case <-chunks:
		case message := <-control:
			if message == controlKill {
				logger.Warn("grace period elapsed, killing timed-out agent process")
				if err := process.Signal(syscall.SIGKILL); err != nil {
					logger.Debug("SIGKILL delivery failed", "error", err)
				}
			}
		case <-exited:
			if graceTimer != nil {
				graceTimer.Stop()
			}
			logger.Debug("timed-out agent process reaped")
			release()
			return
		}
	}
}

type finishState struct {
	output     string
	stderr     string
	terminated bool
	duration   time.Duration
}

func (s *Supervisor) finish(logger *slog.Logger, request RunRequest, waitErr error, state finishState) (Outcome, error) {
	exitCode := exitCodeOf(waitErr)

	if state.terminated {
		s.setState(StateFailed)
		categorized := Categorize(Signals{
			Err:      errTerminated,
			ExitCode: -1,
			Stderr:   state.stderr,
			Output:   state.output,
		})
		categorized.Category = CategoryExecution
		categorized.UserMessage = "The run was stopped before it finished."
		logger.Warn("agent process terminated", "duration", state.duration)
		return Outcome{}, categorized
	}

	outcome := Outcome{
		Output:   state.output,
		Stderr:   state.stderr,
		ExitCode: exitCode,
		Duration: state.duration,
	}
	switch {
	case exitCode == 0:
		s.setState(StateCompleted)
		logger.Info("agent process exited", "exit_code", 0, "duration", state.duration)
		return outcome, nil
	case exitCode == 1 && request.Iterative:
		s.setState(StateCompleted)
		outcome.IterationLimit = true
		logger.Info("agent loop stopped at iteration limit", "duration", state.duration)
		return outcome, nil
	}

	s.setState(StateFailed)
	categorized := Categorize(Signals{
		Err:      waitErr,
		ExitCode: exitCode,
		Stderr:   state.stderr,
		Output:   state.output,
	})
	logger.Error("agent process failed",
		"category", categorized.Category,
		"exit_code", exitCode,
		"duration", state.duration,
	)
	return Outcome{}, categorized
}

var (
	errTerminated = errors.New("terminated by request")
	errTimedOut   = errors.New("run timed out")
)

// TerminateActive stops the active child, if any: SIGTERM, then SIGKILL
// after the grace period. It waits until the run has returned or ctx
// is done. With no active child it returns immediately.
func (s *Supervisor) TerminateActive(ctx context.Context) error {
	s.mutex.Lock()
	control, done := s.control, s.done
	s.mutex.Unlock()
	if control == nil {
		return nil
	}

	select {
	case control <- controlTerminate:
	default:
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) setState(state State) {
	s.mutex.Lock()
	s.state = state
	s.mutex.Unlock()
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return -1
}

// streamWriter hands each write to the event loop.
type streamWriter struct {
	kind   streamKind
	chunks chan<- streamChunk
}

func (writer *streamWriter) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	writer.chunks <- streamChunk{kind: writer.kind, text: string(data)}
	return len(data), nil
}
