// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/jobworker/lib/clock"
	"github.com/bureau-foundation/jobworker/lib/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// exitStatus mimics *exec.ExitError.
type exitStatus int

func (e exitStatus) Error() string { return "exit status " + strconv.Itoa(int(e)) }
func (e exitStatus) ExitCode() int { return int(e) }

type fakeProcess struct {
	stdout     io.Writer
	stderr     io.Writer
	signals    chan os.Signal
	exit       chan error
	exitOnTerm bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		signals: make(chan os.Signal, 8),
		exit:    make(chan error, 1),
	}
}

func (p *fakeProcess) Wait() error { return <-p.exit }
func (p *fakeProcess) Pid() int    { return 4242 }

func (p *fakeProcess) Signal(signal os.Signal) error {
	p.signals <- signal
	if signal == syscall.SIGKILL || (signal == syscall.SIGTERM && p.exitOnTerm) {
		p.exitWith(exitStatus(-1))
	}
	return nil
}

func (p *fakeProcess) exitWith(err error) {
	select {
	case p.exit <- err:
	default:
	}
}

type fakeSpawner struct {
	mutex    sync.Mutex
	process  *fakeProcess
	commands []Command
	spawned  chan struct{}
	err      error
}

func (s *fakeSpawner) Spawn(_ context.Context, command Command, stdout, stderr io.Writer) (Process, error) {
	s.mutex.Lock()
	s.commands = append(s.commands, command)
	s.mutex.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.process.stdout = stdout
	s.process.stderr = stderr
	s.spawned <- struct{}{}
	return s.process, nil
}

type runResult struct {
	outcome Outcome
	err     error
}

func startRun(t *testing.T, supervisor *Supervisor, request RunRequest) <-chan runResult {
	t.Helper()
	results := make(chan runResult, 1)
	go func() {
		outcome, err := supervisor.Run(context.Background(), request)
		results <- runResult{outcome, err}
	}()
	return results
}

func newFakeSupervisor(fake *clock.FakeClock) (*Supervisor, *fakeSpawner) {
	spawner := &fakeSpawner{process: newFakeProcess(), spawned: make(chan struct{}, 1)}
	supervisor := New(Options{
		Spawner:     spawner,
		Clock:       fake,
		GracePeriod: 2 * time.Second,
		Logger:      discardLogger(),
	})
	return supervisor, spawner
}

type recordingSubscriber struct {
	mutex  sync.Mutex
	chunks []string
}

func (r *recordingSubscriber) HandleChunk(chunk string) {
	r.mutex.Lock()
	r.chunks = append(r.chunks, chunk)
	r.mutex.Unlock()
}

func (r *recordingSubscriber) all() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.chunks...)
}

func TestRunDeliversChunksInOrderToEverySubscriber(t *testing.T) {
	t.Parallel()

	supervisor, spawner := newFakeSupervisor(clock.Fake(epoch))
	first, second := &recordingSubscriber{}, &recordingSubscriber{}
	results := startRun(t, supervisor, RunRequest{
		Command:     Command{Path: "agent"},
		Timeout:     time.Hour,
		Subscribers: []Subscriber{first, second},
	})
	testutil.RequireReceive(t, spawner.spawned, 5*time.Second, "spawn")

	process := spawner.process
	for _, chunk := range []string{"one ", "two ", "three"} {
		if _, err := process.stdout.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	process.stderr.Write([]byte("warning: slow\n"))
	process.exitWith(nil)

	result := testutil.RequireReceive(t, results, 5*time.Second, "run result")
	if result.err != nil {
		t.Fatalf("Run: %v", result.err)
	}
	if result.outcome.Output != "one two three" {
		t.Errorf("Output = %q", result.outcome.Output)
	}
	if result.outcome.Stderr != "warning: slow\n" {
		t.Errorf("Stderr = %q", result.outcome.Stderr)
	}
	want := []string{"one ", "two ", "three"}
	for name, subscriber := range map[string]*recordingSubscriber{"first": first, "second": second} {
		got := subscriber.all()
		if strings.Join(got, "|") != strings.Join(want, "|") {
			t.Errorf("%s subscriber chunks = %q, want %q", name, got, want)
		}
	}
	if state := supervisor.State(); state != StateIdle {
		t.Errorf("State after run = %s, want idle", state)
	}
}

func TestRunTimeoutCarriesPartialOutput(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(epoch)
	supervisor, spawner := newFakeSupervisor(fake)
	spawner.process.exitOnTerm = true
	results := startRun(t, supervisor, RunRequest{
		Command: Command{Path: "agent"},
		Timeout: 10 * time.Second,
	})
	testutil.RequireReceive(t, spawner.spawned, 5*time.Second, "spawn")

	spawner.process.stdout.Write([]byte("partial work"))
	fake.WaitForTimers(1)
	fake.Advance(10 * time.Second)

	signal := testutil.RequireReceive(t, spawner.process.signals, 5*time.Second, "SIGTERM")
	if signal != syscall.SIGTERM {
		t.Errorf("first signal = %v, want SIGTERM", signal)
	}
	result := testutil.RequireReceive(t, results, 5*time.Second, "run result")
	var categorized *Error
	if !errors.As(result.err, &categorized) {
		t.Fatalf("Run error = %v, want *Error", result.err)
	}
	if categorized.Category != CategoryTimeout {
		t.Errorf("Category = %s, want %s", categorized.Category, CategoryTimeout)
	}
	if categorized.PartialOutput != "partial work" {
		t.Errorf("PartialOutput = %q", categorized.PartialOutput)
	}
}

func TestRunTimeoutReturnsBeforeStubbornProcessExits(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(epoch)
	supervisor, spawner := newFakeSupervisor(fake)
	results := startRun(t, supervisor, RunRequest{
		Command: Command{Path: "agent"},
		Timeout: 10 * time.Second,
	})
	testutil.RequireReceive(t, spawner.spawned, 5*time.Second, "spawn")

	spawner.process.stdout.Write([]byte("half done"))
	fake.WaitForTimers(1)
	fake.Advance(10 * time.Second)

	// The process ignores SIGTERM, yet the run resolves without the
	// clock moving past the timeout.
	result := testutil.RequireReceive(t, results, 5*time.Second, "run result")
	var categorized *Error
	if !errors.As(result.err, &categorized) || categorized.Category != CategoryTimeout {
		t.Fatalf("Run error = %v, want %s", result.err, CategoryTimeout)
	}
	if categorized.PartialOutput != "half done" {
		t.Errorf("PartialOutput = %q", categorized.PartialOutput)
	}
	if signal := testutil.RequireReceive(t, spawner.process.signals, 5*time.Second, "SIGTERM"); signal != syscall.SIGTERM {
		t.Fatalf("first signal = %v, want SIGTERM", signal)
	}
	if state := supervisor.State(); state != StateTimedOut {
		t.Errorf("State while the process lingers = %s, want %s", state, StateTimedOut)
	}
	if _, err := supervisor.Run(context.Background(), RunRequest{Command: Command{Path: "agent"}}); !errors.Is(err, ErrBusy) {
		t.Errorf("second Run while reaping = %v, want ErrBusy", err)
	}

	// Late output must not block the reaper.
	go spawner.process.stdout.Write([]byte("still talking"))

	released := make(chan error, 1)
	go func() { released <- supervisor.TerminateActive(context.Background()) }()

	fake.WaitForTimers(1)
	fake.Advance(2 * time.Second)
	if signal := testutil.RequireReceive(t, spawner.process.signals, 5*time.Second, "SIGKILL"); signal != syscall.SIGKILL {
		t.Fatalf("second signal = %v, want SIGKILL", signal)
	}
	if err := testutil.RequireReceive(t, released, 5*time.Second, "release"); err != nil {
		t.Errorf("TerminateActive = %v", err)
	}
	if state := supervisor.State(); state != StateIdle {
		t.Errorf("State after reaping = %s, want idle", state)
	}
}

func TestTerminateActiveEscalatesAfterGracePeriod(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(epoch)
	supervisor, spawner := newFakeSupervisor(fake)
	results := startRun(t, supervisor, RunRequest{
		Command: Command{Path: "agent"},
		Timeout: time.Hour,
	})
	testutil.RequireReceive(t, spawner.spawned, 5*time.Second, "spawn")

	terminated := make(chan error, 1)
	go func() { terminated <- supervisor.TerminateActive(context.Background()) }()

	if signal := testutil.RequireReceive(t, spawner.process.signals, 5*time.Second, "SIGTERM"); signal != syscall.SIGTERM {
		t.Fatalf("first signal = %v, want SIGTERM", signal)
	}

	// Run timeout plus grace timer.
	fake.WaitForTimers(2)
	fake.Advance(2*time.Second - time.Millisecond)
	select {
	case signal := <-spawner.process.signals:
		t.Fatalf("signal %v sent before the grace period elapsed", signal)
	case <-time.After(50 * time.Millisecond):
	}

	fake.Advance(time.Millisecond)
	if signal := testutil.RequireReceive(t, spawner.process.signals, 5*time.Second, "SIGKILL"); signal != syscall.SIGKILL {
		t.Fatalf("second signal = %v, want SIGKILL", signal)
	}

	result := testutil.RequireReceive(t, results, 5*time.Second, "run result")
	var categorized *Error
	if !errors.As(result.err, &categorized) || categorized.Category != CategoryExecution {
		t.Errorf("Run error = %v, want execution_error", result.err)
	}
	if err := testutil.RequireReceive(t, terminated, 5*time.Second, "TerminateActive"); err != nil {
		t.Errorf("TerminateActive = %v", err)
	}
}

func TestTerminateActiveWithoutProcessIsNoop(t *testing.T) {
	t.Parallel()

	supervisor, spawner := newFakeSupervisor(clock.Fake(epoch))
	if err := supervisor.TerminateActive(context.Background()); err != nil {
		t.Fatalf("TerminateActive while idle = %v", err)
	}

	results := startRun(t, supervisor, RunRequest{Command: Command{Path: "agent"}})
	testutil.RequireReceive(t, spawner.spawned, 5*time.Second, "spawn")
	spawner.process.exitWith(nil)
	testutil.RequireReceive(t, results, 5*time.Second, "run result")

	if err := supervisor.TerminateActive(context.Background()); err != nil {
		t.Fatalf("TerminateActive after exit = %v", err)
	}
	select {
	case signal := <-spawner.process.signals:
		t.Errorf("signal %v sent to an exited process", signal)
	default:
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	supervisor, spawner := newFakeSupervisor(clock.Fake(epoch))
	results := startRun(t, supervisor, RunRequest{Command: Command{Path: "agent"}})
	testutil.RequireReceive(t, spawner.spawned, 5*time.Second, "spawn")

	if _, err := supervisor.Run(context.Background(), RunRequest{Command: Command{Path: "agent"}}); !errors.Is(err, ErrBusy) {
		t.Errorf("second Run = %v, want ErrBusy", err)
	}

	spawner.process.exitWith(nil)
	testutil.RequireReceive(t, results, 5*time.Second, "run result")
}

func TestRunExitCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		exit           error
		stderr         string
		iterative      bool
		wantErr        Category
		iterationLimit bool
	}{
		{name: "success", exit: nil},
		{name: "iteration limit", exit: exitStatus(1), iterative: true, iterationLimit: true},
		{name: "single shot exit 1", exit: exitStatus(1), wantErr: CategoryExecution},
		{name: "rate limited", exit: exitStatus(2), stderr: "Error: rate limit exceeded", wantErr: CategoryRateLimited},
		{name: "iterative other code", exit: exitStatus(2), iterative: true, wantErr: CategoryExecution},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			supervisor, spawner := newFakeSupervisor(clock.Fake(epoch))
			results := startRun(t, supervisor, RunRequest{
				Command:   Command{Path: "agent"},
				Iterative: test.iterative,
			})
			testutil.RequireReceive(t, spawner.spawned, 5*time.Second, "spawn")
			spawner.process.stdout.Write([]byte("output"))
			if test.stderr != "" {
				spawner.process.stderr.Write([]byte(test.stderr))
			}
			spawner.process.exitWith(test.exit)

			result := testutil.RequireReceive(t, results, 5*time.Second, "run result")
			if test.wantErr != "" {
				var categorized *Error
				if !errors.As(result.err, &categorized) {
					t.Fatalf("Run error = %v, want *Error", result.err)
				}
				if categorized.Category != test.wantErr {
					t.Errorf("Category = %s, want %s", categorized.Category, test.wantErr)
				}
				if categorized.PartialOutput != "output" {
					t.Errorf("PartialOutput = %q", categorized.PartialOutput)
				}
				return
			}
			if result.err != nil {
				t.Fatalf("Run: %v", result.err)
			}
			if result.outcome.IterationLimit != test.iterationLimit {
				t.Errorf("IterationLimit = %v, want %v", result.outcome.IterationLimit, test.iterationLimit)
			}
		})
	}
}

func TestRunSpawnFailureIsCategorized(t *testing.T) {
	t.Parallel()

	spawner := &fakeSpawner{err: &os.PathError{Op: "fork/exec", Path: "/opt/claude", Err: syscall.ENOENT}}
	supervisor := New(Options{Spawner: spawner, Clock: clock.Fake(epoch), Logger: discardLogger()})

	_, err := supervisor.Run(context.Background(), RunRequest{Command: Command{Path: "/opt/claude"}})
	var categorized *Error
	if !errors.As(err, &categorized) {
		t.Fatalf("Run error = %v, want *Error", err)
	}
	if categorized.Category != CategoryNotInstalled {
		t.Errorf("Category = %s, want %s", categorized.Category, CategoryNotInstalled)
	}
	if supervisor.State() != StateIdle {
		t.Errorf("State = %s, want idle", supervisor.State())
	}
}

func TestCategorize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		signals Signals
		want    Category
	}{
		{"not installed by exit 127", Signals{ExitCode: 127, Stderr: "sh: claude: not found"}, CategoryNotInstalled},
		{"not authenticated", Signals{ExitCode: 1, Stderr: "Invalid API key · Please run /login"}, CategoryNotAuthenticated},
		{"out of tokens", Signals{ExitCode: 1, Stderr: "Credit balance is too low"}, CategoryOutOfTokens},
		{"rate limited", Signals{ExitCode: 1, Stderr: "API Error: 429 Too Many Requests"}, CategoryRateLimited},
		{"permission denied", Signals{Err: syscall.EACCES, ExitCode: -1}, CategoryPermissionDenied},
		{"permission text", Signals{ExitCode: 1, Stderr: "open /x: permission denied"}, CategoryPermissionDenied},
		{"timeout text", Signals{ExitCode: 1, Stderr: "request timed out"}, CategoryTimeout},
		{"timeout flag", Signals{ExitCode: -1, Stderr: "rate limit", TimedOut: true}, CategoryTimeout},
		{"network", Signals{ExitCode: 1, Stderr: "connect ECONNREFUSED 127.0.0.1:443"}, CategoryNetwork},
		{"generic exit", Signals{ExitCode: 3, Stderr: "something broke"}, CategoryExecution},
		{"unknown", Signals{Err: errors.New("pipe closed"), ExitCode: -1}, CategoryUnknown},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Categorize(test.signals)
			if got.Category != test.want {
				t.Errorf("Category = %s, want %s", got.Category, test.want)
			}
			if got.UserMessage == "" {
				t.Error("UserMessage is empty")
			}
		})
	}
}

func TestCategorizeTechnicalDetails(t *testing.T) {
	t.Parallel()

	got := Categorize(Signals{Err: errors.New("exit status 3"), ExitCode: 3, Stderr: "boom\n", Output: "partial"})
	for _, want := range []string{"exit status 3", "exit code: 3", "boom"} {
		if !strings.Contains(got.TechnicalDetails, want) {
			t.Errorf("TechnicalDetails = %q, missing %q", got.TechnicalDetails, want)
		}
	}
	if got.PartialOutput != "partial" {
		t.Errorf("PartialOutput = %q", got.PartialOutput)
	}
	if got.ExitCode() != 1 {
		t.Errorf("ExitCode() = %d, want 1", got.ExitCode())
	}
}
