// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Command describes the process to spawn. Args are passed as an argv
// vector; no shell ever interprets them.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string

	// Stdin is written to the child's standard input, which is then
	// closed. It is never placed on the command line.
	Stdin string
}

// Process is a spawned child.
type Process interface {
	// Wait blocks until the process exits and all of its output has
	// been written to the writers given to Spawn. It returns nil for
	// exit status 0; otherwise an error that implements
	// ExitCode() int when the process exited normally.
	Wait() error

	// Signal delivers signal to the process and everything it
	// spawned.
	Signal(signal os.Signal) error

	// Pid returns the operating system process id.
	Pid() int
}

// Spawner starts processes. The exec implementation is
// [ExecSpawner]; tests substitute fakes.
type Spawner interface {
	Spawn(ctx context.Context, command Command, stdout, stderr io.Writer) (Process, error)
}

// ExecSpawner starts real operating system processes in their own
// process group, so that signals reach the agent's children too.
type ExecSpawner struct {
	// WaitDelay bounds how long Wait waits for output pipes to close
	// after the process exits, in case a grandchild escaped the
	// process group while holding them. Zero means two seconds.
	WaitDelay time.Duration
}

// Spawn starts command. The context is not bound to the process
// lifetime: the supervisor owns termination.
func (spawner ExecSpawner) Spawn(_ context.Context, command Command, stdout, stderr io.Writer) (Process, error) {
	if command.Path == "" {
		return nil, errors.New("no command path")
	}
	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	// An empty Env would inherit the worker's environment.
	cmd.Env = command.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	cmd.Stdin = strings.NewReader(command.Stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = spawner.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", command.Path, err)
	}
	return &execProcess{command: cmd}, nil
}

type execProcess struct {
	command *exec.Cmd
}

func (process *execProcess) Wait() error {
	return process.command.Wait()
}

func (process *execProcess) Pid() int {
	return process.command.Process.Pid
}

// Signal targets the whole process group. It falls back to the single
// process when the group cannot be resolved.
func (process *execProcess) Signal(signal os.Signal) error {
	sig, ok := signal.(syscall.Signal)
	if !ok {
		return process.command.Process.Signal(signal)
	}
	pid := process.command.Process.Pid
	if pgid, err := unix.Getpgid(pid); err == nil && pgid > 0 {
		return unix.Kill(-pgid, sig)
	}
	return process.command.Process.Signal(sig)
}
