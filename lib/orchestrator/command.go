// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"path/filepath"

	"github.com/bureau-foundation/jobworker/lib/guard"
	"github.com/bureau-foundation/jobworker/lib/job"
	"github.com/bureau-foundation/jobworker/lib/supervisor"
)

// Variables set in the agent environment for every job.
const (
	EnvWorkspacePath = "WORKSPACE_PATH"
	EnvInstanceDir   = "INSTANCE_DIR"
	EnvMainRepoPath  = "MAIN_REPO_PATH"
	EnvRuntimeMode   = "RUNTIME_MODE"
)

// InstanceDirectory is the per-job scratch directory, relative to the
// working directory, where the agent may keep its own notes.
const InstanceDirectory = ".bureau-worker/instance"

// JobVariables names the variables the orchestrator adds to the
// sanitized environment. They are passed to the environment guard as
// extra allowed names.
var JobVariables = []string{EnvWorkspacePath, EnvInstanceDir, EnvMainRepoPath, EnvRuntimeMode}

var preambles = map[job.Type]string{
	job.TypePRDGeneration:       "Write a product requirements document in Markdown for the request below. Start with a level-one heading naming the feature, followed by a one-paragraph overview.\n\n",
	job.TypeClarifyingQuestions: "List the clarifying questions you would ask before implementing the request below, as a Markdown bullet list with one question per item.\n\n",
}

// commandSpec is what buildCommand needs to know about the run.
type commandSpec struct {
	binary      string
	extraArgs   []string
	workingDir  string
	projectPath string
	mode        job.Mode
	environ     []string
}

// buildCommand assembles the agent invocation for j. The prompt goes on
// stdin and never into argv.
func buildCommand(j job.Job, spec commandSpec) supervisor.Command {
	args := []string{"--print"}
	if j.Type == job.TypeCodeExecution {
		args = append(args, "--permission-mode", "acceptEdits")
	}
	args = append(args, spec.extraArgs...)

	environment := guard.WithVariables(spec.environ, map[string]string{
		EnvWorkspacePath: spec.workingDir,
		EnvInstanceDir:   filepath.Join(spec.workingDir, InstanceDirectory),
		EnvMainRepoPath:  spec.projectPath,
		EnvRuntimeMode:   string(spec.mode),
	})

	return supervisor.Command{
		Path:  spec.binary,
		Args:  args,
		Dir:   spec.workingDir,
		Env:   environment,
		Stdin: preambles[j.Type] + j.Prompt,
	}
}
