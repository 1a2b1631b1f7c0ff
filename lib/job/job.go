// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// Type selects the flow the orchestrator runs for a job.
type Type string

const (
	// TypePRDGeneration asks the agent to write a product requirements
	// document from a feature description.
	TypePRDGeneration Type = "prd_generation"

	// TypeCodeExecution asks the agent to implement a change inside an
	// isolated workspace, iterating until it signals completion or
	// exhausts its iteration budget.
	TypeCodeExecution Type = "code_execution"

	// TypeClarifyingQuestions asks the agent to produce questions that
	// would sharpen an underspecified request.
	TypeClarifyingQuestions Type = "clarifying_questions"
)

// Mode selects how the agent process is driven.
type Mode string

const (
	// ModeDefault lets the job type decide: iterative for code
	// execution, single-shot otherwise.
	ModeDefault Mode = ""

	// ModeSingleShot runs the agent once; any non-zero exit is a
	// failure.
	ModeSingleShot Mode = "single"

	// ModeIterative runs the agent through its iteration loop. Exit
	// code 1 means the loop hit its ceiling, which is not a failure.
	ModeIterative Mode = "iterative"
)

// Job is one unit of work. It is immutable once received.
type Job struct {
	ID          string `json:"id"`
	Type        Type   `json:"type"`
	Title       string `json:"title,omitempty"`
	Prompt      string `json:"prompt"`
	Mode        Mode   `json:"mode,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`

	// AutoCleanup removes the workspace after the run. It defaults to
	// true when absent from a job file.
	AutoCleanup bool `json:"auto_cleanup"`
}

// RunMode resolves ModeDefault against the job type.
func (j Job) RunMode() Mode {
	if j.Mode != ModeDefault {
		return j.Mode
	}
	if j.Type == TypeCodeExecution {
		return ModeIterative
	}
	return ModeSingleShot
}

// DisplayTitle returns Title, or a title derived from type and id.
func (j Job) DisplayTitle() string {
	if j.Title != "" {
		return j.Title
	}
	return fmt.Sprintf("%s %s", j.Type, j.ID)
}

// Validate checks the structural fields. It does not inspect the
// prompt or the project path; the guards own those checks.
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job: id is required")
	}
	switch j.Type {
	case TypePRDGeneration, TypeCodeExecution, TypeClarifyingQuestions:
	case "":
		return fmt.Errorf("job %s: type is required", j.ID)
	default:
		return fmt.Errorf("job %s: unsupported type %q", j.ID, j.Type)
	}
	switch j.Mode {
	case ModeDefault, ModeSingleShot, ModeIterative:
	default:
		return fmt.Errorf("job %s: unsupported mode %q", j.ID, j.Mode)
	}
	return nil
}

// LoadFile reads a job description from a JSON or JSONC file.
func LoadFile(path string) (Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Job{}, fmt.Errorf("reading job file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON or JSONC job description. Comments and
// trailing commas are accepted.
func Parse(data []byte) (Job, error) {
	job := Job{AutoCleanup: true}
	if err := json.Unmarshal(jsonc.ToJSON(data), &job); err != nil {
		return Job{}, fmt.Errorf("parsing job: %w", err)
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}
