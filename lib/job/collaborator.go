// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"context"
	"time"
)

// WorkspaceProvider creates and destroys the isolated repository copy
// a code execution job runs in.
type WorkspaceProvider interface {
	// CreateWorkspace returns the absolute path of a fresh workspace
	// for job.
	CreateWorkspace(ctx context.Context, job Job) (string, error)

	// RemoveWorkspace destroys the workspace created for job.
	RemoveWorkspace(ctx context.Context, job Job) error

	// BranchNameFor returns the branch the workspace checks out.
	BranchNameFor(job Job) string
}

// LogEntry is a log record in the shape the controlling service
// accepts.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Reporter carries job observability to the controlling service.
// Every method is best-effort from the worker's point of view: callers
// log failures and carry on.
type Reporter interface {
	SendStatusEvent(ctx context.Context, jobID, eventType, message string, data map[string]any) error
	SendProgress(ctx context.Context, jobID, chunk string) error
	FlushProgressBuffer(ctx context.Context, jobID string) error
	AddLog(ctx context.Context, jobID, level, message string, metadata map[string]any) error
	AddLogBatch(ctx context.Context, jobID string, entries []LogEntry) error
	UpdateJobMetadata(ctx context.Context, jobID string, fields map[string]any) error
}

// Status event types sent through Reporter.SendStatusEvent.
const (
	EventJobStarted   = "job_started"
	EventMilestone    = "milestone"
	EventToolActivity = "tool_activity"
	EventProgress     = "progress"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
)
