// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobtest provides an in-memory [job.Reporter] for tests.
package jobtest

import (
	"context"
	"sync"

	"github.com/bureau-foundation/jobworker/lib/job"
)

// StatusEvent is one recorded SendStatusEvent call.
type StatusEvent struct {
	JobID     string
	EventType string
	Message   string
	Data      map[string]any
}

// LogCall is one recorded AddLog call, or one entry of an AddLogBatch
// call.
type LogCall struct {
	JobID    string
	Level    string
	Message  string
	Metadata map[string]any
	Batched  bool
}

// Recorder records every call. Setting an error field makes the
// corresponding method fail after recording.
type Recorder struct {
	mutex sync.Mutex

	Events   []StatusEvent
	Progress []string
	Flushes  int
	Logs     []LogCall
	Batches  int
	Metadata []map[string]any

	EventErr error
	LogErr   error
	BatchErr error
	// BatchErrFor fails AddLogBatch for the listed job IDs only.
	BatchErrFor map[string]error
}

var _ job.Reporter = (*Recorder)(nil)

func (r *Recorder) SendStatusEvent(_ context.Context, jobID, eventType, message string, data map[string]any) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.Events = append(r.Events, StatusEvent{JobID: jobID, EventType: eventType, Message: message, Data: data})
	return r.EventErr
}

func (r *Recorder) SendProgress(_ context.Context, _ string, chunk string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.Progress = append(r.Progress, chunk)
	return nil
}

func (r *Recorder) FlushProgressBuffer(context.Context, string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.Flushes++
	return nil
}

func (r *Recorder) AddLog(_ context.Context, jobID, level, message string, metadata map[string]any) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.LogErr != nil {
		return r.LogErr
	}
	r.Logs = append(r.Logs, LogCall{JobID: jobID, Level: level, Message: message, Metadata: metadata})
	return nil
}

func (r *Recorder) AddLogBatch(_ context.Context, jobID string, entries []job.LogEntry) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.BatchErr != nil {
		return r.BatchErr
	}
	if err := r.BatchErrFor[jobID]; err != nil {
		return err
	}
	r.Batches++
	for _, entry := range entries {
		r.Logs = append(r.Logs, LogCall{
			JobID: jobID, Level: entry.Level, Message: entry.Message,
			Metadata: entry.Metadata, Batched: true,
		})
	}
	return nil
}

func (r *Recorder) UpdateJobMetadata(_ context.Context, _ string, fields map[string]any) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.Metadata = append(r.Metadata, fields)
	return nil
}

// EventsOfType returns the recorded status events of eventType.
func (r *Recorder) EventsOfType(eventType string) []StatusEvent {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var matched []StatusEvent
	for _, event := range r.Events {
		if event.EventType == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

// LogCalls returns a copy of the recorded log calls.
func (r *Recorder) LogCalls() []LogCall {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]LogCall(nil), r.Logs...)
}
