// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal is a [job.Reporter] that appends every report to a
// local JSONL file, one JSON object per line. The worker binary uses it
// when no controlling service is attached, and it doubles as an audit
// trail of what would have been sent.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/jobworker/lib/clock"
	"github.com/bureau-foundation/jobworker/lib/job"
)

// Entry kinds.
const (
	KindStatus   = "status"
	KindProgress = "progress"
	KindLog      = "log"
	KindMetadata = "metadata"
)

// progressFlushSize is the buffered progress text, in bytes, that
// triggers an implicit flush.
const progressFlushSize = 4096

// Entry is one journal line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	JobID     string         `json:"job_id"`
	EventType string         `json:"event_type,omitempty"`
	Level     string         `json:"level,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Writer appends entries to a journal file. It is safe for concurrent
// use.
type Writer struct {
	clock   clock.Clock
	closer  io.Closer
	encoder *json.Encoder

	mutex    sync.Mutex
	closed   bool
	progress map[string]*strings.Builder
	counts   map[string]int64
}

// Open creates (or appends to) the journal at path.
func Open(path string, clk clock.Clock) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal %q: %w", path, err)
	}
	return New(file, clk), nil
}

// New returns a Writer on w. If w is an io.Closer, Close closes it.
func New(w io.Writer, clk clock.Clock) *Writer {
	if clk == nil {
		clk = clock.Real()
	}
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	writer := &Writer{
		clock:    clk,
		encoder:  encoder,
		progress: make(map[string]*strings.Builder),
		counts:   make(map[string]int64),
	}
	if closer, ok := w.(io.Closer); ok {
		writer.closer = closer
	}
	return writer
}

var _ job.Reporter = (*Writer)(nil)

func (writer *Writer) SendStatusEvent(_ context.Context, jobID, eventType, message string, data map[string]any) error {
	return writer.append(Entry{Kind: KindStatus, JobID: jobID, EventType: eventType, Message: message, Data: data})
}

// SendProgress buffers chunk until FlushProgressBuffer, or until the
// buffered text for the job passes a few kilobytes.
func (writer *Writer) SendProgress(_ context.Context, jobID, chunk string) error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	buffer, ok := writer.progress[jobID]
	if !ok {
		buffer = &strings.Builder{}
		writer.progress[jobID] = buffer
	}
	buffer.WriteString(chunk)
	if buffer.Len() >= progressFlushSize {
		return writer.flushProgressLocked(jobID)
	}
	return nil
}

func (writer *Writer) FlushProgressBuffer(_ context.Context, jobID string) error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	return writer.flushProgressLocked(jobID)
}

func (writer *Writer) flushProgressLocked(jobID string) error {
	buffer, ok := writer.progress[jobID]
	if !ok || buffer.Len() == 0 {
		return nil
	}
	text := buffer.String()
	delete(writer.progress, jobID)
	return writer.appendLocked(Entry{Kind: KindProgress, JobID: jobID, Message: text})
}

func (writer *Writer) AddLog(_ context.Context, jobID, level, message string, metadata map[string]any) error {
	return writer.append(Entry{Kind: KindLog, JobID: jobID, Level: level, Message: message, Data: metadata})
}

func (writer *Writer) AddLogBatch(_ context.Context, jobID string, entries []job.LogEntry) error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	for _, entry := range entries {
		line := Entry{Timestamp: entry.Timestamp, Kind: KindLog, JobID: jobID, Level: entry.Level, Message: entry.Message, Data: entry.Metadata}
		if err := writer.appendLocked(line); err != nil {
			return err
		}
	}
	return nil
}

func (writer *Writer) UpdateJobMetadata(_ context.Context, jobID string, fields map[string]any) error {
	return writer.append(Entry{Kind: KindMetadata, JobID: jobID, Data: fields})
}

// Counts returns the number of entries written per kind.
func (writer *Writer) Counts() map[string]int64 {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	counts := make(map[string]int64, len(writer.counts))
	for kind, count := range writer.counts {
		counts[kind] = count
	}
	return counts
}

// Close flushes every progress buffer and closes the underlying file.
// It is idempotent.
func (writer *Writer) Close() error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	if writer.closed {
		return nil
	}
	var flushErr error
	for jobID := range writer.progress {
		if err := writer.flushProgressLocked(jobID); err != nil && flushErr == nil {
			flushErr = err
		}
	}
	writer.closed = true
	if writer.closer != nil {
		if err := writer.closer.Close(); err != nil {
			return err
		}
	}
	return flushErr
}

func (writer *Writer) append(entry Entry) error {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	return writer.appendLocked(entry)
}

func (writer *Writer) appendLocked(entry Entry) error {
	if writer.closed {
		return fmt.Errorf("journal closed")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = writer.clock.Now()
	}
	if err := writer.encoder.Encode(entry); err != nil {
		return fmt.Errorf("encoding journal entry: %w", err)
	}
	writer.counts[entry.Kind]++
	return nil
}

// Read decodes every entry from r.
func Read(r io.Reader) ([]Entry, error) {
	decoder := json.NewDecoder(r)
	var entries []Entry
	for {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			if err == io.EOF {
				return entries, nil
			}
			return entries, fmt.Errorf("decoding journal entry %d: %w", len(entries), err)
		}
		entries = append(entries, entry)
	}
}
