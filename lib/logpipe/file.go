// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logpipe

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/bureau-foundation/jobworker/lib/clock"
)

// LogDirectory is the directory, relative to a repository root, that
// holds per-job log files.
const LogDirectory = ".bureau-worker/logs"

// JobLogPath returns the log file path for jobID under root.
func JobLogPath(root, jobID string) string {
	return filepath.Join(root, LogDirectory, jobID+".log")
}

// JobLogOptions configures [OpenJobLog].
type JobLogOptions struct {
	Path  string
	JobID string
	Title string

	// Buffered holds writes in memory until Flush or Close. When
	// false, every record is written through immediately.
	Buffered bool

	// Level is the minimum level written. Defaults to debug.
	Level Level

	Clock clock.Clock
}

// JobLog is the per-job log file: a header naming the job, the job's
// log records and agent transcript, and a footer written on Close.
type JobLog struct {
	path  string
	level Level
	clock clock.Clock

	mutex    sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	buffered bool
	footer   map[string]any
	closed   bool
}

// ErrJobLogClosed is returned by writes after Close.
var ErrJobLogClosed = errors.New("job log closed")

// OpenJobLog creates the log file, with its parent directories, and
// writes the header.
func OpenJobLog(options JobLogOptions) (*JobLog, error) {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if err := os.MkdirAll(filepath.Dir(options.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating job log directory: %w", err)
	}
	file, err := os.OpenFile(options.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening job log: %w", err)
	}

	log := &JobLog{
		path:     options.Path,
		level:    options.Level,
		clock:    options.Clock,
		file:     file,
		writer:   bufio.NewWriter(file),
		buffered: options.Buffered,
	}

	title := options.Title
	if title == "" {
		title = options.JobID
	}
	header := fmt.Sprintf("=== Job %s: %s ===\nStarted: %s\n\n",
		options.JobID, title, options.Clock.Now().UTC().Format(time.RFC3339))
	if err := log.writeLocked(header); err != nil {
		file.Close()
		return nil, err
	}
	return log, nil
}

// Path returns the file path.
func (l *JobLog) Path() string { return l.path }

func (l *JobLog) Name() string { return "file" }

func (l *JobLog) ShouldLog(level Level) bool { return level >= l.level }

// Write appends one record as a single line.
func (l *JobLog) Write(_ context.Context, record Record) error {
	line := fmt.Sprintf("[%s] %-5s %s",
		record.Time.UTC().Format(time.RFC3339Nano),
		strings.ToUpper(record.Level.String()),
		ansi.Strip(record.Message))
	if len(record.Metadata) > 0 {
		encoded, err := json.Marshal(record.Metadata)
		if err == nil {
			line += " " + string(encoded)
		}
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.closed {
		return ErrJobLogClosed
	}
	return l.writeLocked(line + "\n")
}

// WriteTranscript appends agent output, with terminal escape
// sequences removed, between transcript markers.
func (l *JobLog) WriteTranscript(output string) error {
	text := ansi.Strip(output)
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.closed {
		return ErrJobLogClosed
	}
	return l.writeLocked("\n--- agent transcript ---\n" + text + "--- end of transcript ---\n")
}

// SetFooter records metadata written in the footer on Close.
func (l *JobLog) SetFooter(metadata map[string]any) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.footer = metadata
}

func (l *JobLog) Flush(context.Context) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.closed {
		return nil
	}
	return l.writer.Flush()
}

// Close writes the footer and closes the file.
func (l *JobLog) Close(context.Context) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.closed {
		return nil
	}

	var footer strings.Builder
	fmt.Fprintf(&footer, "\n=== Completed: %s ===\n", l.clock.Now().UTC().Format(time.RFC3339))
	for _, key := range sortedKeys(l.footer) {
		fmt.Fprintf(&footer, "%s: %v\n", key, l.footer[key])
	}
	writeErr := l.writeLocked(footer.String())
	flushErr := l.writer.Flush()
	l.closed = true
	closeErr := l.file.Close()
	return errors.Join(writeErr, flushErr, closeErr)
}

func (l *JobLog) writeLocked(text string) error {
	if _, err := l.writer.WriteString(text); err != nil {
		return fmt.Errorf("writing job log: %w", err)
	}
	if !l.buffered {
		if err := l.writer.Flush(); err != nil {
			return fmt.Errorf("writing job log: %w", err)
		}
	}
	return nil
}
