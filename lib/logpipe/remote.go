// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/jobworker/lib/job"
)

// RemoteOptions configures a [Remote] destination.
type RemoteOptions struct {
	Reporter job.Reporter

	// JobID is used for records without a "job_id" metadata value.
	// Records with neither are dropped: the collector files logs by
	// job.
	JobID string

	// UseBatchEndpoint makes SendBatch call AddLogBatch. When false,
	// SendBatch returns ErrBatchUnsupported and callers write records
	// individually.
	UseBatchEndpoint bool

	// Level is the minimum level sent. Defaults to debug.
	Level Level

	// Spool, when set, receives records that could not be delivered.
	Spool *Spool

	// Logger receives delivery failures. It must not route back into
	// this destination.
	Logger *slog.Logger
}

// Remote sends records to the job collector through a [job.Reporter].
type Remote struct {
	reporter         job.Reporter
	jobID            string
	useBatchEndpoint bool
	level            Level
	spool            *Spool
	logger           *slog.Logger
}

// NewRemote creates a Remote destination.
func NewRemote(options RemoteOptions) *Remote {
	return &Remote{
		reporter:         options.Reporter,
		jobID:            options.JobID,
		useBatchEndpoint: options.UseBatchEndpoint,
		level:            options.Level,
		spool:            options.Spool,
		logger:           options.Logger,
	}
}

func (r *Remote) Name() string { return "remote" }

func (r *Remote) ShouldLog(level Level) bool { return level >= r.level }

func (r *Remote) Write(ctx context.Context, record Record) error {
	jobID := r.jobFor(record)
	if jobID == "" {
		return nil
	}
	return r.reporter.AddLog(ctx, jobID, record.Level.String(), record.Message, record.Metadata)
}

// SendBatch delivers records grouped by job in one AddLogBatch call per
// job. When every call fails the joined error is returned and the
// caller retries record by record. When only some fail, the records of
// the failed jobs are written individually here, so that jobs already
// delivered are not sent twice, and nil is returned.
func (r *Remote) SendBatch(ctx context.Context, records []Record) error {
	if !r.useBatchEndpoint {
		return ErrBatchUnsupported
	}
	var order []string
	grouped := make(map[string][]Record)
	for _, record := range records {
		jobID := r.jobFor(record)
		if jobID == "" {
			continue
		}
		if _, seen := grouped[jobID]; !seen {
			order = append(order, jobID)
		}
		grouped[jobID] = append(grouped[jobID], record)
	}

	var errs []error
	var failed []string
	for _, jobID := range order {
		if err := r.reporter.AddLogBatch(ctx, jobID, logEntries(grouped[jobID])); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", jobID, err))
			failed = append(failed, jobID)
		}
	}
	if len(failed) == 0 || len(failed) == len(order) {
		return errors.Join(errs...)
	}

	if r.logger != nil {
		r.logger.Debug("batch delivery failed for some jobs, sending their records individually",
			"failed_jobs", failed,
			"error", errors.Join(errs...),
		)
	}
	for _, jobID := range failed {
		for _, record := range grouped[jobID] {
			if err := r.Write(ctx, record); err != nil {
				r.HandleError(err, record)
			}
		}
	}
	return nil
}

func logEntries(records []Record) []job.LogEntry {
	entries := make([]job.LogEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, job.LogEntry{
			Timestamp: record.Time,
			Level:     record.Level.String(),
			Message:   record.Message,
			Metadata:  record.Metadata,
		})
	}
	return entries
}

// HandleError spools the undelivered record when a spool is
// configured.
func (r *Remote) HandleError(err error, record Record) {
	if r.logger != nil {
		r.logger.Debug("remote log delivery failed",
			"job_id", r.jobFor(record),
			"error", err,
		)
	}
	if r.spool == nil {
		return
	}
	if spoolErr := r.spool.Append(record); spoolErr != nil && r.logger != nil {
		r.logger.Warn("spooling undelivered log record failed", "path", r.spool.Path(), "error", spoolErr)
	}
}

func (r *Remote) jobFor(record Record) string {
	if id := record.JobID(); id != "" {
		return id
	}
	return r.jobID
}
