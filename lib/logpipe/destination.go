// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logpipe

import (
	"context"
	"errors"
	"log/slog"
)

// Destination is a sink for records.
type Destination interface {
	// Name identifies the destination in diagnostics.
	Name() string

	// Write delivers one record.
	Write(ctx context.Context, record Record) error
}

// Flusher is implemented by destinations that hold records back.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Closer is implemented by destinations that own resources.
type Closer interface {
	Close(ctx context.Context) error
}

// LevelFilter is implemented by destinations that drop some levels.
type LevelFilter interface {
	ShouldLog(level Level) bool
}

// BatchSender is implemented by destinations that can deliver several
// records in one call. Returning [ErrBatchUnsupported] makes callers
// fall back to individual writes without treating it as a failure.
type BatchSender interface {
	SendBatch(ctx context.Context, records []Record) error
}

// ErrorHandler is implemented by destinations that want to see their
// own delivery failures.
type ErrorHandler interface {
	HandleError(err error, record Record)
}

// ErrBatchUnsupported is returned by a BatchSender that cannot batch
// right now.
var ErrBatchUnsupported = errors.New("batch delivery not supported")

// shouldLog applies the destination's LevelFilter, if any.
func shouldLog(destination Destination, level Level) bool {
	if filter, ok := destination.(LevelFilter); ok {
		return filter.ShouldLog(level)
	}
	return true
}

// reportError hands err to the destination's ErrorHandler, or to
// fallback when it has none. fallback must not log through a pipeline
// containing destination.
func reportError(destination Destination, err error, record Record, fallback *slog.Logger) {
	if handler, ok := destination.(ErrorHandler); ok {
		handler.HandleError(err, record)
		return
	}
	if fallback != nil {
		fallback.Warn("log destination write failed",
			"destination", destination.Name(),
			"message", record.Message,
			"error", err,
		)
	}
}

func flushDestination(ctx context.Context, destination Destination) error {
	if flusher, ok := destination.(Flusher); ok {
		return flusher.Flush(ctx)
	}
	return nil
}

func closeDestination(ctx context.Context, destination Destination) error {
	if closer, ok := destination.(Closer); ok {
		return closer.Close(ctx)
	}
	return nil
}
