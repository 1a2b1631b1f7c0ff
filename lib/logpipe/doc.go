// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logpipe fans structured log records out to pluggable
// destinations.
//
// A [Destination] must implement Name and Write. Everything else is an
// optional capability discovered by type assertion: [Flusher],
// [Closer], [LevelFilter], [BatchSender], and [ErrorHandler]. The
// package provides three destinations (the console, a per-job log
// file, and the remote job collector) and one decorator, [Batching],
// which buffers records for any destination and flushes them by size
// or on a timer.
//
// A [Pipeline] writes each record to every destination concurrently
// and merges its scope context into the record's metadata. Keys set on
// the record win over keys from the context. [Pipeline.Child] and
// [Pipeline.With] return scopes that add context without changing the
// parent's. [NewHandler] exposes a Pipeline as an [slog.Handler], which
// is how the rest of the worker logs through it.
//
// Destination failures never reach the caller of Log. They go to the
// destination's ErrorHandler when it has one, and to the pipeline's
// fallback logger otherwise.
package logpipe
