// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package job defines the worker's data model: the immutable [Job]
// handed in by the controlling service, the [ExecutionResult] handed
// back, and the two collaborator interfaces the worker consumes but
// does not implement here: a [WorkspaceProvider] that creates and
// removes isolated repository copies, and a [Reporter] that carries
// status events, progress chunks, and log records to the controlling
// service.
//
// Completion of an iterative agent run is decided in exactly one
// place, [DetectCompletion]. The supervisor only reports exit codes;
// everything that needs to know whether the agent actually finished
// asks DetectCompletion.
package job
