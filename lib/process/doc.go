// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers for the worker binary:
// reporting a fatal error before the logging pipeline exists, and
// translating a job outcome into the process exit status.
//
// These are the only places outside the console log destination that
// write to stderr directly.
package process
