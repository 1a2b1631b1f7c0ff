// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package guard validates the three inputs the worker hands to an
// agent process: the filesystem paths it may operate in, the prompt
// text it is given, and the environment variables it inherits.
//
// Each guard is stateless after construction and safe for concurrent
// use. Rejections are returned as [*ValidationError] values carrying a
// stable machine-readable reason, and are also written to the audit
// log so a rejected job leaves a trace even when the caller discards
// the error. Rejected inputs are never echoed back at error severity:
// the audit entries carry the resolved path or a redacted preview,
// never the raw input.
package guard
