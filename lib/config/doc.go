// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the job worker's configuration.
//
// A configuration file is optional. [Load] reads the file named by
// BUREAU_WORKER_CONFIG when set; [LoadFile] reads an explicit path
// (the --config flag). Files are YAML, or JSON with comments when the
// extension is .json or .jsonc. After the file, a small fixed set of
// environment variables override individual settings:
//
//	BUREAU_WORKER_LOG_LEVEL            debug | info | warn | error
//	BUREAU_WORKER_LOG_COLOR            true | false
//	BUREAU_WORKER_LOG_FORMAT           auto | pretty | json
//	BUREAU_WORKER_BATCH_SIZE           records per remote batch
//	BUREAU_WORKER_BATCH_INTERVAL       Go duration between flushes
//	BUREAU_WORKER_USE_BATCH_ENDPOINT   true | false
//	BUREAU_WORKER_ALLOWED_PATHS        colon-separated base directories
//	BUREAU_WORKER_SINGLE_SHOT_TIMEOUT  Go duration
//	BUREAU_WORKER_ITERATIVE_TIMEOUT    Go duration
//	CLAUDE_BINARY                      agent executable
//
// Path fields expand ${VAR} and ${VAR:-default}.
package config
