// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifact preserves what a job left behind. After a run the
// worker copies well-known files (the agent's progress notes, any
// generated PRD) out of the workspace into the job log directory,
// then packs them together with the job log into one tar archive.
//
// The archive is compressed with zstd (default) or lz4 and may be
// encrypted to one or more age X25519 recipients. A JSON manifest
// written next to the archive lists every member with its size and a
// keyed BLAKE3 digest of the uncompressed bytes, plus the digest of
// the archive file itself, so a reader can verify both before and
// after decryption.
package artifact
