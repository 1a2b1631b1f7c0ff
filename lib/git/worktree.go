// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package git

import "context"

// AddWorktree creates a worktree at path on a new branch started from
// base.
func (r *Repository) AddWorktree(ctx context.Context, path, branch, base string) error {
	_, err := r.Run(ctx, "worktree", "add", "-b", branch, path, base)
	return err
}

// RemoveWorktree removes the worktree at path, discarding any
// uncommitted changes in it, and prunes stale administrative entries.
func (r *Repository) RemoveWorktree(ctx context.Context, path string) error {
	if _, err := r.Run(ctx, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	_, err := r.Run(ctx, "worktree", "prune")
	return err
}
