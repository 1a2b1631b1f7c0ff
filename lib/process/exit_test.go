// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"testing"
)

type codedError struct{ code int }

func (e codedError) Error() string { return "coded" }
func (e codedError) ExitCode() int { return e.code }

func TestExitCodeFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"plain", errors.New("boom"), ExitFailure},
		{"coded", codedError{code: ExitRejected}, ExitRejected},
		{"wrapped coded", fmt.Errorf("running job: %w", codedError{code: ExitIncomplete}), ExitIncomplete},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := ExitCodeFor(test.err); got != test.want {
				t.Errorf("ExitCodeFor(%v) = %d, want %d", test.err, got, test.want)
			}
		})
	}
}
