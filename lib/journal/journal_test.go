// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/jobworker/lib/clock"
	"github.com/bureau-foundation/jobworker/lib/job"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestWriterRecordsEveryCall(t *testing.T) {
	t.Parallel()

	var buffer bytes.Buffer
	writer := New(&buffer, clock.Fake(epoch))
	ctx := context.Background()

	writer.SendStatusEvent(ctx, "j1", job.EventMilestone, "Planning", map[string]any{"milestone": "planning"})
	writer.AddLog(ctx, "j1", "info", "spawned", nil)
	writer.AddLogBatch(ctx, "j1", []job.LogEntry{
		{Timestamp: epoch.Add(time.Second), Level: "warn", Message: "slow"},
		{Level: "info", Message: "ok"},
	})
	writer.UpdateJobMetadata(ctx, "j1", map[string]any{"branch": "job/j1"})

	entries, err := Read(&buffer)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var kinds []string
	for _, entry := range entries {
		kinds = append(kinds, entry.Kind)
	}
	if strings.Join(kinds, ",") != "status,log,log,log,metadata" {
		t.Errorf("kinds = %v", kinds)
	}
	if !entries[2].Timestamp.Equal(epoch.Add(time.Second)) {
		t.Errorf("batch entry timestamp = %v, want preserved", entries[2].Timestamp)
	}
	if !entries[3].Timestamp.Equal(epoch) {
		t.Errorf("zero timestamp not filled from clock: %v", entries[3].Timestamp)
	}
	if entries[0].Data["milestone"] != "planning" {
		t.Errorf("status data = %v", entries[0].Data)
	}
	if writer.Counts()[KindLog] != 3 {
		t.Errorf("log count = %d, want 3", writer.Counts()[KindLog])
	}
}

func TestProgressIsBufferedUntilFlush(t *testing.T) {
	t.Parallel()

	var buffer bytes.Buffer
	writer := New(&buffer, clock.Fake(epoch))
	ctx := context.Background()

	writer.SendProgress(ctx, "j1", "hello ")
	writer.SendProgress(ctx, "j1", "world")
	if buffer.Len() != 0 {
		t.Fatalf("progress written before flush: %q", buffer.String())
	}
	writer.FlushProgressBuffer(ctx, "j1")
	writer.FlushProgressBuffer(ctx, "j1")

	entries, _ := Read(&buffer)
	if len(entries) != 1 || entries[0].Message != "hello world" {
		t.Errorf("entries = %+v, want one progress entry", entries)
	}
}

func TestProgressFlushesWhenLarge(t *testing.T) {
	t.Parallel()

	var buffer bytes.Buffer
	writer := New(&buffer, clock.Fake(epoch))
	writer.SendProgress(context.Background(), "j1", strings.Repeat("x", progressFlushSize))

	entries, _ := Read(&buffer)
	if len(entries) != 1 || entries[0].Kind != KindProgress {
		t.Errorf("large progress not flushed: %d entries", len(entries))
	}
}

func TestOpenAppendsAndCloseFlushesProgress(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.jsonl")
	for _, chunk := range []string{"first", "second"} {
		writer, err := Open(path, clock.Fake(epoch))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		writer.SendProgress(context.Background(), "j1", chunk)
		if err := writer.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := writer.Close(); err != nil {
			t.Fatalf("second Close: %v", err)
		}
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	entries, err := Read(file)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Message != "first" || entries[1].Message != "second" {
		t.Errorf("entries = %+v", entries)
	}
}
