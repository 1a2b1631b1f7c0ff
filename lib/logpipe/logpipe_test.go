// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logpipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/jobworker/lib/clock"
	"github.com/bureau-foundation/jobworker/lib/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryDestination records writes and batches. failBatch makes
// SendBatch fail; failMessages makes Write fail for those messages.
type memoryDestination struct {
	name         string
	minLevel     Level
	failBatch    bool
	failMessages map[string]bool
	batchSent    chan []Record

	mutex   sync.Mutex
	writes  []Record
	batches [][]Record
	errors  []string
	flushes int
	closed  bool
}

func (d *memoryDestination) Name() string { return d.name }

func (d *memoryDestination) ShouldLog(level Level) bool { return level >= d.minLevel }

func (d *memoryDestination) Write(_ context.Context, record Record) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.failMessages[record.Message] {
		return fmt.Errorf("rejected %s", record.Message)
	}
	d.writes = append(d.writes, record)
	return nil
}

func (d *memoryDestination) HandleError(err error, record Record) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.errors = append(d.errors, record.Message)
}

func (d *memoryDestination) Flush(context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.flushes++
	return nil
}

func (d *memoryDestination) Close(context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.closed = true
	return nil
}

func (d *memoryDestination) snapshot() (writes []Record, batches [][]Record, errs []string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]Record(nil), d.writes...), append([][]Record(nil), d.batches...), append([]string(nil), d.errors...)
}

// batchDestination adds SendBatch to memoryDestination.
type batchDestination struct {
	*memoryDestination
}

func (d batchDestination) SendBatch(_ context.Context, records []Record) error {
	d.mutex.Lock()
	if d.failBatch {
		d.mutex.Unlock()
		return errors.New("batch endpoint unavailable")
	}
	d.batches = append(d.batches, append([]Record(nil), records...))
	d.mutex.Unlock()
	if d.batchSent != nil {
		d.batchSent <- records
	}
	return nil
}

func newBatchDestination() batchDestination {
	return batchDestination{&memoryDestination{name: "memory"}}
}

func record(message string) Record {
	return Record{Time: epoch, Level: LevelInfo, Message: message}
}

func messages(records []Record) string {
	var parts []string
	for _, r := range records {
		parts = append(parts, r.Message)
	}
	return strings.Join(parts, ",")
}

func newTestBatching(inner Destination, size int) (*Batching, *clock.FakeClock) {
	fake := clock.Fake(epoch)
	return NewBatching(inner, BatchingOptions{
		MaxSize:  size,
		Interval: 2 * time.Second,
		Clock:    fake,
		Logger:   discardLogger(),
	}), fake
}

func TestBatchingFlushesAtMaxSize(t *testing.T) {
	t.Parallel()

	inner := newBatchDestination()
	batching, _ := newTestBatching(inner, 3)
	defer batching.Close(context.Background())

	for _, message := range []string{"a", "b", "c"} {
		batching.Write(context.Background(), record(message))
	}

	writes, batches, _ := inner.snapshot()
	if len(batches) != 1 || messages(batches[0]) != "a,b,c" {
		t.Fatalf("batches = %v, want one batch a,b,c", batches)
	}
	if len(writes) != 0 {
		t.Errorf("individual writes = %d, want 0", len(writes))
	}
	if batching.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", batching.Buffered())
	}
}

func TestBatchingTwelveWritesWithSizeFive(t *testing.T) {
	t.Parallel()

	inner := newBatchDestination()
	batching, _ := newTestBatching(inner, 5)
	defer batching.Close(context.Background())

	for index := range 12 {
		batching.Write(context.Background(), record(fmt.Sprint(index)))
	}

	_, batches, _ := inner.snapshot()
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if messages(batches[0]) != "0,1,2,3,4" || messages(batches[1]) != "5,6,7,8,9" {
		t.Errorf("batches = %q, %q", messages(batches[0]), messages(batches[1]))
	}
	if batching.Buffered() != 2 {
		t.Errorf("Buffered = %d, want 2", batching.Buffered())
	}
}

func TestBatchingCloseFlushesRemainderOnceThenBypasses(t *testing.T) {
	t.Parallel()

	inner := newBatchDestination()
	batching, _ := newTestBatching(inner, 10)

	batching.Write(context.Background(), record("a"))
	batching.Write(context.Background(), record("b"))
	if err := batching.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	batching.Close(context.Background())

	_, batches, _ := inner.snapshot()
	if len(batches) != 1 || messages(batches[0]) != "a,b" {
		t.Fatalf("batches after Close = %v, want one batch a,b", batches)
	}
	if !inner.closed {
		t.Error("inner destination not closed")
	}

	batching.Write(context.Background(), record("late"))
	writes, batches, _ := inner.snapshot()
	if messages(writes) != "late" {
		t.Errorf("writes after Close = %q, want direct write of late", messages(writes))
	}
	if len(batches) != 1 {
		t.Errorf("write after Close was batched")
	}
}

func TestBatchingFallsBackToIndividualWrites(t *testing.T) {
	t.Parallel()

	inner := newBatchDestination()
	inner.failBatch = true
	inner.failMessages = map[string]bool{"b": true}
	batching, _ := newTestBatching(inner, 3)
	defer batching.Close(context.Background())

	for _, message := range []string{"a", "b", "c"} {
		batching.Write(context.Background(), record(message))
	}

	writes, _, errs := inner.snapshot()
	if messages(writes) != "a,c" {
		t.Errorf("individual writes = %q, want a,c", messages(writes))
	}
	if strings.Join(errs, ",") != "b" {
		t.Errorf("reported errors = %v, want [b]", errs)
	}
}

func TestBatchingWithoutBatchSenderWritesIndividually(t *testing.T) {
	t.Parallel()

	inner := &memoryDestination{name: "plain"}
	batching, _ := newTestBatching(inner, 2)
	defer batching.Close(context.Background())

	batching.Write(context.Background(), record("a"))
	batching.Write(context.Background(), record("b"))

	writes, _, _ := inner.snapshot()
	if messages(writes) != "a,b" {
		t.Errorf("writes = %q, want a,b", messages(writes))
	}
}

func TestBatchingFlushesOnInterval(t *testing.T) {
	t.Parallel()

	inner := newBatchDestination()
	inner.batchSent = make(chan []Record, 1)
	batching, fake := newTestBatching(inner, 10)
	defer batching.Close(context.Background())

	batching.Write(context.Background(), record("a"))
	batching.Write(context.Background(), record("b"))
	fake.Advance(2 * time.Second)

	sent := testutil.RequireReceive(t, inner.batchSent, 5*time.Second, "interval flush")
	if messages(sent) != "a,b" {
		t.Errorf("interval batch = %q, want a,b", messages(sent))
	}
}

func TestPipelineMergesContext(t *testing.T) {
	t.Parallel()

	destination := &memoryDestination{name: "memory"}
	pipeline := New(Options{Clock: clock.Fake(epoch), Fallback: discardLogger()}, destination)
	pipeline.SetContext("agent_id", "worker-1")
	pipeline.SetContext("job_id", "job-9")

	child := pipeline.Child(map[string]any{"step": "child", "component": "supervisor"})
	grandchild := child.With("step", "grandchild")
	grandchild.Log(context.Background(), LevelInfo, "hello", map[string]any{"component": "record"})
	pipeline.Log(context.Background(), LevelInfo, "root", nil)

	writes, _, _ := destination.snapshot()
	if len(writes) != 2 {
		t.Fatalf("got %d writes, want 2", len(writes))
	}
	metadata := writes[0].Metadata
	if metadata["agent_id"] != "worker-1" || metadata["job_id"] != "job-9" {
		t.Errorf("process context missing: %v", metadata)
	}
	if metadata["step"] != "grandchild" {
		t.Errorf("step = %v, want grandchild", metadata["step"])
	}
	if metadata["component"] != "record" {
		t.Errorf("component = %v, record-level key should win", metadata["component"])
	}
	if _, ok := writes[1].Metadata["step"]; ok {
		t.Errorf("child context leaked into parent: %v", writes[1].Metadata)
	}
	if writes[0].Time != epoch {
		t.Errorf("record time = %v, want fake clock time", writes[0].Time)
	}
}

func TestPipelineFanOutAndLevelFilter(t *testing.T) {
	t.Parallel()

	everything := &memoryDestination{name: "everything"}
	warnings := &memoryDestination{name: "warnings", minLevel: LevelWarn}
	pipeline := New(Options{Fallback: discardLogger()}, everything, warnings)

	pipeline.Info(context.Background(), "info message")
	pipeline.Warn(context.Background(), "warn message", "key", "value")

	all, _, _ := everything.snapshot()
	filtered, _, _ := warnings.snapshot()
	if messages(all) != "info message,warn message" {
		t.Errorf("everything got %q", messages(all))
	}
	if messages(filtered) != "warn message" {
		t.Errorf("warnings got %q", messages(filtered))
	}
	if filtered[0].Metadata["key"] != "value" {
		t.Errorf("args not converted to metadata: %v", filtered[0].Metadata)
	}

	pipeline.Remove(warnings)
	pipeline.Error(context.Background(), "after remove")
	filtered, _, _ = warnings.snapshot()
	if len(filtered) != 1 {
		t.Errorf("removed destination still receives records")
	}
}

func TestPipelineDestinationFailureIsContained(t *testing.T) {
	t.Parallel()

	failing := &memoryDestination{name: "failing", failMessages: map[string]bool{"boom": true}}
	healthy := &memoryDestination{name: "healthy"}
	pipeline := New(Options{Fallback: discardLogger()}, failing, healthy)

	pipeline.Info(context.Background(), "boom")

	_, _, errs := failing.snapshot()
	if strings.Join(errs, ",") != "boom" {
		t.Errorf("error hook got %v", errs)
	}
	writes, _, _ := healthy.snapshot()
	if messages(writes) != "boom" {
		t.Errorf("healthy destination got %q", messages(writes))
	}
}

func TestPipelineMeasure(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(epoch)
	destination := &memoryDestination{name: "memory"}
	pipeline := New(Options{Clock: fake, Fallback: discardLogger()}, destination)

	failure := errors.New("no workspace")
	err := pipeline.Measure(context.Background(), "workspace.create", func(context.Context) error {
		fake.Advance(1500 * time.Millisecond)
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("Measure returned %v", err)
	}

	writes, _, _ := destination.snapshot()
	if messages(writes) != "workspace.create.started,workspace.create.complete" {
		t.Fatalf("messages = %q", messages(writes))
	}
	complete := writes[1]
	if complete.Metadata["duration_ms"] != int64(1500) {
		t.Errorf("duration_ms = %v, want 1500", complete.Metadata["duration_ms"])
	}
	if complete.Metadata["success"] != false {
		t.Errorf("success = %v, want false", complete.Metadata["success"])
	}
	if complete.Level != LevelError {
		t.Errorf("level = %s, want error", complete.Level)
	}

	timer := pipeline.StartTimer(context.Background(), "ok")
	timer.End(context.Background(), nil)
	timer.End(context.Background(), nil)
	writes, _, _ = destination.snapshot()
	if len(writes) != 4 || writes[3].Metadata["success"] != true {
		t.Errorf("timer records = %q", messages(writes))
	}
}

func TestHandlerBridgesSlog(t *testing.T) {
	t.Parallel()

	destination := &memoryDestination{name: "memory"}
	pipeline := New(Options{Fallback: discardLogger()}, destination)
	logger := slog.New(NewHandler(pipeline, slog.LevelInfo))

	logger.Debug("dropped")
	logger.With("job_id", "job-3").WithGroup("git").Warn("push failed",
		"remote", "origin", "error", errors.New("denied"), "elapsed", 2*time.Second)

	writes, _, _ := destination.snapshot()
	if len(writes) != 1 {
		t.Fatalf("got %d records, want 1", len(writes))
	}
	got := writes[0]
	if got.Level != LevelWarn || got.Message != "push failed" {
		t.Errorf("record = %+v", got)
	}
	if got.Metadata["job_id"] != "job-3" {
		t.Errorf("job_id = %v", got.Metadata["job_id"])
	}
	if got.Metadata["git.remote"] != "origin" || got.Metadata["git.error"] != "denied" {
		t.Errorf("grouped attrs = %v", got.Metadata)
	}
	if got.Metadata["git.elapsed"] != "2s" {
		t.Errorf("duration attr = %v", got.Metadata["git.elapsed"])
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]Level{"debug": LevelDebug, "INFO": LevelInfo, "warning": LevelWarn, "error": LevelError, "": LevelInfo}
	for input, want := range tests {
		got, err := ParseLevel(input)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", input, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) succeeded")
	}
}
