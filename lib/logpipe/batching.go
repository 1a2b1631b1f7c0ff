// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logpipe

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/jobworker/lib/clock"
)

const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = 2 * time.Second
)

// BatchingOptions configures [NewBatching].
type BatchingOptions struct {
	// MaxSize is the buffered record count that triggers a flush.
	MaxSize int

	// Interval is the period of the background flush.
	Interval time.Duration

	Clock clock.Clock

	// Logger receives failures the wrapped destination cannot handle
	// itself. It must not route back into this decorator.
	Logger *slog.Logger
}

// Batching buffers records for a wrapped destination. It flushes when
// MaxSize records are buffered or every Interval, whichever comes
// first. A flush prefers the wrapped destination's SendBatch and falls
// back to one Write per record; a failing record does not stop the
// rest. After Close, writes go straight through.
type Batching struct {
	inner    Destination
	maxSize  int
	logger   *slog.Logger
	ticker   *clock.Ticker
	stop     chan struct{}
	finished chan struct{}

	// deliverMutex serializes deliveries so batches reach the
	// wrapped destination in the order they were filled.
	deliverMutex sync.Mutex

	mutex  sync.Mutex
	buffer []Record
	closed bool
}

// NewBatching wraps inner and starts the interval flush.
func NewBatching(inner Destination, options BatchingOptions) *Batching {
	if options.MaxSize <= 0 {
		options.MaxSize = DefaultBatchSize
	}
	if options.Interval <= 0 {
		options.Interval = DefaultFlushInterval
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	batching := &Batching{
		inner:    inner,
		maxSize:  options.MaxSize,
		logger:   options.Logger,
		ticker:   options.Clock.NewTicker(options.Interval),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go batching.runFlushLoop()
	return batching
}

func (b *Batching) runFlushLoop() {
	defer close(b.finished)
	for {
		select {
		case <-b.ticker.C:
			b.flushBuffer(context.Background())
		case <-b.stop:
			return
		}
	}
}

// Name returns the wrapped destination's name.
func (b *Batching) Name() string { return b.inner.Name() }

// ShouldLog delegates to the wrapped destination.
func (b *Batching) ShouldLog(level Level) bool { return shouldLog(b.inner, level) }

// Write buffers record, flushing synchronously when the buffer is
// full.
func (b *Batching) Write(ctx context.Context, record Record) error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return b.inner.Write(ctx, record)
	}
	b.buffer = append(b.buffer, record)
	full := len(b.buffer) >= b.maxSize
	b.mutex.Unlock()

	if full {
		b.flushBuffer(ctx)
	}
	return nil
}

// Buffered returns the number of records waiting for a flush.
func (b *Batching) Buffered() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.buffer)
}

// Flush delivers buffered records and then flushes the wrapped
// destination.
func (b *Batching) Flush(ctx context.Context) error {
	b.flushBuffer(ctx)
	return flushDestination(ctx, b.inner)
}

// Close stops the interval flush, delivers what is buffered, and
// closes the wrapped destination. It is safe to call more than once.
func (b *Batching) Close(ctx context.Context) error {
	b.mutex.Lock()
	alreadyClosed := b.closed
	b.closed = true
	b.mutex.Unlock()
	if alreadyClosed {
		return nil
	}

	b.ticker.Stop()
	close(b.stop)
	<-b.finished

	b.flushBuffer(ctx)
	return closeDestination(ctx, b.inner)
}

func (b *Batching) flushBuffer(ctx context.Context) {
	b.deliverMutex.Lock()
	defer b.deliverMutex.Unlock()

	b.mutex.Lock()
	batch := b.buffer
	b.buffer = nil
	b.mutex.Unlock()

	if len(batch) == 0 {
		return
	}
	b.deliver(ctx, batch)
}

func (b *Batching) deliver(ctx context.Context, batch []Record) {
	if sender, ok := b.inner.(BatchSender); ok {
		err := sender.SendBatch(ctx, batch)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrBatchUnsupported) {
			b.logger.Debug("batch delivery failed, sending individually",
				"destination", b.inner.Name(),
				"records", len(batch),
				"error", err,
			)
		}
	}
	for _, record := range batch {
		if err := b.inner.Write(ctx, record); err != nil {
			reportError(b.inner, err, record, b.logger)
		}
	}
}
