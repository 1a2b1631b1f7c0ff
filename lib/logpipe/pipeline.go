// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/jobworker/lib/clock"
)

// Options configures a [Pipeline].
type Options struct {
	Clock clock.Clock

	// Fallback receives destination failures for destinations
	// without an ErrorHandler. It must not log through the pipeline.
	// Defaults to a text logger on stderr.
	Fallback *slog.Logger
}

// Pipeline fans records out to destinations. Scopes created with Child
// and With share destinations and process-wide context with their
// parent, but carry their own scope context.
type Pipeline struct {
	shared *shared
	scope  map[string]any
}

type shared struct {
	clock    clock.Clock
	fallback *slog.Logger

	mutex        sync.RWMutex
	destinations []Destination
	context      map[string]any
}

// New creates a Pipeline writing to destinations.
func New(options Options, destinations ...Destination) *Pipeline {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Fallback == nil {
		options.Fallback = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Pipeline{
		shared: &shared{
			clock:        options.Clock,
			fallback:     options.Fallback,
			destinations: append([]Destination(nil), destinations...),
			context:      make(map[string]any),
		},
	}
}

// Add registers a destination.
func (p *Pipeline) Add(destination Destination) {
	p.shared.mutex.Lock()
	defer p.shared.mutex.Unlock()
	p.shared.destinations = append(p.shared.destinations, destination)
}

// Remove unregisters destination without flushing or closing it.
func (p *Pipeline) Remove(destination Destination) {
	p.shared.mutex.Lock()
	defer p.shared.mutex.Unlock()
	kept := p.shared.destinations[:0:0]
	for _, registered := range p.shared.destinations {
		if registered != destination {
			kept = append(kept, registered)
		}
	}
	p.shared.destinations = kept
}

// SetContext sets a process-wide context key seen by every scope, such
// as the worker's agent id or the active job id. A nil value deletes
// the key.
func (p *Pipeline) SetContext(key string, value any) {
	p.shared.mutex.Lock()
	defer p.shared.mutex.Unlock()
	if value == nil {
		delete(p.shared.context, key)
		return
	}
	p.shared.context[key] = value
}

// Child returns a scope whose context is this scope's plus fields.
func (p *Pipeline) Child(fields map[string]any) *Pipeline {
	scope := make(map[string]any, len(p.scope)+len(fields))
	maps.Copy(scope, p.scope)
	maps.Copy(scope, fields)
	return &Pipeline{shared: p.shared, scope: scope}
}

// With is Child with alternating key/value arguments, in the style of
// slog.Logger.With. A trailing key without a value is kept under
// "!BADKEY", as slog does.
func (p *Pipeline) With(args ...any) *Pipeline {
	return p.Child(argsToMap(args))
}

// Log builds a record and writes it to every destination whose level
// filter admits it, concurrently. It returns once every destination
// has returned.
func (p *Pipeline) Log(ctx context.Context, level Level, message string, metadata map[string]any) {
	record := p.newRecord(level, message, metadata)
	p.write(ctx, record)
}

// Debug, Info, Warn, and Error log with alternating key/value args.
func (p *Pipeline) Debug(ctx context.Context, message string, args ...any) {
	p.Log(ctx, LevelDebug, message, argsToMap(args))
}

func (p *Pipeline) Info(ctx context.Context, message string, args ...any) {
	p.Log(ctx, LevelInfo, message, argsToMap(args))
}

func (p *Pipeline) Warn(ctx context.Context, message string, args ...any) {
	p.Log(ctx, LevelWarn, message, argsToMap(args))
}

func (p *Pipeline) Error(ctx context.Context, message string, args ...any) {
	p.Log(ctx, LevelError, message, argsToMap(args))
}

func (p *Pipeline) newRecord(level Level, message string, metadata map[string]any) Record {
	p.shared.mutex.RLock()
	merged := make(map[string]any, len(p.shared.context)+len(p.scope)+len(metadata))
	maps.Copy(merged, p.shared.context)
	p.shared.mutex.RUnlock()
	maps.Copy(merged, p.scope)
	maps.Copy(merged, metadata)

	return Record{
		Time:     p.shared.clock.Now(),
		Level:    level,
		Message:  message,
		Metadata: merged,
	}
}

func (p *Pipeline) write(ctx context.Context, record Record) {
	p.shared.mutex.RLock()
	destinations := append([]Destination(nil), p.shared.destinations...)
	p.shared.mutex.RUnlock()

	var waitGroup sync.WaitGroup
	for _, destination := range destinations {
		if !shouldLog(destination, record.Level) {
			continue
		}
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if err := destination.Write(ctx, record); err != nil {
				reportError(destination, err, record, p.shared.fallback)
			}
		}()
	}
	waitGroup.Wait()
}

// Flush flushes every destination that supports it.
func (p *Pipeline) Flush(ctx context.Context) error {
	return p.each(func(destination Destination) error {
		return flushDestination(ctx, destination)
	})
}

// Close closes every destination that supports it and unregisters
// all destinations.
func (p *Pipeline) Close(ctx context.Context) error {
	err := p.each(func(destination Destination) error {
		return closeDestination(ctx, destination)
	})
	p.shared.mutex.Lock()
	p.shared.destinations = nil
	p.shared.mutex.Unlock()
	return err
}

func (p *Pipeline) each(operation func(Destination) error) error {
	p.shared.mutex.RLock()
	destinations := append([]Destination(nil), p.shared.destinations...)
	p.shared.mutex.RUnlock()

	var errs []error
	for _, destination := range destinations {
		if err := operation(destination); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", destination.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Timer measures one operation started with StartTimer.
type Timer struct {
	pipeline  *Pipeline
	operation string
	started   time.Time
	once      sync.Once
}

// StartTimer logs "<operation>.started" and returns a Timer whose End
// logs "<operation>.complete".
func (p *Pipeline) StartTimer(ctx context.Context, operation string) *Timer {
	p.Log(ctx, LevelDebug, operation+".started", map[string]any{"operation": operation})
	return &Timer{pipeline: p, operation: operation, started: p.shared.clock.Now()}
}

// End logs "<operation>.complete" with the elapsed milliseconds and
// whether err is nil, and returns the elapsed time. Only the first
// call logs.
func (t *Timer) End(ctx context.Context, err error) time.Duration {
	elapsed := clock.Since(t.pipeline.shared.clock, t.started)
	t.once.Do(func() {
		metadata := map[string]any{
			"operation":   t.operation,
			"duration_ms": elapsed.Milliseconds(),
			"success":     err == nil,
		}
		level := LevelInfo
		if err != nil {
			metadata["error"] = err.Error()
			level = LevelError
		}
		t.pipeline.Log(ctx, level, t.operation+".complete", metadata)
	})
	return elapsed
}

// Measure runs work between StartTimer and End and returns its error.
func (p *Pipeline) Measure(ctx context.Context, operation string, work func(context.Context) error) error {
	timer := p.StartTimer(ctx, operation)
	err := work(ctx)
	timer.End(ctx, err)
	return err
}

func argsToMap(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	fields := make(map[string]any, len(args)/2+1)
	for index := 0; index < len(args); {
		switch key := args[index].(type) {
		case string:
			if index+1 >= len(args) {
				fields["!BADKEY"] = key
				index++
				continue
			}
			fields[key] = attrValue(slog.AnyValue(args[index+1]))
			index += 2
		case slog.Attr:
			fields[key.Key] = attrValue(key.Value)
			index++
		default:
			fields["!BADKEY"] = key
			index++
		}
	}
	return fields
}
