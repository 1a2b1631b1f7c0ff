// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package milestone infers job progress from an agent's streamed
// output and reports it as status events.
//
// An [Extractor] subscribes to a supervised run. It keeps a bounded
// rolling buffer of recent output, reports each milestone of the job
// type's table at most once, reports tool activity (file reads,
// searches, writes, edits) throttled per kind, and maintains a
// monotonic progress estimate that stays at or below 90 until
// [Extractor.Complete]. Delivery is best-effort: reporter errors are
// logged and dropped.
package milestone

import (
	"context"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"

	"github.com/bureau-foundation/jobworker/lib/clock"
	"github.com/bureau-foundation/jobworker/lib/job"
)

const (
	// BufferLimit bounds the rolling output buffer, in bytes.
	BufferLimit = 10 * 1024

	// ToolThrottle is the minimum interval between two reports of the
	// same tool activity kind.
	ToolThrottle = 2 * time.Second

	// ProgressThrottle is the minimum interval between progress
	// reports.
	ProgressThrottle = 5 * time.Second

	// ProgressStep is the minimum change in percent worth reporting.
	ProgressStep = 10

	// ProgressCeiling is the highest estimate before Complete.
	ProgressCeiling = 90

	progressIncrement = 5
	maxFileNameLength = 40
)

// Options configures an [Extractor].
type Options struct {
	JobID    string
	JobType  job.Type
	Reporter job.Reporter
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Extractor turns output chunks into milestone, tool activity, and
// progress events. It is safe for concurrent use.
type Extractor struct {
	ctx        context.Context
	jobID      string
	reporter   job.Reporter
	clock      clock.Clock
	logger     *slog.Logger
	milestones []Rule

	mutex            sync.Mutex
	buffer           string
	emitted          map[string]bool
	emittedOrder     []string
	toolLastEmitted  map[string]time.Time
	progress         int
	reportedProgress int
	progressEmitted  time.Time
	completed        bool
}

// New creates an Extractor. Events are delivered with ctx.
func New(ctx context.Context, options Options) *Extractor {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Extractor{
		ctx:             ctx,
		jobID:           options.JobID,
		reporter:        options.Reporter,
		clock:           options.Clock,
		logger:          options.Logger,
		milestones:      MilestonesFor(options.JobType),
		emitted:         make(map[string]bool),
		toolLastEmitted: make(map[string]time.Time),
	}
}

type event struct {
	eventType string
	message   string
	data      map[string]any
}

// HandleChunk processes one chunk of standard output.
func (e *Extractor) HandleChunk(chunk string) {
	text := ansi.Strip(chunk)
	if text == "" {
		return
	}

	e.mutex.Lock()
	events := e.scanLocked(text)
	e.mutex.Unlock()

	for _, pending := range events {
		e.send(pending)
	}
}

func (e *Extractor) scanLocked(text string) []event {
	var events []event
	now := e.clock.Now()

	e.buffer += text
	if len(e.buffer) > BufferLimit {
		cut := len(e.buffer) - BufferLimit
		for cut < len(e.buffer) && !utf8.RuneStart(e.buffer[cut]) {
			cut++
		}
		e.buffer = e.buffer[cut:]
	}

	for _, rule := range e.milestones {
		if e.emitted[rule.ID] || !rule.Pattern.MatchString(e.buffer) {
			continue
		}
		e.emitted[rule.ID] = true
		e.emittedOrder = append(e.emittedOrder, rule.ID)
		events = append(events, event{
			eventType: job.EventMilestone,
			message:   rule.Message,
			data:      map[string]any{"milestone": rule.ID},
		})
	}

	for _, rule := range toolRules {
		match := rule.Pattern.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		if last, seen := e.toolLastEmitted[rule.ID]; seen && now.Sub(last) < ToolThrottle {
			continue
		}
		e.toolLastEmitted[rule.ID] = now
		message := rule.Verb
		data := map[string]any{"tool": rule.ID}
		if len(match) > 1 && match[1] != "" {
			file := AbbreviatePath(match[1])
			message += " " + file
			data["file"] = file
		}
		events = append(events, event{eventType: job.EventToolActivity, message: message, data: data})
	}

	if !e.completed {
		if hits := len(progressPattern.FindAllStringIndex(text, -1)); hits > 0 {
			e.progress = min(e.progress+hits*progressIncrement, ProgressCeiling)
		}
		if e.progress-e.reportedProgress >= ProgressStep &&
			(e.progressEmitted.IsZero() || now.Sub(e.progressEmitted) >= ProgressThrottle) {
			e.reportedProgress = e.progress
			e.progressEmitted = now
			events = append(events, progressEvent(e.progress))
		}
	}
	return events
}

// Complete sets progress to 100 and reports it.
func (e *Extractor) Complete() {
	e.mutex.Lock()
	e.completed = true
	e.progress = 100
	e.reportedProgress = 100
	e.progressEmitted = e.clock.Now()
	e.mutex.Unlock()

	e.send(progressEvent(100))
}

// Progress returns the current progress estimate in percent.
func (e *Extractor) Progress() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.progress
}

// Milestones returns the identifiers reported so far, in order.
func (e *Extractor) Milestones() []string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]string(nil), e.emittedOrder...)
}

func progressEvent(percent int) event {
	return event{
		eventType: job.EventProgress,
		message:   "Progress " + strconv.Itoa(percent) + "%",
		data:      map[string]any{"progress": percent},
	}
}

func (e *Extractor) send(pending event) {
	if e.reporter == nil {
		return
	}
	if err := e.reporter.SendStatusEvent(e.ctx, e.jobID, pending.eventType, pending.message, pending.data); err != nil {
		e.logger.Warn("status event delivery failed",
			"job_id", e.jobID,
			"event_type", pending.eventType,
			"error", err,
		)
	}
}

// AbbreviatePath shortens file names longer than 40 characters to
// ".../" followed by their last two segments.
func AbbreviatePath(name string) string {
	if len(name) <= maxFileNameLength {
		return name
	}
	trimmed := strings.TrimRight(name, "/")
	parent, base := path.Split(trimmed)
	parent = strings.TrimRight(parent, "/")
	if parent == "" {
		return base
	}
	return ".../" + path.Base(parent) + "/" + base
}
