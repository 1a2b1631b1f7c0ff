// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logpipe

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Level is the severity of a record. Higher values are more severe.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel parses "debug", "info", "warn" (or "warning"), and
// "error", case-insensitively.
func ParseLevel(text string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", text)
}

// FromSlog maps an slog level to the nearest Level at or below it.
func FromSlog(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// Slog maps l to the corresponding slog level.
func (l Level) Slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Record is one log entry. Records are not modified after the pipeline
// creates them; destinations must treat Metadata as read-only.
type Record struct {
	Time     time.Time
	Level    Level
	Message  string
	Metadata map[string]any
}

// JobID returns the "job_id" metadata value, or "".
func (r Record) JobID() string {
	if id, ok := r.Metadata["job_id"].(string); ok {
		return id
	}
	return ""
}
