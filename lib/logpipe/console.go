// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logpipe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/bureau-foundation/jobworker/lib/redact"
)

// Format selects console rendering.
type Format string

const (
	// FormatAuto renders pretty output on a terminal and JSON
	// otherwise.
	FormatAuto   Format = "auto"
	FormatPretty Format = "pretty"
	FormatJSON   Format = "json"
)

// ParseFormat parses a Format. The empty string is FormatAuto.
func ParseFormat(text string) (Format, error) {
	switch format := Format(strings.ToLower(strings.TrimSpace(text))); format {
	case "":
		return FormatAuto, nil
	case FormatAuto, FormatPretty, FormatJSON:
		return format, nil
	}
	return FormatAuto, fmt.Errorf("unknown log format %q (want auto, pretty, or json)", text)
}

// ConsoleOptions configures a [Console].
type ConsoleOptions struct {
	// Writer defaults to os.Stderr.
	Writer io.Writer
	Level  Level
	Format Format

	// Color enables ANSI colours in pretty output. When nil, colour
	// follows terminal detection and NO_COLOR.
	Color *bool
}

// Console writes records immediately to a terminal or stream. Values
// that look like credentials are masked before output.
type Console struct {
	level  Level
	pretty bool
	output *termenv.Output

	mutex  sync.Mutex
	writer io.Writer
}

// NewConsole creates a Console.
func NewConsole(options ConsoleOptions) *Console {
	writer := options.Writer
	if writer == nil {
		writer = os.Stderr
	}
	tty := isTerminal(writer)

	pretty := options.Format == FormatPretty || (options.Format != FormatJSON && tty)

	var output *termenv.Output
	switch {
	case options.Color == nil:
		output = termenv.NewOutput(writer)
	case *options.Color:
		output = termenv.NewOutput(writer, termenv.WithProfile(termenv.ANSI))
	default:
		output = termenv.NewOutput(writer, termenv.WithProfile(termenv.Ascii))
	}

	return &Console{
		level:  options.Level,
		pretty: pretty,
		output: output,
		writer: writer,
	}
}

func isTerminal(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

func (c *Console) Name() string { return "console" }

func (c *Console) ShouldLog(level Level) bool { return level >= c.level }

func (c *Console) Write(_ context.Context, record Record) error {
	var line string
	if c.pretty {
		line = c.renderPretty(record)
	} else {
		encoded, err := renderJSON(record)
		if err != nil {
			return err
		}
		line = encoded
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, err := io.WriteString(c.writer, line+"\n")
	return err
}

var levelColors = map[Level]string{
	LevelDebug: "8",
	LevelInfo:  "4",
	LevelWarn:  "3",
	LevelError: "1",
}

func (c *Console) renderPretty(record Record) string {
	var builder strings.Builder
	builder.WriteString(c.output.String(record.Time.Format("15:04:05.000")).Faint().String())
	builder.WriteByte(' ')
	label := fmt.Sprintf("%-5s", strings.ToUpper(record.Level.String()))
	builder.WriteString(c.output.String(label).Foreground(c.output.Color(levelColors[record.Level])).Bold().String())
	builder.WriteByte(' ')
	builder.WriteString(redact.String(record.Message))

	for _, key := range sortedKeys(record.Metadata) {
		value := redact.Value(record.Metadata[key])
		builder.WriteByte(' ')
		builder.WriteString(c.output.String(key + "=").Faint().String())
		builder.WriteString(formatValue(value))
	}
	return builder.String()
}

func renderJSON(record Record) (string, error) {
	object := make(map[string]any, len(record.Metadata)+3)
	for key, value := range record.Metadata {
		object[key] = redact.Value(value)
	}
	object["time"] = record.Time.Format(time.RFC3339Nano)
	object["level"] = record.Level.String()
	object["msg"] = redact.String(record.Message)
	encoded, err := json.Marshal(object)
	if err != nil {
		return "", fmt.Errorf("encoding log record: %w", err)
	}
	return string(encoded), nil
}

func formatValue(value any) string {
	switch typed := value.(type) {
	case string:
		if typed == "" || strings.ContainsAny(typed, " \t\n\"=") {
			return fmt.Sprintf("%q", typed)
		}
		return typed
	case fmt.Stringer:
		return typed.String()
	case map[string]any, []any:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(encoded)
	default:
		return fmt.Sprint(typed)
	}
}

func sortedKeys(metadata map[string]any) []string {
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
