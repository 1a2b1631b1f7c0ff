// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/bureau-foundation/jobworker/lib/guard"
	"github.com/bureau-foundation/jobworker/lib/job"
	"github.com/bureau-foundation/jobworker/lib/supervisor"
)

// renderSummary prints the boxed end-of-run summary.
func renderSummary(w io.Writer, color *bool, j job.Job, result *job.ExecutionResult, err error) {
	renderer := lipgloss.NewRenderer(w)
	if color != nil && !*color {
		renderer.SetColorProfile(termenv.Ascii)
	}
	fmt.Fprintln(w, formatSummary(renderer, j, result, err))
}

func formatSummary(renderer *lipgloss.Renderer, j job.Job, result *job.ExecutionResult, err error) string {
	heading, accent := summaryHeading(result, err)
	label := renderer.NewStyle().Bold(true).Width(10)

	var rows []string
	row := func(name, value string) {
		if value != "" {
			rows = append(rows, label.Render(name)+value)
		}
	}
	row("job", j.DisplayTitle())
	row("type", string(j.Type))
	if err != nil {
		row("reason", failureReason(err))
	}
	if result != nil {
		row("duration", (time.Duration(result.DurationMS) * time.Millisecond).String())
		row("branch", result.BranchName)
		if activity := result.GitActivity; activity != nil {
			row("commits", fmt.Sprintf("%d", activity.CommitCount))
			row("pushed", fmt.Sprintf("%t", activity.WasPushed))
			if activity.ChangeStats != nil {
				row("changes", activity.ChangeStats.String())
			}
		}
		row("summary", result.Summary)
		row("log", result.LogPath)
		row("archive", result.ArchivePath)
	}

	title := renderer.NewStyle().Bold(true).Foreground(accent).Render(heading)
	box := renderer.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1)
	return box.Render(title + "\n" + strings.Join(rows, "\n"))
}

func summaryHeading(result *job.ExecutionResult, err error) (string, lipgloss.Color) {
	switch {
	case guard.IsValidation(err):
		return "Rejected", lipgloss.Color("208")
	case err != nil:
		return "Failed", lipgloss.Color("196")
	case result != nil && result.Completion == job.CompletionIterationLimit:
		return "Iteration limit reached", lipgloss.Color("220")
	default:
		return "Completed", lipgloss.Color("42")
	}
}

func failureReason(err error) string {
	if guard.IsValidation(err) {
		return guard.ReasonOf(err)
	}
	var runError *supervisor.Error
	if errors.As(err, &runError) {
		return fmt.Sprintf("%s (%s)", runError.UserMessage, runError.Category)
	}
	return err.Error()
}
