// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package milestone

import (
	"regexp"

	"github.com/bureau-foundation/jobworker/lib/job"
)

// Rule is one milestone: when Pattern matches the rolling buffer, the
// milestone ID is reported once with Message.
type Rule struct {
	ID      string
	Pattern *regexp.Regexp
	Message string
}

// ToolRule recognizes one kind of tool activity in a single chunk. The
// first capture group of Pattern, when present, is the file operated
// on.
type ToolRule struct {
	ID      string
	Pattern *regexp.Regexp
	Verb    string
}

var prdMilestones = []Rule{
	{"analyzing_requirements", regexp.MustCompile(`(?i)analy[sz]ing (?:the )?(?:requirements|request|feature)`), "Analyzing requirements"},
	{"exploring_codebase", regexp.MustCompile(`(?i)(?:exploring|examining|reviewing) (?:the )?(?:codebase|repository|project)`), "Exploring the codebase"},
	{"generating_document", regexp.MustCompile(`(?i)(?:generating|writing|drafting|creating) (?:the )?(?:prd|document|requirements document)`), "Generating document"},
	{"writing_user_stories", regexp.MustCompile(`(?i)user stor(?:y|ies)`), "Writing user stories"},
	{"finalizing", regexp.MustCompile(`(?i)finali[sz]ing|(?:prd|document) (?:is )?(?:complete|ready)`), "Finalizing"},
}

var codeMilestones = []Rule{
	{"planning", regexp.MustCompile(`(?i)\bplanning\b|implementation plan`), "Planning the implementation"},
	{"reading_code", regexp.MustCompile(`(?i)(?:reading|exploring|examining) (?:the )?(?:codebase|code|files|repository)`), "Reading the code"},
	{"implementing", regexp.MustCompile(`(?i)\bimplementing\b|making (?:the )?changes`), "Implementing changes"},
	{"testing", regexp.MustCompile(`(?i)(?:running|executing) (?:the )?tests|\bgo test\b|\bnpm (?:run )?test\b|\bpytest\b`), "Running tests"},
	{"committing", regexp.MustCompile(`(?i)\bgit commit\b|committing (?:the )?changes`), "Committing changes"},
	{"pushing", regexp.MustCompile(`(?i)\bgit push\b|pushing (?:the )?(?:branch|changes)`), "Pushing branch"},
}

var questionMilestones = []Rule{
	{"analyzing_request", regexp.MustCompile(`(?i)analy[sz]ing (?:the )?(?:requirements|request|feature)`), "Analyzing the request"},
	{"drafting_questions", regexp.MustCompile(`(?i)(?:generating|drafting|preparing|writing) (?:the )?(?:clarifying )?questions`), "Drafting questions"},
	{"finalizing", regexp.MustCompile(`(?i)finali[sz]ing`), "Finalizing"},
}

const filePattern = "[\"'`]?([\\w./~-]+\\.[A-Za-z0-9]+)"

var toolRules = []ToolRule{
	{"read", regexp.MustCompile(`(?i)\b(?:reading|read)\b[:(\s]+` + filePattern), "Reading"},
	{"search", regexp.MustCompile(`(?i)\b(?:searching|grep|glob)\b[:(\s]`), "Searching the codebase"},
	{"write", regexp.MustCompile(`(?i)\b(?:writing|write|creating)\b[:(\s]+(?:file\s+)?` + filePattern), "Writing"},
	{"edit", regexp.MustCompile(`(?i)\b(?:editing|edit|updating)\b[:(\s]+` + filePattern), "Editing"},
}

// progressPattern is the generic language that nudges the progress
// estimate forward.
var progressPattern = regexp.MustCompile(`(?i)\b(?:starting|started|beginning|completed|finished|done|successfully)\b`)

// MilestonesFor returns the ordered milestone table for a job type.
func MilestonesFor(jobType job.Type) []Rule {
	switch jobType {
	case job.TypeCodeExecution:
		return codeMilestones
	case job.TypeClarifyingQuestions:
		return questionMilestones
	default:
		return prdMilestones
	}
}

// ToolRules returns the tool activity table.
func ToolRules() []ToolRule {
	return toolRules
}
