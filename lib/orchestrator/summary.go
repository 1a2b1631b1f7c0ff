// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// maxSummaryLength bounds summaries, in runes.
const maxSummaryLength = 280

var markdown = goldmark.New()

// documentSummary returns "<first heading>: <first paragraph>" from a
// Markdown document, or the first paragraph alone when there is no
// heading. It returns "" when the document has neither.
func documentSummary(document string) string {
	source := []byte(document)
	root := markdown.Parser().Parse(text.NewReader(source))

	var heading, paragraph string
	ast.Walk(root, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node.Kind() {
		case ast.KindHeading:
			if heading == "" {
				heading = nodeText(node, source)
			}
			return ast.WalkSkipChildren, nil
		case ast.KindParagraph:
			if paragraph == "" && node.Parent() == root {
				paragraph = nodeText(node, source)
			}
			return ast.WalkSkipChildren, nil
		}
		if heading != "" && paragraph != "" {
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})

	switch {
	case heading != "" && paragraph != "":
		return truncate(heading + ": " + paragraph)
	case paragraph != "":
		return truncate(paragraph)
	default:
		return truncate(heading)
	}
}

// questionSummary counts the list items of a Markdown document and
// quotes the first one.
func questionSummary(document string) string {
	source := []byte(document)
	root := markdown.Parser().Parse(text.NewReader(source))

	var questions []string
	ast.Walk(root, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && node.Kind() == ast.KindListItem {
			questions = append(questions, nodeText(node, source))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	switch len(questions) {
	case 0:
		return documentSummary(document)
	case 1:
		return truncate("1 clarifying question: " + questions[0])
	default:
		return truncate(fmt.Sprintf("%d clarifying questions, starting with: %s", len(questions), questions[0]))
	}
}

// nodeText concatenates the text segments below node.
func nodeText(node ast.Node, source []byte) string {
	var builder strings.Builder
	ast.Walk(node, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch typed := child.(type) {
		case *ast.Text:
			builder.Write(typed.Segment.Value(source))
			if typed.SoftLineBreak() || typed.HardLineBreak() {
				builder.WriteByte(' ')
			}
		case *ast.String:
			builder.Write(typed.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(strings.Fields(builder.String()), " ")
}

func truncate(summary string) string {
	if utf8.RuneCountInString(summary) <= maxSummaryLength {
		return summary
	}
	runes := []rune(summary)
	return strings.TrimSpace(string(runes[:maxSummaryLength-3])) + "..."
}
