package rag

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/hyperjump/kbase/internal/models"
)

// parseList returns the numbered or bulleted items of text, at most max.
func parseList(text string, max int) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		first := []rune(line)[0]
		if !unicode.IsDigit(first) && first != '-' && first != '•' && first != '*' {
			continue
		}
		item := strings.TrimLeft(line, "0123456789.-•*) ")
		item = strings.TrimSpace(strings.Trim(item, "*"))
		if item == "" {
			continue
		}
		items = append(items, item)
		if max > 0 && len(items) == max {
			break
		}
	}
	return items
}

var (
	testFieldLine = regexp.MustCompile(`(?i)^(?:\d+[.)]\s*)?[*_#\s]*(test\s*id|test\s*description|description|prerequisites?|test\s*steps|steps|expected\s*results?)[*_\s]*:[*_\s]*(.*)$`)
	testCaseLine  = regexp.MustCompile(`(?i)test\s*case`)
	testIDLine    = regexp.MustCompile(`(?i)test\s*id`)
)

// parseTestCases splits model output into test cases. A case starts at a
// "Test Case" heading, or at a "Test ID" line when the current case already has one.
func parseTestCases(text string) []*models.TestCase {
	var (
		cases   []*models.TestCase
		current []string
		hasID   bool
	)
	flush := func() {
		if !bareHeading(current) {
			cases = append(cases, buildTestCase(current))
		}
		current, hasID = nil, false
	}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		isID := testIDLine.MatchString(line)
		switch {
		case testCaseLine.MatchString(line) && !isID:
			flush()
			current = []string{line}
		case isID && (current == nil || hasID):
			flush()
			current, hasID = []string{line}, true
		case current != nil:
			current = append(current, line)
			hasID = hasID || isID
		}
	}
	flush()
	return cases
}

// bareHeading reports whether lines hold nothing but a heading such as "Test Cases:".
func bareHeading(lines []string) bool {
	var content []string
	for _, l := range lines {
		if l != "" {
			content = append(content, l)
		}
	}
	return len(content) == 0 || (len(content) == 1 && strings.HasSuffix(strings.Trim(content[0], "*_# "), ":"))
}

func buildTestCase(lines []string) *models.TestCase {
	tc := &models.TestCase{FullText: strings.TrimSpace(strings.Join(lines, "\n"))}
	fromHeading := map[*string]bool{}
	var field *string
	for i, line := range lines {
		if m := testFieldLine.FindStringSubmatch(line); m != nil {
			field = fieldFor(tc, m[1])
			if fromHeading[field] {
				*field = ""
				delete(fromHeading, field)
			}
			appendField(field, m[2])
			continue
		}
		if i == 0 {
			// Heading such as "Test Case 3: Reset password".
			title := strings.Trim(line, "#*_ ")
			name, desc, _ := strings.Cut(title, ":")
			tc.ID = strings.Trim(name, "*_ ")
			tc.Description = strings.Trim(desc, "*_ ")
			fromHeading[&tc.ID] = true
			fromHeading[&tc.Description] = true
			continue
		}
		if field != nil {
			appendField(field, line)
		}
	}
	return tc
}

func fieldFor(tc *models.TestCase, label string) *string {
	label = strings.ToLower(strings.Join(strings.Fields(label), " "))
	switch {
	case strings.HasSuffix(label, "id"):
		return &tc.ID
	case strings.Contains(label, "description"):
		return &tc.Description
	case strings.HasPrefix(label, "prerequisite"):
		return &tc.Prerequisites
	case strings.Contains(label, "steps"):
		return &tc.Steps
	}
	return &tc.ExpectedResults
}

func appendField(field *string, line string) {
	line = strings.TrimSpace(strings.Trim(line, "*_"))
	if line == "" {
		return
	}
	if *field == "" {
		*field = line
		return
	}
	*field += "\n" + line
}
