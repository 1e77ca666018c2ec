package project

import (
	"fmt"
	"strings"
)

// Instructions closes every work context.
const Instructions = "Work autonomously on this project. Make progress on the next steps, " +
	"update files, run tests, commit changes, and document your work. " +
	"When done, provide a summary of what was accomplished."

// SessionLabel is the executor label for sessions of a project.
func SessionLabel(projectID string) string {
	return "awm-" + projectID
}

// BuildWorkContext renders the task description handed to the executor.
func BuildWorkContext(p Project) string {
	var b strings.Builder

	b.WriteString("# Autonomous Work Session\n\n")
	b.WriteString(fmt.Sprintf("## Project: %s\n", p.Name))
	b.WriteString(p.Description)
	b.WriteString("\n\n")

	b.WriteString("## Goals\n")
	for _, g := range p.Goals {
		b.WriteString(fmt.Sprintf("- %s\n", g))
	}

	b.WriteString("\n## Context\n")
	if p.Context != "" {
		b.WriteString(p.Context)
	} else {
		b.WriteString("No additional context")
	}
	b.WriteString("\n\n")

	b.WriteString("## Next Steps\n")
	for _, s := range p.NextSteps {
		b.WriteString(fmt.Sprintf("- %s\n", s))
	}

	if p.Repository != "" {
		b.WriteString(fmt.Sprintf("\n## Repository\n%s\n", p.Repository))
	}

	b.WriteString("\n## Instructions\n")
	b.WriteString(Instructions)
	b.WriteString("\n")
	return b.String()
}

// Truncate cuts s to at most n characters, never splitting a multi-byte
// rune. It reports whether anything was cut.
func Truncate(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i], true
		}
		count++
	}
	return s, false
}
