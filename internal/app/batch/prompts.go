package batch

import (
	"fmt"
	"strings"
)

const maxDiffChars = 60000

func commitPrompt(item RepoCommitRequest) string {
	var b strings.Builder
	b.WriteString("Write a conventional commit message for the staged changes below.\n")
	b.WriteString("Respond with JSON only: {\"message\": string, \"confidence\": number between 0 and 1}.\n")
	if repo := strings.TrimSpace(item.Repository); repo != "" {
		fmt.Fprintf(&b, "\nRepository: %s\n", repo)
	}
	if history := strings.TrimSpace(item.RecentHistory); history != "" {
		b.WriteString("\nRecent commits, for style:\n")
		b.WriteString(history)
		b.WriteString("\n")
	}
	b.WriteString("\nDiff:\n")
	b.WriteString(truncate(item.Diff, maxDiffChars))
	return b.String()
}

func summaryPrompt(messages []CommitMessage) string {
	var b strings.Builder
	b.WriteString("Summarise the following commit messages for an engineering lead.\n")
	b.WriteString("Respond with JSON only: {\"summary\": string, \"themes\": [string], ")
	b.WriteString("\"riskLevel\": \"low\" | \"medium\" | \"high\", \"suggestedActions\": [string]}.\n\n")
	for _, msg := range messages {
		fmt.Fprintf(&b, "- [%s] %s\n", msg.Repository, strings.TrimSpace(msg.Message))
	}
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... (diff truncated)"
}
