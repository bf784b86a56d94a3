package reporting

import (
	"fmt"
	"strings"
	"time"
)

const dayFormat = "2006-01-02"

// RenderMarkdown renders the report as Markdown.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	sb.WriteString("# Submission Report\n\n")
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))
	if len(r.Rows) > 0 {
		sb.WriteString(fmt.Sprintf("Range: %s to %s (source: %s)\n\n", r.From.Format(dayFormat), r.To.Format(dayFormat), r.Source))
	}

	sb.WriteString("## Totals\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Submissions | %d |\n", r.Totals.Submissions))
	sb.WriteString(fmt.Sprintf("| Minted | %d |\n", r.Totals.Minted))
	sb.WriteString(fmt.Sprintf("| Rejected | %d |\n", r.Totals.Rejected))
	sb.WriteString(fmt.Sprintf("| Tokens Minted | %s |\n", r.Totals.Tokens.String()))
	sb.WriteString("\n")

	sb.WriteString("## Daily Outcomes\n\n")
	if len(r.Rows) == 0 {
		sb.WriteString("No submissions in range.\n")
		return sb.String()
	}
	sb.WriteString("| Day | Outcome | Reason | Submissions | Tokens |\n")
	sb.WriteString("|-----|---------|--------|-------------|--------|\n")
	for _, row := range r.Rows {
		reason := string(row.Reason)
		if reason == "" {
			reason = "-"
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %d | %s |\n",
			row.Day.Format(dayFormat), row.Outcome, reason, row.Submissions, row.Tokens.String()))
	}
	return sb.String()
}
