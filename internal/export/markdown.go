// Package export renders analyzed sessions as markdown reports and publishes
// them to the document library.
package export

import (
	"fmt"
	"strings"

	"sales-insight-service/internal/models"
)

// RenderMarkdown builds the shareable report for a session. The transcript
// section uses the masked text; raw transcription never leaves the pipeline.
func RenderMarkdown(sess models.Session) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Sales Conversation Report\n\n")
	fmt.Fprintf(&b, "- Session: %s\n", sess.ID)
	fmt.Fprintf(&b, "- Customer: %s\n", sess.CustomerName)
	fmt.Fprintf(&b, "- Store: %s\n", sess.StoreID)
	fmt.Fprintf(&b, "- Recorded: %s\n", sess.CreatedAt.Format("2006-01-02 15:04 MST"))
	if sess.Sentiment != nil {
		fmt.Fprintf(&b, "- Overall sentiment: %s\n", sess.Sentiment.Overall)
	}
	fmt.Fprintf(&b, "- Outcome: %s\n", outcomeState(sess))
	b.WriteString("\n")

	if sess.Summary != nil {
		writeList(&b, "Key Points", sess.Summary.KeyPoints)
		writeList(&b, "Customer Concerns", sess.Summary.Concerns)
		writeList(&b, "Next Actions", sess.Summary.NextActions)
		writeList(&b, "What Went Well", sess.Summary.SuccessFactors)
		writeList(&b, "Areas to Improve", sess.Summary.ImprovementAreas)

		if len(sess.Summary.Quotations) > 0 {
			b.WriteString("## Notable Quotes\n\n")
			for _, q := range sess.Summary.Quotations {
				fmt.Fprintf(&b, "> %s\n>\n> (%s)\n\n", q.Text, q.TimeRange)
			}
		}
	}

	if sess.Sentiment != nil && len(sess.Sentiment.Segments) > 0 {
		b.WriteString("## Sentiment\n\n")
		b.WriteString("| Passage | Sentiment | Confidence |\n")
		b.WriteString("|---|---|---|\n")
		for _, seg := range sess.Sentiment.Segments {
			fmt.Fprintf(&b, "| %s | %s | %.0f%% |\n", seg.Text, seg.Sentiment, seg.Confidence*100)
		}
		b.WriteString("\n")
	}

	if sess.PiiMasked != nil {
		b.WriteString("## Transcript\n\n")
		for _, line := range strings.Split(sess.PiiMasked.FullText, "\n") {
			if line == "" {
				continue
			}
			fmt.Fprintf(&b, "%s\n\n", line)
		}
	}

	return b.String()
}

func outcomeState(sess models.Session) string {
	if sess.OutcomeLabel != nil {
		return string(*sess.OutcomeLabel)
	}
	if sess.OutcomeRequest != nil && sess.OutcomeRequest.Status == models.RequestPending {
		return "awaiting approval"
	}
	return "unlabeled"
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}
