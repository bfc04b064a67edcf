// Package display renders pipeline state for the factory CLI: item tables,
// question tables, queue depth summaries, and the live event stream.
package display

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

// OutputFormat selects between human-readable and machine-readable output.
type OutputFormat string

const (
	// OutputFormatDefault renders human-readable tables and event lines.
	OutputFormatDefault OutputFormat = "default"
	// OutputFormatJSONL renders line-delimited JSON for piping to jq.
	OutputFormatJSONL OutputFormat = "jsonl"
)

// FormatItemsTable writes work items as a formatted table to the provided writer.
// The table includes columns: ID, STATE, ATTEMPTS, AGE, and TITLE (truncated).
// Returns the number of items formatted.
func FormatItemsTable(w io.Writer, items []*pipeline.WorkItem, instanceName string) int {
	if len(items) == 0 {
		fmt.Fprintf(w, "No items found for instance '%s'\n", instanceName)
		return 0
	}

	// Print header
	fmt.Fprintf(w, "Items for instance '%s':\n\n", instanceName)

	// Print header row
	fmt.Fprintf(w, "%-10s %-20s %-8s %-8s %s\n",
		"ID", "STATE", "ATTEMPTS", "AGE", "TITLE")
	fmt.Fprintf(w, "%-10s %-20s %-8s %-8s %s\n",
		"----------", "--------------------", "--------", "--------", "----------------------------------------")

	// Print data rows
	for _, item := range items {
		fmt.Fprintf(w, "%-10s %-20s %-8d %-8s %s\n",
			formatID(item.ID),
			string(item.State),
			item.Attempts,
			formatTimestamp(item.CreatedAtMs),
			formatTitle(item.Title),
		)
	}

	// Print count
	countMsg := "item"
	if len(items) != 1 {
		countMsg = "items"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(items), countMsg)

	return len(items)
}

// FormatItemsJSONL writes work items as line-delimited JSON (JSONL) to the
// provided writer. Each item is written as a single JSON object on its own
// line for streaming and processing with tools like jq.
func FormatItemsJSONL(w io.Writer, items []*pipeline.WorkItem) error {
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item to JSON: %w", err)
		}

		if _, err := fmt.Fprintf(w, "%s\n", string(data)); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}

	return nil
}

// FormatSingleItemJSON writes a single work item as pretty-printed JSON.
// Used by 'factory item' to display complete item details, evidence included.
func FormatSingleItemJSON(w io.Writer, item *pipeline.WorkItem) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal item to JSON: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}

	// Add newline for clean output
	fmt.Fprintln(w)

	return nil
}

// FormatQuestionsTable writes open questions as a formatted table.
// The ID column carries the full UUID because 'factory answer' takes it
// verbatim. Returns the number of questions formatted.
func FormatQuestionsTable(w io.Writer, questions []*pipeline.Question, instanceName string) int {
	if len(questions) == 0 {
		fmt.Fprintf(w, "No open questions for instance '%s'\n", instanceName)
		return 0
	}

	fmt.Fprintf(w, "Open questions for instance '%s':\n\n", instanceName)

	fmt.Fprintf(w, "%-36s %-10s %-12s %-8s %s\n",
		"ID", "ITEM", "STAGE", "AGE", "QUESTION")
	fmt.Fprintf(w, "%-36s %-10s %-12s %-8s %s\n",
		"------------------------------------", "----------", "------------", "--------", "----------------------------------------")

	for _, q := range questions {
		fmt.Fprintf(w, "%-36s %-10s %-12s %-8s %s\n",
			q.ID,
			formatID(q.ItemID),
			q.Stage,
			formatTimestamp(q.AskedAtMs),
			formatTitle(q.Text),
		)
	}

	countMsg := "question"
	if len(questions) != 1 {
		countMsg = "questions"
	}
	fmt.Fprintf(w, "\n%d open %s\n", len(questions), countMsg)
	fmt.Fprintf(w, "\nAnswer one with:\n  factory answer <question-id> \"your answer\"\n")

	return len(questions)
}

// FormatQuestionsJSONL writes questions as line-delimited JSON to the
// provided writer.
func FormatQuestionsJSONL(w io.Writer, questions []*pipeline.Question) error {
	for _, q := range questions {
		data, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("failed to marshal question to JSON: %w", err)
		}

		if _, err := fmt.Fprintf(w, "%s\n", string(data)); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}

	return nil
}

// FormatDepthsTable writes per-stage queue depths as a formatted table.
// Stages whose pending depth has reached backpressureDepth are flagged;
// a backpressureDepth of 0 disables the marker.
func FormatDepthsTable(w io.Writer, depths []pipeline.StageDepth, backpressureDepth int) {
	fmt.Fprintf(w, "%-16s %-10s %s\n", "STAGE", "PENDING", "INFLIGHT")
	fmt.Fprintf(w, "%-16s %-10s %s\n", "----------------", "----------", "--------")

	var pendingTotal, inflightTotal int64
	for _, d := range depths {
		marker := ""
		if backpressureDepth > 0 && d.Pending >= int64(backpressureDepth) {
			marker = "  ⚠ backpressure"
		}
		fmt.Fprintf(w, "%-16s %-10d %d%s\n", d.Stage, d.Pending, d.Inflight, marker)
		pendingTotal += d.Pending
		inflightTotal += d.Inflight
	}

	fmt.Fprintf(w, "\nTotals: %d pending, %d inflight\n", pendingTotal, inflightTotal)
}

// formatID truncates an item ID to the first 8 characters for compact display.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatTitle truncates a title to its first line with max 40 characters for
// table display. Empty titles return "-".
func formatTitle(title string) string {
	if title == "" {
		return "-"
	}

	// Get first non-empty line
	lines := strings.Split(title, "\n")
	var firstLine string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			firstLine = trimmed
			break
		}
	}

	if firstLine == "" {
		return "-"
	}

	if len(firstLine) > 40 {
		return firstLine[:37] + "..."
	}

	return firstLine
}

// formatTimestamp formats a Unix timestamp in milliseconds as relative time
// like "2m ago" or "1h ago". Zero timestamps return "-".
func formatTimestamp(timestampMs int64) string {
	if timestampMs == 0 {
		return "-"
	}

	t := time.Unix(timestampMs/1000, (timestampMs%1000)*1000000)
	diff := time.Since(t)

	if diff < time.Minute {
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	} else if diff < time.Hour {
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	} else if diff < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
}
