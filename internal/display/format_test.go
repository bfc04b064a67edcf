package display

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

func TestFormatTitle(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		expected string
	}{
		{
			name:     "empty title",
			title:    "",
			expected: "-",
		},
		{
			name:     "short single line",
			title:    "Implement login endpoint",
			expected: "Implement login endpoint",
		},
		{
			name:     "exactly 40 chars",
			title:    strings.Repeat("a", 40),
			expected: strings.Repeat("a", 40),
		},
		{
			name:     "41 chars - should truncate",
			title:    strings.Repeat("a", 41),
			expected: strings.Repeat("a", 37) + "...",
		},
		{
			name:     "multi-line title - first line only",
			title:    "First line\nSecond line\nThird line",
			expected: "First line",
		},
		{
			name:     "title with leading/trailing whitespace",
			title:    "  \n  hello world  \n  ",
			expected: "hello world",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatTitle(tt.title)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestFormatID(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		expected string
	}{
		{
			name:     "full UUID truncated to 8",
			id:       "1f0e8c52-4d0b-4a56-9a3d-6c1df3a9e210",
			expected: "1f0e8c52",
		},
		{
			name:     "short id unchanged",
			id:       "abc",
			expected: "abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatID(tt.id))
		})
	}
}

func TestFormatTimestamp(t *testing.T) {
	t.Run("zero timestamp", func(t *testing.T) {
		assert.Equal(t, "-", formatTimestamp(0))
	})

	t.Run("seconds ago", func(t *testing.T) {
		ts := time.Now().Add(-5 * time.Second).UnixMilli()
		assert.Contains(t, formatTimestamp(ts), "s ago")
	})

	t.Run("minutes ago", func(t *testing.T) {
		ts := time.Now().Add(-3 * time.Minute).UnixMilli()
		assert.Equal(t, "3m ago", formatTimestamp(ts))
	})

	t.Run("hours ago", func(t *testing.T) {
		ts := time.Now().Add(-2 * time.Hour).UnixMilli()
		assert.Equal(t, "2h ago", formatTimestamp(ts))
	})

	t.Run("days ago", func(t *testing.T) {
		ts := time.Now().Add(-49 * time.Hour).UnixMilli()
		assert.Equal(t, "2d ago", formatTimestamp(ts))
	})
}

func TestFormatItemsTable(t *testing.T) {
	t.Run("empty items", func(t *testing.T) {
		var buf bytes.Buffer
		count := FormatItemsTable(&buf, []*pipeline.WorkItem{}, "test-instance")

		output := buf.String()
		assert.Contains(t, output, "No items found for instance 'test-instance'")
		assert.Equal(t, 0, count)
	})

	t.Run("single item", func(t *testing.T) {
		items := []*pipeline.WorkItem{
			{
				ID:          "1f0e8c52-4d0b-4a56-9a3d-6c1df3a9e210",
				Title:       "Implement login endpoint",
				State:       pipeline.QueuedState("dev"),
				Attempts:    1,
				CreatedAtMs: time.Now().Add(-2 * time.Minute).UnixMilli(),
			},
		}

		var buf bytes.Buffer
		count := FormatItemsTable(&buf, items, "test-instance")

		output := buf.String()
		assert.Contains(t, output, "Items for instance 'test-instance'")
		assert.Contains(t, output, "1f0e8c52")
		assert.Contains(t, output, "queued@dev")
		assert.Contains(t, output, "Implement login endpoint")
		assert.Contains(t, output, "1 item found")
		assert.Equal(t, 1, count)
	})

	t.Run("multiple items", func(t *testing.T) {
		items := []*pipeline.WorkItem{
			{
				ID:    "1f0e8c52-4d0b-4a56-9a3d-6c1df3a9e210",
				Title: "first",
				State: pipeline.QueuedState("dev"),
			},
			{
				ID:    "2a9b7d41-8e3c-4f12-b5a6-7c8d9e0f1a2b",
				Title: "second",
				State: pipeline.StateComplete,
			},
		}

		var buf bytes.Buffer
		count := FormatItemsTable(&buf, items, "test-instance")

		output := buf.String()
		assert.Contains(t, output, "1f0e8c52")
		assert.Contains(t, output, "2a9b7d41")
		assert.Contains(t, output, "complete")
		assert.Contains(t, output, "2 items found")
		assert.Equal(t, 2, count)
	})

	t.Run("long title truncated", func(t *testing.T) {
		items := []*pipeline.WorkItem{
			{
				ID:    "1f0e8c52-4d0b-4a56-9a3d-6c1df3a9e210",
				Title: strings.Repeat("x", 100),
				State: pipeline.InflightState("validator"),
			},
		}

		var buf bytes.Buffer
		FormatItemsTable(&buf, items, "test-instance")

		output := buf.String()
		assert.Contains(t, output, "...")
		assert.NotContains(t, output, strings.Repeat("x", 100))
	})
}

func TestFormatItemsJSONL(t *testing.T) {
	items := []*pipeline.WorkItem{
		{
			ID:    "1f0e8c52-4d0b-4a56-9a3d-6c1df3a9e210",
			Title: "first",
			State: pipeline.QueuedState("dev"),
		},
		{
			ID:    "2a9b7d41-8e3c-4f12-b5a6-7c8d9e0f1a2b",
			Title: "second\nwith newline",
			State: pipeline.StateFailed,
		},
	}

	var buf bytes.Buffer
	err := FormatItemsJSONL(&buf, items)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var first pipeline.WorkItem
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "1f0e8c52-4d0b-4a56-9a3d-6c1df3a9e210", first.ID)
	assert.Equal(t, pipeline.QueuedState("dev"), first.State)

	var second pipeline.WorkItem
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	// Newlines in fields must not break the one-object-per-line contract
	assert.Equal(t, "second\nwith newline", second.Title)
}

func TestFormatSingleItemJSON(t *testing.T) {
	item := &pipeline.WorkItem{
		ID:       "1f0e8c52-4d0b-4a56-9a3d-6c1df3a9e210",
		Title:    "Implement login endpoint",
		State:    pipeline.InflightState("dev"),
		Attempts: 2,
		Evidence: map[string]string{"coverage_pct": "85"},
	}

	var buf bytes.Buffer
	err := FormatSingleItemJSON(&buf, item)
	require.NoError(t, err)

	var result pipeline.WorkItem
	require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
	assert.Equal(t, item.ID, result.ID)
	assert.Equal(t, item.Evidence, result.Evidence)

	// Pretty-printed output has indentation
	assert.Contains(t, buf.String(), "\n")
	assert.Contains(t, buf.String(), "  ")
}

func TestFormatQuestionsTable(t *testing.T) {
	t.Run("empty questions", func(t *testing.T) {
		var buf bytes.Buffer
		count := FormatQuestionsTable(&buf, []*pipeline.Question{}, "test-instance")

		output := buf.String()
		assert.Contains(t, output, "No open questions for instance 'test-instance'")
		assert.Equal(t, 0, count)
	})

	t.Run("single question shows full ID", func(t *testing.T) {
		questions := []*pipeline.Question{
			{
				ID:        "8c1f9e4a-0b3d-4f6a-9e2d-5a7b8c9d0e1f",
				ItemID:    "1f0e8c52-4d0b-4a56-9a3d-6c1df3a9e210",
				Stage:     "dev",
				Text:      "Which bucket should artifacts go to?",
				AskedAtMs: time.Now().Add(-1 * time.Minute).UnixMilli(),
			},
		}

		var buf bytes.Buffer
		count := FormatQuestionsTable(&buf, questions, "test-instance")

		output := buf.String()
		// The answer command takes the full UUID, so it must not be shortened
		assert.Contains(t, output, "8c1f9e4a-0b3d-4f6a-9e2d-5a7b8c9d0e1f")
		assert.Contains(t, output, "1f0e8c52")
		assert.Contains(t, output, "dev")
		assert.Contains(t, output, "Which bucket should artifacts go to?")
		assert.Contains(t, output, "1 open question")
		assert.Contains(t, output, "factory answer")
		assert.Equal(t, 1, count)
	})
}

func TestFormatDepthsTable(t *testing.T) {
	t.Run("totals", func(t *testing.T) {
		depths := []pipeline.StageDepth{
			{Stage: "dev", Pending: 3, Inflight: 1},
			{Stage: "validator", Pending: 0, Inflight: 2},
		}

		var buf bytes.Buffer
		FormatDepthsTable(&buf, depths, 100)

		output := buf.String()
		assert.Contains(t, output, "dev")
		assert.Contains(t, output, "validator")
		assert.Contains(t, output, "Totals: 3 pending, 3 inflight")
		assert.NotContains(t, output, "backpressure")
	})

	t.Run("backpressure marker", func(t *testing.T) {
		depths := []pipeline.StageDepth{
			{Stage: "dev", Pending: 120, Inflight: 4},
		}

		var buf bytes.Buffer
		FormatDepthsTable(&buf, depths, 100)

		assert.Contains(t, buf.String(), "backpressure")
	})

	t.Run("threshold zero disables marker", func(t *testing.T) {
		depths := []pipeline.StageDepth{
			{Stage: "dev", Pending: 5000, Inflight: 0},
		}

		var buf bytes.Buffer
		FormatDepthsTable(&buf, depths, 0)

		assert.NotContains(t, buf.String(), "backpressure")
	})
}
