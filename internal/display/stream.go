package display

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

// StreamEvents subscribes to item lifecycle events for the instance and
// writes one line per event to w until the context is cancelled.
//
// In default format each line carries a timestamp, the event name, the short
// item ID, and where the item moved. In JSONL format events are written as
// raw JSON objects, one per line. Malformed events reported by the
// subscription are logged to stderr and skipped.
func StreamEvents(ctx context.Context, client *pipeline.Client, instanceName string, format OutputFormat, w io.Writer) error {
	sub, err := client.SubscribeItemEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to item events: %w", err)
	}
	defer sub.Close()

	if format == OutputFormatDefault {
		fmt.Fprintf(w, "Watching item events for instance '%s' (Ctrl+C to stop)\n\n", instanceName)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			// Non-fatal: the subscription skips the bad message and continues
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)

		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}

			if format == OutputFormatJSONL {
				data, err := json.Marshal(ev)
				if err != nil {
					return fmt.Errorf("failed to marshal event: %w", err)
				}
				fmt.Fprintf(w, "%s\n", string(data))
				continue
			}

			fmt.Fprintln(w, formatEventLine(ev))
		}
	}
}

// formatEventLine renders one event as a human-readable line.
func formatEventLine(ev *pipeline.ItemEvent) string {
	ts := time.UnixMilli(ev.AtMs).Format("15:04:05")
	id := formatID(ev.ItemID)

	switch ev.Event {
	case pipeline.EventEnqueued:
		return fmt.Sprintf("%s  enqueued            %s at %s", ts, id, ev.Stage)
	case pipeline.EventPromoted:
		return fmt.Sprintf("%s  promoted            %s %s → %s", ts, id, ev.Stage, ev.To)
	case pipeline.EventCompleted:
		return fmt.Sprintf("%s  completed           %s (at %s)", ts, id, ev.Stage)
	case pipeline.EventReturnedToStart:
		return fmt.Sprintf("%s  returned to start   %s %s → %s (attempt %d)", ts, id, ev.Stage, ev.To, ev.Attempts)
	case pipeline.EventAttemptsExhausted:
		return fmt.Sprintf("%s  attempts exhausted  %s (attempt %d at %s)", ts, id, ev.Attempts, ev.Stage)
	case pipeline.EventReclaimed:
		return fmt.Sprintf("%s  reclaimed           %s at %s", ts, id, ev.Stage)
	case pipeline.EventCancelled:
		return fmt.Sprintf("%s  cancelled           %s", ts, id)
	default:
		return fmt.Sprintf("%s  %-19s %s", ts, ev.Event, id)
	}
}
