package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

// Task performs one stage's work against a leased item. Implementations
// record the evidence the stage's schema requires through the workspace;
// the surrounding worker handles leasing, completion marking, and promotion.
type Task interface {
	Execute(ctx context.Context, item *pipeline.WorkItem, ws *Workspace) error
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func(ctx context.Context, item *pipeline.WorkItem, ws *Workspace) error

// Execute calls f.
func (f TaskFunc) Execute(ctx context.Context, item *pipeline.WorkItem, ws *Workspace) error {
	return f(ctx, item, ws)
}

// Workspace is the task-facing surface for one leased item: evidence
// recording plus operator escalation. Writes that hit a sealed field are
// treated as benign so a re-run task can repeat its recording without
// special-casing resume.
type Workspace struct {
	client            *pipeline.Client
	itemID            string
	stage             string
	escalator         Escalator
	escalationTimeout time.Duration
}

// ItemID returns the leased item's identifier.
func (ws *Workspace) ItemID() string {
	return ws.itemID
}

// Stage returns the stage the item is leased at.
func (ws *Workspace) Stage() string {
	return ws.stage
}

// Record writes one evidence value against the item.
func (ws *Workspace) Record(ctx context.Context, field string, value pipeline.EvidenceValue) error {
	err := ws.client.WriteEvidence(ctx, ws.itemID, ws.stage, field, value)
	var sealed *pipeline.EvidenceImmutableError
	if errors.As(err, &sealed) {
		log.Printf("[DEBUG] Skipping sealed evidence field: item=%s stage=%s field=%s", ws.itemID, ws.stage, field)
		return nil
	}
	return err
}

// RecordBool records a boolean evidence value.
func (ws *Workspace) RecordBool(ctx context.Context, field string, v bool) error {
	return ws.Record(ctx, field, pipeline.BoolEvidence(v))
}

// RecordInt records an integer evidence value.
func (ws *Workspace) RecordInt(ctx context.Context, field string, v int64) error {
	return ws.Record(ctx, field, pipeline.IntEvidence(v))
}

// RecordPercent records a percentage evidence value.
func (ws *Workspace) RecordPercent(ctx context.Context, field string, v float64) error {
	return ws.Record(ctx, field, pipeline.PercentEvidence(v))
}

// RecordString records a string evidence value.
func (ws *Workspace) RecordString(ctx context.Context, field, v string) error {
	return ws.Record(ctx, field, pipeline.StringEvidence(v))
}

// Escalate posts a question for an operator and blocks until it is answered
// or the escalation timeout elapses. The item's lease keeps being renewed
// while the task waits here.
func (ws *Workspace) Escalate(ctx context.Context, text string, extra map[string]string) (string, error) {
	q := &pipeline.Question{
		ID:      uuid.New().String(),
		ItemID:  ws.itemID,
		Stage:   ws.stage,
		Text:    text,
		Context: extra,
	}

	log.Printf("[INFO] Escalating question to operator: item=%s stage=%s question_id=%s", ws.itemID, ws.stage, q.ID)

	answer, err := ws.escalator.Ask(ctx, q, ws.escalationTimeout)
	if err != nil {
		return "", fmt.Errorf("escalation for item %s failed: %w", ws.itemID, err)
	}
	return answer, nil
}
