package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Work items keep
// their fixed fields, evidence fields, and per-stage completion markers in
// one flat hash so the promotion script can validate everything with plain
// HEXISTS/HGET calls. Evidence values are stored in their canonical string
// encoding (see EvidenceValue.Encode).

// ItemToHash converts a WorkItem struct to a Redis hash format.
// Evidence fields and stage completion markers are flattened into the hash
// alongside the fixed fields.
func ItemToHash(w *WorkItem) map[string]interface{} {
	hash := map[string]interface{}{
		"id":                  w.ID,
		"title":               w.Title,
		"payload":             w.Payload,
		"state":               string(w.State),
		"attempts":            w.Attempts,
		"reclaims":            w.Reclaims,
		"created_at_ms":       w.CreatedAtMs,
		"stage_entered_at_ms": w.StageEnteredAtMs,
	}

	// Zero-valued optional timestamps are omitted so HEXISTS-style checks
	// stay meaningful.
	if w.CompletedAtMs != 0 {
		hash["completed_at_ms"] = w.CompletedAtMs
	}
	if w.FailedAtMs != 0 {
		hash["failed_at_ms"] = w.FailedAtMs
	}
	if w.LeaseDeadlineMs != 0 {
		hash["lease_deadline_ms"] = w.LeaseDeadlineMs
	}

	for field, value := range w.Evidence {
		hash[field] = value
	}
	for stage, at := range w.StageCompletions {
		hash[StageMarkerField(stage)] = at
	}

	return hash
}

// HashToItem converts a Redis hash to a WorkItem struct. Fields that are
// neither fixed nor stage markers are collected into Evidence.
func HashToItem(hash map[string]string) (*WorkItem, error) {
	attempts, err := strconv.Atoi(hash["attempts"])
	if err != nil {
		return nil, fmt.Errorf("invalid attempts field: %w", err)
	}

	reclaims := 0
	if raw, ok := hash["reclaims"]; ok && raw != "" {
		reclaims, err = strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid reclaims field: %w", err)
		}
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	stageEnteredAtMs, _ := strconv.ParseInt(hash["stage_entered_at_ms"], 10, 64)
	completedAtMs, _ := strconv.ParseInt(hash["completed_at_ms"], 10, 64)
	failedAtMs, _ := strconv.ParseInt(hash["failed_at_ms"], 10, 64)
	leaseDeadlineMs, _ := strconv.ParseInt(hash["lease_deadline_ms"], 10, 64)

	item := &WorkItem{
		ID:               hash["id"],
		Title:            hash["title"],
		Payload:          hash["payload"],
		State:            ItemState(hash["state"]),
		Attempts:         attempts,
		Reclaims:         reclaims,
		CreatedAtMs:      createdAtMs,
		StageEnteredAtMs: stageEnteredAtMs,
		CompletedAtMs:    completedAtMs,
		FailedAtMs:       failedAtMs,
		LeaseDeadlineMs:  leaseDeadlineMs,
		Evidence:         map[string]string{},
		StageCompletions: map[string]int64{},
	}

	for field, value := range hash {
		if IsReservedItemField(field) {
			continue
		}
		if strings.HasSuffix(field, stageMarkerSuffix) {
			stage := strings.TrimSuffix(field, stageMarkerSuffix)
			at, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid stage marker %s: %w", field, err)
			}
			item.StageCompletions[stage] = at
			continue
		}
		item.Evidence[field] = value
	}

	return item, nil
}

// QuestionToHash converts a Question struct to a Redis hash format.
// The context map is JSON-encoded into a single field.
func QuestionToHash(q *Question) (map[string]interface{}, error) {
	contextJSON, err := json.Marshal(q.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal question context: %w", err)
	}

	hash := map[string]interface{}{
		"id":          q.ID,
		"item_id":     q.ItemID,
		"stage":       q.Stage,
		"text":        q.Text,
		"context":     string(contextJSON),
		"asked_at_ms": q.AskedAtMs,
	}

	if q.Answer != "" {
		hash["answer"] = q.Answer
	}
	if q.AnsweredAtMs != 0 {
		hash["answered_at_ms"] = q.AnsweredAtMs
	}

	return hash, nil
}

// HashToQuestion converts a Redis hash to a Question struct.
func HashToQuestion(hash map[string]string) (*Question, error) {
	var qContext map[string]string
	if contextJSON := hash["context"]; contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &qContext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal question context: %w", err)
		}
	}

	askedAtMs, _ := strconv.ParseInt(hash["asked_at_ms"], 10, 64)
	answeredAtMs, _ := strconv.ParseInt(hash["answered_at_ms"], 10, 64)

	question := &Question{
		ID:           hash["id"],
		ItemID:       hash["item_id"],
		Stage:        hash["stage"],
		Text:         hash["text"],
		Context:      qContext,
		AskedAtMs:    askedAtMs,
		Answer:       hash["answer"],
		AnsweredAtMs: answeredAtMs,
	}

	return question, nil
}
