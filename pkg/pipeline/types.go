// Package pipeline provides type-safe Go definitions and Redis coordination
// primitives for the staged delivery pipeline. Work items move through an
// ordered sequence of stages; each stage has a pending queue and an inflight
// list, and promotion between stages is a single atomic operation that
// validates completion markers, required evidence, and quality gates before
// anything moves.
//
// All Redis keys and channels are namespaced by instance name so multiple
// pipeline instances can safely coexist on a single Redis server.
package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// WorkItem is the unit of work flowing through the pipeline. The record of
// truth lives in a Redis hash; evidence fields and per-stage completion
// markers share that hash with the fixed fields below.
type WorkItem struct {
	ID               string            `json:"id"`                  // UUID - unique identifier for this item
	Title            string            `json:"title"`               // Human-readable description
	Payload          string            `json:"payload"`             // Opaque work payload (JSON, text, a ref) - never parsed by the engine
	State            ItemState         `json:"state"`               // queued@<stage>, inflight@<stage>, complete, or failed
	Attempts         int               `json:"attempts"`            // Rework counter, incremented only by returned-to-start
	Reclaims         int               `json:"reclaims"`            // Operational counter of lease reclaims
	CreatedAtMs      int64             `json:"created_at_ms"`       // Unix milliseconds at submission
	StageEnteredAtMs int64             `json:"stage_entered_at_ms"` // Unix milliseconds when the item last changed stage
	CompletedAtMs    int64             `json:"completed_at_ms,omitempty"`
	FailedAtMs       int64             `json:"failed_at_ms,omitempty"`
	LeaseDeadlineMs  int64             `json:"lease_deadline_ms,omitempty"` // Present only while inflight
	Evidence         map[string]string `json:"evidence"`                    // Raw string-encoded evidence fields
	StageCompletions map[string]int64  `json:"stage_completions"`           // stage name -> completion marker (unix ms)
}

// ItemState encodes where an item currently is. Queued and inflight states
// carry the stage name ("queued@dev", "inflight@validator"); complete and
// failed are terminal.
type ItemState string

const (
	// StateComplete indicates the item passed every stage.
	StateComplete ItemState = "complete"

	// StateFailed indicates the item exhausted its rework attempts and was
	// parked for operator attention.
	StateFailed ItemState = "failed"
)

// QueuedState returns the state for an item waiting in a stage's pending queue.
func QueuedState(stage string) ItemState {
	return ItemState("queued@" + stage)
}

// InflightState returns the state for an item leased out of a stage's queue.
func InflightState(stage string) ItemState {
	return ItemState("inflight@" + stage)
}

// Phase returns the state's lifecycle phase: "queued", "inflight",
// "complete", or "failed". Unknown states return "".
func (s ItemState) Phase() string {
	switch {
	case s == StateComplete:
		return "complete"
	case s == StateFailed:
		return "failed"
	case strings.HasPrefix(string(s), "queued@"):
		return "queued"
	case strings.HasPrefix(string(s), "inflight@"):
		return "inflight"
	default:
		return ""
	}
}

// Stage returns the stage name embedded in a queued or inflight state.
// Terminal and unknown states return "".
func (s ItemState) Stage() string {
	if i := strings.Index(string(s), "@"); i >= 0 {
		return string(s)[i+1:]
	}
	return ""
}

// Terminal reports whether the state is complete or failed.
func (s ItemState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Validate checks if the ItemState is well-formed.
func (s ItemState) Validate() error {
	switch s.Phase() {
	case "complete", "failed":
		return nil
	case "queued", "inflight":
		if s.Stage() == "" {
			return fmt.Errorf("state %q missing stage name", s)
		}
		return nil
	default:
		return fmt.Errorf("unknown item state: %q", s)
	}
}

// Validate checks if the WorkItem has valid field values.
// Returns an error if any validation fails.
func (w *WorkItem) Validate() error {
	if !isValidUUID(w.ID) {
		return fmt.Errorf("invalid item ID: not a valid UUID")
	}

	if w.Title == "" {
		return fmt.Errorf("item title cannot be empty")
	}

	if w.State != "" {
		if err := w.State.Validate(); err != nil {
			return fmt.Errorf("invalid state: %w", err)
		}
	}

	if w.Attempts < 0 {
		return fmt.Errorf("invalid attempts: must be >= 0, got %d", w.Attempts)
	}

	for field := range w.Evidence {
		if IsReservedItemField(field) {
			return fmt.Errorf("evidence field %q collides with a reserved item field", field)
		}
		if strings.HasSuffix(field, stageMarkerSuffix) {
			return fmt.Errorf("evidence field %q collides with the stage marker suffix", field)
		}
	}

	return nil
}

// reservedItemFields are hash fields owned by the engine. Evidence fields
// may not use these names.
var reservedItemFields = map[string]struct{}{
	"id":                  {},
	"title":               {},
	"payload":             {},
	"state":               {},
	"attempts":            {},
	"reclaims":            {},
	"created_at_ms":       {},
	"stage_entered_at_ms": {},
	"completed_at_ms":     {},
	"failed_at_ms":        {},
	"lease_deadline_ms":   {},
}

// stageMarkerSuffix is appended to a stage name to form its completion
// marker field, e.g. "dev" -> "dev_completed_at".
const stageMarkerSuffix = "_completed_at"

// IsReservedItemField reports whether name is a fixed item hash field.
func IsReservedItemField(name string) bool {
	_, ok := reservedItemFields[name]
	return ok
}

// StageMarkerField returns the item hash field holding a stage's completion
// marker.
func StageMarkerField(stage string) string {
	return stage + stageMarkerSuffix
}

// EvidenceKind is the declared type of an evidence field.
type EvidenceKind string

const (
	// EvidenceBool holds "true" or "false". Pass gates read bool fields.
	EvidenceBool EvidenceKind = "bool"

	// EvidenceInt holds a base-10 integer.
	EvidenceInt EvidenceKind = "int"

	// EvidencePercent holds a float in [0, 100]. Min gates usually read
	// percent fields.
	EvidencePercent EvidenceKind = "percent"

	// EvidenceString holds free-form text. Never gated.
	EvidenceString EvidenceKind = "string"
)

// Validate checks if the EvidenceKind is a valid enum value.
func (k EvidenceKind) Validate() error {
	switch k {
	case EvidenceBool, EvidenceInt, EvidencePercent, EvidenceString:
		return nil
	default:
		return fmt.Errorf("unknown evidence kind: %q", k)
	}
}

// Numeric reports whether values of this kind can sit behind a min gate.
func (k EvidenceKind) Numeric() bool {
	return k == EvidenceInt || k == EvidencePercent
}

// EvidenceValue is a typed evidence datum. Exactly one of the value fields
// is meaningful, selected by Kind.
type EvidenceValue struct {
	Kind    EvidenceKind
	Bool    bool
	Int     int64
	Percent float64
	Str     string
}

// BoolEvidence wraps a boolean evidence value.
func BoolEvidence(v bool) EvidenceValue {
	return EvidenceValue{Kind: EvidenceBool, Bool: v}
}

// IntEvidence wraps an integer evidence value.
func IntEvidence(v int64) EvidenceValue {
	return EvidenceValue{Kind: EvidenceInt, Int: v}
}

// PercentEvidence wraps a percentage evidence value.
func PercentEvidence(v float64) EvidenceValue {
	return EvidenceValue{Kind: EvidencePercent, Percent: v}
}

// StringEvidence wraps a free-form evidence value.
func StringEvidence(v string) EvidenceValue {
	return EvidenceValue{Kind: EvidenceString, Str: v}
}

// Validate checks the value against its kind's constraints.
func (v EvidenceValue) Validate() error {
	if err := v.Kind.Validate(); err != nil {
		return err
	}
	if v.Kind == EvidencePercent && (v.Percent < 0 || v.Percent > 100) {
		return fmt.Errorf("percent value out of range [0, 100]: %v", v.Percent)
	}
	return nil
}

// Encode returns the canonical string form stored in the item hash.
func (v EvidenceValue) Encode() string {
	switch v.Kind {
	case EvidenceBool:
		return strconv.FormatBool(v.Bool)
	case EvidenceInt:
		return strconv.FormatInt(v.Int, 10)
	case EvidencePercent:
		return strconv.FormatFloat(v.Percent, 'f', -1, 64)
	default:
		return v.Str
	}
}

// DecodeEvidence parses a stored string back into a typed value.
func DecodeEvidence(kind EvidenceKind, raw string) (EvidenceValue, error) {
	switch kind {
	case EvidenceBool:
		if raw != "true" && raw != "false" {
			return EvidenceValue{}, fmt.Errorf("invalid bool evidence: %q", raw)
		}
		return BoolEvidence(raw == "true"), nil
	case EvidenceInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return EvidenceValue{}, fmt.Errorf("invalid int evidence: %w", err)
		}
		return IntEvidence(n), nil
	case EvidencePercent:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return EvidenceValue{}, fmt.Errorf("invalid percent evidence: %w", err)
		}
		v := PercentEvidence(f)
		if err := v.Validate(); err != nil {
			return EvidenceValue{}, err
		}
		return v, nil
	case EvidenceString:
		return StringEvidence(raw), nil
	default:
		return EvidenceValue{}, fmt.Errorf("unknown evidence kind: %q", kind)
	}
}

// FieldSpec declares one required evidence field for a stage.
type FieldSpec struct {
	Name string       `json:"name"`
	Kind EvidenceKind `json:"kind"`
}

// GateKind selects the comparison a gate applies.
type GateKind string

const (
	// GateMin rejects promotion while a numeric field is below a threshold.
	// The item stays inflight; the worker may improve the evidence and retry.
	GateMin GateKind = "min"

	// GatePass returns the item to the first stage when a bool field is false.
	GatePass GateKind = "pass"
)

// Validate checks if the GateKind is a valid enum value.
func (g GateKind) Validate() error {
	switch g {
	case GateMin, GatePass:
		return nil
	default:
		return fmt.Errorf("unknown gate kind: %q", g)
	}
}

// Gate is one quality check evaluated during promotion.
type Gate struct {
	Kind  GateKind `json:"kind"`
	Field string   `json:"field"`
	Min   float64  `json:"min,omitempty"` // Threshold for min gates; value >= Min passes
}

// StageSchema declares a stage's required evidence and gates. Built from
// configuration once at startup; the promotion operation and every worker
// read the same immutable copy.
type StageSchema struct {
	Stage  string      `json:"stage"`
	Fields []FieldSpec `json:"fields"`
	Gates  []Gate      `json:"gates"`
}

// Outcome is the result class of a successful promotion call. Rejections
// (missing evidence, failed min gates, lost leases) are reported as typed
// errors instead.
type Outcome string

const (
	// OutcomePromoted means the item advanced to the next stage's queue.
	OutcomePromoted Outcome = "promoted"

	// OutcomeCompleted means the item passed the final stage.
	OutcomeCompleted Outcome = "completed"

	// OutcomeReturnedToStart means a pass gate failed and the item was
	// requeued at the first stage with attempts incremented.
	OutcomeReturnedToStart Outcome = "returned_to_start"

	// OutcomeAttemptsExhausted means a pass gate failed and the rework
	// ceiling was already reached; the item is parked as failed.
	OutcomeAttemptsExhausted Outcome = "attempts_exhausted"
)

// PromotionResult describes what the atomic promotion did.
type PromotionResult struct {
	Outcome   Outcome `json:"outcome"`
	ItemID    string  `json:"item_id"`
	From      string  `json:"from"`                 // Stage the item was promoted out of
	To        string  `json:"to,omitempty"`         // Destination stage; empty for completed and attempts_exhausted
	GateField string  `json:"gate_field,omitempty"` // Pass gate that triggered rework, if any
	Attempts  int     `json:"attempts"`             // Attempts counter after the operation
}

// ItemEvent is published to the instance's item_events channel on every
// state transition. Events are advisory: delivery is at-most-once.
type ItemEvent struct {
	Event    string `json:"event"`
	ItemID   string `json:"item_id"`
	Stage    string `json:"stage,omitempty"`
	To       string `json:"to,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	AtMs     int64  `json:"at_ms"`
}

// Item event names.
const (
	EventEnqueued          = "enqueued"
	EventPromoted          = "promoted"
	EventCompleted         = "completed"
	EventReturnedToStart   = "returned_to_start"
	EventAttemptsExhausted = "attempts_exhausted"
	EventReclaimed         = "reclaimed"
	EventCancelled         = "cancelled"
)

// Question is an escalation raised by a blocked worker. Stored as a Redis
// hash; open questions are indexed on the instance's questions list until
// answered.
type Question struct {
	ID           string            `json:"id"`      // UUID
	ItemID       string            `json:"item_id"` // Item the worker was holding
	Stage        string            `json:"stage"`
	Text         string            `json:"text"`
	Context      map[string]string `json:"context,omitempty"`
	AskedAtMs    int64             `json:"asked_at_ms"`
	Answer       string            `json:"answer,omitempty"`
	AnsweredAtMs int64             `json:"answered_at_ms,omitempty"`
}

// Validate checks if the Question has valid field values.
func (q *Question) Validate() error {
	if !isValidUUID(q.ID) {
		return fmt.Errorf("invalid question ID: not a valid UUID")
	}

	if !isValidUUID(q.ItemID) {
		return fmt.Errorf("invalid item ID: not a valid UUID")
	}

	if q.Stage == "" {
		return fmt.Errorf("question stage cannot be empty")
	}

	if q.Text == "" {
		return fmt.Errorf("question text cannot be empty")
	}

	return nil
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
