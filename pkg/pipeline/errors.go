package pipeline

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Typed promotion rejections
//
// The atomic promotion script rejects without side effects when its
// preconditions fail. Each rejection class gets its own error type so
// workers can branch with errors.As: missing evidence is retryable after
// producing the field, a failed min gate is retryable after improving the
// value, a lost lease means walk away, and a missing schema is a fatal
// configuration error.

// NotFoundError indicates the work item record does not exist.
type NotFoundError struct {
	ItemID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("work item not found: %s", e.ItemID)
}

// StageIncompleteError indicates promotion was requested before the stage's
// completion marker was written.
type StageIncompleteError struct {
	ItemID string
	Stage  string
}

func (e *StageIncompleteError) Error() string {
	return fmt.Sprintf("item %s has no completion marker for stage %q", e.ItemID, e.Stage)
}

// NoSchemaError indicates the stage has no registered evidence schema.
// This is a configuration error: promotion must never silently pass a stage
// whose requirements are unknown.
type NoSchemaError struct {
	Stage string
}

func (e *NoSchemaError) Error() string {
	return fmt.Sprintf("no evidence schema registered for stage %q", e.Stage)
}

// MissingEvidenceError indicates a required evidence field is absent from
// the item record. The item stays inflight; the holder may produce the
// field and retry.
type MissingEvidenceError struct {
	ItemID string
	Stage  string
	Field  string
}

func (e *MissingEvidenceError) Error() string {
	return fmt.Sprintf("item %s missing required evidence %q for stage %q", e.ItemID, e.Field, e.Stage)
}

// MalformedEvidenceError indicates a gated field holds a value that cannot
// be interpreted by its gate (a non-numeric value behind a min gate, or a
// non-boolean behind a pass gate).
type MalformedEvidenceError struct {
	ItemID string
	Stage  string
	Field  string
	Value  string
}

func (e *MalformedEvidenceError) Error() string {
	return fmt.Sprintf("item %s has malformed evidence %q=%q at stage %q", e.ItemID, e.Field, e.Value, e.Stage)
}

// GateError indicates a min gate rejected the promotion. The item stays
// inflight, untouched.
type GateError struct {
	ItemID string
	Stage  string
	Field  string
	Value  string
	Min    float64
}

func (e *GateError) Error() string {
	return fmt.Sprintf("item %s failed gate at stage %q: %s=%s is below %v", e.ItemID, e.Stage, e.Field, e.Value, e.Min)
}

// NotInflightError indicates the item was not on the stage's inflight list
// when the mutation began: either the promotion already happened or the
// lease was reclaimed. Callers treat this as "someone else moved it" and
// walk away; it is what makes duplicate promotion calls harmless.
type NotInflightError struct {
	ItemID string
	Stage  string
}

func (e *NotInflightError) Error() string {
	return fmt.Sprintf("item %s is not inflight at stage %q", e.ItemID, e.Stage)
}

// EvidenceImmutableError indicates an attempt to overwrite a recorded
// evidence value after the stage was already marked complete. Absent fields
// can still be added to fill a gap; recorded values only become writable
// again when rework clears the stage's marker.
type EvidenceImmutableError struct {
	ItemID string
	Stage  string
	Field  string
}

func (e *EvidenceImmutableError) Error() string {
	return fmt.Sprintf("evidence %q on item %s is immutable: stage %q already completed", e.Field, e.ItemID, e.Stage)
}

// ErrNoAnswer is returned by AskQuestion when no answer arrived before the
// deadline. The question stays open and answerable.
var ErrNoAnswer = errors.New("no answer before deadline")

// IsNotFound returns true if the error reports a missing record: either a
// Redis "key not found" (redis.Nil) from a read, or a NotFoundError from
// the promotion path.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.Is(err, redis.Nil) || errors.As(err, &nf)
}

// IsNoWork returns true if a Dequeue ended its blocking wait with nothing
// to hand out.
func IsNoWork(err error) bool {
	return errors.Is(err, redis.Nil)
}

// IsRetryableRejection returns true for promotion rejections the lease
// holder can resolve by producing or improving evidence and retrying.
func IsRetryableRejection(err error) bool {
	var missing *MissingEvidenceError
	var gate *GateError
	var incomplete *StageIncompleteError
	return errors.As(err, &missing) || errors.As(err, &gate) || errors.As(err, &incomplete)
}
