package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// stageNamePattern restricts stage names to safe key material: they are
// embedded in Redis key names and in hash field names (markers).
var stageNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Registry is the immutable evidence-schema registry for one pipeline. It
// is built once from validated configuration and shared by reference with
// every worker and with the promotion operation; nothing mutates it after
// construction. Redis mirrors only the required-field name sets (see
// Client.RegisterSchemas) because the promotion script reads those with
// SMEMBERS; typed validation always goes through the registry.
type Registry struct {
	order       []string
	schemas     map[string]StageSchema
	fieldKinds  map[string]map[string]EvidenceKind
	transitions Transitions
	maxAttempts int
}

// NewRegistry validates the stage schemas and builds the registry and its
// transition table. Stage order follows the slice order. maxAttempts is the
// rework ceiling; 0 means unlimited.
func NewRegistry(schemas []StageSchema, maxAttempts int) (*Registry, error) {
	if len(schemas) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}
	if maxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must be >= 0, got %d", maxAttempts)
	}

	r := &Registry{
		order:       make([]string, 0, len(schemas)),
		schemas:     make(map[string]StageSchema, len(schemas)),
		fieldKinds:  make(map[string]map[string]EvidenceKind, len(schemas)),
		maxAttempts: maxAttempts,
	}

	for _, schema := range schemas {
		if err := validateStageSchema(schema); err != nil {
			return nil, err
		}
		if _, exists := r.schemas[schema.Stage]; exists {
			return nil, fmt.Errorf("duplicate stage name: %q", schema.Stage)
		}

		kinds := make(map[string]EvidenceKind, len(schema.Fields))
		for _, field := range schema.Fields {
			kinds[field.Name] = field.Kind
		}

		r.order = append(r.order, schema.Stage)
		r.schemas[schema.Stage] = copySchema(schema)
		r.fieldKinds[schema.Stage] = kinds
	}

	transitions, err := NewTransitions(r.order)
	if err != nil {
		return nil, err
	}
	r.transitions = transitions

	return r, nil
}

func validateStageSchema(schema StageSchema) error {
	if !stageNamePattern.MatchString(schema.Stage) {
		return fmt.Errorf("invalid stage name %q: must match %s", schema.Stage, stageNamePattern)
	}
	if schema.Stage == CompleteSentinel {
		return fmt.Errorf("stage name %q is reserved", CompleteSentinel)
	}
	if len(schema.Fields) == 0 {
		return fmt.Errorf("stage %q declares no evidence fields", schema.Stage)
	}

	seen := make(map[string]EvidenceKind, len(schema.Fields))
	for _, field := range schema.Fields {
		if field.Name == "" {
			return fmt.Errorf("stage %q has an evidence field with no name", schema.Stage)
		}
		if IsReservedItemField(field.Name) {
			return fmt.Errorf("stage %q evidence field %q collides with a reserved item field", schema.Stage, field.Name)
		}
		if strings.HasSuffix(field.Name, stageMarkerSuffix) {
			return fmt.Errorf("stage %q evidence field %q collides with the stage marker suffix", schema.Stage, field.Name)
		}
		if err := field.Kind.Validate(); err != nil {
			return fmt.Errorf("stage %q evidence field %q: %w", schema.Stage, field.Name, err)
		}
		if _, dup := seen[field.Name]; dup {
			return fmt.Errorf("stage %q declares evidence field %q twice", schema.Stage, field.Name)
		}
		seen[field.Name] = field.Kind
	}

	for _, gate := range schema.Gates {
		if err := gate.Kind.Validate(); err != nil {
			return fmt.Errorf("stage %q gate on %q: %w", schema.Stage, gate.Field, err)
		}
		kind, declared := seen[gate.Field]
		if !declared {
			return fmt.Errorf("stage %q gate references undeclared field %q", schema.Stage, gate.Field)
		}
		switch gate.Kind {
		case GateMin:
			if !kind.Numeric() {
				return fmt.Errorf("stage %q min gate requires a numeric field, %q is %s", schema.Stage, gate.Field, kind)
			}
		case GatePass:
			if kind != EvidenceBool {
				return fmt.Errorf("stage %q pass gate requires a bool field, %q is %s", schema.Stage, gate.Field, kind)
			}
		}
	}

	return nil
}

func copySchema(schema StageSchema) StageSchema {
	out := StageSchema{
		Stage:  schema.Stage,
		Fields: make([]FieldSpec, len(schema.Fields)),
		Gates:  make([]Gate, len(schema.Gates)),
	}
	copy(out.Fields, schema.Fields)
	copy(out.Gates, schema.Gates)
	return out
}

// Stages returns the stage names in pipeline order.
func (r *Registry) Stages() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// HasStage reports whether the pipeline contains the named stage.
func (r *Registry) HasStage(stage string) bool {
	_, ok := r.schemas[stage]
	return ok
}

// Schema returns a copy of the named stage's schema.
func (r *Registry) Schema(stage string) (StageSchema, bool) {
	schema, ok := r.schemas[stage]
	if !ok {
		return StageSchema{}, false
	}
	return copySchema(schema), true
}

// RequiredFields returns the names of the stage's required evidence fields.
func (r *Registry) RequiredFields(stage string) []string {
	schema, ok := r.schemas[stage]
	if !ok {
		return nil
	}
	fields := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		fields[i] = f.Name
	}
	return fields
}

// FieldKind returns the declared kind of an evidence field at a stage.
// ok is false when the stage doesn't declare the field.
func (r *Registry) FieldKind(stage, field string) (EvidenceKind, bool) {
	kinds, ok := r.fieldKinds[stage]
	if !ok {
		return "", false
	}
	kind, ok := kinds[field]
	return kind, ok
}

// Transitions returns the pipeline's routing table.
func (r *Registry) Transitions() Transitions {
	return r.transitions
}

// MaxAttempts returns the rework ceiling. 0 means unlimited.
func (r *Registry) MaxAttempts() int {
	return r.maxAttempts
}

// MarkerFields returns every stage's completion marker field name, in
// pipeline order. The rework path clears exactly these.
func (r *Registry) MarkerFields() []string {
	markers := make([]string, len(r.order))
	for i, stage := range r.order {
		markers[i] = StageMarkerField(stage)
	}
	return markers
}
