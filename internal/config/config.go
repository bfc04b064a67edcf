package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

// Duration wraps time.Duration so YAML can carry values like "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// PipelineConfig specifies pipeline-wide behavior settings
type PipelineConfig struct {
	MaxAttempts *int `yaml:"max_attempts,omitempty"` // How many times an item can be returned to the first stage and reworked (0 = unlimited, default = 3)
}

// FactoryConfig represents the top-level factory.yml configuration
type FactoryConfig struct {
	Version    string            `yaml:"version"`
	Pipeline   *PipelineConfig   `yaml:"pipeline,omitempty"`
	Stages     []StageConfig     `yaml:"stages"`
	Supervisor *SupervisorConfig `yaml:"supervisor,omitempty"`
}

// StageConfig represents a single pipeline stage configuration
type StageConfig struct {
	Name     string          `yaml:"name"`
	Workers  int             `yaml:"workers,omitempty"` // Default: 1
	Evidence []EvidenceField `yaml:"evidence"`
	Gates    []GateConfig    `yaml:"gates,omitempty"`
	Task     *TaskConfig     `yaml:"task"`
}

// EvidenceField declares one required evidence field and its type
type EvidenceField struct {
	Field string `yaml:"field"`
	Kind  string `yaml:"kind"` // Required: bool, int, percent, or string
}

// GateConfig declares one promotion gate on a declared evidence field
type GateConfig struct {
	Kind  string  `yaml:"kind"` // Required: min or pass
	Field string  `yaml:"field"`
	Min   float64 `yaml:"min,omitempty"` // Threshold for min gates
}

// TaskConfig specifies the command a stage's workers run per item
type TaskConfig struct {
	Command     []string `yaml:"command"`
	Timeout     Duration `yaml:"timeout,omitempty"` // Default: 10m
	Environment []string `yaml:"environment,omitempty"`
}

// SupervisorConfig specifies supervisor behavior settings
type SupervisorConfig struct {
	LeaseTTL           Duration `yaml:"lease_ttl,omitempty"`            // Default: 5m
	DequeueTimeout     Duration `yaml:"dequeue_timeout,omitempty"`      // Default: 5s
	HeartbeatInterval  Duration `yaml:"heartbeat_interval,omitempty"`   // Default: 10s
	HeartbeatMisses    int      `yaml:"heartbeat_misses,omitempty"`     // Default: 3
	ReclaimInterval    Duration `yaml:"reclaim_interval,omitempty"`     // Default: 30s
	EscalationTimeout  Duration `yaml:"escalation_timeout,omitempty"`   // Default: 15m
	BackpressureDepth  int      `yaml:"backpressure_depth,omitempty"`   // Default: 100
	EvidenceRetryLimit int      `yaml:"evidence_retry_limit,omitempty"` // Default: 3
	ListenAddr         string   `yaml:"listen_addr,omitempty"`          // Default: ":8180"
}

// Validate performs strict validation on the configuration
func (c *FactoryConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	// Required: at least one stage
	if len(c.Stages) == 0 {
		return fmt.Errorf("no stages defined")
	}

	// Validate each stage and enforce unique names
	namesSeen := make(map[string]bool)
	for i := range c.Stages {
		stage := &c.Stages[i]
		if err := stage.Validate(); err != nil {
			return err
		}
		if namesSeen[stage.Name] {
			return fmt.Errorf("duplicate stage name '%s': all stages must have unique names", stage.Name)
		}
		namesSeen[stage.Name] = true
	}

	// Apply default pipeline config if missing
	if c.Pipeline == nil {
		defaultAttempts := 3
		c.Pipeline = &PipelineConfig{
			MaxAttempts: &defaultAttempts,
		}
	} else if c.Pipeline.MaxAttempts == nil {
		// Pipeline section exists but max_attempts not specified - apply default
		defaultAttempts := 3
		c.Pipeline.MaxAttempts = &defaultAttempts
	}

	if *c.Pipeline.MaxAttempts < 0 {
		return fmt.Errorf("pipeline.max_attempts must be >= 0 (0 = unlimited), got %d", *c.Pipeline.MaxAttempts)
	}

	// Apply supervisor defaults
	if c.Supervisor == nil {
		c.Supervisor = &SupervisorConfig{}
	}
	if err := c.Supervisor.applyDefaults(); err != nil {
		return err
	}

	return nil
}

// Validate performs validation on a single stage configuration
func (s *StageConfig) Validate() error {
	// Required: name
	if s.Name == "" {
		return fmt.Errorf("stage with empty name")
	}

	// Default workers
	if s.Workers == 0 {
		s.Workers = 1
	}
	if s.Workers < 1 {
		return fmt.Errorf("stage '%s': workers must be >= 1, got %d", s.Name, s.Workers)
	}

	// Required: at least one evidence field
	if len(s.Evidence) == 0 {
		return fmt.Errorf("stage '%s': no evidence fields declared", s.Name)
	}

	kinds := make(map[string]string) // field → kind
	for _, ev := range s.Evidence {
		if ev.Field == "" {
			return fmt.Errorf("stage '%s': evidence field with empty name", s.Name)
		}
		if ev.Kind != "bool" && ev.Kind != "int" && ev.Kind != "percent" && ev.Kind != "string" {
			return fmt.Errorf("stage '%s': evidence field '%s': invalid kind: %s (must be 'bool', 'int', 'percent', or 'string')", s.Name, ev.Field, ev.Kind)
		}
		if _, exists := kinds[ev.Field]; exists {
			return fmt.Errorf("stage '%s': duplicate evidence field '%s'", s.Name, ev.Field)
		}
		kinds[ev.Field] = ev.Kind
	}

	// Gates must reference declared fields of a compatible kind
	for _, gate := range s.Gates {
		kind, declared := kinds[gate.Field]
		if !declared {
			return fmt.Errorf("stage '%s': gate on undeclared evidence field '%s'", s.Name, gate.Field)
		}
		switch gate.Kind {
		case "min":
			if kind != "int" && kind != "percent" {
				return fmt.Errorf("stage '%s': min gate on field '%s' requires an int or percent field, got %s", s.Name, gate.Field, kind)
			}
		case "pass":
			if kind != "bool" {
				return fmt.Errorf("stage '%s': pass gate on field '%s' requires a bool field, got %s", s.Name, gate.Field, kind)
			}
		default:
			return fmt.Errorf("stage '%s': invalid gate kind: %s (must be 'min' or 'pass')", s.Name, gate.Kind)
		}
	}

	// Required: task command
	if s.Task == nil || len(s.Task.Command) == 0 {
		return fmt.Errorf("stage '%s': task command is required", s.Name)
	}

	// If the command names a local path, verify it exists
	if strings.Contains(s.Task.Command[0], string(os.PathSeparator)) {
		if _, err := os.Stat(s.Task.Command[0]); os.IsNotExist(err) {
			return fmt.Errorf("stage '%s': task command does not exist: %s", s.Name, s.Task.Command[0])
		}
	}

	// Default task timeout
	if s.Task.Timeout == 0 {
		s.Task.Timeout = Duration(10 * time.Minute)
	}
	if s.Task.Timeout < 0 {
		return fmt.Errorf("stage '%s': task timeout must be positive", s.Name)
	}

	return nil
}

func (sc *SupervisorConfig) applyDefaults() error {
	if sc.LeaseTTL == 0 {
		sc.LeaseTTL = Duration(5 * time.Minute)
	}
	if sc.DequeueTimeout == 0 {
		sc.DequeueTimeout = Duration(5 * time.Second)
	}
	if sc.HeartbeatInterval == 0 {
		sc.HeartbeatInterval = Duration(10 * time.Second)
	}
	if sc.HeartbeatMisses == 0 {
		sc.HeartbeatMisses = 3
	}
	if sc.ReclaimInterval == 0 {
		sc.ReclaimInterval = Duration(30 * time.Second)
	}
	if sc.EscalationTimeout == 0 {
		sc.EscalationTimeout = Duration(15 * time.Minute)
	}
	if sc.BackpressureDepth == 0 {
		sc.BackpressureDepth = 100
	}
	if sc.EvidenceRetryLimit == 0 {
		sc.EvidenceRetryLimit = 3
	}
	if sc.ListenAddr == "" {
		sc.ListenAddr = ":8180"
	}

	for name, d := range map[string]Duration{
		"lease_ttl":          sc.LeaseTTL,
		"dequeue_timeout":    sc.DequeueTimeout,
		"heartbeat_interval": sc.HeartbeatInterval,
		"reclaim_interval":   sc.ReclaimInterval,
		"escalation_timeout": sc.EscalationTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("supervisor.%s must be positive", name)
		}
	}
	if sc.HeartbeatMisses < 1 {
		return fmt.Errorf("supervisor.heartbeat_misses must be >= 1, got %d", sc.HeartbeatMisses)
	}
	if sc.LeaseTTL.Std() <= sc.HeartbeatInterval.Std() {
		return fmt.Errorf("supervisor.lease_ttl (%s) must exceed heartbeat_interval (%s)", sc.LeaseTTL.Std(), sc.HeartbeatInterval.Std())
	}

	return nil
}

// Schemas converts the stage declarations into the evidence schemas the
// pipeline registry consumes, in pipeline order.
func (c *FactoryConfig) Schemas() []pipeline.StageSchema {
	schemas := make([]pipeline.StageSchema, 0, len(c.Stages))
	for _, stage := range c.Stages {
		schema := pipeline.StageSchema{Stage: stage.Name}
		for _, ev := range stage.Evidence {
			schema.Fields = append(schema.Fields, pipeline.FieldSpec{
				Name: ev.Field,
				Kind: pipeline.EvidenceKind(ev.Kind),
			})
		}
		for _, gate := range stage.Gates {
			schema.Gates = append(schema.Gates, pipeline.Gate{
				Kind:  pipeline.GateKind(gate.Kind),
				Field: gate.Field,
				Min:   gate.Min,
			})
		}
		schemas = append(schemas, schema)
	}
	return schemas
}

// MaxAttempts returns the validated rework ceiling (0 = unlimited).
func (c *FactoryConfig) MaxAttempts() int {
	if c.Pipeline == nil || c.Pipeline.MaxAttempts == nil {
		return 3
	}
	return *c.Pipeline.MaxAttempts
}

// Stage returns the configuration for a named stage.
func (c *FactoryConfig) Stage(name string) (*StageConfig, bool) {
	for i := range c.Stages {
		if c.Stages[i].Name == name {
			return &c.Stages[i], true
		}
	}
	return nil, false
}

// Load reads and validates factory.yml from the specified path
func Load(path string) (*FactoryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config FactoryConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
