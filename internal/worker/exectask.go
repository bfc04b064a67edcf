package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

const (
	// defaultTaskTimeout is the maximum time a task command can run before
	// being killed.
	defaultTaskTimeout = 10 * time.Minute

	// maxOutputSize is the maximum number of bytes to read from task
	// stdout/stderr (10MB).
	maxOutputSize = 10 * 1024 * 1024

	// maxQuestionRounds bounds how many times one task execution may
	// escalate before it is treated as failed.
	maxQuestionRounds = 3
)

// TaskInput is the JSON structure passed to task commands via stdin.
// The command reads this JSON from stdin to understand what work to perform.
//
// Contract: the worker marshals this struct to JSON, writes it to the
// command's stdin, then immediately closes the pipe.
//
// Example JSON:
//
//	{
//	  "stage": "dev",
//	  "item_id": "abc-123",
//	  "title": "add rate limiting",
//	  "payload": "{\"prp\": \"PRP-1042\"}",
//	  "attempts": 0,
//	  "evidence": {},
//	  "completed_stages": []
//	}
type TaskInput struct {
	// Stage is the pipeline stage this run is for.
	Stage string `json:"stage"`

	// ItemID identifies the leased work item.
	ItemID string `json:"item_id"`

	// Title is the item's human-readable description.
	Title string `json:"title"`

	// Payload is the opaque work payload, passed through untouched.
	Payload string `json:"payload"`

	// Attempts is the item's rework counter. A non-zero value tells the
	// command this is a redo after a failed quality gate.
	Attempts int `json:"attempts"`

	// Evidence holds the item's currently recorded evidence fields in
	// their raw string encoding, including fields from earlier stages.
	Evidence map[string]string `json:"evidence"`

	// CompletedStages lists the stages whose completion markers exist.
	CompletedStages []string `json:"completed_stages"`

	// Question and Answer are set only on a re-run after the command
	// escalated: Question echoes what was asked, Answer carries the
	// operator's reply.
	Question string `json:"question,omitempty"`
	Answer   string `json:"answer,omitempty"`
}

// TaskResult is the JSON structure task commands write to stdout.
//
// Contract: the command must write exactly ONE valid JSON object to stdout
// and exit zero. A non-empty question field suspends the run: the worker
// escalates the question to an operator and re-runs the command with the
// answer filled into TaskInput.
//
// Example JSON:
//
//	{
//	  "evidence": [
//	    {"field": "coverage_pct", "kind": "percent", "value": "85"},
//	    {"field": "tests_passed", "kind": "bool", "value": "true"}
//	  ],
//	  "summary": "implemented rate limiting with 85% coverage"
//	}
type TaskResult struct {
	// Evidence lists the fields to record against the item.
	Evidence []EvidenceEntry `json:"evidence"`

	// Summary is a human-readable description of what the command did.
	// Required unless the result is a question.
	Summary string `json:"summary"`

	// Question, when non-empty, asks the operator for input instead of
	// finishing. Evidence and summary are ignored on a question result.
	Question string `json:"question,omitempty"`
}

// EvidenceEntry is one typed evidence field in a TaskResult.
type EvidenceEntry struct {
	Field string `json:"field"`
	Kind  string `json:"kind"` // "bool", "int", "percent", or "string"
	Value string `json:"value"`
}

// Validate checks that the TaskResult has all required fields and valid
// values. A question-only result is valid with no evidence or summary.
func (r *TaskResult) Validate() error {
	if r.Question != "" {
		return nil
	}

	if r.Summary == "" {
		return fmt.Errorf("summary is required and cannot be empty")
	}

	for i, entry := range r.Evidence {
		if entry.Field == "" {
			return fmt.Errorf("evidence[%d]: field is required and cannot be empty", i)
		}
		if err := pipeline.EvidenceKind(entry.Kind).Validate(); err != nil {
			return fmt.Errorf("evidence[%d] (%s): %w", i, entry.Field, err)
		}
	}

	return nil
}

// ExecTask runs a stage's work as a subprocess speaking the stdin/stdout
// JSON contract above. This is the production Task implementation; the
// supervisor builds one per stage from the stage's task block in the
// factory config.
type ExecTask struct {
	// Command is the argv to execute. Required.
	Command []string

	// Timeout bounds one subprocess run. Zero means the default.
	Timeout time.Duration

	// Env is appended to the inherited environment, "KEY=value" entries.
	Env []string

	// Dir is the working directory. Empty inherits the worker's.
	Dir string
}

// Execute runs the command against the leased item, records the evidence it
// reports, and handles escalation rounds: a question result blocks on the
// operator's answer, then re-runs the command with the answer included.
func (t *ExecTask) Execute(ctx context.Context, item *pipeline.WorkItem, ws *Workspace) error {
	completed := make([]string, 0, len(item.StageCompletions))
	for stage := range item.StageCompletions {
		completed = append(completed, stage)
	}
	sort.Strings(completed)

	input := &TaskInput{
		Stage:           ws.Stage(),
		ItemID:          item.ID,
		Title:           item.Title,
		Payload:         item.Payload,
		Attempts:        item.Attempts,
		Evidence:        item.Evidence,
		CompletedStages: completed,
	}

	for round := 0; ; round++ {
		result, err := t.runOnce(ctx, input)
		if err != nil {
			return err
		}

		if result.Question != "" {
			if round >= maxQuestionRounds {
				return fmt.Errorf("task asked %d questions without finishing", round+1)
			}
			answer, err := ws.Escalate(ctx, result.Question, map[string]string{
				"title":   item.Title,
				"command": t.Command[0],
			})
			if err != nil {
				return err
			}
			input.Question = result.Question
			input.Answer = answer
			continue
		}

		for _, entry := range result.Evidence {
			value, err := pipeline.DecodeEvidence(pipeline.EvidenceKind(entry.Kind), entry.Value)
			if err != nil {
				return fmt.Errorf("task reported malformed evidence %q: %w", entry.Field, err)
			}
			if err := ws.Record(ctx, entry.Field, value); err != nil {
				return fmt.Errorf("failed to record evidence %q: %w", entry.Field, err)
			}
		}

		log.Printf("[INFO] Task finished: item=%s stage=%s evidence_fields=%d summary=%s",
			item.ID, ws.Stage(), len(result.Evidence), truncate(result.Summary, 200))
		return nil
	}
}

// runOnce executes one subprocess round and parses its output.
func (t *ExecTask) runOnce(ctx context.Context, input *TaskInput) (*TaskResult, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task input: %w", err)
	}

	log.Printf("[DEBUG] Executing task command: command=%v item=%s stage=%s", t.Command, input.ItemID, input.Stage)
	startTime := time.Now()

	exitCode, stdout, stderr, err := t.runSubprocess(ctx, string(inputJSON))
	duration := time.Since(startTime)

	if err != nil {
		return nil, fmt.Errorf("task command failed (exit_code=%d duration=%s stderr=%s): %w",
			exitCode, duration, truncate(stderr, 500), err)
	}

	log.Printf("[DEBUG] Task command completed: item=%s exit_code=%d duration=%s", input.ItemID, exitCode, duration)

	result, err := parseTaskResult(stdout)
	if err != nil {
		return nil, fmt.Errorf("bad task output (stdout=%s): %w", truncate(stdout, 200), err)
	}

	return result, nil
}

// runSubprocess runs the task command with timeout and output limits.
//
// The subprocess is:
//   - Killed after the configured timeout via context
//   - Fed input JSON via stdin (pipe closed after write)
//   - Output captured with a 10MB limit on stdout and stderr
//
// Returns (exitCode, stdout, stderr, error) where exitCode is the process
// exit code (0 = success, non-zero = failure, -1 = couldn't start).
func (t *ExecTask) runSubprocess(ctx context.Context, inputJSON string) (int, string, string, error) {
	if len(t.Command) == 0 {
		return -1, "", "", fmt.Errorf("task command is empty")
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, t.Command[0], t.Command[1:]...)
	cmd.Dir = t.Dir
	if len(t.Env) > 0 {
		cmd.Env = append(os.Environ(), t.Env...)
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return -1, "", "", fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: maxOutputSize}

	if err := cmd.Start(); err != nil {
		return -1, "", "", fmt.Errorf("failed to start process: %w", err)
	}

	go func() {
		defer stdinPipe.Close()
		if _, err := io.WriteString(stdinPipe, inputJSON); err != nil {
			log.Printf("[WARN] Failed to write task input to stdin: %v", err)
		}
	}()

	err = cmd.Wait()

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	if stdoutBuf.Len() >= maxOutputSize || stderrBuf.Len() >= maxOutputSize {
		return -1, stdout, stderr, fmt.Errorf("task output exceeded 10MB limit")
	}

	exitCode := 0
	if err != nil {
		// A context kill also surfaces as an ExitError, so check the
		// deadline before inspecting the exit code.
		if execCtx.Err() == context.DeadlineExceeded {
			return -1, stdout, stderr, fmt.Errorf("task execution timeout (%s)", timeout)
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return -1, stdout, stderr, err
		}
	}

	if exitCode != 0 {
		return exitCode, stdout, stderr, fmt.Errorf("process exited with code %d", exitCode)
	}

	return exitCode, stdout, stderr, nil
}

// parseTaskResult unmarshals and validates the command's stdout JSON.
func parseTaskResult(stdout string) (*TaskResult, error) {
	if len(stdout) == 0 {
		return nil, fmt.Errorf("task produced no output on stdout")
	}

	var result TaskResult
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &result, nil
}

// limitedWriter wraps a writer and enforces a size limit.
// Once the limit is reached, further writes are discarded.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}

	n, err = lw.w.Write(toWrite)
	lw.written += n
	return len(p), err // Return len(p) to satisfy the writer interface
}

// truncate limits a string to maxLen characters, appending "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
