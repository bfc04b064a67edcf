package worker

import (
	"context"
	"errors"
	"time"

	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

// ErrEscalationTimeout is returned when a question stayed unanswered past
// the escalation timeout. The question remains open; an operator can still
// answer it, but the task run that asked has given up waiting.
var ErrEscalationTimeout = errors.New("timed out waiting for an operator answer")

// Escalator routes a blocked task's question to an operator and returns the
// answer. Implementations block until the answer arrives, the timeout
// elapses, or the context is cancelled.
type Escalator interface {
	Ask(ctx context.Context, q *pipeline.Question, timeout time.Duration) (string, error)
}

// QuestionBridge is the default Escalator: it posts the question to the
// instance's open-questions index and blocks on the answer key, which the
// answer CLI command fills in.
type QuestionBridge struct {
	Client *pipeline.Client
}

// Ask posts q and waits for its answer.
func (b *QuestionBridge) Ask(ctx context.Context, q *pipeline.Question, timeout time.Duration) (string, error) {
	answer, err := b.Client.AskQuestion(ctx, q, timeout)
	if errors.Is(err, pipeline.ErrNoAnswer) {
		return "", ErrEscalationTimeout
	}
	return answer, err
}
