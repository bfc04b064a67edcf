// Package worker implements the stage agent: a loop that leases work items
// from one stage's queue, runs the stage's task against each item, records
// the resulting evidence, and drives the atomic promotion. Workers hold no
// state of their own; everything of record lives in Redis, so a worker can
// die at any point and a reclaimer plus a fresh worker will finish the item.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/mirqtio/LeadFactory-v1-sub006/pkg/pipeline"
)

const (
	// defaultLeaseTTL is how long a lease lives without renewal.
	defaultLeaseTTL = 5 * time.Minute

	// defaultDequeueWait is the blocking-pop timeout per loop iteration.
	// The loop beats its heartbeat between waits, so this also bounds how
	// stale an idle worker's heartbeat can get.
	defaultDequeueWait = 5 * time.Second

	// defaultEvidenceRetries is how many times the task is re-run to fill
	// an evidence gap reported by a rejected promotion.
	defaultEvidenceRetries = 3

	// defaultEscalationTimeout is how long a task blocks on an operator
	// question before giving up.
	defaultEscalationTimeout = 15 * time.Minute

	// maxKeepaliveInterval caps lease renewal spacing so the heartbeat
	// stays fresh even under very long lease TTLs.
	maxKeepaliveInterval = 10 * time.Second
)

// Options tunes a worker. Zero values take the defaults above.
type Options struct {
	// LeaseTTL is the lease duration stamped on dequeue and on every renewal.
	LeaseTTL time.Duration

	// DequeueWait is the blocking-pop timeout per idle loop iteration.
	DequeueWait time.Duration

	// KeepaliveInterval is how often the lease is renewed while an item is
	// being worked. Defaults to LeaseTTL/3 capped at 10s.
	KeepaliveInterval time.Duration

	// EvidenceRetries bounds task re-runs after a missing-evidence rejection.
	EvidenceRetries int

	// EscalationTimeout bounds how long a task blocks on an operator question.
	EscalationTimeout time.Duration

	// Escalator handles operator questions. Defaults to a QuestionBridge
	// over the worker's client.
	Escalator Escalator
}

func (o *Options) applyDefaults(client *pipeline.Client) {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = defaultLeaseTTL
	}
	if o.DequeueWait <= 0 {
		o.DequeueWait = defaultDequeueWait
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = o.LeaseTTL / 3
		if o.KeepaliveInterval > maxKeepaliveInterval {
			o.KeepaliveInterval = maxKeepaliveInterval
		}
	}
	if o.EvidenceRetries <= 0 {
		o.EvidenceRetries = defaultEvidenceRetries
	}
	if o.EscalationTimeout <= 0 {
		o.EscalationTimeout = defaultEscalationTimeout
	}
	if o.Escalator == nil {
		o.Escalator = &QuestionBridge{Client: client}
	}
}

// Worker leases items from one stage and runs its task against them.
type Worker struct {
	name   string
	stage  string
	client *pipeline.Client
	task   Task
	opts   Options

	beat      atomic.Int64 // unix ms of the last sign of life
	processed atomic.Int64
}

// New creates a worker for one stage. The stage must exist in the client's
// registry; name only labels log lines and supervisor status.
func New(name, stage string, client *pipeline.Client, task Task, opts Options) (*Worker, error) {
	if name == "" {
		return nil, fmt.Errorf("worker name cannot be empty")
	}
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if !client.Registry().HasStage(stage) {
		return nil, fmt.Errorf("unknown stage: %q", stage)
	}
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}
	opts.applyDefaults(client)

	w := &Worker{
		name:   name,
		stage:  stage,
		client: client,
		task:   task,
		opts:   opts,
	}
	w.beat.Store(time.Now().UnixMilli())
	return w, nil
}

// Name returns the worker's label.
func (w *Worker) Name() string {
	return w.name
}

// Stage returns the stage the worker serves.
func (w *Worker) Stage() string {
	return w.stage
}

// Heartbeat returns the last time the worker showed a sign of life. The
// supervisor's monitor compares this against its stall threshold.
func (w *Worker) Heartbeat() time.Time {
	return time.UnixMilli(w.beat.Load())
}

// Processed returns how many leased items this worker has finished handling,
// whatever the promotion outcome was.
func (w *Worker) Processed() int64 {
	return w.processed.Load()
}

// Run loops until ctx is cancelled: lease an item, run the task, record the
// completion marker, promote. Item-level failures are logged and left for
// lease recovery; only configuration errors (a stage with no registered
// schema) end the loop with an error.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("[INFO] Worker starting: worker=%s stage=%s lease_ttl=%s", w.name, w.stage, w.opts.LeaseTTL)

	for {
		w.beat.Store(time.Now().UnixMilli())

		if ctx.Err() != nil {
			log.Printf("[INFO] Worker shutting down: worker=%s", w.name)
			return nil
		}

		id, err := w.client.Dequeue(ctx, w.stage, w.opts.DequeueWait, w.opts.LeaseTTL)
		if err != nil {
			if pipeline.IsNoWork(err) {
				continue
			}
			if ctx.Err() != nil {
				log.Printf("[INFO] Worker shutting down: worker=%s", w.name)
				return nil
			}
			var notFound *pipeline.NotFoundError
			if errors.As(err, &notFound) {
				// The queue entry outlived its record (cancellation race);
				// the lease stamp already dropped it.
				log.Printf("[WARN] Dequeued entry for a deleted item: worker=%s item=%s", w.name, notFound.ItemID)
				continue
			}
			log.Printf("[ERROR] Dequeue failed: worker=%s stage=%s error=%v", w.name, w.stage, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := w.processItem(ctx, id); err != nil {
			return err
		}
		w.processed.Add(1)
	}
}

// processItem handles one leased item end to end. A nil return means the
// worker is done with the item, not that the item advanced: rejected or
// failed items are deliberately left inflight for the reclaimer.
func (w *Worker) processItem(ctx context.Context, id string) error {
	item, err := w.client.GetItem(ctx, id)
	if err != nil {
		if pipeline.IsNotFound(err) {
			log.Printf("[WARN] Leased item record vanished, dropping: worker=%s item=%s", w.name, id)
			if derr := w.client.DropInflight(ctx, w.stage, id); derr != nil {
				log.Printf("[ERROR] Failed to drop inflight entry: worker=%s item=%s error=%v", w.name, id, derr)
			}
			return nil
		}
		log.Printf("[ERROR] Failed to load leased item, leaving it for lease recovery: worker=%s item=%s error=%v", w.name, id, err)
		return nil
	}

	log.Printf("[INFO] Leased item: worker=%s item=%s stage=%s attempts=%d", w.name, id, w.stage, item.Attempts)

	// The keepalive goroutine renews the lease while the task runs and
	// cancels the task if the lease is lost to a reclaimer.
	taskCtx, cancelTask := context.WithCancel(ctx)
	keepaliveDone := make(chan struct{})
	go w.keepLease(taskCtx, id, cancelTask, keepaliveDone)
	defer func() {
		cancelTask()
		<-keepaliveDone
	}()

	ws := &Workspace{
		client:            w.client,
		itemID:            id,
		stage:             w.stage,
		escalator:         w.opts.Escalator,
		escalationTimeout: w.opts.EscalationTimeout,
	}

	// A completion marker left by a previous lease means the task already
	// finished once; only the promotion needs redoing.
	if _, done := item.StageCompletions[w.stage]; done {
		log.Printf("[INFO] Stage already marked complete, promoting directly: worker=%s item=%s stage=%s", w.name, id, w.stage)
	} else {
		if err := w.task.Execute(taskCtx, item, ws); err != nil {
			log.Printf("[ERROR] Task failed, leaving item for lease recovery: worker=%s item=%s stage=%s error=%v", w.name, id, w.stage, err)
			return nil
		}
		if err := w.client.MarkStageComplete(ctx, id, w.stage); err != nil {
			if pipeline.IsNotFound(err) {
				log.Printf("[WARN] Item cancelled mid-task: worker=%s item=%s", w.name, id)
				return nil
			}
			log.Printf("[ERROR] Failed to mark stage complete, leaving item for lease recovery: worker=%s item=%s error=%v", w.name, id, err)
			return nil
		}
	}

	return w.promote(ctx, taskCtx, id, ws)
}

// promote drives the atomic promotion, re-running the task a bounded number
// of times when the script reports a missing evidence field.
func (w *Worker) promote(ctx, taskCtx context.Context, id string, ws *Workspace) error {
	for attempt := 0; ; attempt++ {
		res, err := w.client.Promote(ctx, w.stage, id)
		if err == nil {
			switch res.Outcome {
			case pipeline.OutcomePromoted:
				log.Printf("[INFO] Item promoted: worker=%s item=%s from=%s to=%s", w.name, id, w.stage, res.To)
			case pipeline.OutcomeCompleted:
				log.Printf("[INFO] Item completed the pipeline: worker=%s item=%s", w.name, id)
			case pipeline.OutcomeReturnedToStart:
				log.Printf("[INFO] Item failed gate and returned to start: worker=%s item=%s gate=%s to=%s attempts=%d", w.name, id, res.GateField, res.To, res.Attempts)
			case pipeline.OutcomeAttemptsExhausted:
				log.Printf("[WARN] Item exhausted rework attempts, parked as failed: worker=%s item=%s gate=%s attempts=%d", w.name, id, res.GateField, res.Attempts)
			}
			return nil
		}

		var missing *pipeline.MissingEvidenceError
		if errors.As(err, &missing) {
			if attempt >= w.opts.EvidenceRetries {
				log.Printf("[ERROR] Evidence still missing after %d task runs, leaving item for lease recovery: worker=%s item=%s field=%s", attempt+1, w.name, id, missing.Field)
				return nil
			}
			log.Printf("[WARN] Promotion rejected on missing evidence, re-running task: worker=%s item=%s field=%s", w.name, id, missing.Field)
			item, gerr := w.client.GetItem(ctx, id)
			if gerr != nil {
				if pipeline.IsNotFound(gerr) {
					log.Printf("[WARN] Item cancelled before gap-fill run: worker=%s item=%s", w.name, id)
					return nil
				}
				log.Printf("[ERROR] Failed to reload item for gap-fill run: worker=%s item=%s error=%v", w.name, id, gerr)
				return nil
			}
			if terr := w.task.Execute(taskCtx, item, ws); terr != nil {
				log.Printf("[ERROR] Gap-fill task run failed, leaving item for lease recovery: worker=%s item=%s error=%v", w.name, id, terr)
				return nil
			}
			continue
		}

		var noSchema *pipeline.NoSchemaError
		if errors.As(err, &noSchema) {
			// Promotion must never guess at requirements; stop the worker.
			return fmt.Errorf("worker %s: %w", w.name, err)
		}

		if pipeline.IsNotFound(err) {
			log.Printf("[WARN] Item cancelled before promotion: worker=%s item=%s", w.name, id)
			return nil
		}

		var notInflight *pipeline.NotInflightError
		if errors.As(err, &notInflight) {
			log.Printf("[WARN] Lease no longer held at promotion time, walking away: worker=%s item=%s", w.name, id)
			return nil
		}

		var gate *pipeline.GateError
		if errors.As(err, &gate) {
			// The evidence is sealed under the stage marker, so retrying here
			// cannot improve the value. Leave the item for lease recovery and
			// let its reclaim counter surface the loop to an operator.
			log.Printf("[ERROR] Item below gate threshold, leaving it for lease recovery: worker=%s item=%s field=%s value=%s min=%v", w.name, id, gate.Field, gate.Value, gate.Min)
			return nil
		}

		log.Printf("[ERROR] Promotion failed, leaving item for lease recovery: worker=%s item=%s error=%v", w.name, id, err)
		return nil
	}
}

// keepLease renews the lease on id every KeepaliveInterval until ctx is
// cancelled. If a renewal reports the lease gone, lost is called to cancel
// the task: some other holder owns the item now.
func (w *Worker) keepLease(ctx context.Context, id string, lost context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat.Store(time.Now().UnixMilli())
			ok, err := w.client.RenewLease(ctx, w.stage, id, w.opts.LeaseTTL)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[WARN] Lease renewal error: worker=%s item=%s error=%v", w.name, id, err)
				continue
			}
			if !ok {
				log.Printf("[WARN] Lease was reclaimed, abandoning work: worker=%s item=%s", w.name, id)
				lost()
				return
			}
		}
	}
}
