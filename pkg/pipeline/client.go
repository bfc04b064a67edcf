package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Client provides instance-scoped Redis operations for the pipeline. All
// keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple
// goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
	registry     *Registry
}

// NewClient creates a new pipeline client for the specified instance.
// The registry is the immutable schema/routing snapshot built from
// configuration; the client never mutates it.
//
// Returns an error if instanceName is empty or registry is nil.
func NewClient(redisOpts *redis.Options, instanceName string, registry *Registry) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
		registry:     registry,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the client should not be used.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
// Returns an error if Redis is not reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// RedisClient exposes the underlying connection for scans and diagnostics.
func (c *Client) RedisClient() *redis.Client {
	return c.rdb
}

// Registry returns the immutable schema registry this client was built with.
func (c *Client) Registry() *Registry {
	return c.registry
}

// RegisterSchemas mirrors each stage's required-field names into Redis sets
// so the promotion script can validate with SMEMBERS. Called once at
// startup; the sets are rewritten wholesale so stale fields from an older
// configuration cannot linger.
func (c *Client) RegisterSchemas(ctx context.Context) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, stage := range c.registry.Stages() {
			key := SchemaKey(c.instanceName, stage)
			pipe.Del(ctx, key)
			fields := c.registry.RequiredFields(stage)
			members := make([]interface{}, len(fields))
			for i, f := range fields {
				members[i] = f
			}
			pipe.SAdd(ctx, key, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register stage schemas: %w", err)
	}
	return nil
}

// Enqueue writes the item record and pushes its ID onto the stage's pending
// queue in one transaction, then publishes an enqueued event.
//
// The item's state, stage timestamps, and counters are stamped here; callers
// only fill identity and payload fields (see NewWorkItem).
func (c *Client) Enqueue(ctx context.Context, item *WorkItem, stage string) error {
	if !c.registry.HasStage(stage) {
		return fmt.Errorf("unknown stage: %q", stage)
	}

	now := time.Now().UnixMilli()
	item.State = QueuedState(stage)
	if item.CreatedAtMs == 0 {
		item.CreatedAtMs = now
	}
	item.StageEnteredAtMs = now

	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid work item: %w", err)
	}

	hash := ItemToHash(item)
	itemKey := ItemKey(c.instanceName, item.ID)
	queueKey := PendingQueueKey(c.instanceName, stage)

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, itemKey, hash)
		pipe.LPush(ctx, queueKey, item.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue work item: %w", err)
	}

	return c.publishItemEvent(ctx, ItemEvent{
		Event:  EventEnqueued,
		ItemID: item.ID,
		Stage:  stage,
		AtMs:   now,
	})
}

// Dequeue blocks up to wait for the oldest pending item at the stage,
// atomically moving its ID to the inflight list, then stamps the inflight
// state and lease deadline on the record.
//
// Returns (id, nil) on success and ("", redis.Nil) when the wait timed out
// with nothing pending; check with IsNoWork. A record cancelled while
// queued is dropped from the inflight list and reported as a NotFoundError.
func (c *Client) Dequeue(ctx context.Context, stage string, wait, leaseTTL time.Duration) (string, error) {
	if !c.registry.HasStage(stage) {
		return "", fmt.Errorf("unknown stage: %q", stage)
	}

	pendingKey := PendingQueueKey(c.instanceName, stage)
	inflightKey := InflightQueueKey(c.instanceName, stage)

	id, err := c.rdb.BLMove(ctx, pendingKey, inflightKey, "RIGHT", "LEFT", wait).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", redis.Nil
		}
		return "", fmt.Errorf("failed to dequeue from stage %q: %w", stage, err)
	}

	deadline := time.Now().Add(leaseTTL).UnixMilli()
	itemKey := ItemKey(c.instanceName, id)
	ok, err := leaseScript.Run(ctx, c.rdb, []string{itemKey, inflightKey}, id, stage, deadline).Int()
	if err != nil {
		return "", fmt.Errorf("failed to stamp lease for item %s: %w", id, err)
	}
	if ok == 0 {
		return "", &NotFoundError{ItemID: id}
	}

	return id, nil
}

// GetItem retrieves a work item by ID.
// Returns (nil, redis.Nil) if the item doesn't exist.
// Use IsNotFound() to check for not-found errors.
func (c *Client) GetItem(ctx context.Context, itemID string) (*WorkItem, error) {
	key := ItemKey(c.instanceName, itemID)

	hashData, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read work item from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	item, err := HashToItem(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize work item: %w", err)
	}

	return item, nil
}

// DropInflight removes an item ID from a stage's inflight list without
// touching the record. Used when the holder discovers the record vanished
// underneath the lease.
func (c *Client) DropInflight(ctx context.Context, stage, itemID string) error {
	key := InflightQueueKey(c.instanceName, stage)
	if err := c.rdb.LRem(ctx, key, 1, itemID).Err(); err != nil {
		return fmt.Errorf("failed to drop inflight entry for item %s: %w", itemID, err)
	}
	return nil
}

// RenewLease extends the lease on an inflight item by leaseTTL from now.
// Returns false when the item is no longer inflight at the stage, which
// means the lease was reclaimed and the holder must abandon the item.
func (c *Client) RenewLease(ctx context.Context, stage, itemID string, leaseTTL time.Duration) (bool, error) {
	deadline := time.Now().Add(leaseTTL).UnixMilli()
	key := ItemKey(c.instanceName, itemID)

	ok, err := renewScript.Run(ctx, c.rdb, []string{key}, stage, deadline).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease for item %s: %w", itemID, err)
	}
	return ok == 1, nil
}

// WriteEvidence records one typed evidence field on the item. Fields
// declared in the stage's schema are checked against their declared kind;
// undeclared fields are allowed and stored as given. Once the stage's
// completion marker exists, overwriting a recorded value is refused
// (EvidenceImmutableError); adding an absent field is still allowed so a
// promotion-reported gap can be filled.
func (c *Client) WriteEvidence(ctx context.Context, itemID, stage, field string, value EvidenceValue) error {
	if !c.registry.HasStage(stage) {
		return fmt.Errorf("unknown stage: %q", stage)
	}
	if IsReservedItemField(field) {
		return fmt.Errorf("evidence field %q collides with a reserved item field", field)
	}
	if strings.HasSuffix(field, stageMarkerSuffix) {
		return fmt.Errorf("evidence field %q collides with the stage marker suffix", field)
	}
	if err := value.Validate(); err != nil {
		return fmt.Errorf("invalid evidence value for %q: %w", field, err)
	}
	if kind, declared := c.registry.FieldKind(stage, field); declared && kind != value.Kind {
		return fmt.Errorf("evidence %q at stage %q must be %s, got %s", field, stage, kind, value.Kind)
	}

	key := ItemKey(c.instanceName, itemID)
	res, err := evidenceScript.Run(ctx, c.rdb, []string{key}, stage, field, value.Encode()).Int()
	if err != nil {
		return fmt.Errorf("failed to write evidence %q: %w", field, err)
	}
	switch res {
	case -1:
		return &NotFoundError{ItemID: itemID}
	case 0:
		return &EvidenceImmutableError{ItemID: itemID, Stage: stage, Field: field}
	}
	return nil
}

// MarkStageComplete writes the stage's completion marker, asserting that
// the holder finished its work and the evidence is final for this attempt.
// Promotion refuses to run without it.
func (c *Client) MarkStageComplete(ctx context.Context, itemID, stage string) error {
	if !c.registry.HasStage(stage) {
		return fmt.Errorf("unknown stage: %q", stage)
	}

	key := ItemKey(c.instanceName, itemID)
	now := time.Now().UnixMilli()
	ok, err := markScript.Run(ctx, c.rdb, []string{key}, StageMarkerField(stage), now).Int()
	if err != nil {
		return fmt.Errorf("failed to mark stage %q complete for item %s: %w", stage, itemID, err)
	}
	if ok == 0 {
		return &NotFoundError{ItemID: itemID}
	}
	return nil
}

// Promote runs the atomic promotion decision for an inflight item: validate
// the stage marker, the registered evidence schema, and every gate, then
// move the item exactly once. Rejections come back as typed errors with no
// side effects; see the error types in errors.go for how callers should
// react to each.
//
// The returned PromotionResult reports which of the four mutating outcomes
// happened: promoted, completed, returned_to_start, or attempts_exhausted.
// Item events are published best-effort after the move; promotion success
// is never rolled back for an event failure.
func (c *Client) Promote(ctx context.Context, stage, itemID string) (*PromotionResult, error) {
	schema, ok := c.registry.Schema(stage)
	if !ok {
		return nil, fmt.Errorf("unknown stage: %q", stage)
	}
	route, err := c.registry.Transitions().Route(stage)
	if err != nil {
		return nil, err
	}

	advanceKey := PendingQueueKey(c.instanceName, route.Rework)
	if route.Advance != CompleteSentinel {
		advanceKey = PendingQueueKey(c.instanceName, route.Advance)
	}

	keys := []string{
		ItemKey(c.instanceName, itemID),
		SchemaKey(c.instanceName, stage),
		InflightQueueKey(c.instanceName, stage),
		advanceKey,
		PendingQueueKey(c.instanceName, route.Rework),
	}

	now := time.Now().UnixMilli()
	args := make([]interface{}, 0, 8+3*len(schema.Gates)+len(c.registry.MarkerFields()))
	args = append(args, itemID, stage, route.Advance, route.Rework, now, c.registry.MaxAttempts(), len(schema.Gates))
	for _, gate := range schema.Gates {
		args = append(args, string(gate.Kind), gate.Field, strconv.FormatFloat(gate.Min, 'f', -1, 64))
	}
	markers := c.registry.MarkerFields()
	args = append(args, len(markers))
	for _, marker := range markers {
		args = append(args, marker)
	}

	res, err := promoteScript.Run(ctx, c.rdb, keys, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("promotion script failed for item %s: %w", itemID, err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("promotion script returned %d values, want 4", len(res))
	}

	outcome, field, value := res[0], res[1], res[2]
	attempts, _ := strconv.Atoi(res[3])

	switch outcome {
	case "not_found":
		return nil, &NotFoundError{ItemID: itemID}
	case "stage_incomplete":
		return nil, &StageIncompleteError{ItemID: itemID, Stage: stage}
	case "no_schema":
		return nil, &NoSchemaError{Stage: stage}
	case "missing_evidence":
		return nil, &MissingEvidenceError{ItemID: itemID, Stage: stage, Field: field}
	case "malformed_evidence":
		return nil, &MalformedEvidenceError{ItemID: itemID, Stage: stage, Field: field, Value: value}
	case "below_threshold":
		return nil, &GateError{ItemID: itemID, Stage: stage, Field: field, Value: value, Min: gateMin(schema, field)}
	case "not_inflight":
		return nil, &NotInflightError{ItemID: itemID, Stage: stage}
	}

	result := &PromotionResult{
		ItemID:   itemID,
		From:     stage,
		Attempts: attempts,
	}

	switch outcome {
	case "promoted":
		result.Outcome = OutcomePromoted
		result.To = field
	case "completed":
		result.Outcome = OutcomeCompleted
	case "returned_to_start":
		result.Outcome = OutcomeReturnedToStart
		result.To = route.Rework
		result.GateField = field
	case "attempts_exhausted":
		result.Outcome = OutcomeAttemptsExhausted
		result.GateField = field
	default:
		return nil, fmt.Errorf("promotion script returned unknown outcome %q", outcome)
	}

	// Best-effort: the item already moved.
	_ = c.publishItemEvent(ctx, ItemEvent{
		Event:    string(result.Outcome),
		ItemID:   itemID,
		Stage:    stage,
		To:       result.To,
		Attempts: attempts,
		AtMs:     now,
	})

	return result, nil
}

func gateMin(schema StageSchema, field string) float64 {
	for _, gate := range schema.Gates {
		if gate.Kind == GateMin && gate.Field == field {
			return gate.Min
		}
	}
	return 0
}

// ReclaimReport summarizes one reclaim pass over a stage's inflight list.
type ReclaimReport struct {
	Reclaimed []string // Items moved back to the pending queue
	Leaseless []string // Inflight entries with no lease recorded (candidates to force next pass)
	Orphans   []string // List entries dropped because the record vanished
}

// ReclaimExpired walks a stage's inflight list and atomically requeues every
// entry whose lease deadline has passed. Each entry is claimed with an
// atomic check-and-move, so concurrent reclaimers never requeue the same
// item twice. Entries whose record vanished are dropped outright. Records
// with no lease stamped are only claimed when listed in force; the caller
// decides when a leaseless entry has lingered long enough to mean a crash
// inside the dequeue handoff.
//
// Evidence and stage markers written before the crash survive untouched.
func (c *Client) ReclaimExpired(ctx context.Context, stage string, nowMs int64, force map[string]bool) (*ReclaimReport, error) {
	if !c.registry.HasStage(stage) {
		return nil, fmt.Errorf("unknown stage: %q", stage)
	}

	inflightKey := InflightQueueKey(c.instanceName, stage)
	pendingKey := PendingQueueKey(c.instanceName, stage)

	ids, err := c.rdb.LRange(ctx, inflightKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list inflight items for stage %q: %w", stage, err)
	}

	report := &ReclaimReport{}
	for _, id := range ids {
		forceFlag := "0"
		if force[id] {
			forceFlag = "1"
		}

		keys := []string{ItemKey(c.instanceName, id), inflightKey, pendingKey}
		res, err := reclaimScript.Run(ctx, c.rdb, keys, id, stage, nowMs, forceFlag).StringSlice()
		if err != nil {
			return nil, fmt.Errorf("reclaim script failed for item %s: %w", id, err)
		}
		if len(res) == 0 {
			continue
		}

		switch res[0] {
		case "reclaimed":
			report.Reclaimed = append(report.Reclaimed, id)
			_ = c.publishItemEvent(ctx, ItemEvent{
				Event:  EventReclaimed,
				ItemID: id,
				Stage:  stage,
				AtMs:   nowMs,
			})
		case "skipped":
			report.Leaseless = append(report.Leaseless, id)
		case "orphan":
			report.Orphans = append(report.Orphans, id)
		}
	}

	return report, nil
}

// StageDepth is one stage's queue depths.
type StageDepth struct {
	Stage    string `json:"stage"`
	Pending  int64  `json:"pending"`
	Inflight int64  `json:"inflight"`
}

// QueueDepths returns pending and inflight depths for every stage in
// pipeline order.
func (c *Client) QueueDepths(ctx context.Context) ([]StageDepth, error) {
	stages := c.registry.Stages()
	depths := make([]StageDepth, 0, len(stages))

	for _, stage := range stages {
		pending, err := c.rdb.LLen(ctx, PendingQueueKey(c.instanceName, stage)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read pending depth for stage %q: %w", stage, err)
		}
		inflight, err := c.rdb.LLen(ctx, InflightQueueKey(c.instanceName, stage)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read inflight depth for stage %q: %w", stage, err)
		}
		depths = append(depths, StageDepth{Stage: stage, Pending: pending, Inflight: inflight})
	}

	return depths, nil
}

// ListPending returns the IDs on a stage's pending queue, oldest last
// (consumption order is from the right).
func (c *Client) ListPending(ctx context.Context, stage string) ([]string, error) {
	ids, err := c.rdb.LRange(ctx, PendingQueueKey(c.instanceName, stage), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending items for stage %q: %w", stage, err)
	}
	return ids, nil
}

// ListInflight returns the IDs on a stage's inflight list.
func (c *Client) ListInflight(ctx context.Context, stage string) ([]string, error) {
	ids, err := c.rdb.LRange(ctx, InflightQueueKey(c.instanceName, stage), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list inflight items for stage %q: %w", stage, err)
	}
	return ids, nil
}

// CancelItem removes an item from every queue and deletes its record. This
// is an administrative operation: a worker holding the item will discover
// the missing record on its next touch and walk away.
// Returns redis.Nil if the item doesn't exist.
func (c *Client) CancelItem(ctx context.Context, itemID string) error {
	itemKey := ItemKey(c.instanceName, itemID)

	exists, err := c.rdb.Exists(ctx, itemKey).Result()
	if err != nil {
		return fmt.Errorf("failed to check item existence: %w", err)
	}
	if exists == 0 {
		return redis.Nil
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, stage := range c.registry.Stages() {
			pipe.LRem(ctx, PendingQueueKey(c.instanceName, stage), 0, itemID)
			pipe.LRem(ctx, InflightQueueKey(c.instanceName, stage), 0, itemID)
		}
		pipe.Del(ctx, itemKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cancel item %s: %w", itemID, err)
	}

	return c.publishItemEvent(ctx, ItemEvent{
		Event:  EventCancelled,
		ItemID: itemID,
		AtMs:   time.Now().UnixMilli(),
	})
}

// ItemFilter selects items for ListItems. All filters are ANDed together.
type ItemFilter struct {
	Phase   string // "queued", "inflight", "complete", or "failed"; empty = no filter
	Stage   string // Stage name for queued/inflight items; empty = no filter
	SinceMs int64  // Only items created at or after this Unix ms; 0 = no filter
}

func (f *ItemFilter) matches(item *WorkItem) bool {
	if f.Phase != "" && item.State.Phase() != f.Phase {
		return false
	}
	if f.Stage != "" && item.State.Stage() != f.Stage {
		return false
	}
	if f.SinceMs > 0 && item.CreatedAtMs < f.SinceMs {
		return false
	}
	return true
}

// ListItems retrieves all work items for the instance using Redis SCAN,
// applies the filter, and returns them sorted by creation time for stable
// output. Records that vanish mid-scan are skipped.
func (c *Client) ListItems(ctx context.Context, filter *ItemFilter) ([]*WorkItem, error) {
	pattern := ItemKey(c.instanceName, "*")
	prefix := ItemKey(c.instanceName, "")

	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var items []*WorkItem
	for iter.Next(ctx) {
		itemID := strings.TrimPrefix(iter.Val(), prefix)

		item, err := c.GetItem(ctx, itemID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if filter == nil || filter.matches(item) {
			items = append(items, item)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan work items: %w", err)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAtMs != items[j].CreatedAtMs {
			return items[i].CreatedAtMs < items[j].CreatedAtMs
		}
		return items[i].ID < items[j].ID
	})

	return items, nil
}

// ScanItems returns the full IDs of items whose ID starts with the given
// prefix. Used by the CLI's short-ID resolution.
func (c *Client) ScanItems(ctx context.Context, idPrefix string) ([]string, error) {
	pattern := ItemKey(c.instanceName, idPrefix+"*")
	prefix := ItemKey(c.instanceName, "")

	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var ids []string
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan item IDs: %w", err)
	}

	sort.Strings(ids)
	return ids, nil
}

// AskQuestion records an escalated question, indexes it on the open
// questions list, and blocks until an answer arrives or the timeout passes.
// On timeout the question stays open and answerable; the caller gets
// ErrNoAnswer and decides whether to proceed without the answer.
func (c *Client) AskQuestion(ctx context.Context, q *Question, timeout time.Duration) (string, error) {
	if q.AskedAtMs == 0 {
		q.AskedAtMs = time.Now().UnixMilli()
	}
	if err := q.Validate(); err != nil {
		return "", fmt.Errorf("invalid question: %w", err)
	}

	hash, err := QuestionToHash(q)
	if err != nil {
		return "", fmt.Errorf("failed to serialize question: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, QuestionKey(c.instanceName, q.ID), hash)
		pipe.LPush(ctx, QuestionsKey(c.instanceName), q.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to record question: %w", err)
	}

	reply, err := c.rdb.BLPop(ctx, timeout, AnswerKey(c.instanceName, q.ID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNoAnswer
		}
		return "", fmt.Errorf("failed to wait for answer: %w", err)
	}

	// BLPop returns [key, value].
	return reply[1], nil
}

// AnswerQuestion records a human answer and unblocks the asking worker.
// Returns redis.Nil if the question doesn't exist.
func (c *Client) AnswerQuestion(ctx context.Context, questionID, answer string) error {
	key := QuestionKey(c.instanceName, questionID)

	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check question existence: %w", err)
	}
	if exists == 0 {
		return redis.Nil
	}

	now := time.Now().UnixMilli()
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "answer", answer, "answered_at_ms", now)
		pipe.LRem(ctx, QuestionsKey(c.instanceName), 0, questionID)
		pipe.LPush(ctx, AnswerKey(c.instanceName, questionID), answer)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record answer: %w", err)
	}

	return nil
}

// GetQuestion retrieves a question by ID.
// Returns (nil, redis.Nil) if the question doesn't exist.
func (c *Client) GetQuestion(ctx context.Context, questionID string) (*Question, error) {
	key := QuestionKey(c.instanceName, questionID)

	hashData, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read question from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	return HashToQuestion(hashData)
}

// ListOpenQuestions returns every unanswered question, newest first.
// Questions that vanish between the index read and the record read are
// skipped.
func (c *Client) ListOpenQuestions(ctx context.Context) ([]*Question, error) {
	ids, err := c.rdb.LRange(ctx, QuestionsKey(c.instanceName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list open questions: %w", err)
	}

	questions := make([]*Question, 0, len(ids))
	for _, id := range ids {
		q, err := c.GetQuestion(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		questions = append(questions, q)
	}

	return questions, nil
}

func (c *Client) publishItemEvent(ctx context.Context, ev ItemEvent) error {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal item event: %w", err)
	}

	channel := ItemEventsChannel(c.instanceName)
	if err := c.rdb.Publish(ctx, channel, eventJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish item event: %w", err)
	}

	return nil
}

// Subscription represents an active Pub/Sub subscription to item events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *ItemEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of item events.
// The channel will be closed when the subscription is closed or the context
// is cancelled.
func (s *Subscription) Events() <-chan *ItemEvent {
	return s.events
}

// Errors returns the channel of subscription errors.
// Errors include JSON unmarshaling failures and other non-fatal issues.
// The subscription continues after errors - messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeItemEvents subscribes to item state-transition events for this
// instance. Caller must call subscription.Close() when done. Context
// cancellation also stops the subscription.
//
// Events are delivered on a buffered channel (size 10) to prevent blocking.
// If the subscriber is too slow, events may be dropped by Redis Pub/Sub
// (at-most-once delivery).
func (c *Client) SubscribeItemEvents(ctx context.Context) (*Subscription, error) {
	channel := ItemEventsChannel(c.instanceName)
	pubsub := c.rdb.Subscribe(ctx, channel)

	eventsChan := make(chan *ItemEvent, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event ItemEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal item event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// NewWorkItem builds a work item ready for Enqueue with a fresh UUID.
func NewWorkItem(title, payload string) *WorkItem {
	return &WorkItem{
		ID:               uuid.New().String(),
		Title:            title,
		Payload:          payload,
		CreatedAtMs:      time.Now().UnixMilli(),
		Evidence:         map[string]string{},
		StageCompletions: map[string]int64{},
	}
}
