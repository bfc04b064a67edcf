package pipeline

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to
// enable multiple pipeline instances to safely coexist on a single Redis
// server.
//
// Key pattern: factory:{instance_name}:{entity}
// Channel pattern: factory:{instance_name}:{event_type}_events

// ItemKey returns the Redis key for a work item hash.
// Pattern: factory:{instance_name}:item:{item_id}
func ItemKey(instanceName, itemID string) string {
	return fmt.Sprintf("factory:%s:item:%s", instanceName, itemID)
}

// PendingQueueKey returns the Redis key for a stage's pending queue.
// Producers LPUSH; consumers BLMOVE from the RIGHT end, so the list is FIFO.
// Pattern: factory:{instance_name}:{stage}_queue
func PendingQueueKey(instanceName, stage string) string {
	return fmt.Sprintf("factory:%s:%s_queue", instanceName, stage)
}

// InflightQueueKey returns the Redis key for a stage's inflight list.
// Items land here atomically on dequeue and leave only via promotion or
// lease reclaim.
// Pattern: factory:{instance_name}:{stage}_queue:inflight
func InflightQueueKey(instanceName, stage string) string {
	return fmt.Sprintf("factory:%s:%s_queue:inflight", instanceName, stage)
}

// SchemaKey returns the Redis key for a stage's required-field set.
// Populated once at startup from the validated configuration.
// Pattern: factory:{instance_name}:schema:{stage}
func SchemaKey(instanceName, stage string) string {
	return fmt.Sprintf("factory:%s:schema:%s", instanceName, stage)
}

// ItemEventsChannel returns the Pub/Sub channel name for item events.
// Every enqueue, promotion, rework, reclaim, and cancellation publishes here.
// Pattern: factory:{instance_name}:item_events
func ItemEventsChannel(instanceName string) string {
	return fmt.Sprintf("factory:%s:item_events", instanceName)
}

// QuestionsKey returns the Redis key for the open-questions list.
// Holds question IDs awaiting a human answer, newest first.
// Pattern: factory:{instance_name}:questions
func QuestionsKey(instanceName string) string {
	return fmt.Sprintf("factory:%s:questions", instanceName)
}

// QuestionKey returns the Redis key for an escalated question hash.
// Pattern: factory:{instance_name}:question:{question_id}
func QuestionKey(instanceName, questionID string) string {
	return fmt.Sprintf("factory:%s:question:%s", instanceName, questionID)
}

// AnswerKey returns the Redis key for a question's reply list. The asking
// worker blocks on BLPOP here until the answer arrives or its deadline
// passes.
// Pattern: factory:{instance_name}:answer:{question_id}
func AnswerKey(instanceName, questionID string) string {
	return fmt.Sprintf("factory:%s:answer:%s", instanceName, questionID)
}
