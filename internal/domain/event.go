package domain

import (
	"encoding/json"
	"time"
)

// Event channels on which state transitions are broadcast.
const (
	ChannelTasks   = "tasks"
	ChannelQueues  = "queues"
	ChannelWorkers = "workers"
)

// Event types published by the engine.
const (
	EventTypeTaskCreated    = "task.created"
	EventTypeTaskQueued     = "task.queued"
	EventTypeTaskDispatched = "task.dispatched"
	EventTypeTaskRunning    = "task.running"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskCancelled  = "task.cancelled"
	EventTypeJobSubmitted   = "job.submitted"
	EventTypeJobFinished    = "job.finished"
	EventTypeQueueDepth     = "queue.depth"
	EventTypeHeartbeat      = "heartbeat"
)

// Event is a state transition notification delivered to subscribers.
// Sequence numbers are strictly increasing per channel, so a subscriber
// can detect gaps and resume from its last observed sequence.
type Event struct {
	Channel   string          `json:"channel"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// UserChannel returns the per-principal channel name for the given
// principal identifier.
func UserChannel(principalID string) string {
	return "user:" + principalID
}
