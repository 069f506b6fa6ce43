package model

import (
	"encoding/json"
	"time"
)

// JobState is the queue state of a processing job.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed" // awaiting a retry after backoff
	JobDead      JobState = "dead"   // attempts exhausted
)

// EventsQueue is the queue that carries webhook events to the processor.
const EventsQueue = "events"

// JobIDFor returns the job id assigned to an event's processing job.
func JobIDFor(eventID string) string {
	return "job_" + eventID
}

// Job is one durable unit of queued work. The job payload mirrors what intake
// received so the processor never has to re-parse the HTTP request.
type Job struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	AgentRef       string          `json:"agent_ref"`
	Payload        json.RawMessage `json:"payload"`
	EventTimestamp time.Time       `json:"event_timestamp"`
	State          JobState        `json:"state"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	RunAt          time.Time       `json:"run_at"`
	LockedUntil    *time.Time      `json:"locked_until,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// QueueCounts is the number of jobs in each state of one queue.
type QueueCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dead      int64 `json:"dead"`
}

// Depth is the number of jobs not yet finished.
func (c QueueCounts) Depth() int64 {
	return c.Waiting + c.Active + c.Failed
}
