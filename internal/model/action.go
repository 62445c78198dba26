package model

import "time"

// ActionKind identifies the side effect a queued action performs.
type ActionKind string

const (
	ActionFollow   ActionKind = "follow"
	ActionUnfollow ActionKind = "unfollow"
	ActionLike     ActionKind = "like"
	ActionComment  ActionKind = "comment"
)

// QueuedAction is an immutable action descriptor waiting in the queue.
// Higher Priority executes sooner; equal priorities keep FIFO order.
type QueuedAction struct {
	Kind        ActionKind `json:"kind"`
	TargetID    string     `json:"target_id"`
	TargetLabel string     `json:"target_label,omitempty"`
	Priority    int        `json:"priority"`
	Payload     []byte     `json:"payload,omitempty"`
}

// ActionResult records the outcome of exactly one executed action.
type ActionResult struct {
	Action    QueuedAction `json:"action"`
	Success   bool         `json:"success"`
	ErrorKind string       `json:"error_kind,omitempty"`
	ErrorText string       `json:"error_text,omitempty"`
	Response  []byte       `json:"response,omitempty"`
	At        time.Time    `json:"at"`
}

// SessionStats summarizes one queue-execution run. At completion
// Total = Successful + Failed + Skipped.
type SessionStats struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// SuccessRate returns the percentage of successful actions.
func (s SessionStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 100.0
	}
	return float64(s.Successful) / float64(s.Total) * 100.0
}

// SessionStatus is the lifecycle state of an automation session row.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionStopped   SessionStatus = "stopped"
	SessionError     SessionStatus = "error"
)

// SessionMode distinguishes the read path from the write path.
type SessionMode string

const (
	ModeHarvest SessionMode = "harvest"
	ModeQueue   SessionMode = "queue"
)

// Session is the durable record of one automation run against a
// resource.
type Session struct {
	ID         string        `json:"id"`
	ResourceID string        `json:"resource_id"`
	Mode       SessionMode   `json:"mode"`
	Status     SessionStatus `json:"status"`
	Stats      SessionStats  `json:"stats"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
}
