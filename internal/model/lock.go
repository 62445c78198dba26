package model

import "time"

// Lock represents a live session lock on a resource. At most one Lock
// exists per resource at any time, enforced by the store's uniqueness
// constraint on ResourceID.
type Lock struct {
	ResourceID string    `json:"resource_id"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Age returns how long the lock has been held.
func (l *Lock) Age(now time.Time) time.Duration {
	return now.Sub(l.AcquiredAt)
}

// RateWindow is an hour-aligned request counter for a resource. A new
// window supersedes the previous one when the hour rolls over; old
// windows are kept for auditing.
type RateWindow struct {
	ResourceID   string    `json:"resource_id"`
	WindowStart  time.Time `json:"window_start"`
	RequestCount int       `json:"request_count"`
}

// AdmissionDecision is the outcome of a check-and-increment against a
// rate window.
type AdmissionDecision struct {
	Allowed bool
	// Count is the request count after the decision. On an allowed
	// decision it includes the request just admitted.
	Count int
	Limit int
	// ResetAt is the start of the next window, when the count resets.
	ResetAt time.Time
}

// Remaining returns how many requests are left in the current window.
func (d AdmissionDecision) Remaining() int {
	if d.Count >= d.Limit {
		return 0
	}
	return d.Limit - d.Count
}
