package models

import "time"

type SyncEventStatus string

const (
	EventPending    SyncEventStatus = "pending"
	EventProcessing SyncEventStatus = "processing"
	EventDone       SyncEventStatus = "done"
	EventDead       SyncEventStatus = "dead"
)

// Reasons recorded with a sync event.
const (
	ReasonCreated = "created"
	ReasonUpdated = "updated"
)

// SyncEvent is an outbox row asking for a member's profile to be derived.
type SyncEvent struct {
	ID            int64
	MemberID      string
	Reason        string
	Status        SyncEventStatus
	Attempts      int
	MaxAttempts   int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
