package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EntryStatus string

const (
	EntryStatusScheduled  EntryStatus = "scheduled"
	EntryStatusProcessing EntryStatus = "processing"
	EntryStatusCompleted  EntryStatus = "completed"
	EntryStatusFailed     EntryStatus = "failed"
	EntryStatusSkipped    EntryStatus = "skipped"
	EntryStatusCancelled  EntryStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s EntryStatus) IsTerminal() bool {
	switch s {
	case EntryStatusCompleted, EntryStatusFailed, EntryStatusSkipped, EntryStatusCancelled:
		return true
	}
	return false
}

// ScheduleEntry records that an automation should run at a specific time.
// Entries are never deleted, only terminalized, so past runs stay auditable.
type ScheduleEntry struct {
	ID           uuid.UUID
	AutomationID uuid.UUID

	DueAt time.Time

	// Payload is merged over the automation's static action parameters at
	// execution time; trigger-time values win.
	Payload map[string]any

	Status EntryStatus
	Result json.RawMessage
	Error  string

	ExecutedAt *time.Time
	CreatedAt  time.Time
}
