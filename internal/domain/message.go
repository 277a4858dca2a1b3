package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type MessageStatus string

const (
	MessageStatusScheduled  MessageStatus = "scheduled"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusSent       MessageStatus = "sent"
	MessageStatusRetry      MessageStatus = "retry"
	MessageStatusFailed     MessageStatus = "failed"
	MessageStatusCancelled  MessageStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusSent || s == MessageStatusFailed || s == MessageStatusCancelled
}

// ScheduledMessage is an outbound message queued for a future instant.
// The durable record is the source of truth for status; the due-time index
// only ever holds ids of messages in status scheduled or retry.
type ScheduledMessage struct {
	ID uuid.UUID

	Service   string
	Recipient string
	Subject   string
	Content   string

	DueAt      time.Time
	RetryCount int
	Status     MessageStatus

	LastError  string
	Result     json.RawMessage
	ExecutedAt *time.Time

	// CredentialRef is opaque to the scheduler; connectors resolve it.
	CredentialRef string

	CreatedAt time.Time
	UpdatedAt time.Time
}
