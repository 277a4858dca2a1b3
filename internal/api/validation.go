package api

import (
	"fmt"
	"time"

	"github.com/conatusassistant/conatus-scheduler/internal/domain"
)

func validateCreateMessage(req CreateMessageRequest) (time.Time, error) {
	if req.Service == "" {
		return time.Time{}, fmt.Errorf("service is required")
	}
	if req.Recipient == "" {
		return time.Time{}, fmt.Errorf("recipient is required")
	}
	if req.Content == "" {
		return time.Time{}, fmt.Errorf("content is required")
	}
	return validateDueAt(req.DueAt)
}

func validateCreateEntry(req CreateEntryRequest) (time.Time, error) {
	return validateDueAt(req.DueAt)
}

// validateDueAt parses the due time. A past due time is accepted: the task
// simply becomes due on the next tick.
func validateDueAt(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("due_at is required")
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid due_at: %w", err)
	}
	return t.UTC(), nil
}

func validateStatusFilter(status string) error {
	if status == "" {
		return nil
	}
	switch domain.MessageStatus(status) {
	case domain.MessageStatusScheduled, domain.MessageStatusProcessing,
		domain.MessageStatusSent, domain.MessageStatusRetry,
		domain.MessageStatusFailed, domain.MessageStatusCancelled:
		return nil
	}
	return fmt.Errorf("invalid status filter %q", status)
}
