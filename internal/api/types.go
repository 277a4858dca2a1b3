package api

import (
	"encoding/json"
	"time"

	"github.com/conatusassistant/conatus-scheduler/internal/domain"
)

type CreateMessageRequest struct {
	Service       string `json:"service"`
	Recipient     string `json:"recipient"`
	Subject       string `json:"subject,omitempty"`
	Content       string `json:"content"`
	DueAt         string `json:"due_at"` // RFC3339
	CredentialRef string `json:"credential_ref,omitempty"`
}

type CreateEntryRequest struct {
	DueAt   string         `json:"due_at"` // RFC3339
	Payload map[string]any `json:"payload,omitempty"`
}

type MessageResponse struct {
	ID            string          `json:"id"`
	Service       string          `json:"service"`
	Recipient     string          `json:"recipient"`
	Subject       string          `json:"subject,omitempty"`
	Content       string          `json:"content"`
	DueAt         string          `json:"due_at"`
	RetryCount    int             `json:"retry_count"`
	Status        string          `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ExecutedAt    string          `json:"executed_at,omitempty"`
	CredentialRef string          `json:"credential_ref,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

type EntryResponse struct {
	ID           string          `json:"id"`
	AutomationID string          `json:"automation_id"`
	DueAt        string          `json:"due_at"`
	Payload      map[string]any  `json:"payload,omitempty"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ExecutedAt   string          `json:"executed_at,omitempty"`
	CreatedAt    string          `json:"created_at"`
}

type ListMessagesResponse struct {
	Messages []MessageResponse `json:"messages"`
}

type ListEntriesResponse struct {
	Entries []EntryResponse `json:"entries"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func messageResponse(msg domain.ScheduledMessage) MessageResponse {
	return MessageResponse{
		ID:            msg.ID.String(),
		Service:       msg.Service,
		Recipient:     msg.Recipient,
		Subject:       msg.Subject,
		Content:       msg.Content,
		DueAt:         formatTime(msg.DueAt),
		RetryCount:    msg.RetryCount,
		Status:        string(msg.Status),
		LastError:     msg.LastError,
		Result:        msg.Result,
		ExecutedAt:    formatTimePtr(msg.ExecutedAt),
		CredentialRef: msg.CredentialRef,
		CreatedAt:     formatTime(msg.CreatedAt),
	}
}

func entryResponse(entry domain.ScheduleEntry) EntryResponse {
	return EntryResponse{
		ID:           entry.ID.String(),
		AutomationID: entry.AutomationID.String(),
		DueAt:        formatTime(entry.DueAt),
		Payload:      entry.Payload,
		Status:       string(entry.Status),
		Result:       entry.Result,
		Error:        entry.Error,
		ExecutedAt:   formatTimePtr(entry.ExecutedAt),
		CreatedAt:    formatTime(entry.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
