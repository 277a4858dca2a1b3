// Package postgres implements the durable task store. It is the source of
// truth for task status and history; the due-time index is only ever a
// derived view over rows in status scheduled or retry.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/conatusassistant/conatus-scheduler/internal/api"
	"github.com/conatusassistant/conatus-scheduler/internal/domain"
	"github.com/conatusassistant/conatus-scheduler/internal/reclaim"
	"github.com/conatusassistant/conatus-scheduler/internal/rederive"
	"github.com/conatusassistant/conatus-scheduler/internal/scheduler"
)

// Store implements scheduler.Store, rederive.Store, reclaim.Store and
// api.Store using PostgreSQL.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a PostgreSQL store. Every operation runs under opTimeout
// (0 disables the per-operation deadline).
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// CreateMessage inserts a new scheduled message record.
func (s *Store) CreateMessage(ctx context.Context, msg domain.ScheduledMessage) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertMessage,
		msg.ID,
		msg.Service,
		msg.Recipient,
		msg.Subject,
		msg.Content,
		msg.DueAt,
		msg.RetryCount,
		string(msg.Status),
		msg.LastError,
		nullableJSON(msg.Result),
		nullableTime(msg.ExecutedAt),
		msg.CredentialRef,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	return err
}

// GetMessage returns a message by id, or scheduler.ErrRecordNotFound.
func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (domain.ScheduledMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, queryGetMessage, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return domain.ScheduledMessage{}, scheduler.ErrRecordNotFound
	}
	return msg, err
}

// ListMessages returns messages, optionally filtered by status, newest due
// first.
func (s *Store) ListMessages(ctx context.Context, status string, limit, offset int) ([]domain.ScheduledMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if status == "" {
		return s.queryMessages(ctx, queryListMessages, limit, offset)
	}
	return s.queryMessages(ctx, queryListMessagesByStatus, status, limit, offset)
}

// ClaimMessage atomically transitions scheduled|retry -> processing.
// The WHERE clause is the guard: Postgres takes the row lock before
// evaluating it, so exactly one concurrent caller wins.
func (s *Store) ClaimMessage(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryClaimMessage, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) MarkMessageSent(ctx context.Context, id uuid.UUID, result json.RawMessage, executedAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.guardedMessageUpdate(ctx, id, queryMarkMessageSent, nullableJSON(result), executedAt)
}

func (s *Store) MarkMessageRetry(ctx context.Context, id uuid.UUID, retryCount int, dueAt time.Time, lastError string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.guardedMessageUpdate(ctx, id, queryMarkMessageRetry, retryCount, dueAt, lastError)
}

func (s *Store) MarkMessageFailed(ctx context.Context, id uuid.UUID, lastError string, executedAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.guardedMessageUpdate(ctx, id, queryMarkMessageFailed, lastError, executedAt)
}

// guardedMessageUpdate runs a status transition that the query itself guards
// against regressing from a terminal state. Zero affected rows means either
// the record is gone or it is already terminal; terminal is not an error
// (idempotency on re-delivery), missing is.
func (s *Store) guardedMessageUpdate(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, queryGetMessageStatus, id).Scan(&status)
		if err == sql.ErrNoRows {
			return scheduler.ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		// Already terminal: a replayed transition is safe to ignore.
		return nil
	}
	return nil
}

// CancelMessage transitions scheduled|retry -> cancelled. Returns
// api.ErrNotCancellable when the message exists but is processing or
// terminal, scheduler.ErrRecordNotFound when it does not exist.
func (s *Store) CancelMessage(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryCancelMessage, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, queryGetMessageStatus, id).Scan(&status)
		if err == sql.ErrNoRows {
			return scheduler.ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: status %s", api.ErrNotCancellable, status)
	}
	return nil
}

// InsertEntry inserts a schedule entry. Returns rederive.ErrDuplicateEntry
// when a scheduled entry for the same automation and due time exists.
func (s *Store) InsertEntry(ctx context.Context, entry domain.ScheduleEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if entry.Payload == nil {
		payload = nil
	}

	_, err = s.db.ExecContext(ctx, queryInsertEntry,
		entry.ID,
		entry.AutomationID,
		entry.DueAt,
		nullableJSON(payload),
		string(entry.Status),
		nullableJSON(entry.Result),
		entry.Error,
		nullableTime(entry.ExecutedAt),
		entry.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return rederive.ErrDuplicateEntry
		}
		return err
	}
	return nil
}

// DueEntries returns scheduled entries due at or before now, oldest first.
func (s *Store) DueEntries(ctx context.Context, now time.Time, limit int) ([]domain.ScheduleEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryDueEntries, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListEntries returns entries for an automation, newest due first.
func (s *Store) ListEntries(ctx context.Context, automationID uuid.UUID, limit, offset int) ([]domain.ScheduleEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListEntries, automationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ClaimEntry atomically transitions scheduled -> processing.
func (s *Store) ClaimEntry(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryClaimEntry, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) MarkEntryCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage, executedAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, queryMarkEntryCompleted, id, nullableJSON(result), executedAt)
	return err
}

func (s *Store) MarkEntryFailed(ctx context.Context, id uuid.UUID, errText string, executedAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, queryMarkEntryFailed, id, errText, executedAt)
	return err
}

func (s *Store) MarkEntrySkipped(ctx context.Context, id uuid.UUID, reason string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, queryMarkEntrySkipped, id, reason)
	return err
}

// CancelEntry transitions scheduled -> cancelled.
func (s *Store) CancelEntry(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryCancelEntry, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, queryGetEntryStatus, id).Scan(&status)
		if err == sql.ErrNoRows {
			return scheduler.ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: status %s", api.ErrNotCancellable, status)
	}
	return nil
}

// ListOverdueMessages returns pending messages whose due time passed at or
// before olderThan, oldest first.
func (s *Store) ListOverdueMessages(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduledMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.queryMessages(ctx, queryListOverdueMessages, olderThan, limit)
}

// ListStuckMessages returns processing messages untouched since olderThan,
// oldest first.
func (s *Store) ListStuckMessages(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduledMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.queryMessages(ctx, queryListStuckMessages, olderThan, limit)
}

// ReclaimMessage transitions processing -> scheduled. The status guard loses
// the race against a concurrent terminal write, which is the desired order.
func (s *Store) ReclaimMessage(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryReclaimMessage, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListStuckEntries returns processing entries untouched since olderThan,
// oldest first.
func (s *Store) ListStuckEntries(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduleEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListStuckEntries, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ReclaimEntry transitions processing -> scheduled, same contract as
// ReclaimMessage.
func (s *Store) ReclaimEntry(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryReclaimEntry, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// HasPendingEntry reports whether the automation has a scheduled entry due
// at or after the given instant.
func (s *Store) HasPendingEntry(ctx context.Context, automationID uuid.UUID, after time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := s.db.QueryRowContext(ctx, queryHasPendingEntry, automationID, after).Scan(&exists)
	return exists, err
}

// GetAutomation returns an automation by id, or scheduler.ErrRecordNotFound.
func (s *Store) GetAutomation(ctx context.Context, id uuid.UUID) (domain.Automation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, queryGetAutomation, id)
	auto, err := scanAutomation(row)
	if err == sql.ErrNoRows {
		return domain.Automation{}, scheduler.ErrRecordNotFound
	}
	return auto, err
}

// ListRecurringEnabled returns enabled automations with a recurring trigger,
// paginated by limit and offset.
func (s *Store) ListRecurringEnabled(ctx context.Context, limit, offset int) ([]domain.Automation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListRecurringEnabled, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Automation
	for rows.Next() {
		auto, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, auto)
	}
	return result, rows.Err()
}

// RecordAutomationRun increments the run counter and stamps last_run_at.
func (s *Store) RecordAutomationRun(ctx context.Context, id uuid.UUID, ranAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, queryRecordAutomationRun, id, ranAt)
	return err
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]domain.ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ScheduledMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (domain.ScheduledMessage, error) {
	var msg domain.ScheduledMessage
	var status string
	var result []byte
	var executedAt sql.NullTime

	err := row.Scan(
		&msg.ID,
		&msg.Service,
		&msg.Recipient,
		&msg.Subject,
		&msg.Content,
		&msg.DueAt,
		&msg.RetryCount,
		&status,
		&msg.LastError,
		&result,
		&executedAt,
		&msg.CredentialRef,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return domain.ScheduledMessage{}, err
	}
	msg.Status = domain.MessageStatus(status)
	msg.Result = result
	if executedAt.Valid {
		t := executedAt.Time
		msg.ExecutedAt = &t
	}
	return msg, nil
}

func scanEntries(rows *sql.Rows) ([]domain.ScheduleEntry, error) {
	var result []domain.ScheduleEntry
	for rows.Next() {
		var entry domain.ScheduleEntry
		var status string
		var payload, res []byte
		var executedAt sql.NullTime

		err := rows.Scan(
			&entry.ID,
			&entry.AutomationID,
			&entry.DueAt,
			&payload,
			&status,
			&res,
			&entry.Error,
			&executedAt,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		entry.Status = domain.EntryStatus(status)
		entry.Result = res
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &entry.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal entry %s payload: %w", entry.ID, err)
			}
		}
		if executedAt.Valid {
			t := executedAt.Time
			entry.ExecutedAt = &t
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func scanAutomation(row scanner) (domain.Automation, error) {
	var auto domain.Automation
	var triggerType, cadence string
	var actionParams []byte
	var lastRunAt sql.NullTime

	err := row.Scan(
		&auto.ID,
		&auto.UserID,
		&auto.Name,
		&auto.Enabled,
		&triggerType,
		&cadence,
		&auto.Trigger.TimeOfDay,
		&auto.Trigger.Timezone,
		&auto.Trigger.Weekday,
		&auto.Trigger.DayOfMonth,
		&auto.Trigger.CronExpr,
		&auto.Action.Service,
		&auto.Action.ActionType,
		&actionParams,
		&auto.Action.CredentialRef,
		&auto.RunCount,
		&lastRunAt,
		&auto.CreatedAt,
		&auto.UpdatedAt,
	)
	if err != nil {
		return domain.Automation{}, err
	}
	auto.Trigger.Type = domain.TriggerType(triggerType)
	auto.Trigger.Cadence = domain.Cadence(cadence)
	if len(actionParams) > 0 {
		if err := json.Unmarshal(actionParams, &auto.Action.Params); err != nil {
			return domain.Automation{}, fmt.Errorf("unmarshal automation %s params: %w", auto.ID, err)
		}
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		auto.LastRunAt = &t
	}
	return auto, nil
}

// isUniqueViolation checks for PostgreSQL error 23505.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// Compile-time interface assertions
var (
	_ scheduler.Store = (*Store)(nil)
	_ rederive.Store  = (*Store)(nil)
	_ reclaim.Store   = (*Store)(nil)
	_ api.Store       = (*Store)(nil)
)
