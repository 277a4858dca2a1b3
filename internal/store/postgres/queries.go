package postgres

const queryInsertMessage = `
INSERT INTO messages (id, service, recipient, subject, content, due_at, retry_count, status,
                      last_error, result, executed_at, credential_ref, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`

const queryGetMessage = `
SELECT id, service, recipient, subject, content, due_at, retry_count, status,
       last_error, result, executed_at, credential_ref, created_at, updated_at
FROM messages
WHERE id = $1
`

const queryListMessages = `
SELECT id, service, recipient, subject, content, due_at, retry_count, status,
       last_error, result, executed_at, credential_ref, created_at, updated_at
FROM messages
ORDER BY due_at DESC
LIMIT $1 OFFSET $2
`

const queryListMessagesByStatus = `
SELECT id, service, recipient, subject, content, due_at, retry_count, status,
       last_error, result, executed_at, credential_ref, created_at, updated_at
FROM messages
WHERE status = $1
ORDER BY due_at DESC
LIMIT $2 OFFSET $3
`

const queryClaimMessage = `
UPDATE messages
SET status = 'processing', updated_at = NOW()
WHERE id = $1
  AND status IN ('scheduled', 'retry')
`

const queryMarkMessageSent = `
UPDATE messages
SET status = 'sent', result = $2, executed_at = $3, updated_at = NOW()
WHERE id = $1
  AND status NOT IN ('sent', 'failed', 'cancelled')
`

const queryMarkMessageRetry = `
UPDATE messages
SET status = 'retry', retry_count = $2, due_at = $3, last_error = $4, updated_at = NOW()
WHERE id = $1
  AND status NOT IN ('sent', 'failed', 'cancelled')
`

const queryMarkMessageFailed = `
UPDATE messages
SET status = 'failed', last_error = $2, executed_at = $3, updated_at = NOW()
WHERE id = $1
  AND status NOT IN ('sent', 'failed', 'cancelled')
`

const queryCancelMessage = `
UPDATE messages
SET status = 'cancelled', updated_at = NOW()
WHERE id = $1
  AND status IN ('scheduled', 'retry')
`

const queryGetMessageStatus = `
SELECT status FROM messages WHERE id = $1
`

const queryListOverdueMessages = `
SELECT id, service, recipient, subject, content, due_at, retry_count, status,
       last_error, result, executed_at, credential_ref, created_at, updated_at
FROM messages
WHERE status IN ('scheduled', 'retry')
  AND due_at <= $1
ORDER BY due_at ASC
LIMIT $2
`

const queryListStuckMessages = `
SELECT id, service, recipient, subject, content, due_at, retry_count, status,
       last_error, result, executed_at, credential_ref, created_at, updated_at
FROM messages
WHERE status = 'processing'
  AND updated_at <= $1
ORDER BY updated_at ASC
LIMIT $2
`

const queryReclaimMessage = `
UPDATE messages
SET status = 'scheduled', updated_at = NOW()
WHERE id = $1
  AND status = 'processing'
`

const queryInsertEntry = `
INSERT INTO automation_entries (id, automation_id, due_at, payload, status, result, error, executed_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const queryDueEntries = `
SELECT id, automation_id, due_at, payload, status, result, error, executed_at, created_at
FROM automation_entries
WHERE status = 'scheduled'
  AND due_at <= $1
ORDER BY due_at ASC
LIMIT $2
`

const queryListEntries = `
SELECT id, automation_id, due_at, payload, status, result, error, executed_at, created_at
FROM automation_entries
WHERE automation_id = $1
ORDER BY due_at DESC
LIMIT $2 OFFSET $3
`

const queryClaimEntry = `
UPDATE automation_entries
SET status = 'processing', updated_at = NOW()
WHERE id = $1
  AND status = 'scheduled'
`

const queryMarkEntryCompleted = `
UPDATE automation_entries
SET status = 'completed', result = $2, executed_at = $3, updated_at = NOW()
WHERE id = $1
  AND status NOT IN ('completed', 'failed', 'skipped', 'cancelled')
`

const queryMarkEntryFailed = `
UPDATE automation_entries
SET status = 'failed', error = $2, executed_at = $3, updated_at = NOW()
WHERE id = $1
  AND status NOT IN ('completed', 'failed', 'skipped', 'cancelled')
`

const queryMarkEntrySkipped = `
UPDATE automation_entries
SET status = 'skipped', error = $2, updated_at = NOW()
WHERE id = $1
  AND status NOT IN ('completed', 'failed', 'skipped', 'cancelled')
`

const queryCancelEntry = `
UPDATE automation_entries
SET status = 'cancelled', updated_at = NOW()
WHERE id = $1
  AND status = 'scheduled'
`

const queryGetEntryStatus = `
SELECT status FROM automation_entries WHERE id = $1
`

const queryListStuckEntries = `
SELECT id, automation_id, due_at, payload, status, result, error, executed_at, created_at
FROM automation_entries
WHERE status = 'processing'
  AND updated_at <= $1
ORDER BY updated_at ASC
LIMIT $2
`

const queryReclaimEntry = `
UPDATE automation_entries
SET status = 'scheduled', updated_at = NOW()
WHERE id = $1
  AND status = 'processing'
`

const queryHasPendingEntry = `
SELECT EXISTS (
    SELECT 1 FROM automation_entries
    WHERE automation_id = $1
      AND status = 'scheduled'
      AND due_at >= $2
)
`

const queryGetAutomation = `
SELECT id, user_id, name, enabled,
       trigger_type, trigger_cadence, trigger_time_of_day, trigger_timezone,
       trigger_weekday, trigger_day_of_month, trigger_cron_expr,
       action_service, action_type, action_params, action_credential_ref,
       run_count, last_run_at, created_at, updated_at
FROM automations
WHERE id = $1
`

const queryListRecurringEnabled = `
SELECT id, user_id, name, enabled,
       trigger_type, trigger_cadence, trigger_time_of_day, trigger_timezone,
       trigger_weekday, trigger_day_of_month, trigger_cron_expr,
       action_service, action_type, action_params, action_credential_ref,
       run_count, last_run_at, created_at, updated_at
FROM automations
WHERE enabled = true
  AND trigger_type = 'recurring'
ORDER BY id
LIMIT $1 OFFSET $2
`

const queryRecordAutomationRun = `
UPDATE automations
SET run_count = run_count + 1, last_run_at = $2, updated_at = NOW()
WHERE id = $1
`
