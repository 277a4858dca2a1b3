package domain

import (
	"time"

	"github.com/google/uuid"
)

// Automation is a user-authored rule: when the trigger fires, run the action.
// The scheduler reads automations to decide whether and what to execute, and
// writes back run counters after a successful execution.
type Automation struct {
	ID     uuid.UUID
	UserID uuid.UUID

	Name    string
	Enabled bool

	Trigger TriggerConfig
	Action  ActionConfig

	RunCount  int
	LastRunAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

type TriggerType string

const (
	TriggerTypeOnce      TriggerType = "once"
	TriggerTypeRecurring TriggerType = "recurring"
)

// TriggerConfig describes when an automation fires. For recurring triggers
// the recurrence fields apply; a once trigger is scheduled directly by its
// producer and carries no recurrence.
type TriggerConfig struct {
	Type TriggerType

	Cadence   Cadence
	TimeOfDay string // "15:04"
	Timezone  string // IANA zone, defaults to UTC

	Weekday    string // weekly: day-of-week name
	DayOfMonth int    // monthly: 1..31
	CronExpr   string // cron: standard 5-field expression
}

// ActionConfig describes what an automation does when it fires.
type ActionConfig struct {
	Service    string
	ActionType string
	Params     map[string]any

	// CredentialRef is opaque to the scheduler; connectors resolve it.
	CredentialRef string
}

type Cadence string

const (
	CadenceDaily    Cadence = "daily"
	CadenceWeekdays Cadence = "weekdays"
	CadenceWeekends Cadence = "weekends"
	CadenceWeekly   Cadence = "weekly"
	CadenceMonthly  Cadence = "monthly"
	CadenceCron     Cadence = "cron"
)
