package domain

import (
	"time"

	"github.com/rs/zerolog"
)

// Event sources a trigger message can be published on.
const (
	SourceScheduleAccount   = "ScheduleAccount"
	SourceScheduleTaskGroup = "ScheduleTaskGroup"
	SourceExecuteTaskGroup  = "ExecuteTaskGroup"
)

// PaginationRequest asks a data source for one page.
// PageSize is a hint; an empty ContinuationToken requests the first page.
type PaginationRequest struct {
	PageSize          int
	ContinuationToken string
}

// PaginationResult is one page of items. ContinuationToken is empty when
// HasMore is false and must not be used to query again.
type PaginationResult[T any] struct {
	Items             []T    `json:"items"`
	HasMore           bool   `json:"has_more"`
	ContinuationToken string `json:"continuation_token,omitempty"`
}

type Account struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Title      string                `json:"title,omitempty"`
	TaskGroups []TaskGroupDefinition `json:"task_groups,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
}

type TaskGroupDefinition struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AccountMessage triggers scheduling of one account's task groups.
type AccountMessage struct {
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`
}

func (m AccountMessage) MarshalZerologObject(e *zerolog.Event) {
	e.Str("account_id", m.AccountID).Str("account_name", m.AccountName)
}

// TaskGroupMessage triggers scheduling of one task group.
type TaskGroupMessage struct {
	AccountID     string `json:"account_id"`
	AccountName   string `json:"account_name"`
	TaskGroupID   string `json:"task_group_id"`
	TaskGroupName string `json:"task_group_name"`
}

func (m TaskGroupMessage) MarshalZerologObject(e *zerolog.Event) {
	e.Str("account_id", m.AccountID).
		Str("account_name", m.AccountName).
		Str("task_group_id", m.TaskGroupID).
		Str("task_group_name", m.TaskGroupName)
}

// TaskGroupExecutionMessage asks the execution side to run a task group at ScheduledAt.
type TaskGroupExecutionMessage struct {
	AccountID     string    `json:"account_id"`
	AccountName   string    `json:"account_name"`
	TaskGroupID   string    `json:"task_group_id"`
	TaskGroupName string    `json:"task_group_name"`
	ScheduledAt   time.Time `json:"scheduled_at"`
}

func (m TaskGroupExecutionMessage) MarshalZerologObject(e *zerolog.Event) {
	e.Str("account_id", m.AccountID).
		Str("account_name", m.AccountName).
		Str("task_group_id", m.TaskGroupID).
		Str("task_group_name", m.TaskGroupName).
		Time("scheduled_at", m.ScheduledAt)
}

// Message is a trigger message held by the outbox queue.
type Message struct {
	ID                string
	Source            string
	Payload           []byte
	Attempts          int
	MaxAttempts       int
	State             string
	NextRunAt         time.Time
	VisibilityTimeout int // seconds
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
