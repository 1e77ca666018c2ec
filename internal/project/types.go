package project

import (
	"strings"

	perrors "github.com/p-blackswan/awm/internal/errors"
)

// Status is the lifecycle state of a project.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// Valid reports whether s is a known project status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a work session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the session can no longer change state.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// EventType identifies what kind of source fires a WorkEvent.
type EventType string

const (
	EventTime    EventType = "time"
	EventFile    EventType = "file"
	EventWebhook EventType = "webhook"
	EventManual  EventType = "manual"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventTime, EventFile, EventWebhook, EventManual:
		return true
	}
	return false
}

// Priority orders triggers in the work queue.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Rank returns the drain order of p; lower ranks drain first.
// Unknown priorities sort after low.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// ParsePriority validates a priority string. An empty string yields medium.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(s)
	if _, ok := priorityRank[p]; !ok {
		return "", perrors.Invalid("unknown priority %q", s)
	}
	return p, nil
}

// ManualEventID is the EventID carried by triggers that did not originate
// from a registered WorkEvent.
const ManualEventID = "manual"

// Project is a unit of ongoing work.
type Project struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Status         Status   `json:"status"`
	Goals          []string `json:"goals"`
	Context        string   `json:"context"`
	NextSteps      []string `json:"nextSteps"`
	CreatedAt      int64    `json:"createdAt"`
	UpdatedAt      int64    `json:"updatedAt"`
	LastWorkedAt   *int64   `json:"lastWorkedAt,omitempty"`
	EstimatedHours *float64 `json:"estimatedHours,omitempty"`
	HoursSpent     float64  `json:"hoursSpent"`
	Repository     string   `json:"repository,omitempty"`
}

// WorkSession is one execution attempt for a project.
type WorkSession struct {
	ID            string        `json:"id"`
	ProjectID     string        `json:"projectId"`
	Status        SessionStatus `json:"status"`
	StartedAt     *int64        `json:"startedAt,omitempty"`
	CompletedAt   *int64        `json:"completedAt,omitempty"`
	Duration      *int64        `json:"duration,omitempty"` // milliseconds
	SessionKey    string        `json:"sessionKey,omitempty"`
	Summary       string        `json:"summary,omitempty"`
	Outcome       string        `json:"outcome,omitempty"`
	Error         string        `json:"error,omitempty"`
	NotifyChannel string        `json:"notifyChannel,omitempty"`
}

// WorkEvent is a trigger definition bound to a project.
type WorkEvent struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	ProjectID     string    `json:"projectId"`
	Priority      Priority  `json:"priority"`
	ScheduledAt   *int64    `json:"scheduledAt,omitempty"`
	Trigger       string    `json:"trigger"` // cron expression, file path, webhook secret
	Enabled       bool      `json:"enabled"`
	LastTriggered *int64    `json:"lastTriggered,omitempty"`
}

// WorkTrigger is a request to run one work session. It is never persisted.
type WorkTrigger struct {
	EventID       string   `json:"eventId"`
	ProjectID     string   `json:"projectId"`
	Priority      Priority `json:"priority"`
	TriggeredAt   int64    `json:"triggeredAt"`
	NotifyChannel string   `json:"notifyChannel,omitempty"` // overrides the notifier's default destination
}

// CreateProjectInput holds the parameters for creating a new project.
type CreateProjectInput struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Status         Status   `json:"status,omitempty"` // defaults to active
	Goals          []string `json:"goals,omitempty"`
	Context        string   `json:"context,omitempty"`
	NextSteps      []string `json:"nextSteps,omitempty"`
	EstimatedHours *float64 `json:"estimatedHours,omitempty"`
	Repository     string   `json:"repository,omitempty"`
}

// ProjectUpdate is a shallow patch; nil fields are left unchanged.
// HoursSpent and LastWorkedAt have no patch fields: the scheduler is their
// only writer, through AddHours and CreateSession.
type ProjectUpdate struct {
	Name           *string   `json:"name,omitempty"`
	Description    *string   `json:"description,omitempty"`
	Status         *Status   `json:"status,omitempty"`
	Goals          *[]string `json:"goals,omitempty"`
	Context        *string   `json:"context,omitempty"`
	NextSteps      *[]string `json:"nextSteps,omitempty"`
	EstimatedHours *float64  `json:"estimatedHours,omitempty"`
	Repository     *string   `json:"repository,omitempty"`
}

// SessionUpdate is a shallow patch; nil fields are left unchanged.
type SessionUpdate struct {
	Status      *SessionStatus
	StartedAt   *int64
	CompletedAt *int64
	Duration    *int64
	SessionKey  *string
	Summary     *string
	Outcome     *string
	Error       *string
}

// CreateEventInput holds the parameters for creating a new work event.
type CreateEventInput struct {
	Type        EventType `json:"type"`
	ProjectID   string    `json:"projectId"`
	Priority    Priority  `json:"priority,omitempty"` // defaults to medium
	ScheduledAt *int64    `json:"scheduledAt,omitempty"`
	Trigger     string    `json:"trigger"`
	Enabled     *bool     `json:"enabled,omitempty"` // defaults to true
}

// EventUpdate is a shallow patch; nil fields are left unchanged.
type EventUpdate struct {
	Priority      *Priority `json:"priority,omitempty"`
	ScheduledAt   *int64    `json:"scheduledAt,omitempty"`
	Trigger       *string   `json:"trigger,omitempty"`
	Enabled       *bool     `json:"enabled,omitempty"`
	LastTriggered *int64    `json:"lastTriggered,omitempty"`
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}
