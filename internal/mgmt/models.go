package mgmt

import (
	"github.com/p-blackswan/awm/internal/project"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// ProjectListResponse is the response for GET /api/v1/projects.
type ProjectListResponse struct {
	Projects []project.Project `json:"projects"`
	Total    int               `json:"total"`
}

// ProjectDetailResponse is the response for GET /api/v1/projects/:id.
type ProjectDetailResponse struct {
	Project  project.Project       `json:"project"`
	Sessions []project.WorkSession `json:"sessions"`
	Events   []project.WorkEvent   `json:"events"`
}

// TriggerRequest is the body of POST /api/v1/projects/:id/trigger.
type TriggerRequest struct {
	Priority      string `json:"priority,omitempty"`
	NotifyChannel string `json:"notifyChannel,omitempty"`
}

// TriggerResponse acknowledges a queued trigger.
type TriggerResponse struct {
	Trigger project.WorkTrigger `json:"trigger"`
}

// CreateEventRequest is the body of POST /api/v1/events.
type CreateEventRequest struct {
	Type        string `json:"type"`
	ProjectID   string `json:"projectId"`
	Priority    string `json:"priority,omitempty"`
	ScheduledAt *int64 `json:"scheduledAt,omitempty"`
	Trigger     string `json:"trigger"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// EventPatchRequest is the body of PATCH /api/v1/events/:id.
type EventPatchRequest struct {
	Priority    *string `json:"priority,omitempty"`
	ScheduledAt *int64  `json:"scheduledAt,omitempty"`
	Trigger     *string `json:"trigger,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

// EventListResponse is the response for GET /api/v1/events.
type EventListResponse struct {
	Events []project.WorkEvent `json:"events"`
	Total  int                 `json:"total"`
}

// SessionListResponse is the response for GET /api/v1/sessions.
type SessionListResponse struct {
	Sessions []project.WorkSession `json:"sessions"`
	Total    int                   `json:"total"`
}

// FireResponse reports whether a webhook produced a trigger.
type FireResponse struct {
	EventID  string `json:"eventId"`
	Accepted bool   `json:"accepted"`
}
