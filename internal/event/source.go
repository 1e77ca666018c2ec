// Package event turns registered WorkEvents into work triggers.
// Time events run on a cron schedule, file events fire on filesystem
// changes, and webhook and manual events fire only when asked to.
package event

import (
	"context"
	"time"

	"github.com/p-blackswan/awm/internal/project"
)

// Source is anything that can deliver work triggers to the scheduler.
type Source interface {
	// Register adds or replaces the registration for evt.
	Register(evt project.WorkEvent) error
	// Unregister drops the registration for id. Unknown ids are ignored.
	Unregister(id string)
	Start(ctx context.Context) error
	Stop() error
	// Triggers delivers fired triggers while the source is running.
	Triggers() <-chan project.WorkTrigger
	// Fire emits a trigger for evt now. It reports false when the event is
	// disabled, the source is stopped, or the trigger channel is full.
	Fire(evt project.WorkEvent) bool
	Status() Status
}

// Status summarizes a source's registrations.
type Status struct {
	Running      bool                 `json:"running"`
	CronJobs     int                  `json:"cronJobs"`
	FileWatchers int                  `json:"fileWatchers"`
	Webhooks     int                  `json:"webhooks"`
	Manual       int                  `json:"manual"`
	NextRuns     map[string]time.Time `json:"nextRuns,omitempty"`
}
