package scheduler

import (
	"github.com/p-blackswan/awm/internal/event"
	"github.com/p-blackswan/awm/internal/project"
	"github.com/p-blackswan/awm/internal/queue"
)

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running        bool                  `json:"running"`
	Simulation     bool                  `json:"simulation"`
	QueueSize      int                   `json:"queueSize"`
	Queued         []queue.Entry         `json:"queued"`
	ActiveCount    int                   `json:"activeSessions"`
	Active         []project.WorkSession `json:"active"`
	MaxConcurrent  int                   `json:"maxConcurrent"`
	Events         *event.Status         `json:"events,omitempty"`
	TotalProjects  int                   `json:"totalProjects"`
	ActiveProjects int                   `json:"activeProjects"`
}

// Status reports queue, session and trigger source state.
func (s *Scheduler) Status() Status {
	queued := s.queue.Snapshot()
	active := s.store.ActiveSessions()

	st := Status{
		Running:       s.running.Load(),
		Simulation:    s.executor == nil,
		QueueSize:     len(queued),
		Queued:        queued,
		ActiveCount:   len(active),
		Active:        active,
		MaxConcurrent: s.opts.MaxConcurrent,
	}
	if s.source != nil {
		es := s.source.Status()
		st.Events = &es
	}
	for _, p := range s.store.GetAllProjects() {
		st.TotalProjects++
		if p.Status == project.StatusActive {
			st.ActiveProjects++
		}
	}
	return st
}
