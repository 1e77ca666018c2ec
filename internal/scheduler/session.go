package scheduler

import (
	"context"
	"fmt"
	"time"

	perrors "github.com/p-blackswan/awm/internal/errors"
	"github.com/p-blackswan/awm/internal/executor"
	"github.com/p-blackswan/awm/internal/notify"
	"github.com/p-blackswan/awm/internal/project"
)

// Session summaries and errors recorded on terminal sessions.
const (
	SummarySimulated = "Simulated work session (no executor configured)"
	OutcomeSimulated = "Simulation mode - configure an executor to run real sessions"
	SummaryCompleted = "Session completed - check history for details"
	OutcomeNone      = "No output"
	TimeoutError     = "Session timeout"

	maxOutcomeChars = 500
)

// run drives one admitted session to a terminal state. It uses its own
// background context: stopping the scheduler does not cancel sessions.
func (s *Scheduler) run(ws project.WorkSession, p project.Project) {
	defer s.sessionDone()
	ctx := context.Background()

	if s.executor == nil {
		s.logger.Warn().Str("session_id", ws.ID).Msg("no executor configured, running in simulation mode")
		sleep(s.opts.SimulationDelay)
		s.complete(ctx, ws, p, SummarySimulated, OutcomeSimulated)
		return
	}

	res, err := s.executor.Spawn(ctx, executor.SpawnRequest{
		Task:              project.BuildWorkContext(p),
		Label:             project.SessionLabel(p.ID),
		Cleanup:           executor.CleanupKeep,
		RunTimeoutSeconds: int(s.opts.SessionDuration / time.Second),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", ws.ID).Msg("failed to spawn session")
		s.fail(ctx, ws, p, err.Error())
		return
	}

	ws, _ = s.store.UpdateSession(ws.ID, project.SessionUpdate{SessionKey: project.Ptr(res.SessionKey)})
	if err := s.store.Save(ctx); err != nil {
		s.logger.Error().Err(err).Str("session_id", ws.ID).Msg("failed to persist session key")
	}
	s.logger.Info().Str("session_id", ws.ID).Str("session_key", res.SessionKey).Msg("session spawned")

	s.awaitCompletion(ctx, ws, p)
}

// awaitCompletion polls the executor's history until it has output or the
// wait budget runs out.
func (s *Scheduler) awaitCompletion(ctx context.Context, ws project.WorkSession, p project.Project) {
	deadline := s.now().Add(s.opts.SessionDuration + s.opts.TimeoutBuffer)

	for s.now().Before(deadline) {
		sleep(s.opts.PollInterval)

		history, err := s.executor.History(ctx, ws.SessionKey, s.opts.HistoryLimit)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_key", ws.SessionKey).Msg("error polling session")
			s.metrics.RecordPollError()
			continue
		}
		if len(history) == 0 {
			continue
		}

		outcome, _ := project.Truncate(history[len(history)-1].Content, maxOutcomeChars)
		if outcome == "" {
			outcome = OutcomeNone
		}
		s.complete(ctx, ws, p, SummaryCompleted, outcome)
		return
	}

	s.logger.Warn().
		Err(fmt.Errorf("session %s: %w", ws.SessionKey, perrors.ErrTimeout)).
		Str("session_id", ws.ID).
		Msg("session timed out")
	s.fail(ctx, ws, p, TimeoutError)
}

// complete marks the session completed and credits its duration as hours.
func (s *Scheduler) complete(ctx context.Context, ws project.WorkSession, p project.Project, summary, outcome string) {
	completedAt, duration := s.elapsed(ws)
	ws, _ = s.store.UpdateSession(ws.ID, project.SessionUpdate{
		Status:      project.Ptr(project.SessionCompleted),
		CompletedAt: project.Ptr(completedAt),
		Duration:    project.Ptr(duration),
		Summary:     project.Ptr(summary),
		Outcome:     project.Ptr(outcome),
	})

	hours := float64(duration) / float64(time.Hour/time.Millisecond)
	if _, ok := s.store.AddHours(ws.ProjectID, hours); !ok {
		s.logger.Warn().Str("project_id", ws.ProjectID).Msg("project gone, hours not credited")
	}

	s.logger.Info().
		Str("session_id", ws.ID).
		Str("project", p.Name).
		Int64("duration_ms", duration).
		Float64("hours", hours).
		Msg("work session completed")
	s.finish(ctx, ws, p)
}

// fail marks the session failed. No hours are credited.
func (s *Scheduler) fail(ctx context.Context, ws project.WorkSession, p project.Project, reason string) {
	completedAt, duration := s.elapsed(ws)
	ws, _ = s.store.UpdateSession(ws.ID, project.SessionUpdate{
		Status:      project.Ptr(project.SessionFailed),
		CompletedAt: project.Ptr(completedAt),
		Duration:    project.Ptr(duration),
		Error:       project.Ptr(reason),
	})

	s.logger.Warn().
		Str("session_id", ws.ID).
		Str("project", p.Name).
		Str("error", reason).
		Msg("work session failed")
	s.finish(ctx, ws, p)
}

// finish releases the session's slot, persists, records metrics and
// notifies. Notification errors are only logged.
func (s *Scheduler) finish(ctx context.Context, ws project.WorkSession, p project.Project) {
	s.store.MarkSessionInactive(ws.ID)
	s.metrics.SetActiveSessions(s.store.ActiveSessionCount())

	if err := s.store.Save(ctx); err != nil {
		s.logger.Error().Err(err).Str("session_id", ws.ID).Msg("failed to persist finished session")
	}

	var seconds float64
	if ws.Duration != nil {
		seconds = float64(*ws.Duration) / 1000
	}
	s.metrics.RecordSession(string(ws.Status), seconds)

	if current, ok := s.store.GetProject(p.ID); ok {
		p = current
	}
	nctx, cancel := context.WithTimeout(ctx, s.opts.NotifyTimeout)
	defer cancel()
	err := s.notifier.Notify(nctx, notify.Outcome{
		ProjectID:   p.ID,
		ProjectName: p.Name,
		Repository:  p.Repository,
		Channel:     ws.NotifyChannel,
		Session:     ws,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", ws.ID).Msg("failed to send notification")
		s.metrics.RecordNotifyError()
	}

	if s.running.Load() {
		s.Drain(ctx)
	}
}

func (s *Scheduler) elapsed(ws project.WorkSession) (completedAt, duration int64) {
	completedAt = s.now().UnixMilli()
	if ws.StartedAt != nil {
		duration = completedAt - *ws.StartedAt
	}
	if duration < 0 {
		duration = 0
	}
	return completedAt, duration
}

func sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	<-t.C
}
