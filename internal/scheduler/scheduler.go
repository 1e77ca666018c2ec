// Package scheduler turns work triggers into bounded, tracked work sessions.
//
// Triggers land in a priority queue. Each drain admits at most one trigger,
// and only while fewer than MaxConcurrent sessions are active. Admitted
// sessions run in their own goroutine: spawn on the executor, poll its
// history until output appears or the deadline passes, then record the
// outcome, credit hours and notify.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/awm/internal/config"
	perrors "github.com/p-blackswan/awm/internal/errors"
	"github.com/p-blackswan/awm/internal/event"
	"github.com/p-blackswan/awm/internal/executor"
	"github.com/p-blackswan/awm/internal/metrics"
	"github.com/p-blackswan/awm/internal/notify"
	"github.com/p-blackswan/awm/internal/project"
	"github.com/p-blackswan/awm/internal/queue"
)

// Options tunes scheduling and session timing.
type Options struct {
	MaxConcurrent   int
	SessionDuration time.Duration
	DrainInterval   time.Duration
	PollInterval    time.Duration
	TimeoutBuffer   time.Duration
	SimulationDelay time.Duration
	HistoryLimit    int
	NotifyTimeout   time.Duration
}

// OptionsFromConfig copies the scheduling fields of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxConcurrent:   cfg.MaxConcurrentSessions,
		SessionDuration: cfg.DefaultSessionDuration,
		DrainInterval:   cfg.DrainInterval,
		PollInterval:    cfg.PollInterval,
		TimeoutBuffer:   cfg.TimeoutBuffer,
		SimulationDelay: cfg.SimulationDelay,
		HistoryLimit:    cfg.HistoryLimit,
	}
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 2
	}
	if o.SessionDuration <= 0 {
		o.SessionDuration = 30 * time.Minute
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.TimeoutBuffer < 0 {
		o.TimeoutBuffer = 0
	}
	if o.SimulationDelay < 0 {
		o.SimulationDelay = 0
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 10
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = 10 * time.Second
	}
}

// Deps are the collaborators of a Scheduler. Store is required. A nil
// Executor runs sessions in simulation mode; a nil Source means triggers
// arrive only through HandleTrigger and SubmitTrigger.
type Deps struct {
	Store    *project.Store
	Source   event.Source
	Executor executor.Executor
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
}

// Scheduler owns the work queue and the session lifecycle.
type Scheduler struct {
	opts     Options
	store    *project.Store
	queue    *queue.WorkQueue
	source   event.Source
	executor executor.Executor
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	running atomic.Bool
	drainMu sync.Mutex

	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	loops       sync.WaitGroup

	// inflight counts session goroutines; idle is signalled when it hits 0.
	inflightMu sync.Mutex
	inflight   int
	idle       *sync.Cond
}

// New creates a stopped Scheduler.
func New(deps Deps, opts Options, logger zerolog.Logger) *Scheduler {
	opts.applyDefaults()
	logger = logger.With().Str("component", "scheduler").Logger()

	if deps.Notifier == nil {
		deps.Notifier = notify.NewLog(logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	s := &Scheduler{
		opts:     opts,
		store:    deps.Store,
		queue:    queue.New(),
		source:   deps.Source,
		executor: deps.Executor,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   logger,
		now:      time.Now,
	}
	s.idle = sync.NewCond(&s.inflightMu)
	return s
}

// Start registers every stored event with the trigger source, starts the
// source and begins the periodic drain. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running.Swap(true) {
		s.logger.Debug().Msg("scheduler already running")
		return nil
	}

	s.stopCh = make(chan struct{})

	if s.source != nil {
		for _, evt := range s.store.GetAllEvents() {
			if err := s.source.Register(evt); err != nil {
				s.logger.Warn().Err(err).Str("event_id", evt.ID).Msg("failed to register event")
			}
		}
		if err := s.source.Start(ctx); err != nil {
			s.running.Store(false)
			return err
		}
		s.loops.Add(1)
		go s.triggerLoop(s.source.Triggers(), s.stopCh)
	}

	s.loops.Add(1)
	go s.drainLoop(s.stopCh)

	s.logger.Info().
		Int("max_concurrent", s.opts.MaxConcurrent).
		Dur("session_duration", s.opts.SessionDuration).
		Bool("simulation", s.executor == nil).
		Msg("scheduler started")
	return nil
}

// Stop halts the drain ticker and the trigger source, then persists state.
// Running sessions are not cancelled. Calling Stop twice is a no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running.Swap(false) {
		return nil
	}

	close(s.stopCh)
	s.loops.Wait()

	if s.source != nil {
		if err := s.source.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to stop trigger source")
		}
	}

	if err := s.store.Save(ctx); err != nil {
		return err
	}
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Wait blocks until no session is in flight. It is safe to call while the
// scheduler is running, but triggers drained afterwards may start new
// sessions as soon as it returns.
func (s *Scheduler) Wait() {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	for s.inflight > 0 {
		s.idle.Wait()
	}
}

func (s *Scheduler) sessionStarted() {
	s.inflightMu.Lock()
	s.inflight++
	s.inflightMu.Unlock()
}

func (s *Scheduler) sessionDone() {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	s.inflight--
	if s.inflight == 0 {
		s.idle.Broadcast()
	}
}

func (s *Scheduler) drainLoop(stop <-chan struct{}) {
	defer s.loops.Done()

	ticker := time.NewTicker(s.opts.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Drain(context.Background())
		}
	}
}

func (s *Scheduler) triggerLoop(triggers <-chan project.WorkTrigger, stop <-chan struct{}) {
	defer s.loops.Done()

	for {
		select {
		case <-stop:
			return
		case t, ok := <-triggers:
			if !ok {
				return
			}
			s.HandleTrigger(context.Background(), t)
		}
	}
}

// HandleTrigger records the trigger on its event, queues it and drains once.
func (s *Scheduler) HandleTrigger(ctx context.Context, t project.WorkTrigger) {
	source := string(project.EventManual)
	if evt, ok := s.store.GetEvent(t.EventID); ok {
		s.store.UpdateEvent(t.EventID, project.EventUpdate{LastTriggered: project.Ptr(t.TriggeredAt)})
		source = string(evt.Type)
	}
	s.metrics.RecordTrigger(source)

	s.logger.Info().
		Str("event_id", t.EventID).
		Str("project_id", t.ProjectID).
		Str("priority", string(t.Priority)).
		Msg("handling trigger")

	s.queue.Enqueue(t)
	s.metrics.SetQueueDepth(s.queue.Size())
	s.Drain(ctx)
}

// SubmitTrigger queues a manual trigger for projectID.
func (s *Scheduler) SubmitTrigger(ctx context.Context, projectID string, priority project.Priority) project.WorkTrigger {
	return s.Submit(ctx, project.WorkTrigger{ProjectID: projectID, Priority: priority})
}

// Submit queues t as a manual trigger, filling in the sentinel event id,
// the trigger time and a medium priority when unset.
func (s *Scheduler) Submit(ctx context.Context, t project.WorkTrigger) project.WorkTrigger {
	if t.Priority == "" {
		t.Priority = project.PriorityMedium
	}
	t.EventID = project.ManualEventID
	t.TriggeredAt = s.now().UnixMilli()
	s.HandleTrigger(ctx, t)
	return t
}

// FireEvent fires a stored event through the trigger source. It reports
// whether a trigger was produced.
func (s *Scheduler) FireEvent(ctx context.Context, eventID string) (bool, error) {
	evt, ok := s.store.GetEvent(eventID)
	if !ok {
		return false, perrors.NotFound("event", eventID)
	}
	if !evt.Enabled {
		return false, nil
	}
	if s.source != nil && s.running.Load() {
		return s.source.Fire(evt), nil
	}
	s.HandleTrigger(ctx, project.WorkTrigger{
		EventID:     evt.ID,
		ProjectID:   evt.ProjectID,
		Priority:    evt.Priority,
		TriggeredAt: s.now().UnixMilli(),
	})
	return true, nil
}

// RegisterEvent keeps the trigger source in sync after evt changed.
func (s *Scheduler) RegisterEvent(evt project.WorkEvent) error {
	if s.source == nil {
		return nil
	}
	return s.source.Register(evt)
}

// UnregisterEvent drops an event from the trigger source.
func (s *Scheduler) UnregisterEvent(id string) {
	if s.source != nil {
		s.source.Unregister(id)
	}
}

// RemoveQueuedForProject drops every queued trigger for projectID.
func (s *Scheduler) RemoveQueuedForProject(projectID string) int {
	n := s.queue.RemoveByProject(projectID)
	s.metrics.SetQueueDepth(s.queue.Size())
	if n > 0 {
		s.logger.Info().Str("project_id", projectID).Int("removed", n).Msg("removed queued triggers")
	}
	return n
}

// Drain admits at most one queued trigger. It does nothing when the queue
// is empty or the concurrency cap is reached. It reports whether a trigger
// was dequeued.
func (s *Scheduler) Drain(ctx context.Context) bool {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	if s.queue.IsEmpty() {
		return false
	}

	active := s.store.ActiveSessionCount()
	if active >= s.opts.MaxConcurrent {
		s.logger.Debug().
			Int("active", active).
			Int("max", s.opts.MaxConcurrent).
			Int("queued", s.queue.Size()).
			Msg("max concurrent sessions reached, waiting")
		return false
	}

	t, ok := s.queue.Dequeue()
	s.metrics.SetQueueDepth(s.queue.Size())
	if !ok {
		return false
	}
	s.admit(ctx, t)
	return true
}

// admit runs under drainMu so the active count cannot race past the cap.
func (s *Scheduler) admit(ctx context.Context, t project.WorkTrigger) {
	log := s.logger.With().Str("project_id", t.ProjectID).Str("event_id", t.EventID).Logger()

	p, ok := s.store.GetProject(t.ProjectID)
	if !ok {
		log.Warn().Msg("project not found, discarding trigger")
		s.metrics.RecordDiscard(metrics.ReasonProjectNotFound)
		return
	}
	if p.Status != project.StatusActive {
		log.Info().Str("status", string(p.Status)).Msg("project is not active, discarding trigger")
		s.metrics.RecordDiscard(metrics.ReasonProjectInactive)
		return
	}

	ws, err := s.store.CreateSession(t, s.now().UnixMilli())
	if err != nil {
		log.Error().Err(err).Msg("failed to create session")
		return
	}
	s.metrics.SetActiveSessions(s.store.ActiveSessionCount())

	if err := s.store.Save(ctx); err != nil {
		log.Error().Err(err).Msg("failed to persist new session")
	}

	log.Info().Str("session_id", ws.ID).Str("project", p.Name).Msg("work session started")

	s.sessionStarted()
	go s.run(ws, p)
}
