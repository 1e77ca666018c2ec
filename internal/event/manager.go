package event

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/awm/internal/errors"
	"github.com/p-blackswan/awm/internal/project"
)

const (
	defaultBuffer   = 64
	defaultDebounce = 500 * time.Millisecond
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron checks a five-field cron expression.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return perrors.Invalid("invalid cron expression %q: %v", expr, err)
	}
	return nil
}

// NextRun returns the next time expr fires after from, in UTC.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, perrors.Invalid("invalid cron expression %q: %v", expr, err)
	}
	return sched.Next(from.UTC()), nil
}

// Options tunes a Manager.
type Options struct {
	Buffer   int           // trigger channel capacity
	Debounce time.Duration // quiet period before a file event fires
}

type registration struct {
	event   project.WorkEvent
	job     gocron.Job
	watcher *fsnotify.Watcher
}

// Manager is the Source used by the daemon.
type Manager struct {
	scheduler gocron.Scheduler
	triggers  chan project.WorkTrigger
	debounce  time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	regs    map[string]*registration
}

// NewManager creates a stopped Manager with a UTC cron scheduler.
func NewManager(opts Options, logger zerolog.Logger) (*Manager, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Manager{
		scheduler: scheduler,
		triggers:  make(chan project.WorkTrigger, opts.Buffer),
		debounce:  opts.Debounce,
		logger:    logger.With().Str("component", "event.manager").Logger(),
		now:       time.Now,
		regs:      make(map[string]*registration),
	}, nil
}

// Triggers implements Source.
func (m *Manager) Triggers() <-chan project.WorkTrigger {
	return m.triggers
}

// Start begins firing registered events. Calling Start twice is a no-op.
func (m *Manager) Start(_ context.Context) error {
	if m.running.Swap(true) {
		return nil
	}
	m.scheduler.Start()
	m.logger.Info().Msg("event manager started")
	return nil
}

// Stop pauses cron jobs and stops delivering triggers. Registrations are
// kept so a later Start resumes them.
func (m *Manager) Stop() error {
	if !m.running.Swap(false) {
		return nil
	}
	if err := m.scheduler.StopJobs(); err != nil {
		return fmt.Errorf("failed to stop cron jobs: %w", err)
	}
	m.logger.Info().Msg("event manager stopped")
	return nil
}

// Close releases the cron scheduler and every file watcher.
func (m *Manager) Close() error {
	m.running.Store(false)

	m.mu.Lock()
	for id, reg := range m.regs {
		if reg.watcher != nil {
			reg.watcher.Close()
		}
		delete(m.regs, id)
	}
	m.mu.Unlock()

	return m.scheduler.Shutdown()
}

// Register implements Source. Time events need a valid cron expression or a
// scheduledAt instant; file events need a path.
func (m *Manager) Register(evt project.WorkEvent) error {
	m.Unregister(evt.ID)

	reg := &registration{event: evt}
	switch evt.Type {
	case project.EventTime:
		job, err := m.scheduleJob(evt)
		if err != nil {
			return err
		}
		reg.job = job
	case project.EventFile:
		w, err := m.watchFile(evt)
		if err != nil {
			return err
		}
		reg.watcher = w
	case project.EventWebhook, project.EventManual:
		// Fired through Fire only.
	default:
		return perrors.Invalid("unknown event type %q", evt.Type)
	}

	m.mu.Lock()
	m.regs[evt.ID] = reg
	m.mu.Unlock()

	m.logger.Info().
		Str("event_id", evt.ID).
		Str("type", string(evt.Type)).
		Str("project_id", evt.ProjectID).
		Str("trigger", evt.Trigger).
		Bool("enabled", evt.Enabled).
		Msg("event registered")
	return nil
}

// Unregister implements Source.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	reg, ok := m.regs[id]
	delete(m.regs, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	if reg.job != nil {
		if err := m.scheduler.RemoveJob(reg.job.ID()); err != nil {
			m.logger.Warn().Err(err).Str("event_id", id).Msg("failed to remove cron job")
		}
	}
	if reg.watcher != nil {
		reg.watcher.Close()
	}
	m.logger.Debug().Str("event_id", id).Msg("event unregistered")
}

// Fire implements Source.
func (m *Manager) Fire(evt project.WorkEvent) bool {
	if !evt.Enabled {
		m.logger.Info().Str("event_id", evt.ID).Msg("event is disabled, skipping trigger")
		return false
	}
	if !m.running.Load() {
		m.logger.Debug().Str("event_id", evt.ID).Msg("event manager stopped, skipping trigger")
		return false
	}

	t := project.WorkTrigger{
		EventID:     evt.ID,
		ProjectID:   evt.ProjectID,
		Priority:    evt.Priority,
		TriggeredAt: m.now().UnixMilli(),
	}
	select {
	case m.triggers <- t:
		m.logger.Info().Str("event_id", evt.ID).Str("project_id", evt.ProjectID).Msg("event triggered")
		return true
	default:
		m.logger.Warn().Str("event_id", evt.ID).Msg("trigger channel full, dropping")
		return false
	}
}

// fireRegistered fires the current registration for id, if any.
func (m *Manager) fireRegistered(id string) {
	m.mu.Lock()
	reg, ok := m.regs[id]
	m.mu.Unlock()
	if ok {
		m.Fire(reg.event)
	}
}

// Status implements Source.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{Running: m.running.Load(), NextRuns: make(map[string]time.Time)}
	now := m.now()
	for id, reg := range m.regs {
		switch reg.event.Type {
		case project.EventTime:
			st.CronJobs++
			if reg.event.Trigger != "" {
				if next, err := NextRun(reg.event.Trigger, now); err == nil {
					st.NextRuns[id] = next
				}
			} else if reg.event.ScheduledAt != nil {
				st.NextRuns[id] = time.UnixMilli(*reg.event.ScheduledAt).UTC()
			}
		case project.EventFile:
			st.FileWatchers++
		case project.EventWebhook:
			st.Webhooks++
		case project.EventManual:
			st.Manual++
		}
	}
	return st
}

func (m *Manager) scheduleJob(evt project.WorkEvent) (gocron.Job, error) {
	var def gocron.JobDefinition
	switch {
	case evt.Trigger != "":
		if err := ValidateCron(evt.Trigger); err != nil {
			return nil, err
		}
		def = gocron.CronJob(evt.Trigger, false)
	case evt.ScheduledAt != nil:
		at := time.UnixMilli(*evt.ScheduledAt).UTC()
		if !at.After(m.now()) {
			// Already past; kept registered so status still lists it.
			return nil, nil
		}
		def = gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at))
	default:
		return nil, perrors.Invalid("time event %s needs a cron expression or scheduledAt", evt.ID)
	}

	id := evt.ID
	job, err := m.scheduler.NewJob(
		def,
		gocron.NewTask(func() { m.fireRegistered(id) }),
		gocron.WithName(evt.ID),
		gocron.WithTags(evt.ProjectID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// watchFile watches the directory holding evt.Trigger. When the trigger is
// itself a directory, any change inside it counts.
func (m *Manager) watchFile(evt project.WorkEvent) (*fsnotify.Watcher, error) {
	if evt.Trigger == "" {
		return nil, perrors.Invalid("file event %s needs a path", evt.ID)
	}
	absPath, err := filepath.Abs(evt.Trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for %s: %w", evt.Trigger, err)
	}

	dir, name := filepath.Dir(absPath), filepath.Base(absPath)
	if info, err := os.Stat(absPath); err == nil && info.IsDir() {
		dir, name = absPath, ""
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	go m.watchLoop(evt.ID, watcher, name)
	return watcher, nil
}

func (m *Manager) watchLoop(eventID string, watcher *fsnotify.Watcher, name string) {
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if name != "" && filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			m.logger.Debug().Str("event_id", eventID).Str("path", ev.Name).Str("op", ev.Op.String()).Msg("file event detected")

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(m.debounce, func() { m.fireRegistered(eventID) })
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn().Err(err).Str("event_id", eventID).Msg("file watcher error")
		}
	}
}
