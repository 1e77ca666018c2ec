package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/awm/internal/errors"
	"github.com/p-blackswan/awm/internal/store"
)

// InterruptedError is recorded on sessions that were still running when the
// previous process exited.
const InterruptedError = "Session interrupted by restart"

// table keeps records in insertion order.
type table[T any] struct {
	ids  []string
	rows map[string]*T
}

func newTable[T any]() table[T] {
	return table[T]{rows: make(map[string]*T)}
}

func (t *table[T]) put(id string, v *T) {
	if _, ok := t.rows[id]; !ok {
		t.ids = append(t.ids, id)
	}
	t.rows[id] = v
}

func (t *table[T]) remove(id string) bool {
	if _, ok := t.rows[id]; !ok {
		return false
	}
	delete(t.rows, id)
	for i, v := range t.ids {
		if v == id {
			t.ids = append(t.ids[:i], t.ids[i+1:]...)
			break
		}
	}
	return true
}

func (t *table[T]) list(keep func(*T) bool) []*T {
	out := make([]*T, 0, len(t.ids))
	for _, id := range t.ids {
		if v := t.rows[id]; keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// Store holds projects, sessions and events in memory and persists them
// through a store.Backend. Safe for concurrent use.
type Store struct {
	backend store.Backend
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	projects table[Project]
	sessions table[WorkSession]
	events   table[WorkEvent]
	active   map[string]struct{}
}

// NewStore creates an empty store backed by backend.
func NewStore(backend store.Backend, logger zerolog.Logger) *Store {
	return &Store{
		backend:  backend,
		logger:   logger.With().Str("component", "project.store").Logger(),
		now:      time.Now,
		projects: newTable[Project](),
		sessions: newTable[WorkSession](),
		events:   newTable[WorkEvent](),
		active:   make(map[string]struct{}),
	}
}

// --- Projects ---

// CreateProject creates a new active project.
func (s *Store) CreateProject(input CreateProjectInput) (Project, error) {
	if strings.TrimSpace(input.Name) == "" {
		return Project{}, perrors.Invalid("project name is required")
	}
	status := input.Status
	if status == "" {
		status = StatusActive
	}
	if !status.Valid() {
		return Project{}, perrors.Invalid("unknown project status %q", status)
	}

	now := s.now().UnixMilli()
	p := &Project{
		ID:             uuid.New().String(),
		Name:           input.Name,
		Description:    input.Description,
		Status:         status,
		Goals:          cloneStrings(input.Goals),
		Context:        input.Context,
		NextSteps:      cloneStrings(input.NextSteps),
		CreatedAt:      now,
		UpdatedAt:      now,
		EstimatedHours: input.EstimatedHours,
		Repository:     input.Repository,
	}
	if p.Goals == nil {
		p.Goals = []string{}
	}
	if p.NextSteps == nil {
		p.NextSteps = []string{}
	}

	s.mu.Lock()
	s.projects.put(p.ID, p)
	s.mu.Unlock()

	s.logger.Info().Str("project_id", p.ID).Str("name", p.Name).Msg("project created")
	return copyProject(p), nil
}

// GetProject returns the project with id.
func (s *Store) GetProject(id string) (Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects.rows[id]
	if !ok {
		return Project{}, false
	}
	return copyProject(p), true
}

// GetAllProjects returns every project in creation order.
func (s *Store) GetAllProjects() []Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyAll(s.projects.list(nil), copyProject)
}

// UpdateProject merges the non-nil fields of u into the project and
// refreshes UpdatedAt. ok is false when the id is unknown.
func (s *Store) UpdateProject(id string, u ProjectUpdate) (Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects.rows[id]
	if !ok {
		return Project{}, false
	}
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.Goals != nil {
		p.Goals = cloneStrings(*u.Goals)
	}
	if u.Context != nil {
		p.Context = *u.Context
	}
	if u.NextSteps != nil {
		p.NextSteps = cloneStrings(*u.NextSteps)
	}
	if u.EstimatedHours != nil {
		p.EstimatedHours = Ptr(*u.EstimatedHours)
	}
	if u.Repository != nil {
		p.Repository = *u.Repository
	}
	p.UpdatedAt = s.now().UnixMilli()
	return copyProject(p), true
}

// AddHours credits hours to a project. Negative amounts are ignored so
// HoursSpent never decreases.
func (s *Store) AddHours(id string, hours float64) (Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects.rows[id]
	if !ok {
		return Project{}, false
	}
	if hours > 0 {
		p.HoursSpent += hours
		p.UpdatedAt = s.now().UnixMilli()
	}
	return copyProject(p), true
}

// DeleteProject removes a project. Its sessions and events are kept.
func (s *Store) DeleteProject(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projects.remove(id)
}

// --- Sessions ---

// CreateSession admits a session for trigger t in one step: the session is
// created running with startedAt, marked active, and the project's
// LastWorkedAt is stamped.
func (s *Store) CreateSession(t WorkTrigger, startedAt int64) (WorkSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects.rows[t.ProjectID]
	if !ok {
		return WorkSession{}, perrors.NotFound("project", t.ProjectID)
	}
	ws := &WorkSession{
		ID:            uuid.New().String(),
		ProjectID:     t.ProjectID,
		Status:        SessionRunning,
		StartedAt:     Ptr(startedAt),
		NotifyChannel: t.NotifyChannel,
	}
	s.sessions.put(ws.ID, ws)
	s.active[ws.ID] = struct{}{}
	p.LastWorkedAt = Ptr(startedAt)
	p.UpdatedAt = s.now().UnixMilli()
	return copySession(ws), nil
}

// GetSession returns the session with id.
func (s *Store) GetSession(id string) (WorkSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.sessions.rows[id]
	if !ok {
		return WorkSession{}, false
	}
	return copySession(ws), true
}

// GetAllSessions returns every session in creation order.
func (s *Store) GetAllSessions() []WorkSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyAll(s.sessions.list(nil), copySession)
}

// GetSessionsForProject returns the sessions of one project.
func (s *Store) GetSessionsForProject(projectID string) []WorkSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyAll(s.sessions.list(func(ws *WorkSession) bool {
		return ws.ProjectID == projectID
	}), copySession)
}

// UpdateSession merges the non-nil fields of u into the session. A terminal
// session keeps its status. ok is false when the id is unknown.
func (s *Store) UpdateSession(id string, u SessionUpdate) (WorkSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.sessions.rows[id]
	if !ok {
		return WorkSession{}, false
	}
	if u.Status != nil && !ws.Status.Terminal() {
		ws.Status = *u.Status
	}
	if u.StartedAt != nil {
		ws.StartedAt = Ptr(*u.StartedAt)
	}
	if u.CompletedAt != nil {
		ws.CompletedAt = Ptr(*u.CompletedAt)
	}
	if u.Duration != nil {
		ws.Duration = Ptr(*u.Duration)
	}
	if u.SessionKey != nil {
		ws.SessionKey = *u.SessionKey
	}
	if u.Summary != nil {
		ws.Summary = *u.Summary
	}
	if u.Outcome != nil {
		ws.Outcome = *u.Outcome
	}
	if u.Error != nil {
		ws.Error = *u.Error
	}
	return copySession(ws), true
}

// MarkSessionActive counts a session against the concurrency cap.
func (s *Store) MarkSessionActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] = struct{}{}
}

// MarkSessionInactive releases a session's slot.
func (s *Store) MarkSessionInactive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// ActiveSessionCount returns the number of active sessions.
func (s *Store) ActiveSessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// ActiveSessions returns the active sessions in creation order.
func (s *Store) ActiveSessions() []WorkSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyAll(s.sessions.list(func(ws *WorkSession) bool {
		_, ok := s.active[ws.ID]
		return ok
	}), copySession)
}

// --- Events ---

// CreateEvent creates a work event for an existing project.
func (s *Store) CreateEvent(input CreateEventInput) (WorkEvent, error) {
	if !input.Type.Valid() {
		return WorkEvent{}, perrors.Invalid("unknown event type %q", input.Type)
	}
	priority, err := ParsePriority(string(input.Priority))
	if err != nil {
		return WorkEvent{}, err
	}
	noTrigger := strings.TrimSpace(input.Trigger) == ""
	if input.Type == EventTime && noTrigger && input.ScheduledAt == nil {
		return WorkEvent{}, perrors.Invalid("time events require a cron expression or scheduledAt")
	}
	if input.Type == EventFile && noTrigger {
		return WorkEvent{}, perrors.Invalid("file events require a path")
	}
	enabled := true
	if input.Enabled != nil {
		enabled = *input.Enabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects.rows[input.ProjectID]; !ok {
		return WorkEvent{}, perrors.NotFound("project", input.ProjectID)
	}
	evt := &WorkEvent{
		ID:          uuid.New().String(),
		Type:        input.Type,
		ProjectID:   input.ProjectID,
		Priority:    priority,
		ScheduledAt: input.ScheduledAt,
		Trigger:     input.Trigger,
		Enabled:     enabled,
	}
	s.events.put(evt.ID, evt)
	return copyEvent(evt), nil
}

// GetEvent returns the event with id.
func (s *Store) GetEvent(id string) (WorkEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.events.rows[id]
	if !ok {
		return WorkEvent{}, false
	}
	return copyEvent(evt), true
}

// GetAllEvents returns every event in creation order.
func (s *Store) GetAllEvents() []WorkEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyAll(s.events.list(nil), copyEvent)
}

// GetEventsForProject returns the events of one project.
func (s *Store) GetEventsForProject(projectID string) []WorkEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyAll(s.events.list(func(evt *WorkEvent) bool {
		return evt.ProjectID == projectID
	}), copyEvent)
}

// UpdateEvent merges the non-nil fields of u into the event.
func (s *Store) UpdateEvent(id string, u EventUpdate) (WorkEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events.rows[id]
	if !ok {
		return WorkEvent{}, false
	}
	if u.Priority != nil {
		evt.Priority = *u.Priority
	}
	if u.ScheduledAt != nil {
		evt.ScheduledAt = Ptr(*u.ScheduledAt)
	}
	if u.Trigger != nil {
		evt.Trigger = *u.Trigger
	}
	if u.Enabled != nil {
		evt.Enabled = *u.Enabled
	}
	if u.LastTriggered != nil {
		evt.LastTriggered = Ptr(*u.LastTriggered)
	}
	return copyEvent(evt), true
}

// DeleteEvent removes an event.
func (s *Store) DeleteEvent(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.remove(id)
}

// --- Persistence ---

// Load replaces the in-memory state with the persisted collections. A
// collection that was never written loads as empty. Sessions left running
// by a previous process are failed, since nothing is polling them.
func (s *Store) Load(ctx context.Context) error {
	var (
		projects []*Project
		sessions []*WorkSession
		events   []*WorkEvent
	)
	if err := s.loadCollection(ctx, store.CollectionProjects, &projects); err != nil {
		return err
	}
	if err := s.loadCollection(ctx, store.CollectionSessions, &sessions); err != nil {
		return err
	}
	if err := s.loadCollection(ctx, store.CollectionEvents, &events); err != nil {
		return err
	}

	now := s.now().UnixMilli()
	interrupted := 0

	s.mu.Lock()
	s.projects = newTable[Project]()
	for _, p := range projects {
		s.projects.put(p.ID, p)
	}
	s.sessions = newTable[WorkSession]()
	for _, ws := range sessions {
		if !ws.Status.Terminal() {
			ws.Status = SessionFailed
			ws.CompletedAt = Ptr(now)
			ws.Error = InterruptedError
			interrupted++
		}
		s.sessions.put(ws.ID, ws)
	}
	s.events = newTable[WorkEvent]()
	for _, evt := range events {
		s.events.put(evt.ID, evt)
	}
	s.active = make(map[string]struct{})
	s.mu.Unlock()

	s.logger.Info().
		Int("projects", len(projects)).
		Int("sessions", len(sessions)).
		Int("events", len(events)).
		Int("interrupted", interrupted).
		Msg("state loaded")
	return nil
}

func (s *Store) loadCollection(ctx context.Context, name string, dst any) error {
	data, err := s.backend.Load(ctx, name)
	if errors.Is(err, store.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: load %s: %v", perrors.ErrPersistence, name, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: decode %s: %v", perrors.ErrPersistence, name, err)
	}
	return nil
}

// Save writes all three collections. Each collection is written on its own;
// a failure part way leaves the earlier collections written.
func (s *Store) Save(ctx context.Context) error {
	s.mu.RLock()
	docs := make(map[string][]byte, len(store.Collections))
	var encErr error
	encode := func(name string, v any) {
		if encErr != nil {
			return
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			encErr = fmt.Errorf("%w: encode %s: %v", perrors.ErrPersistence, name, err)
			return
		}
		docs[name] = data
	}
	encode(store.CollectionProjects, s.projects.list(nil))
	encode(store.CollectionSessions, s.sessions.list(nil))
	encode(store.CollectionEvents, s.events.list(nil))
	s.mu.RUnlock()

	if encErr != nil {
		return encErr
	}
	for _, name := range store.Collections {
		if err := s.backend.Save(ctx, name, docs[name]); err != nil {
			return fmt.Errorf("%w: save %s: %v", perrors.ErrPersistence, name, err)
		}
	}
	return nil
}

// Ping checks the persistence backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// --- copies ---

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func copyProject(p *Project) Project {
	c := *p
	c.Goals = cloneStrings(p.Goals)
	c.NextSteps = cloneStrings(p.NextSteps)
	if p.LastWorkedAt != nil {
		c.LastWorkedAt = Ptr(*p.LastWorkedAt)
	}
	if p.EstimatedHours != nil {
		c.EstimatedHours = Ptr(*p.EstimatedHours)
	}
	return c
}

func copySession(ws *WorkSession) WorkSession {
	c := *ws
	if ws.StartedAt != nil {
		c.StartedAt = Ptr(*ws.StartedAt)
	}
	if ws.CompletedAt != nil {
		c.CompletedAt = Ptr(*ws.CompletedAt)
	}
	if ws.Duration != nil {
		c.Duration = Ptr(*ws.Duration)
	}
	return c
}

func copyEvent(evt *WorkEvent) WorkEvent {
	c := *evt
	if evt.ScheduledAt != nil {
		c.ScheduledAt = Ptr(*evt.ScheduledAt)
	}
	if evt.LastTriggered != nil {
		c.LastTriggered = Ptr(*evt.LastTriggered)
	}
	return c
}

func copyAll[T any](in []*T, cp func(*T) T) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		out = append(out, cp(v))
	}
	return out
}
