package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/awm/internal/errors"
	"github.com/p-blackswan/awm/internal/event"
	"github.com/p-blackswan/awm/internal/executor"
	"github.com/p-blackswan/awm/internal/notify"
	"github.com/p-blackswan/awm/internal/project"
	"github.com/p-blackswan/awm/internal/store"
)

// --- fakes ---

type fakeExecutor struct {
	mu          sync.Mutex
	spawned     []executor.SpawnRequest
	spawnErr    error
	done        map[string]bool
	output      string
	pollErrors  int // History fails this many times before answering
	historyHits int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{done: make(map[string]bool), output: "all done"}
}

func (f *fakeExecutor) Spawn(_ context.Context, req executor.SpawnRequest) (executor.SpawnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, req)
	if f.spawnErr != nil {
		return executor.SpawnResult{}, f.spawnErr
	}
	return executor.SpawnResult{SessionKey: "key-" + req.Label, Status: "started"}, nil
}

func (f *fakeExecutor) History(_ context.Context, key string, _ int) ([]executor.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyHits++
	if f.pollErrors > 0 {
		f.pollErrors--
		return nil, errors.New("gateway hiccup")
	}
	if !f.done[key] {
		return nil, nil
	}
	return []executor.Message{
		{Role: "user", Content: "start"},
		{Role: "assistant", Content: f.output},
	}, nil
}

func (f *fakeExecutor) release(label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done["key-"+label] = true
}

func (f *fakeExecutor) labels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.spawned))
	for i, r := range f.spawned {
		out[i] = r.Label
	}
	return out
}

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []notify.Outcome
	err      error
}

func (r *recordingNotifier) Notify(_ context.Context, o notify.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return r.err
}

func (r *recordingNotifier) all() []notify.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Outcome(nil), r.outcomes...)
}

// --- helpers ---

type harness struct {
	sched    *Scheduler
	store    *project.Store
	backend  store.Backend
	exec     *fakeExecutor
	notifier *recordingNotifier
}

func fastOptions() Options {
	return Options{
		MaxConcurrent:   2,
		SessionDuration: time.Hour,
		DrainInterval:   10 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		TimeoutBuffer:   time.Minute,
		SimulationDelay: 10 * time.Millisecond,
	}
}

func newHarness(t *testing.T, opts Options, withExecutor bool, source event.Source) *harness {
	t.Helper()
	backend, err := store.NewJSONFiles(filepath.Join(t.TempDir(), "data"), zerolog.Nop())
	require.NoError(t, err)
	st := project.NewStore(backend, zerolog.Nop())

	h := &harness{store: st, backend: backend, notifier: &recordingNotifier{}}
	deps := Deps{Store: st, Notifier: h.notifier, Source: source}
	if withExecutor {
		h.exec = newFakeExecutor()
		deps.Executor = h.exec
	}
	h.sched = New(deps, opts, zerolog.Nop())
	t.Cleanup(func() {
		h.sched.Stop(context.Background())
		h.sched.Wait()
	})
	return h
}

func (h *harness) project(t *testing.T, name string) project.Project {
	t.Helper()
	p, err := h.store.CreateProject(project.CreateProjectInput{
		Name:        name,
		Description: name + " description",
		Goals:       []string{"goal"},
		NextSteps:   []string{"step"},
	})
	require.NoError(t, err)
	return p
}

func onlySession(t *testing.T, st *project.Store) project.WorkSession {
	t.Helper()
	sessions := st.GetAllSessions()
	require.Len(t, sessions, 1)
	return sessions[0]
}

// --- tests ---

func TestScheduler_SimulationFallback(t *testing.T) {
	h := newHarness(t, fastOptions(), false, nil)
	p := h.project(t, "sim")

	h.sched.SubmitTrigger(context.Background(), p.ID, project.PriorityMedium)
	h.sched.Wait()

	ws := onlySession(t, h.store)
	assert.Equal(t, project.SessionCompleted, ws.Status)
	assert.Equal(t, SummarySimulated, ws.Summary)
	require.NotNil(t, ws.Duration)
	assert.GreaterOrEqual(t, *ws.Duration, int64(10))
	assert.Equal(t, 0, h.store.ActiveSessionCount())

	got, _ := h.store.GetProject(p.ID)
	assert.Greater(t, got.HoursSpent, 0.0)
	assert.NotNil(t, got.LastWorkedAt)

	outcomes := h.notifier.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "sim", outcomes[0].ProjectName)
}

func TestScheduler_DiscardsMissingProject(t *testing.T) {
	h := newHarness(t, fastOptions(), true, nil)

	h.sched.SubmitTrigger(context.Background(), "does-not-exist", project.PriorityCritical)
	h.sched.Wait()

	assert.Empty(t, h.store.GetAllSessions())
	assert.Equal(t, 0, h.sched.Status().QueueSize)
	assert.Empty(t, h.exec.labels())
}

func TestScheduler_DiscardsInactiveProject(t *testing.T) {
	h := newHarness(t, fastOptions(), true, nil)
	p := h.project(t, "paused")
	h.store.UpdateProject(p.ID, project.ProjectUpdate{Status: project.Ptr(project.StatusPaused)})

	h.sched.SubmitTrigger(context.Background(), p.ID, project.PriorityHigh)
	h.sched.Wait()

	assert.Empty(t, h.store.GetAllSessions())
	assert.Empty(t, h.exec.labels())
}

func TestScheduler_CompletesAndCreditsHours(t *testing.T) {
	h := newHarness(t, fastOptions(), true, nil)
	p := h.project(t, "work")
	h.exec.output = strings.Repeat("y", 600)
	h.exec.pollErrors = 2
	h.exec.release(project.SessionLabel(p.ID))

	h.sched.SubmitTrigger(context.Background(), p.ID, project.PriorityMedium)
	h.sched.Wait()

	ws := onlySession(t, h.store)
	assert.Equal(t, project.SessionCompleted, ws.Status)
	assert.Equal(t, SummaryCompleted, ws.Summary)
	assert.Equal(t, strings.Repeat("y", 500), ws.Outcome)
	assert.Equal(t, "key-"+project.SessionLabel(p.ID), ws.SessionKey)
	require.NotNil(t, ws.StartedAt)
	require.NotNil(t, ws.CompletedAt)
	assert.Equal(t, *ws.CompletedAt-*ws.StartedAt, *ws.Duration)

	got, _ := h.store.GetProject(p.ID)
	assert.InDelta(t, float64(*ws.Duration)/3.6e6, got.HoursSpent, 1e-12)

	req := h.exec.spawned[0]
	assert.Equal(t, project.SessionLabel(p.ID), req.Label)
	assert.Equal(t, executor.CleanupKeep, req.Cleanup)
	assert.Equal(t, 3600, req.RunTimeoutSeconds)
	assert.Equal(t, project.BuildWorkContext(p), req.Task)
	assert.GreaterOrEqual(t, h.exec.historyHits, 3, "poll errors are retried")
}

func TestScheduler_OutcomeCutOnRuneBoundary(t *testing.T) {
	h := newHarness(t, fastOptions(), true, nil)
	p := h.project(t, "accents")
	h.exec.output = "a" + strings.Repeat("é", 600)
	h.exec.release(project.SessionLabel(p.ID))

	h.sched.SubmitTrigger(context.Background(), p.ID, project.PriorityMedium)
	h.sched.Wait()

	want := "a" + strings.Repeat("é", 499)
	ws := onlySession(t, h.store)
	assert.True(t, utf8.ValidString(ws.Outcome))
	assert.Equal(t, want, ws.Outcome)

	require.NoError(t, h.store.Save(context.Background()))
	reloaded := project.NewStore(h.backend, zerolog.Nop())
	require.NoError(t, reloaded.Load(context.Background()))
	got, ok := reloaded.GetSession(ws.ID)
	require.True(t, ok)
	assert.Equal(t, want, got.Outcome)
}

func TestScheduler_SubmitCarriesNotifyChannel(t *testing.T) {
	h := newHarness(t, fastOptions(), false, nil)
	p := h.project(t, "routed")

	tr := h.sched.Submit(context.Background(), project.WorkTrigger{ProjectID: p.ID, NotifyChannel: "C777"})
	assert.Equal(t, project.ManualEventID, tr.EventID)
	assert.Equal(t, project.PriorityMedium, tr.Priority)
	assert.NotZero(t, tr.TriggeredAt)
	h.sched.Wait()

	assert.Equal(t, "C777", onlySession(t, h.store).NotifyChannel)
	outcomes := h.notifier.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "C777", outcomes[0].Channel)
}

func TestScheduler_EmptyOutputRecordsNoOutput(t *testing.T) {
	h := newHarness(t, fastOptions(), true, nil)
	p := h.project(t, "quiet")
	h.exec.output = ""
	h.exec.release(project.SessionLabel(p.ID))

	h.sched.SubmitTrigger(context.Background(), p.ID, "")
	h.sched.Wait()

	assert.Equal(t, OutcomeNone, onlySession(t, h.store).Outcome)
}

func TestScheduler_SpawnFailure(t *testing.T) {
	h := newHarness(t, fastOptions(), true, nil)
	p := h.project(t, "broken")
	h.exec.spawnErr = perrors.NewExecutorError("spawn", 503, "gateway down")

	h.sched.SubmitTrigger(context.Background(), p.ID, project.PriorityMedium)
	h.sched.Wait()

	ws := onlySession(t, h.store)
	assert.Equal(t, project.SessionFailed, ws.Status)
	assert.Contains(t, ws.Error, "gateway down")
	assert.NotNil(t, ws.Duration)
	assert.Equal(t, 0, h.store.ActiveSessionCount())

	got, _ := h.store.GetProject(p.ID)
	assert.Zero(t, got.HoursSpent)
	require.Len(t, h.notifier.all(), 1)
}

func TestScheduler_Timeout(t *testing.T) {
	opts := fastOptions()
	opts.SessionDuration = 100 * time.Millisecond
	opts.TimeoutBuffer = 60 * time.Millisecond
	opts.PollInterval = 20 * time.Millisecond
	h := newHarness(t, opts, true, nil)
	p := h.project(t, "slow")

	start := time.Now()
	h.sched.SubmitTrigger(context.Background(), p.ID, project.PriorityMedium)
	h.sched.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 160*time.Millisecond)
	ws := onlySession(t, h.store)
	assert.Equal(t, project.SessionFailed, ws.Status)
	assert.Equal(t, TimeoutError, ws.Error)
	assert.Equal(t, 0, h.store.ActiveSessionCount())

	got, _ := h.store.GetProject(p.ID)
	assert.Zero(t, got.HoursSpent)

	outcomes := h.notifier.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, project.SessionFailed, outcomes[0].Session.Status)
}

func TestScheduler_CapacityOneDrainsByPriority(t *testing.T) {
	opts := fastOptions()
	opts.MaxConcurrent = 1
	h := newHarness(t, opts, true, nil)
	ctx := context.Background()

	a := h.project(t, "a")
	b := h.project(t, "b")
	c := h.project(t, "c")
	require.NoError(t, h.sched.Start(ctx))

	h.sched.SubmitTrigger(ctx, a.ID, project.PriorityMedium)
	require.Eventually(t, func() bool { return len(h.exec.labels()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, project.SessionLabel(a.ID), h.exec.labels()[0])

	h.sched.SubmitTrigger(ctx, b.ID, project.PriorityHigh)
	h.sched.SubmitTrigger(ctx, c.ID, project.PriorityCritical)

	st := h.sched.Status()
	assert.Equal(t, 2, st.QueueSize)
	assert.Equal(t, 1, st.ActiveCount)
	assert.Equal(t, c.ID, st.Queued[0].Trigger.ProjectID)

	h.exec.release(project.SessionLabel(a.ID))
	require.Eventually(t, func() bool { return len(h.exec.labels()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, project.SessionLabel(c.ID), h.exec.labels()[1])
	assert.LessOrEqual(t, h.store.ActiveSessionCount(), 1)

	h.exec.release(project.SessionLabel(c.ID))
	require.Eventually(t, func() bool { return len(h.exec.labels()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, project.SessionLabel(b.ID), h.exec.labels()[2])

	h.exec.release(project.SessionLabel(b.ID))
	require.Eventually(t, func() bool { return h.store.ActiveSessionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	h.sched.Wait()

	for _, ws := range h.store.GetAllSessions() {
		assert.Equal(t, project.SessionCompleted, ws.Status)
	}
}

func TestScheduler_ActiveNeverExceedsCap(t *testing.T) {
	opts := fastOptions()
	opts.MaxConcurrent = 2
	h := newHarness(t, opts, true, nil)
	ctx := context.Background()

	var projects []project.Project
	for i := 0; i < 5; i++ {
		projects = append(projects, h.project(t, "p"+string(rune('a'+i))))
	}
	for _, p := range projects {
		h.sched.SubmitTrigger(ctx, p.ID, project.PriorityMedium)
		assert.LessOrEqual(t, h.store.ActiveSessionCount(), 2)
	}
	assert.Equal(t, 3, h.sched.Status().QueueSize)
	require.Eventually(t, func() bool { return len(h.exec.labels()) == 2 }, 2*time.Second, 5*time.Millisecond)

	for _, p := range projects {
		h.exec.release(project.SessionLabel(p.ID))
	}
	h.sched.Wait()
}

func TestScheduler_DrainAtCapLeavesHead(t *testing.T) {
	opts := fastOptions()
	opts.MaxConcurrent = 1
	h := newHarness(t, opts, true, nil)
	p := h.project(t, "blocked")

	h.store.MarkSessionActive("external")
	h.sched.SubmitTrigger(context.Background(), p.ID, project.PriorityCritical)

	assert.False(t, h.sched.Drain(context.Background()))
	head, ok := h.sched.queue.Peek()
	require.True(t, ok)
	assert.Equal(t, p.ID, head.ProjectID)
	assert.Empty(t, h.store.GetAllSessions())

	h.store.MarkSessionInactive("external")
	assert.True(t, h.sched.Drain(context.Background()))
	assert.False(t, h.sched.Drain(context.Background()), "empty queue")
	h.exec.release(project.SessionLabel(p.ID))
	h.sched.Wait()
}

func TestScheduler_HandleTriggerRecordsLastTriggered(t *testing.T) {
	h := newHarness(t, fastOptions(), false, nil)
	p := h.project(t, "evt")
	evt, err := h.store.CreateEvent(project.CreateEventInput{Type: project.EventWebhook, ProjectID: p.ID})
	require.NoError(t, err)

	h.sched.HandleTrigger(context.Background(), project.WorkTrigger{
		EventID:     evt.ID,
		ProjectID:   p.ID,
		Priority:    project.PriorityLow,
		TriggeredAt: 1234,
	})
	h.sched.Wait()

	got, _ := h.store.GetEvent(evt.ID)
	require.NotNil(t, got.LastTriggered)
	assert.Equal(t, int64(1234), *got.LastTriggered)
}

func TestScheduler_RemoveQueuedForProject(t *testing.T) {
	opts := fastOptions()
	opts.MaxConcurrent = 1
	h := newHarness(t, opts, true, nil)
	a := h.project(t, "a")
	b := h.project(t, "b")

	h.sched.SubmitTrigger(context.Background(), a.ID, project.PriorityMedium)
	h.sched.SubmitTrigger(context.Background(), b.ID, project.PriorityMedium)
	h.sched.SubmitTrigger(context.Background(), b.ID, project.PriorityLow)

	assert.Equal(t, 2, h.sched.RemoveQueuedForProject(b.ID))
	assert.Equal(t, 0, h.sched.Status().QueueSize)

	h.exec.release(project.SessionLabel(a.ID))
	h.sched.Wait()
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	h := newHarness(t, fastOptions(), false, nil)
	ctx := context.Background()

	require.NoError(t, h.sched.Start(ctx))
	require.NoError(t, h.sched.Start(ctx))
	assert.True(t, h.sched.Running())

	require.NoError(t, h.sched.Stop(ctx))
	require.NoError(t, h.sched.Stop(ctx))
	assert.False(t, h.sched.Running())

	require.NoError(t, h.sched.Start(ctx))
	assert.True(t, h.sched.Status().Running)
	require.NoError(t, h.sched.Stop(ctx))
}

func TestScheduler_StopDoesNotCancelSessions(t *testing.T) {
	h := newHarness(t, fastOptions(), true, nil)
	p := h.project(t, "long")
	ctx := context.Background()

	require.NoError(t, h.sched.Start(ctx))
	h.sched.SubmitTrigger(ctx, p.ID, project.PriorityMedium)
	require.NoError(t, h.sched.Stop(ctx))

	assert.Equal(t, 1, h.store.ActiveSessionCount())
	h.exec.release(project.SessionLabel(p.ID))
	h.sched.Wait()
	assert.Equal(t, project.SessionCompleted, onlySession(t, h.store).Status)
}

func TestScheduler_NotifierErrorIsNotFatal(t *testing.T) {
	h := newHarness(t, fastOptions(), false, nil)
	h.notifier.err = errors.New("slack down")
	p := h.project(t, "n")

	h.sched.SubmitTrigger(context.Background(), p.ID, project.PriorityMedium)
	h.sched.Wait()

	assert.Equal(t, project.SessionCompleted, onlySession(t, h.store).Status)
}

func TestScheduler_FiresThroughEventSource(t *testing.T) {
	mgr, err := event.NewManager(event.Options{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	h := newHarness(t, fastOptions(), false, mgr)
	p := h.project(t, "hooked")
	evt, err := h.store.CreateEvent(project.CreateEventInput{
		Type:      project.EventWebhook,
		ProjectID: p.ID,
		Priority:  project.PriorityHigh,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.sched.Start(ctx))
	assert.Equal(t, 1, h.sched.Status().Events.Webhooks)

	fired, err := h.sched.FireEvent(ctx, evt.ID)
	require.NoError(t, err)
	assert.True(t, fired)

	require.Eventually(t, func() bool {
		sessions := h.store.GetAllSessions()
		return len(sessions) == 1 && sessions[0].Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, project.SessionCompleted, onlySession(t, h.store).Status)

	_, err = h.sched.FireEvent(ctx, "missing")
	assert.True(t, perrors.IsNotFound(err))

	h.store.UpdateEvent(evt.ID, project.EventUpdate{Enabled: project.Ptr(false)})
	fired, err = h.sched.FireEvent(ctx, evt.ID)
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestScheduler_WaitWhileRunning(t *testing.T) {
	opts := fastOptions()
	opts.MaxConcurrent = 4
	opts.SimulationDelay = time.Millisecond
	h := newHarness(t, opts, false, nil)
	p := h.project(t, "busy")

	ctx := context.Background()
	require.NoError(t, h.sched.Start(ctx))

	const triggers = 20
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < triggers; i++ {
			h.sched.SubmitTrigger(ctx, p.ID, project.PriorityMedium)
			time.Sleep(time.Millisecond)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < triggers; i++ {
			h.sched.Wait()
		}
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		sessions := h.store.GetAllSessions()
		if len(sessions) != triggers {
			return false
		}
		for _, ws := range sessions {
			if !ws.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	h.sched.Wait()
	assert.Zero(t, h.store.ActiveSessionCount())
}

func TestScheduler_StopPersists(t *testing.T) {
	backend, err := store.NewJSONFiles(filepath.Join(t.TempDir(), "data"), zerolog.Nop())
	require.NoError(t, err)
	st := project.NewStore(backend, zerolog.Nop())
	sched := New(Deps{Store: st}, fastOptions(), zerolog.Nop())

	_, err = st.CreateProject(project.CreateProjectInput{Name: "persist me"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))
	require.NoError(t, sched.Stop(ctx))

	reloaded := project.NewStore(backend, zerolog.Nop())
	require.NoError(t, reloaded.Load(ctx))
	assert.Len(t, reloaded.GetAllProjects(), 1)
}
