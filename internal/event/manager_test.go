package event

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/awm/internal/errors"
	"github.com/p-blackswan/awm/internal/project"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(opts, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func manualEvent(id string) project.WorkEvent {
	return project.WorkEvent{
		ID:        id,
		Type:      project.EventManual,
		ProjectID: "proj-" + id,
		Priority:  project.PriorityHigh,
		Enabled:   true,
	}
}

func TestValidateCron(t *testing.T) {
	assert.NoError(t, ValidateCron("0 9 * * 1-5"))
	assert.NoError(t, ValidateCron("*/5 * * * *"))

	err := ValidateCron("not a cron")
	require.Error(t, err)
	assert.True(t, perrors.IsInvalid(err))
	assert.Error(t, ValidateCron("0 0 9 * * *"), "seconds field is not accepted")
}

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	next, err := NextRun("0 9 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), next)

	_, err = NextRun("bogus", from)
	assert.Error(t, err)
}

func TestManager_StartStopIdempotent(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx))
	assert.True(t, m.Status().Running)

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	assert.False(t, m.Status().Running)
}

func TestManager_Fire(t *testing.T) {
	m := newTestManager(t, Options{})
	evt := manualEvent("e1")

	assert.False(t, m.Fire(evt), "stopped manager does not fire")

	require.NoError(t, m.Start(context.Background()))
	require.True(t, m.Fire(evt))

	select {
	case trig := <-m.Triggers():
		assert.Equal(t, "e1", trig.EventID)
		assert.Equal(t, "proj-e1", trig.ProjectID)
		assert.Equal(t, project.PriorityHigh, trig.Priority)
		assert.NotZero(t, trig.TriggeredAt)
	case <-time.After(time.Second):
		t.Fatal("no trigger delivered")
	}

	evt.Enabled = false
	assert.False(t, m.Fire(evt), "disabled event does not fire")
}

func TestManager_FireDropsWhenFull(t *testing.T) {
	m := newTestManager(t, Options{Buffer: 1})
	require.NoError(t, m.Start(context.Background()))

	assert.True(t, m.Fire(manualEvent("a")))
	assert.False(t, m.Fire(manualEvent("b")))
}

func TestManager_RegisterAndStatus(t *testing.T) {
	m := newTestManager(t, Options{})
	dir := t.TempDir()

	require.NoError(t, m.Register(project.WorkEvent{ID: "t1", Type: project.EventTime, Trigger: "0 9 * * *", Enabled: true}))
	require.NoError(t, m.Register(project.WorkEvent{ID: "f1", Type: project.EventFile, Trigger: filepath.Join(dir, "notes.md"), Enabled: true}))
	require.NoError(t, m.Register(project.WorkEvent{ID: "w1", Type: project.EventWebhook, Enabled: true}))
	require.NoError(t, m.Register(manualEvent("m1")))

	st := m.Status()
	assert.Equal(t, 1, st.CronJobs)
	assert.Equal(t, 1, st.FileWatchers)
	assert.Equal(t, 1, st.Webhooks)
	assert.Equal(t, 1, st.Manual)
	assert.Contains(t, st.NextRuns, "t1")

	// Re-registering replaces rather than duplicates.
	require.NoError(t, m.Register(project.WorkEvent{ID: "t1", Type: project.EventTime, Trigger: "30 10 * * *", Enabled: true}))
	assert.Equal(t, 1, m.Status().CronJobs)

	m.Unregister("t1")
	m.Unregister("f1")
	m.Unregister("unknown")
	st = m.Status()
	assert.Equal(t, 0, st.CronJobs)
	assert.Equal(t, 0, st.FileWatchers)
}

func TestManager_RegisterInvalid(t *testing.T) {
	m := newTestManager(t, Options{})

	err := m.Register(project.WorkEvent{ID: "bad", Type: project.EventTime, Trigger: "every day"})
	assert.True(t, perrors.IsInvalid(err))

	err = m.Register(project.WorkEvent{ID: "none", Type: project.EventTime})
	assert.True(t, perrors.IsInvalid(err))

	err = m.Register(project.WorkEvent{ID: "nofile", Type: project.EventFile})
	assert.True(t, perrors.IsInvalid(err))

	err = m.Register(project.WorkEvent{ID: "odd", Type: "carrier-pigeon"})
	assert.True(t, perrors.IsInvalid(err))

	assert.Equal(t, Status{NextRuns: map[string]time.Time{}}, m.Status())
}

func TestManager_PastOneShotStaysRegistered(t *testing.T) {
	m := newTestManager(t, Options{})
	past := time.Now().Add(-time.Hour).UnixMilli()

	require.NoError(t, m.Register(project.WorkEvent{ID: "once", Type: project.EventTime, ScheduledAt: &past, Enabled: true}))
	assert.Equal(t, 1, m.Status().CronJobs)
}

func TestManager_FileEventFiresAfterDebounce(t *testing.T) {
	m := newTestManager(t, Options{Debounce: 20 * time.Millisecond})
	dir := t.TempDir()
	target := filepath.Join(dir, "TODO.md")

	require.NoError(t, m.Register(project.WorkEvent{
		ID:        "file",
		Type:      project.EventFile,
		ProjectID: "p1",
		Priority:  project.PriorityLow,
		Trigger:   target,
		Enabled:   true,
	}))
	require.NoError(t, m.Start(context.Background()))

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))
	select {
	case trig := <-m.Triggers():
		t.Fatalf("unexpected trigger %+v", trig)
	case <-time.After(150 * time.Millisecond):
	}

	// A burst of writes collapses into one trigger.
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(target, []byte{byte('a' + i)}, 0o644))
	}

	select {
	case trig := <-m.Triggers():
		assert.Equal(t, "file", trig.EventID)
		assert.Equal(t, project.PriorityLow, trig.Priority)
	case <-time.After(3 * time.Second):
		t.Fatal("file change did not fire")
	}

	select {
	case trig := <-m.Triggers():
		t.Fatalf("debounce let a second trigger through: %+v", trig)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManager_DisabledFileEventDoesNotFire(t *testing.T) {
	m := newTestManager(t, Options{Debounce: 10 * time.Millisecond})
	dir := t.TempDir()

	require.NoError(t, m.Register(project.WorkEvent{ID: "off", Type: project.EventFile, Trigger: dir, Enabled: false}))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	select {
	case trig := <-m.Triggers():
		t.Fatalf("disabled event fired: %+v", trig)
	case <-time.After(200 * time.Millisecond):
	}
}
