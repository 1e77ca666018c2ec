// Package queue holds pending work triggers ordered by priority, then by
// arrival.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/p-blackswan/awm/internal/project"
)

// Entry is a queued trigger plus its arrival bookkeeping.
type Entry struct {
	Trigger  project.WorkTrigger `json:"trigger"`
	QueuedAt int64               `json:"queuedAt"` // Unix ms
	seq      uint64
}

// WorkQueue is a priority queue of work triggers. Safe for concurrent use.
type WorkQueue struct {
	mu      sync.Mutex
	entries []Entry
	nextSeq uint64
	now     func() time.Time
}

// New returns an empty queue.
func New() *WorkQueue {
	return &WorkQueue{now: time.Now}
}

// Enqueue inserts t behind every entry of equal or higher priority.
func (q *WorkQueue) Enqueue(t project.WorkTrigger) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	q.entries = append(q.entries, Entry{
		Trigger:  t,
		QueuedAt: q.now().UnixMilli(),
		seq:      q.nextSeq,
	})
	sort.SliceStable(q.entries, func(i, j int) bool {
		a, b := q.entries[i], q.entries[j]
		if ra, rb := a.Trigger.Priority.Rank(), b.Trigger.Priority.Rank(); ra != rb {
			return ra < rb
		}
		return a.seq < b.seq
	})
}

// Dequeue removes and returns the head. ok is false when the queue is empty.
func (q *WorkQueue) Dequeue() (project.WorkTrigger, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return project.WorkTrigger{}, false
	}
	head := q.entries[0]
	q.entries[0] = Entry{}
	q.entries = q.entries[1:]
	return head.Trigger, true
}

// Peek returns the head without removing it.
func (q *WorkQueue) Peek() (project.WorkTrigger, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return project.WorkTrigger{}, false
	}
	return q.entries[0].Trigger, true
}

// Size returns the number of queued triggers.
func (q *WorkQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IsEmpty reports whether the queue has no entries.
func (q *WorkQueue) IsEmpty() bool {
	return q.Size() == 0
}

// Clear drops every entry.
func (q *WorkQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

// RemoveByProject drops every entry for projectID and returns how many
// were removed. Relative order of the rest is preserved.
func (q *WorkQueue) RemoveByProject(projectID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if e.Trigger.ProjectID == projectID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = Entry{}
	}
	q.entries = kept
	return removed
}

// Snapshot returns a copy of the queue in drain order.
func (q *WorkQueue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}
