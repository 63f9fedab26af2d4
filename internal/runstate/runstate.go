// Package runstate holds the process-wide run state: the FIFO queue, the results
// log, derived stats, the run settings, the execution surface id and the
// scheduler mode. All access goes through methods guarded by one mutex.
//
// The front of the queue stays in the queue while it is being worked on and is
// moved to the results atomically when it resolves, so a crash mid-task never
// loses it and the stats invariants hold at every observable point.
package runstate

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

// ErrEmptyQueue is returned when resolving with nothing in flight.
var ErrEmptyQueue = errors.New("run queue is empty")

// RunState is the mutable run state owned by the orchestrator.
type RunState struct {
	mu        sync.RWMutex
	runID     string
	mode      schemas.Mode
	queue     []*schemas.RegistrationTask
	results   []*schemas.RegistrationTask
	stats     schemas.Stats
	settings  *schemas.Settings
	surfaceID string
}

// New returns an empty, idle run state.
func New() *RunState {
	return &RunState{mode: schemas.ModeIdle}
}

// Restore loads a persisted document. Tasks left mid-flight by a crash are
// reset to pending so they are attempted again.
func (r *RunState) Restore(ps *schemas.PersistedState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queue = nil
	r.results = nil
	r.settings = nil
	r.surfaceID = ""
	r.runID = ""
	r.mode = schemas.ModeIdle
	if ps == nil {
		r.recompute()
		return
	}

	for _, t := range ps.Queue {
		if t == nil {
			continue
		}
		c := t.Clone()
		if !c.Status.IsTerminal() {
			c.Status = schemas.StatusPending
			c.Message = ""
		}
		r.queue = append(r.queue, c)
	}
	for _, t := range ps.Results {
		if t != nil {
			r.results = append(r.results, t.Clone())
		}
	}
	if ps.Settings != nil {
		s := *ps.Settings
		r.settings = &s
	}
	if ps.TargetSurfaceID != nil {
		r.surfaceID = *ps.TargetSurfaceID
	}
	r.runID = ps.RunID
	r.recompute()
}

// Reset replaces the queue and results for a new run and returns the new run id.
func (r *RunState) Reset(tasks []*schemas.RegistrationTask, settings schemas.Settings) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queue = make([]*schemas.RegistrationTask, 0, len(tasks))
	for _, t := range tasks {
		c := t.Clone()
		c.Status = schemas.StatusPending
		c.Message = ""
		c.AttemptedAt = nil
		c.ResolvedAt = nil
		c.ChallengeSeen = false
		c.SetPage(nil)
		r.queue = append(r.queue, c)
	}
	r.results = nil
	s := settings
	r.settings = &s
	r.runID = uuid.NewString()
	r.recompute()
	return r.runID
}

// Front returns the task at the head of the queue without removing it.
func (r *RunState) Front() (*schemas.RegistrationTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.queue) == 0 {
		return nil, false
	}
	return r.queue[0], true
}

// UpdateFront applies fn to the in-flight task under the lock.
func (r *RunState) UpdateFront(fn func(t *schemas.RegistrationTask)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) > 0 {
		fn(r.queue[0])
	}
}

// ResolveFront moves the head task to the results and recomputes the stats.
// The task must already carry a terminal status.
func (r *RunState) ResolveFront() (*schemas.RegistrationTask, schemas.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil, r.stats, ErrEmptyQueue
	}
	t := r.queue[0]
	if !t.Status.IsTerminal() {
		return nil, r.stats, errors.New("cannot resolve a task without a terminal status")
	}
	r.queue[0] = nil
	r.queue = r.queue[1:]
	r.results = append(r.results, t)
	r.recompute()
	return t.Clone(), r.stats, nil
}

// recompute derives the stats. Callers hold the write lock.
func (r *RunState) recompute() {
	s := schemas.Stats{Pending: len(r.queue)}
	for _, t := range r.results {
		switch t.Status {
		case schemas.StatusSuccess:
			s.Success++
		case schemas.StatusManual:
			s.Manual++
		default:
			s.Failed++
		}
	}
	s.Processed = s.Success + s.Failed + s.Manual
	s.Total = s.Processed + s.Pending
	r.stats = s
}

// Remaining is the number of tasks still queued, including the in-flight one.
func (r *RunState) Remaining() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queue)
}

func (r *RunState) RunID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runID
}

func (r *RunState) Stats() schemas.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func (r *RunState) Mode() schemas.Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// SetMode changes the mode and returns the previous one.
func (r *RunState) SetMode(m schemas.Mode) schemas.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.mode
	r.mode = m
	return prev
}

// CompareAndSetMode changes the mode only when it currently equals from.
func (r *RunState) CompareAndSetMode(from, to schemas.Mode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode != from {
		return false
	}
	r.mode = to
	return true
}

// Settings returns the settings of the current run, if any.
func (r *RunState) Settings() (schemas.Settings, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.settings == nil {
		return schemas.Settings{}, false
	}
	return *r.settings, true
}

func (r *RunState) SurfaceID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.surfaceID
}

func (r *RunState) SetSurfaceID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.surfaceID = id
}

// Persisted renders the state as the document written to the persistence port.
func (r *RunState) Persisted() *schemas.PersistedState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ps := &schemas.PersistedState{
		RunID:     r.runID,
		Queue:     cloneTasks(r.queue),
		Results:   cloneTasks(r.results),
		Stats:     r.stats,
		UpdatedAt: time.Now().UTC(),
	}
	if r.surfaceID != "" {
		id := r.surfaceID
		ps.TargetSurfaceID = &id
	}
	if r.settings != nil {
		s := *r.settings
		ps.Settings = &s
	}
	return ps
}

// Snapshot returns a read-only copy for status queries.
func (r *RunState) Snapshot() schemas.RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := schemas.RunSnapshot{
		RunID:           r.runID,
		Mode:            r.mode,
		Queue:           cloneTasks(r.queue),
		Results:         cloneTasks(r.results),
		Stats:           r.stats,
		TargetSurfaceID: r.surfaceID,
	}
	if r.settings != nil {
		s := *r.settings
		snap.Settings = &s
	}
	return snap
}

func cloneTasks(in []*schemas.RegistrationTask) []*schemas.RegistrationTask {
	out := make([]*schemas.RegistrationTask, 0, len(in))
	for _, t := range in {
		out = append(out, t.Clone())
	}
	return out
}
