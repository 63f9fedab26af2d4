package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/xkilldash9x/autoreg/internal/runstate"
	"github.com/xkilldash9x/autoreg/internal/store"
)

// Persister writes the run state through the store. It also records the
// execution surface id for the browser allocator.
type Persister struct {
	state *runstate.RunState
	store store.Store
	mu    sync.Mutex
}

// NewPersister creates a persister over state and st.
func NewPersister(state *runstate.RunState, st store.Store) (*Persister, error) {
	if state == nil {
		return nil, errors.New("run state cannot be nil")
	}
	if st == nil {
		return nil, errors.New("store cannot be nil")
	}
	return &Persister{state: state, store: st}, nil
}

// Persist saves a snapshot of the run state. Saves are serialized so the last
// call always wins.
func (p *Persister) Persist(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Save(ctx, p.state.Persisted())
}

func (p *Persister) SurfaceID() string {
	return p.state.SurfaceID()
}

// SaveSurfaceID records id as the execution surface and persists it.
func (p *Persister) SaveSurfaceID(ctx context.Context, id string) error {
	p.state.SetSurfaceID(id)
	return p.Persist(ctx)
}
