// File: internal/orchestrator/orchestrator.go
// Description: Owns the run state and routes commands to the scheduler. All
// commands are handled by a single dispatcher goroutine, in arrival order.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/config"
	"github.com/xkilldash9x/autoreg/internal/events"
	"github.com/xkilldash9x/autoreg/internal/runstate"
	"github.com/xkilldash9x/autoreg/internal/scheduler"
	"github.com/xkilldash9x/autoreg/internal/store"
)

const (
	inboxSize      = 16
	persistTimeout = 30 * time.Second
)

var (
	// ErrClosed is returned for commands sent after Teardown.
	ErrClosed = errors.New("orchestrator is shut down")
	// ErrBusy is returned when the inbox is full.
	ErrBusy = errors.New("command inbox is full")
	// ErrNotInitialized is returned for commands sent before Init.
	ErrNotInitialized = errors.New("orchestrator is not initialized")
)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Config *config.Config
	Logger *zap.Logger
	Store  store.Store
	Bus    *events.Bus
	Runner scheduler.Runner
	// State and Persister are created when nil. Pass them in when other
	// components (the browser allocator) must share them.
	State            *runstate.RunState
	Persister        *Persister
	SchedulerOptions []scheduler.Option
}

type envelope struct {
	cmd   Command
	reply chan error
}

// Orchestrator wires the run state, the scheduler and the persistence port.
type Orchestrator struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     store.Store
	bus       *events.Bus
	state     *runstate.RunState
	persister *Persister
	sched     *scheduler.Scheduler

	mu         sync.RWMutex
	inbox      chan envelope
	started    bool
	closed     bool
	closing    atomic.Bool
	runCtx     context.Context
	cancelRun  context.CancelFunc
	dispatched chan struct{} // closed once the inbox is drained
	wg         sync.WaitGroup
}

// New creates an orchestrator. Call Init before dispatching commands.
func New(d Deps) (*Orchestrator, error) {
	if d.Config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if d.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if d.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if d.Bus == nil {
		return nil, errors.New("event bus cannot be nil")
	}
	if d.Runner == nil {
		return nil, errors.New("runner cannot be nil")
	}

	state := d.State
	if state == nil {
		state = runstate.New()
	}
	persister := d.Persister
	if persister == nil {
		var err error
		if persister, err = NewPersister(state, d.Store); err != nil {
			return nil, err
		}
	}
	if persister.state != state {
		return nil, errors.New("persister must share the orchestrator's run state")
	}

	logger := d.Logger.Named("orchestrator")
	sched, err := scheduler.New(d.Logger, state, d.Runner, persister, d.Bus, d.Config.Scheduler, d.SchedulerOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Orchestrator{
		cfg:       d.Config,
		logger:    logger,
		store:     d.Store,
		bus:       d.Bus,
		state:     state,
		persister: persister,
		sched:     sched,
		inbox:     make(chan envelope, inboxSize),
	}, nil
}

// Init restores persisted state and starts the dispatcher. A restored queue
// is not resumed until a Resume command arrives.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.started {
		return nil
	}

	ps, err := o.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted state: %w", err)
	}
	o.state.Restore(ps)
	if ps != nil {
		stats := o.state.Stats()
		o.logger.Info("Restored run state.",
			zap.String("run_id", o.state.RunID()),
			zap.Int("pending", stats.Pending),
			zap.Int("processed", stats.Processed),
			zap.String("surface", o.state.SurfaceID()),
		)
	}

	o.runCtx, o.cancelRun = context.WithCancel(context.Background())
	o.started = true
	o.dispatched = make(chan struct{})
	go o.dispatch()
	return nil
}

// Dispatch queues cmd without waiting for it to be handled. The outcome is
// reported on the event bus.
func (o *Orchestrator) Dispatch(cmd Command) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if err := o.acceptingLocked(); err != nil {
		return err
	}
	select {
	case o.inbox <- envelope{cmd: cmd}:
		return nil
	default:
		return ErrBusy
	}
}

// Execute queues cmd and waits for its handler to finish.
func (o *Orchestrator) Execute(ctx context.Context, cmd Command) error {
	reply := make(chan error, 1)
	o.mu.RLock()
	if err := o.acceptingLocked(); err != nil {
		o.mu.RUnlock()
		return err
	}
	select {
	case o.inbox <- envelope{cmd: cmd, reply: reply}:
	case <-ctx.Done():
		o.mu.RUnlock()
		return ctx.Err()
	}
	o.mu.RUnlock()

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) acceptingLocked() error {
	if o.closed {
		return ErrClosed
	}
	if !o.started {
		return ErrNotInitialized
	}
	return nil
}

// Snapshot returns a copy of the run state.
func (o *Orchestrator) Snapshot() schemas.RunSnapshot {
	return o.state.Snapshot()
}

// WaitRun blocks until the current drain loop exits and returns its error.
func (o *Orchestrator) WaitRun() error {
	return o.sched.Wait()
}

// Teardown stops the scheduler, waits for the in-flight task, writes a final
// snapshot and closes the event bus.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.closing.Store(true)
	started := o.started
	if started {
		close(o.inbox)
	}
	o.mu.Unlock()

	if !started {
		o.bus.Shutdown()
		return nil
	}

	o.logger.Info("Shutting down orchestrator.")
	// Queued commands are drained first so nothing starts after the stop.
	<-o.dispatched
	o.sched.Stop()

	done := make(chan struct{})
	go func() {
		_ = o.sched.Wait()
		o.wg.Wait()
		close(done)
	}()

	var result error
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("Timed out waiting for the in-flight task, interrupting it.", zap.Error(ctx.Err()))
		o.cancelRun()
		<-done
	}
	o.cancelRun()

	if err := o.persist(); err != nil {
		result = err
	}
	o.bus.Shutdown()
	o.logger.Info("Orchestrator shutdown complete.")
	return result
}

func (o *Orchestrator) dispatch() {
	defer close(o.dispatched)
	for env := range o.inbox {
		err := o.handle(env.cmd)
		if err != nil {
			o.logger.Warn("Command failed.", zap.String("command", CommandName(env.cmd)), zap.Error(err))
			o.bus.Log(events.LevelError, fmt.Sprintf("%s failed: %v", CommandName(env.cmd), err))
		}
		if env.reply != nil {
			env.reply <- err
		}
	}
}

func (o *Orchestrator) handle(cmd Command) error {
	if o.isClosed() {
		switch cmd.(type) {
		case StartRun, *StartRun, Resume, *Resume:
			return ErrClosed
		}
	}
	switch c := cmd.(type) {
	case StartRun:
		return o.startRun(c)
	case *StartRun:
		if c == nil {
			return errors.New("startRun requires params")
		}
		return o.startRun(*c)
	case Pause, *Pause:
		return o.pause()
	case Resume, *Resume:
		return o.resume()
	case Stop, *Stop:
		return o.stop()
	}
	return fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
}

func (o *Orchestrator) startRun(c StartRun) error {
	if len(c.Events) == 0 {
		return errors.New("no events to register for")
	}
	settings := o.resolveSettings(c.Settings)

	tasks := make([]*schemas.RegistrationTask, 0, len(c.Events))
	for _, ev := range c.Events {
		tasks = append(tasks, schemas.NewTask(ev))
	}
	if err := o.sched.EnqueueRun(o.runCtx, tasks, settings); err != nil {
		return err
	}
	o.watchRun()

	if err := o.persist(); err != nil {
		return err
	}
	o.bus.Log(events.LevelInfo, fmt.Sprintf("Run started with %d events", len(tasks)))
	return nil
}

func (o *Orchestrator) pause() error {
	if !o.sched.Pause() {
		o.bus.Log(events.LevelWarn, "Nothing to pause")
		return nil
	}
	if err := o.persist(); err != nil {
		return err
	}
	o.bus.Log(events.LevelInfo, "Pause requested; the current task will finish first")
	return nil
}

func (o *Orchestrator) resume() error {
	switch {
	case o.sched.Resume():
	case !o.sched.Active() && o.state.Remaining() > 0:
		if err := o.sched.ResumeFromState(o.runCtx); err != nil {
			return err
		}
		o.watchRun()
	default:
		o.bus.Log(events.LevelWarn, "Nothing to resume")
		return nil
	}
	if err := o.persist(); err != nil {
		return err
	}
	o.bus.Log(events.LevelInfo, fmt.Sprintf("Run resumed with %d tasks remaining", o.state.Remaining()))
	return nil
}

func (o *Orchestrator) stop() error {
	o.sched.Stop()
	if err := o.persist(); err != nil {
		return err
	}
	o.bus.Log(events.LevelInfo, "Stop requested; pages are left open for inspection")
	return nil
}

// isClosed is lock-free: the dispatcher must never wait on o.mu.
func (o *Orchestrator) isClosed() bool {
	return o.closing.Load()
}

// watchRun escalates a drain failure: the run is stopped and reported.
func (o *Orchestrator) watchRun() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		err := o.sched.Wait()
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		o.state.SetMode(schemas.ModeStopped)
		o.logger.Error("Run aborted.", zap.Error(err))
		o.bus.Log(events.LevelError, fmt.Sprintf("Run stopped: %v", err))
	}()
}

// resolveSettings fills what the command left out from configuration.
func (o *Orchestrator) resolveSettings(in *schemas.Settings) schemas.Settings {
	var s schemas.Settings
	if in != nil {
		s = *in
	} else {
		s.DelayBetweenMs = int(o.cfg.Scheduler.DefaultDelay / time.Millisecond)
	}
	if len(s.ProfileFields) == 0 && len(o.cfg.Profile) > 0 {
		s.ProfileFields = make(schemas.ProfileFields, len(o.cfg.Profile))
		for k, v := range o.cfg.Profile {
			s.ProfileFields[k] = v
		}
	}
	if s.DelayBetweenMs < 0 {
		s.DelayBetweenMs = 0
	}
	return s
}

func (o *Orchestrator) persist() error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.persister.Persist(ctx); err != nil {
		o.logger.Error("Failed to persist run state.", zap.Error(err))
		return fmt.Errorf("failed to persist run state: %w", err)
	}
	return nil
}
