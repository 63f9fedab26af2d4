// File: internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/config"
	"github.com/xkilldash9x/autoreg/internal/events"
	"github.com/xkilldash9x/autoreg/internal/runstate"
)

// ErrRunActive is returned when a run is started while another is draining.
var ErrRunActive = errors.New("a run is already in progress")

// Runner resolves one task in place. *task.Machine satisfies it. Runners
// report intermediate states with schemas.ReportProgress on ctx.
type Runner interface {
	Run(ctx, cleanupCtx context.Context, t *schemas.RegistrationTask, settings schemas.Settings)
}

// Persister writes the current run state through the persistence port.
type Persister interface {
	Persist(ctx context.Context) error
}

// Publisher is the part of the event bus the scheduler emits to.
type Publisher interface {
	Log(level events.Level, text string)
	StatsUpdated(stats schemas.Stats)
	TaskResolved(task *schemas.RegistrationTask)
	RunComplete(stats schemas.Stats)
}

// Scheduler drains the run queue one task at a time.
type Scheduler struct {
	logger    *zap.Logger
	state     *runstate.RunState
	runner    Runner
	persister Persister
	bus       Publisher
	jitter    float64

	after  func(time.Duration) <-chan time.Time
	random func() float64

	mu      sync.Mutex
	active  bool
	done    chan struct{}
	lastErr error
	stopCh  chan struct{}
	stopped bool
	cancel  context.CancelFunc
	wake    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithAfterFunc replaces time.After for the inter-task delay.
func WithAfterFunc(after func(time.Duration) <-chan time.Time) Option {
	return func(s *Scheduler) { s.after = after }
}

// WithRandom replaces the jitter source. It must return values in [0, 1).
func WithRandom(random func() float64) Option {
	return func(s *Scheduler) { s.random = random }
}

// New creates a scheduler over state.
func New(logger *zap.Logger, state *runstate.RunState, runner Runner, persister Persister, bus Publisher, cfg config.SchedulerConfig, opts ...Option) (*Scheduler, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if state == nil {
		return nil, errors.New("run state cannot be nil")
	}
	if runner == nil {
		return nil, errors.New("runner cannot be nil")
	}
	if persister == nil {
		return nil, errors.New("persister cannot be nil")
	}
	if bus == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	s := &Scheduler{
		logger:    logger.Named("scheduler"),
		state:     state,
		runner:    runner,
		persister: persister,
		bus:       bus,
		jitter:    cfg.JitterRatio,
		after:     time.After,
		random:    rand.Float64,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnqueueRun replaces the queue with tasks and starts draining it.
func (s *Scheduler) EnqueueRun(ctx context.Context, tasks []*schemas.RegistrationTask, settings schemas.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return ErrRunActive
	}

	if settings.ConcurrencyRequested > 1 {
		s.logger.Warn("Concurrency above 1 requested, running one task at a time.", zap.Int("requested", settings.ConcurrencyRequested))
		s.bus.Log(events.LevelWarn, fmt.Sprintf("Concurrency %d requested; tasks run one at a time", settings.ConcurrencyRequested))
	}

	runID := s.state.Reset(tasks, settings)
	s.state.SetMode(schemas.ModeRunning)
	s.bus.StatsUpdated(s.state.Stats())
	s.logger.Info("Run enqueued.", zap.String("run_id", runID), zap.Int("tasks", len(tasks)))

	s.startLocked(ctx)
	return nil
}

// ResumeFromState continues a restored queue. It is a no-op when the queue is empty.
func (s *Scheduler) ResumeFromState(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return ErrRunActive
	}
	if s.state.Remaining() == 0 {
		return nil
	}
	if _, ok := s.state.Settings(); !ok {
		return errors.New("restored queue has no run settings")
	}
	s.state.SetMode(schemas.ModeRunning)
	s.logger.Info("Resuming restored run.", zap.String("run_id", s.state.RunID()), zap.Int("remaining", s.state.Remaining()))
	s.startLocked(ctx)
	return nil
}

func (s *Scheduler) startLocked(ctx context.Context) {
	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.active = true
	s.stopped = false
	s.lastErr = nil
	s.cancel = cancel
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	// Drop a stale wake-up from a previous run.
	select {
	case <-s.wake:
	default:
	}

	stopCh, done := s.stopCh, s.done
	go func() {
		err := s.drain(ctx, cleanupCtx, stopCh)
		s.mu.Lock()
		s.active = false
		s.lastErr = err
		s.cancel = nil
		s.mu.Unlock()
		cancel()
		close(done)
	}()
}

// Pause takes effect at the next task boundary. The in-flight task completes.
func (s *Scheduler) Pause() bool {
	if !s.state.CompareAndSetMode(schemas.ModeRunning, schemas.ModePaused) {
		return false
	}
	s.logger.Info("Run paused.")
	return true
}

// Resume re-enters the drain loop after a pause.
func (s *Scheduler) Resume() bool {
	if !s.state.CompareAndSetMode(schemas.ModePaused, schemas.ModeRunning) {
		return false
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.logger.Info("Run resumed.")
	return true
}

// Stop halts the loop after the in-flight task. It does not cancel the
// attempt, but successful pages are left open instead of grace-closed.
func (s *Scheduler) Stop() {
	s.state.SetMode(schemas.ModeStopped)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Run stop requested.")
}

// Active reports whether the drain loop is running (or paused).
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Wait blocks until the current drain loop exits and returns its error.
func (s *Scheduler) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Scheduler) drain(ctx, cleanupCtx context.Context, stopCh <-chan struct{}) error {
	for {
		// -- Batch boundary --
		if s.state.Mode() == schemas.ModeStopped {
			s.bus.Log(events.LevelInfo, "Run stopped")
			return nil
		}
		front, ok := s.state.Front()
		if !ok {
			s.state.SetMode(schemas.ModeIdle)
			stats := s.state.Stats()
			s.logger.Info("Run complete.", zap.Int("success", stats.Success), zap.Int("failed", stats.Failed), zap.Int("manual", stats.Manual))
			s.bus.RunComplete(stats)
			return nil
		}
		if s.state.Mode() == schemas.ModePaused {
			s.bus.Log(events.LevelInfo, "Run paused")
			select {
			case <-s.wake:
			case <-stopCh:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		settings, _ := s.state.Settings()

		// -- Execute --
		t := front.Clone()
		s.runner.Run(schemas.WithProgress(ctx, s.trackFront), cleanupCtx, t, settings)
		if !t.Status.IsTerminal() {
			t.Resolve(schemas.StatusFailed, "task ended without an outcome", time.Now())
		}
		s.state.UpdateFront(func(live *schemas.RegistrationTask) { *live = *t })

		resolved, stats, err := s.state.ResolveFront()
		if err != nil {
			return fmt.Errorf("failed to resolve task: %w", err)
		}
		if err := s.persist(); err != nil {
			return err
		}
		s.bus.TaskResolved(resolved)
		s.bus.StatsUpdated(stats)

		if s.state.Remaining() == 0 || s.state.Mode() != schemas.ModeRunning {
			continue
		}

		// -- Delay --
		delay := s.nextDelay(settings.DelayBetween())
		if delay <= 0 {
			continue
		}
		s.logger.Debug("Waiting before next task.", zap.Duration("delay", delay))
		select {
		case <-s.after(delay):
		case <-stopCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// trackFront mirrors the in-flight task into the run state so snapshots
// show Opening and Automating while it runs.
func (s *Scheduler) trackFront(p *schemas.RegistrationTask) {
	s.state.UpdateFront(func(live *schemas.RegistrationTask) {
		if !live.Status.IsTerminal() {
			*live = *p
		}
	})
}

func (s *Scheduler) persist() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.persister.Persist(ctx); err != nil {
		s.logger.Error("Failed to persist run state.", zap.Error(err))
		return fmt.Errorf("failed to persist run state: %w", err)
	}
	return nil
}

// nextDelay is base plus uniform jitter in [0, jitter*base).
func (s *Scheduler) nextDelay(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if s.jitter <= 0 {
		return base
	}
	return base + time.Duration(s.random()*s.jitter*float64(base))
}
