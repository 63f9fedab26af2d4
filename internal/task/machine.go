// File: internal/task/machine.go
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/classifier"
	"github.com/xkilldash9x/autoreg/internal/config"
	"github.com/xkilldash9x/autoreg/internal/events"
)

// closePageTimeout bounds the grace-close of a successful page.
const closePageTimeout = 10 * time.Second

// Machine drives one registration task from opening through resolution.
// It never retries.
type Machine struct {
	logger   *zap.Logger
	alloc    Allocator
	driver   Driver
	reporter Reporter
	cfg      config.TaskConfig

	after func(time.Duration) <-chan time.Time
	now   func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithAfterFunc replaces time.After for every timer the machine waits on.
func WithAfterFunc(after func(time.Duration) <-chan time.Time) Option {
	return func(m *Machine) { m.after = after }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a task state machine.
func NewMachine(logger *zap.Logger, alloc Allocator, driver Driver, reporter Reporter, cfg config.TaskConfig, opts ...Option) (*Machine, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if alloc == nil {
		return nil, errors.New("allocator cannot be nil")
	}
	if driver == nil {
		return nil, errors.New("driver cannot be nil")
	}
	if reporter == nil {
		return nil, errors.New("reporter cannot be nil")
	}
	if cfg.BaseTimeout <= 0 {
		return nil, errors.New("base timeout must be positive")
	}

	m := &Machine{
		logger:   logger.Named("task"),
		alloc:    alloc,
		driver:   driver,
		reporter: reporter,
		cfg:      cfg,
		after:    time.After,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

type attemptResult struct {
	outcome schemas.DriverOutcome
	err     error
}

// Run resolves t in place. ctx bounds the whole attempt; cleanupCtx is
// cancelled on Stop, which skips the grace-close of a successful page.
// Intermediate states go to the schemas.ProgressFunc on ctx.
// On return t.Status is terminal.
func (m *Machine) Run(ctx, cleanupCtx context.Context, t *schemas.RegistrationTask, settings schemas.Settings) {
	logger := m.logger.With(zap.String("url", t.URL), zap.String("title", t.Title))
	started := m.now().UTC()
	t.AttemptedAt = &started
	t.Message = ""
	t.ChallengeSeen = false

	// -- Opening --
	t.Status = schemas.StatusOpening
	schemas.ReportProgress(ctx, t)
	m.reporter.Log(events.LevelInfo, fmt.Sprintf("Opening %s", t.Title))
	page, err := m.open(ctx, t.URL)
	if err != nil {
		logger.Warn("Could not open page.", zap.Error(err))
		m.resolve(t, schemas.StatusFailed, err.Error(), err)
		return
	}
	t.SetPage(page)
	schemas.ReportProgress(ctx, t)

	// -- Loading --
	if err := m.waitLoaded(ctx, page); err != nil {
		logger.Warn("Page did not load.", zap.Error(err))
		m.resolve(t, schemas.StatusFailed, err.Error(), err)
		return
	}
	if m.cfg.SettleDelay > 0 {
		select {
		case <-m.after(m.cfg.SettleDelay):
		case <-ctx.Done():
			m.resolve(t, schemas.StatusFailed, interruptedMessage(ctx.Err()), ctx.Err())
			return
		}
	}

	// -- Automating --
	t.Status = schemas.StatusAutomating
	schemas.ReportProgress(ctx, t)
	m.reporter.Log(events.LevelInfo, fmt.Sprintf("Automating %s", t.Title))

	deadline := NewDeadline(m.now(), m.cfg.BaseTimeout, m.cfg.ExtendedTimeout)
	attemptCtx, cancelAttempt := context.WithCancel(WithDeadline(ctx, deadline))
	defer cancelAttempt()

	resultCh := make(chan attemptResult, 1)
	opts := AttemptOptions{SkipManualFields: settings.SkipManualFields, AutoAcceptTerms: settings.AutoAcceptTerms}
	go func() {
		outcome, err := m.driver.Attempt(attemptCtx, page, settings.ProfileFields, opts)
		resultCh <- attemptResult{outcome: outcome, err: err}
	}()

	res, err := m.await(ctx, t, page, deadline, resultCh)
	// A resolved or abandoned attempt has nothing left to do.
	cancelAttempt()

	// -- Resolve --
	var timeoutErr *AutomationTimeoutError
	switch {
	case errors.As(err, &timeoutErr):
		result := classifier.Classify(classifier.Input{
			TimedOut:      true,
			ChallengeSeen: timeoutErr.ChallengeSeen,
			Timeout:       deadline.Total(),
		})
		m.resolve(t, result.Status, result.Message, err)
		return
	case err != nil:
		m.resolve(t, schemas.StatusFailed, interruptedMessage(err), err)
		return
	case res.err != nil:
		derr := &DriverError{Err: res.err}
		m.resolve(t, schemas.StatusFailed, derr.Error(), derr)
		return
	}

	result := classifier.Classify(classifier.Input{Outcome: &res.outcome, ChallengeSeen: t.ChallengeSeen})
	var cause error
	if result.Rule == 3 {
		cause = &ClassificationAmbiguous{Message: result.Message}
	}
	logger.Debug("Outcome classified.", zap.Int("rule", result.Rule), zap.String("status", string(result.Status)))
	m.resolve(t, result.Status, result.Message, cause)

	if result.Status == schemas.StatusSuccess {
		m.closeAfterGrace(ctx, cleanupCtx, t, page)
	}
}

// open obtains a page. Surface recreation and its single retry belong to the allocator.
func (m *Machine) open(ctx context.Context, url string) (Page, error) {
	surfaceID, err := m.alloc.GetOrCreateSurface(ctx)
	if err == nil {
		var page Page
		if page, err = m.alloc.OpenPage(ctx, surfaceID, url); err == nil {
			return page, nil
		}
	}
	var allocErr *AllocationError
	if errors.As(err, &allocErr) {
		return nil, allocErr
	}
	return nil, &AllocationError{Err: err}
}

func (m *Machine) waitLoaded(ctx context.Context, page Page) error {
	if m.cfg.LoadTimeout <= 0 {
		return page.WaitLoaded(ctx)
	}
	loadCtx, cancel := context.WithTimeout(ctx, m.cfg.LoadTimeout)
	defer cancel()

	err := page.WaitLoaded(loadCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(loadCtx.Err(), context.DeadlineExceeded) {
		return &LoadTimeoutError{Timeout: m.cfg.LoadTimeout, Err: err}
	}
	return fmt.Errorf("page failed to load: %w", err)
}

// await races the attempt against the two-phase deadline.
func (m *Machine) await(ctx context.Context, t *schemas.RegistrationTask, page Page, dl *Deadline, resultCh <-chan attemptResult) (attemptResult, error) {
	select {
	case res := <-resultCh:
		return res, nil
	case <-m.after(dl.Base().Sub(m.now())):
	case <-ctx.Done():
		return attemptResult{}, ctx.Err()
	}

	// Base deadline reached. Only a visible challenge earns more time.
	if !m.probe(ctx, page) {
		return attemptResult{}, &AutomationTimeoutError{Deadline: dl, ChallengeSeen: false}
	}
	t.ChallengeSeen = true
	schemas.ReportProgress(ctx, t)
	if !dl.Extend() || dl.Extension() <= 0 {
		return attemptResult{}, &AutomationTimeoutError{Deadline: dl, ChallengeSeen: true}
	}
	// Both phases count from the start of the attempt, the probe included.
	remaining := dl.Current().Sub(m.now())
	if remaining <= 0 {
		return attemptResult{}, &AutomationTimeoutError{Deadline: dl, ChallengeSeen: true}
	}
	m.reporter.Log(events.LevelWarn, fmt.Sprintf("Bot verification challenge on %s, waiting up to %s", t.Title, dl.Total()))
	m.logger.Info("Challenge detected, extending deadline.", zap.String("url", t.URL), zap.Duration("extended", dl.Total()), zap.Duration("remaining", remaining))

	select {
	case res := <-resultCh:
		return res, nil
	case <-m.after(remaining):
		return attemptResult{}, &AutomationTimeoutError{Deadline: dl, ChallengeSeen: true}
	case <-ctx.Done():
		return attemptResult{}, ctx.Err()
	}
}

// probe runs the one-shot challenge probe. An error counts as no challenge.
func (m *Machine) probe(ctx context.Context, page Page) bool {
	probeCtx := ctx
	if m.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
	}
	seen, err := m.driver.ProbeChallenge(probeCtx, page)
	if err != nil {
		m.logger.Debug("Challenge probe failed.", zap.Error(err))
		return false
	}
	return seen
}

func (m *Machine) closeAfterGrace(ctx, cleanupCtx context.Context, t *schemas.RegistrationTask, page Page) {
	if m.cfg.SuccessCloseGrace > 0 {
		select {
		case <-m.after(m.cfg.SuccessCloseGrace):
		case <-cleanupCtx.Done():
			m.logger.Debug("Stop requested, leaving successful page open.", zap.String("page", page.ID()))
			return
		case <-ctx.Done():
			return
		}
	} else if cleanupCtx.Err() != nil {
		return
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), closePageTimeout)
	defer cancel()
	if err := m.driver.ClosePage(closeCtx, page); err != nil {
		m.logger.Warn("Failed to close page after success.", zap.String("page", page.ID()), zap.Error(err))
		return
	}
	t.SetPage(nil)
}

func (m *Machine) resolve(t *schemas.RegistrationTask, status schemas.TaskStatus, message string, cause error) {
	t.Resolve(status, message, m.now())

	level := events.LevelInfo
	switch status {
	case schemas.StatusFailed:
		level = events.LevelError
	case schemas.StatusManual:
		level = events.LevelWarn
	}
	m.reporter.Log(level, fmt.Sprintf("%s: %s (%s)", t.Title, status, message))

	fields := []zap.Field{zap.String("url", t.URL), zap.String("status", string(status)), zap.String("message", message)}
	if code := CodeOf(cause); code != "" {
		fields = append(fields, zap.String("code", string(code)))
	}
	m.logger.Info("Task resolved.", fields...)
}

func interruptedMessage(err error) string {
	return fmt.Sprintf("interrupted: %v", err)
}
