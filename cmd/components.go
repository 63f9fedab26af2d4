// File: cmd/components.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/config"
	"github.com/xkilldash9x/autoreg/internal/driver"
	"github.com/xkilldash9x/autoreg/internal/events"
	"github.com/xkilldash9x/autoreg/internal/lock"
	"github.com/xkilldash9x/autoreg/internal/orchestrator"
	"github.com/xkilldash9x/autoreg/internal/runstate"
	"github.com/xkilldash9x/autoreg/internal/scheduler"
	"github.com/xkilldash9x/autoreg/internal/store"
	"github.com/xkilldash9x/autoreg/internal/task"
)

const eventBufferSize = 256

// runnerFactory builds the task runner over the browser. The returned
// shutdown func releases the browser. Tests replace it.
type runnerFactory func(cfg *config.Config, logger *zap.Logger, persister *orchestrator.Persister, bus *events.Bus) (scheduler.Runner, func(context.Context) error, error)

var newRunner runnerFactory = browserRunner

// browserRunner wires the allocator and reference driver into a task machine.
// The browser itself starts on the first page.
func browserRunner(cfg *config.Config, logger *zap.Logger, persister *orchestrator.Persister, bus *events.Bus) (scheduler.Runner, func(context.Context) error, error) {
	mgr := browser.NewManager(cfg.Browser, logger)
	alloc, err := browser.NewAllocator(mgr, persister, logger)
	if err != nil {
		return nil, nil, err
	}
	drv, err := driver.New(cfg.Driver, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create driver: %w", err)
	}
	machine, err := task.NewMachine(logger, alloc, drv, bus, cfg.Task)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create task machine: %w", err)
	}
	return machine, mgr.Shutdown, nil
}

// components is everything one orchestrator process owns.
type components struct {
	logger          *zap.Logger
	lock            *lock.FileLock
	store           store.Store
	bus             *events.Bus
	orch            *orchestrator.Orchestrator
	browserShutdown func(context.Context) error
}

// initializeComponents takes the state lock, opens the store, and restores
// the orchestrator. On error everything acquired so far is released.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (c *components, err error) {
	c = &components{logger: logger}
	defer func() {
		if err != nil {
			c.Shutdown(context.Background())
			c = nil
		}
	}()

	dir, err := store.StateDir(cfg.Store)
	if err != nil {
		return c, err
	}
	if dir != "" {
		fl := lock.ForStateDir(dir)
		if err := fl.TryLock(); err != nil {
			return c, err
		}
		c.lock = fl
	}

	if c.store, err = store.Open(ctx, cfg, logger); err != nil {
		return c, fmt.Errorf("failed to open store: %w", err)
	}
	c.bus = events.NewBus(logger, eventBufferSize)

	state := runstate.New()
	persister, err := orchestrator.NewPersister(state, c.store)
	if err != nil {
		return c, err
	}
	runner, shutdown, err := newRunner(cfg, logger, persister, c.bus)
	if err != nil {
		return c, err
	}
	c.browserShutdown = shutdown

	if c.orch, err = orchestrator.New(orchestrator.Deps{
		Config:    cfg,
		Logger:    logger,
		Store:     c.store,
		Bus:       c.bus,
		Runner:    runner,
		State:     state,
		Persister: persister,
	}); err != nil {
		return c, err
	}
	if err := c.orch.Init(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// Shutdown tears the components down in reverse order.
func (c *components) Shutdown(ctx context.Context) error {
	var errs []error
	if c.orch != nil {
		if err := c.orch.Teardown(ctx); err != nil {
			errs = append(errs, err)
		}
	} else if c.bus != nil {
		c.bus.Shutdown()
	}
	if c.browserShutdown != nil {
		if err := c.browserShutdown(ctx); err != nil {
			c.logger.Error("Browser shutdown error", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	if c.lock != nil {
		if err := c.lock.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
