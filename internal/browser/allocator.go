package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/task"
)

// SurfaceStore records which browser window is the execution surface so it
// can be reused across restarts.
type SurfaceStore interface {
	SurfaceID() string
	SaveSurfaceID(ctx context.Context, id string) error
}

// backend is the slice of Manager the allocator drives.
type backend interface {
	Targets(ctx context.Context) ([]*target.Info, error)
	NewWindow(ctx context.Context) (target.ID, error)
	NewTab(ctx context.Context, browserContextID cdp.BrowserContextID) (target.ID, error)
	Attach(ctx context.Context, id target.ID, url string) (*Page, error)
	Activate(ctx context.Context, id target.ID) error
	WindowFor(ctx context.Context, id target.ID) (cdpbrowser.WindowID, error)
	CloseTarget(ctx context.Context, id target.ID) error
}

// placementAttempts bounds how often a tab that opened outside the surface
// window is discarded and opened again.
const placementAttempts = 2

var errOutsideSurface = errors.New("tab opened outside the execution surface window")

// Allocator hands out pages inside a single dedicated browser window. The
// window's target id is persisted and reused while the target stays alive.
type Allocator struct {
	logger   *zap.Logger
	backend  backend
	surfaces SurfaceStore
	mu       sync.Mutex
}

// NewAllocator creates an allocator over a browser manager.
func NewAllocator(m *Manager, surfaces SurfaceStore, logger *zap.Logger) (*Allocator, error) {
	if m == nil {
		return nil, errors.New("browser manager cannot be nil")
	}
	return newAllocator(m, surfaces, logger)
}

func newAllocator(b backend, surfaces SurfaceStore, logger *zap.Logger) (*Allocator, error) {
	if surfaces == nil {
		return nil, errors.New("surface store cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Allocator{logger: logger.Named("allocator"), backend: b, surfaces: surfaces}, nil
}

// GetOrCreateSurface returns the persisted surface if its target is still a
// live page, otherwise opens a new window and persists its id.
func (a *Allocator) GetOrCreateSurface(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id := a.surfaces.SurfaceID(); id != "" {
		info, err := a.lookup(ctx, id)
		if err != nil {
			return "", &task.AllocationError{Err: err}
		}
		if info != nil {
			return id, nil
		}
		a.logger.Info("Stored execution surface is gone, creating a new one.", zap.String("surface", id))
	}
	return a.createLocked(ctx)
}

// OpenPage opens url as the foreground tab of the surface window. If the
// surface has disappeared it is recreated once; any other failure is final.
func (a *Allocator) OpenPage(ctx context.Context, surfaceID, url string) (task.Page, error) {
	p, err := a.openIn(ctx, surfaceID, url)
	if err == nil {
		return p, nil
	}
	if ctx.Err() != nil {
		return nil, &task.AllocationError{Err: ctx.Err()}
	}
	if !errors.Is(err, task.ErrNoSurface) {
		return nil, &task.AllocationError{Err: err}
	}
	a.logger.Warn("Execution surface vanished, recreating it.",
		zap.String("surface", surfaceID), zap.String("url", url))

	a.mu.Lock()
	newID, err := a.createLocked(ctx)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	p, err = a.openIn(ctx, newID, url)
	if err != nil {
		return nil, &task.AllocationError{Err: err}
	}
	return p, nil
}

// ClosePage closes a page previously returned by OpenPage.
func (a *Allocator) ClosePage(ctx context.Context, p task.Page) error {
	bp, ok := p.(*Page)
	if !ok {
		return fmt.Errorf("unexpected page type %T", p)
	}
	return bp.Close(ctx)
}

func (a *Allocator) openIn(ctx context.Context, surfaceID, url string) (*Page, error) {
	info, err := a.lookup(ctx, surfaceID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, task.ErrNoSurface
	}

	tabID, err := a.placeTab(ctx, info.TargetID, info.BrowserContextID)
	if err != nil {
		return nil, err
	}
	p, err := a.backend.Attach(ctx, tabID, url)
	if err != nil {
		a.discard(tabID)
		return nil, err
	}
	if err := a.backend.Activate(ctx, tabID); err != nil {
		p.detach()
		a.discard(tabID)
		return nil, fmt.Errorf("failed to bring tab %s to the foreground: %w", tabID, err)
	}
	a.logger.Info("Opened page.", zap.String("surface", surfaceID), zap.String("tab", string(tabID)), zap.String("url", url))
	return p, nil
}

// placeTab opens a blank tab in the surface window. Chrome puts new tabs in
// the most recently focused window of the context, so the surface is focused
// first and the placement checked afterwards.
func (a *Allocator) placeTab(ctx context.Context, surface target.ID, bc cdp.BrowserContextID) (target.ID, error) {
	window, err := a.backend.WindowFor(ctx, surface)
	if err != nil {
		return "", fmt.Errorf("failed to locate surface window: %w", err)
	}
	for attempt := 1; ; attempt++ {
		if err := a.backend.Activate(ctx, surface); err != nil {
			return "", fmt.Errorf("failed to focus surface window: %w", err)
		}
		tabID, err := a.backend.NewTab(ctx, bc)
		if err != nil {
			return "", fmt.Errorf("failed to open tab: %w", err)
		}
		got, err := a.backend.WindowFor(ctx, tabID)
		if err == nil && got == window {
			return tabID, nil
		}
		a.discard(tabID)
		if err == nil {
			err = errOutsideSurface
		}
		if attempt >= placementAttempts {
			return "", err
		}
		a.logger.Debug("Tab not placed in surface window, retrying.",
			zap.String("tab", string(tabID)), zap.Int64("window", int64(window)), zap.Int64("got", int64(got)), zap.Error(err))
	}
}

// discard closes a tab that never made it into a usable page.
func (a *Allocator) discard(id target.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.backend.CloseTarget(ctx, id); err != nil {
		a.logger.Debug("Failed to close discarded tab.", zap.String("tab", string(id)), zap.Error(err))
	}
}

func (a *Allocator) createLocked(ctx context.Context) (string, error) {
	id, err := a.backend.NewWindow(ctx)
	if err != nil {
		return "", &task.AllocationError{Err: err}
	}
	// The window is usable even if recording its id fails.
	saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.surfaces.SaveSurfaceID(saveCtx, string(id)); err != nil {
		a.logger.Warn("Failed to persist execution surface id.", zap.String("surface", string(id)), zap.Error(err))
	}
	a.logger.Info("Created execution surface.", zap.String("surface", string(id)))
	return string(id), nil
}

// lookup returns the target info for id when it is a live page, or nil.
func (a *Allocator) lookup(ctx context.Context, id string) (*target.Info, error) {
	infos, err := a.backend.Targets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	for _, info := range infos {
		if info != nil && string(info.TargetID) == id && info.Type == "page" {
			return info, nil
		}
	}
	return nil, nil
}
