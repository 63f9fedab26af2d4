// internal/browser/manager.go
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
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/internal/browser/stealth"
	"github.com/xkilldash9x/autoreg/internal/config"
)

const defaultLaunchTimeout = 30 * time.Second

// Manager handles the browser process lifecycle and the browser-level CDP
// commands the allocator needs. The browser is started lazily.
type Manager struct {
	logger  *zap.Logger
	cfg     config.BrowserConfig
	persona stealth.Persona

	mu            sync.Mutex
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewManager creates a new browser manager. Initialization is deferred until the first use.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		logger:  logger.Named("browser_manager"),
		cfg:     cfg,
		persona: stealth.DefaultPersona,
	}
	m.logger.Info("Browser manager created (initialization deferred).")
	return m
}

// Start launches (or attaches to) the browser if that has not happened yet.
// A failed start can be retried.
func (m *Manager) Start(ctx context.Context) error {
	_, err := m.browser(ctx)
	return err
}

func (m *Manager) browser(ctx context.Context) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browserCtx != nil {
		return m.browserCtx, nil
	}

	// The allocator outlives any single request, so it hangs off Background.
	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if m.cfg.RemoteURL != "" {
		m.logger.Info("Attaching to running browser.", zap.String("remote_url", m.cfg.RemoteURL))
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), m.cfg.RemoteURL)
	} else {
		m.logger.Info("Launching browser.", zap.Bool("headless", m.cfg.Headless))
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), AllocatorOptions(m.cfg)...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Warnf),
	)

	// The first Run allocates the browser. It must use the NewContext context
	// itself; a timeout is enforced from outside.
	timeout := m.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}
	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Run(browserCtx) }()

	var err error
	select {
	case err = <-errCh:
	case <-time.After(timeout):
		err = fmt.Errorf("browser did not start within %s", timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	m.allocCtx, m.allocCancel = allocCtx, allocCancel
	m.browserCtx, m.browserCancel = browserCtx, browserCancel
	m.logger.Info("Browser ready.")
	return browserCtx, nil
}

// browserExecutor returns a context that routes CDP commands to the browser
// endpoint rather than to a page session.
func (m *Manager) browserExecutor(ctx context.Context) (context.Context, error) {
	bctx, err := m.browser(ctx)
	if err != nil {
		return nil, err
	}
	c := chromedp.FromContext(bctx)
	if c == nil || c.Browser == nil {
		return nil, errors.New("browser connection is not established")
	}
	return cdp.WithExecutor(ctx, c.Browser), nil
}

// Targets lists every target known to the browser.
func (m *Manager) Targets(ctx context.Context) ([]*target.Info, error) {
	bctx, err := m.browser(ctx)
	if err != nil {
		return nil, err
	}
	return chromedp.Targets(bctx)
}

// NewWindow opens a blank page in a new background window.
func (m *Manager) NewWindow(ctx context.Context) (target.ID, error) {
	execCtx, err := m.browserExecutor(ctx)
	if err != nil {
		return "", err
	}
	return target.CreateTarget("about:blank").WithNewWindow(true).WithBackground(true).Do(execCtx)
}

// NewTab opens a blank page inside the given browser context.
func (m *Manager) NewTab(ctx context.Context, browserContextID cdp.BrowserContextID) (target.ID, error) {
	execCtx, err := m.browserExecutor(ctx)
	if err != nil {
		return "", err
	}
	create := target.CreateTarget("about:blank")
	if browserContextID != "" {
		create = create.WithBrowserContextID(browserContextID)
	}
	return create.Do(execCtx)
}

// Activate brings a target to the foreground.
func (m *Manager) Activate(ctx context.Context, id target.ID) error {
	execCtx, err := m.browserExecutor(ctx)
	if err != nil {
		return err
	}
	return target.ActivateTarget(id).Do(execCtx)
}

// WindowFor returns the browser window that holds a page target.
func (m *Manager) WindowFor(ctx context.Context, id target.ID) (cdpbrowser.WindowID, error) {
	execCtx, err := m.browserExecutor(ctx)
	if err != nil {
		return 0, err
	}
	window, _, err := cdpbrowser.GetWindowForTarget().WithTargetID(id).Do(execCtx)
	return window, err
}

// CloseTarget closes a target that has no attached Page.
func (m *Manager) CloseTarget(ctx context.Context, id target.ID) error {
	execCtx, err := m.browserExecutor(ctx)
	if err != nil {
		return err
	}
	return target.CloseTarget(id).Do(execCtx)
}

// Attach connects to an existing target, applies the stealth persona and
// starts navigating to url without waiting for the load.
func (m *Manager) Attach(ctx context.Context, id target.ID, url string) (*Page, error) {
	bctx, err := m.browser(ctx)
	if err != nil {
		return nil, err
	}
	pageCtx, cancel := chromedp.NewContext(bctx, chromedp.WithTargetID(id))
	if err := chromedp.Run(pageCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to attach to target %s: %w", id, err)
	}

	p := newPage(string(id), pageCtx, cancel, m.logger)
	if err := p.Run(ctx, stealth.Apply(m.persona, m.logger)); err != nil {
		_ = p.Close(context.Background())
		return nil, err
	}
	if err := p.Run(ctx, chromedp.Evaluate(navigateScript(url), nil)); err != nil {
		_ = p.Close(context.Background())
		return nil, fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return p, nil
}

// Shutdown closes the browser. An attached remote browser is left running.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browserCtx == nil {
		m.logger.Info("Manager not fully initialized, skipping full shutdown sequence.")
		return nil
	}
	m.logger.Info("Shutting down browser manager.")

	var shutdownErr error
	if m.cfg.RemoteURL == "" {
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(m.browserCtx) }()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				shutdownErr = fmt.Errorf("failed to close browser: %w", err)
			}
		case <-ctx.Done():
			m.logger.Warn("Timeout waiting for browser to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
		}
	}
	m.browserCancel()
	m.allocCancel()
	m.browserCtx, m.allocCtx = nil, nil

	m.logger.Info("Browser manager shutdown complete.")
	return shutdownErr
}
