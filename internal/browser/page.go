package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const readyPollInterval = 250 * time.Millisecond

// Page is a tab inside the execution surface, attached through chromedp.
type Page struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

func newPage(id string, ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) *Page {
	return &Page{id: id, ctx: ctx, cancel: cancel, logger: logger.With(zap.String("page", id))}
}

// ID is the CDP target id of the page.
func (p *Page) ID() string { return p.id }

// Run executes chromedp actions against the page. ctx bounds the run without
// owning the tab: cancelling it never closes the page.
func (p *Page) Run(ctx context.Context, actions ...chromedp.Action) error {
	if p.ctx == nil {
		return errors.New("page is not attached")
	}
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// WaitLoaded blocks until document.readyState is "complete" and the body is ready.
func (p *Page) WaitLoaded(ctx context.Context) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		var state string
		if err := p.Run(ctx, chromedp.Evaluate(`document.readyState`, &state)); err != nil {
			// Evaluations fail briefly while a navigation swaps documents.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Debug("readyState probe failed.", zap.Error(err))
		} else if state == "complete" {
			return p.Run(ctx, chromedp.WaitReady("body", chromedp.ByQuery))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close closes the tab and releases the attachment.
func (p *Page) Close(ctx context.Context) error {
	if p.ctx == nil {
		return nil
	}
	err := p.Run(ctx, page.Close())
	p.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close page %s: %w", p.id, err)
	}
	return nil
}

// detach drops the chromedp attachment without closing the tab.
func (p *Page) detach() {
	if p.cancel != nil {
		p.cancel()
	}
}

func navigateScript(url string) string {
	quoted, _ := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(url)
	return fmt.Sprintf("window.location.assign(%s)", quoted)
}
