package driver

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/autoreg/internal/task"
)

// Page is what the driver needs from a browser tab. *browser.Page satisfies it.
type Page interface {
	task.Page
	Run(ctx context.Context, actions ...chromedp.Action) error
	Close(ctx context.Context) error
}

// pageOps are the DOM operations an attempt is made of.
type pageOps interface {
	evaluate(ctx context.Context, name, script string, out interface{}) error
	typeInto(ctx context.Context, selector, value string, limiter *rate.Limiter) error
	selectOption(ctx context.Context, selector, value string) error
	click(ctx context.Context, selector string) error
	pressEnter(ctx context.Context, selector string) error
	close(ctx context.Context) error
}

func chromedpOpsFor(p task.Page) (pageOps, error) {
	cp, ok := p.(Page)
	if !ok {
		return nil, fmt.Errorf("page %T cannot run browser actions", p)
	}
	return &chromedpOps{page: cp}, nil
}

type chromedpOps struct {
	page Page
}

func (o *chromedpOps) evaluate(ctx context.Context, name, script string, out interface{}) error {
	if err := o.page.Run(ctx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("script %s failed: %w", name, err)
	}
	return nil
}

// typeInto clears the field and types value one key at a time, paced by limiter.
func (o *chromedpOps) typeInto(ctx context.Context, selector, value string, limiter *rate.Limiter) error {
	if err := o.page.Run(ctx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("failed to focus %s: %w", selector, err)
	}
	if limiter == nil {
		return o.page.Run(ctx, chromedp.SendKeys(selector, value, chromedp.ByQuery))
	}
	for _, r := range value {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := o.page.Run(ctx, chromedp.KeyEvent(string(r))); err != nil {
			return fmt.Errorf("failed to type into %s: %w", selector, err)
		}
	}
	return nil
}

func (o *chromedpOps) selectOption(ctx context.Context, selector, value string) error {
	return o.page.Run(ctx, chromedp.SetValue(selector, value, chromedp.ByQuery))
}

func (o *chromedpOps) click(ctx context.Context, selector string) error {
	return o.page.Run(ctx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
	)
}

func (o *chromedpOps) pressEnter(ctx context.Context, selector string) error {
	return o.page.Run(ctx,
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.KeyEvent(kb.Enter),
	)
}

func (o *chromedpOps) close(ctx context.Context) error {
	return o.page.Close(ctx)
}
