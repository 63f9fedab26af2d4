// File: internal/driver/driver.go
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/config"
	"github.com/xkilldash9x/autoreg/internal/task"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultScriptTimeout = 10 * time.Second
	defaultVerifyWait    = 4 * time.Second
	formRevealWait       = 1500 * time.Millisecond
	verifyPollInterval   = 500 * time.Millisecond
)

// ErrSubmitFailed is returned when no submission strategy worked.
var ErrSubmitFailed = errors.New("all form submission strategies failed")

// Driver is the reference automation driver. It fills registration forms from
// the run profile with chromedp and reports what the page shows afterwards.
type Driver struct {
	logger *zap.Logger
	cfg    config.DriverConfig
	opsFor func(task.Page) (pageOps, error)
	after  func(time.Duration) <-chan time.Time
}

// New creates a driver.
func New(cfg config.DriverConfig, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if formAnalysisScript == "" || captchaDetectionScript == "" || verificationSuccessScript == "" ||
		verificationErrorScript == "" || pageSignalsScript == "" {
		return nil, errors.New("embedded driver scripts are missing")
	}
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = defaultScriptTimeout
	}
	if cfg.VerifyWait <= 0 {
		cfg.VerifyWait = defaultVerifyWait
	}
	return &Driver{
		logger: logger.Named("driver"),
		cfg:    cfg,
		opsFor: chromedpOpsFor,
		after:  time.After,
	}, nil
}

// Attempt registers for the event on page using the profile.
func (d *Driver) Attempt(ctx context.Context, page task.Page, profile schemas.ProfileFields, opts task.AttemptOptions) (schemas.DriverOutcome, error) {
	ops, err := d.opsFor(page)
	if err != nil {
		return schemas.DriverOutcome{}, err
	}
	logger := d.logger.With(zap.String("page", page.ID()))
	if dl, ok := task.DeadlineFromContext(ctx); ok {
		logger.Debug("Attempt started.", zap.Time("deadline", dl.Current()))
	}

	// 1. Paid events always go to a human.
	if paid, err := d.checkPaid(ctx, ops, logger); err != nil || paid {
		return paidOutcome(paid), err
	}

	// 2. Find the form. Some pages show only a register button until clicked.
	analysis, err := d.analyze(ctx, ops)
	if err != nil {
		return schemas.DriverOutcome{}, err
	}
	clickedTrigger := false
	if !analysis.hasForm() && analysis.SubmitSelector != "" {
		logger.Debug("No form visible, clicking registration trigger.", zap.String("selector", analysis.SubmitSelector))
		if err := ops.click(ctx, analysis.SubmitSelector); err != nil {
			return schemas.DriverOutcome{}, fmt.Errorf("failed to click registration trigger: %w", err)
		}
		clickedTrigger = true
		if err := d.wait(ctx, formRevealWait); err != nil {
			return schemas.DriverOutcome{}, err
		}
		if paid, err := d.checkPaid(ctx, ops, logger); err != nil || paid {
			return paidOutcome(paid), err
		}
		if analysis, err = d.analyze(ctx, ops); err != nil {
			return schemas.DriverOutcome{}, err
		}
	}

	if analysis.hasForm() {
		// 3. Decide what can be filled.
		plan := planFill(analysis, profile, opts.AutoAcceptTerms)
		if len(plan.Unsatisfied) > 0 {
			if !opts.SkipManualFields {
				msg := manualFieldsMessage(plan.Unsatisfied)
				logger.Info("Form needs manual input.", zap.String("reason", msg))
				return schemas.DriverOutcome{RequiresManual: true, Message: msg}, nil
			}
			logger.Debug("Skipping required fields the profile cannot answer.", zap.Int("count", len(plan.Unsatisfied)))
		}

		// 4. Fill and tick.
		if err := d.fill(ctx, ops, plan, logger); err != nil {
			return schemas.DriverOutcome{}, err
		}

		// 5. Submit.
		if err := d.submit(ctx, ops, analysis, plan, logger); err != nil {
			return schemas.DriverOutcome{}, err
		}
	} else if !clickedTrigger {
		logger.Info("No registration form or button found.")
		return schemas.DriverOutcome{Message: "no registration form found on page"}, nil
	}

	// 6. Verify.
	v, err := d.verify(ctx, ops, analysis.ContextSelector)
	if err != nil {
		return schemas.DriverOutcome{}, err
	}
	out := buildOutcome(v)
	logger.Info("Attempt finished.", zap.Bool("success", out.Success), zap.String("message", out.Message))
	return out, nil
}

// ProbeChallenge reports whether a bot-verification challenge is on the page.
func (d *Driver) ProbeChallenge(ctx context.Context, page task.Page) (bool, error) {
	ops, err := d.opsFor(page)
	if err != nil {
		return false, err
	}
	var found *string
	if err := d.eval(ctx, ops, "captcha_detection", captchaDetectionScript, &found); err != nil {
		return false, err
	}
	if found != nil {
		d.logger.Warn("Bot verification challenge detected.", zap.String("page", page.ID()), zap.String("hint", *found))
		return true, nil
	}
	return false, nil
}

// ClosePage closes the tab.
func (d *Driver) ClosePage(ctx context.Context, page task.Page) error {
	ops, err := d.opsFor(page)
	if err != nil {
		return err
	}
	return ops.close(ctx)
}

func paidOutcome(paid bool) schemas.DriverOutcome {
	if !paid {
		return schemas.DriverOutcome{}
	}
	return schemas.DriverOutcome{RequiresManual: true, Message: MsgPaidTicket}
}

func (d *Driver) checkPaid(ctx context.Context, ops pageOps, logger *zap.Logger) (bool, error) {
	var text string
	if err := d.eval(ctx, ops, "page_text", pageTextScript, &text); err != nil {
		return false, err
	}
	paid, evidence := detectPaidTicket(text)
	if paid {
		logger.Info("Paid ticket detected.", zap.String("evidence", evidence))
	}
	return paid, nil
}

func (d *Driver) analyze(ctx context.Context, ops pageOps) (*formAnalysis, error) {
	var a formAnalysis
	if err := d.eval(ctx, ops, "form_analysis", formAnalysisScript, &a); err != nil {
		return nil, err
	}
	if a.ContextSelector == "" {
		a.ContextSelector = "body"
	}
	return &a, nil
}

func (d *Driver) fill(ctx context.Context, ops pageOps, plan fillPlan, logger *zap.Logger) error {
	limiter := d.newLimiter()
	for _, step := range plan.Fill {
		var err error
		if step.Field.Type == "select" {
			err = ops.selectOption(ctx, step.Field.Selector, step.Value)
		} else {
			err = ops.typeInto(ctx, step.Field.Selector, step.Value, limiter)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if step.Field.Required {
				return fmt.Errorf("failed to fill required field %q: %w", step.Field.displayName(), err)
			}
			logger.Warn("Failed to fill optional field.", zap.String("key", step.Key), zap.String("selector", step.Field.Selector), zap.Error(err))
			continue
		}
		logger.Debug("Filled field.", zap.String("key", step.Key), zap.String("selector", step.Field.Selector))
	}

	for _, f := range plan.Consent {
		if err := ops.click(ctx, f.Selector); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Debug("Failed to tick consent checkbox.", zap.String("selector", f.Selector), zap.Error(err))
			continue
		}
		logger.Info("Accepted terms.", zap.String("field", f.displayName()))
	}
	return nil
}

// submit tries a button click, then requestSubmit, then Enter in the last filled field.
func (d *Driver) submit(ctx context.Context, ops pageOps, a *formAnalysis, plan fillPlan, logger *zap.Logger) error {
	if a.SubmitSelector != "" {
		err := ops.click(ctx, a.SubmitSelector)
		if err == nil {
			logger.Debug("Submitted via button click.")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Debug("Submit button click failed.", zap.Error(err))
	}

	if a.ContextSelector != "" && a.ContextSelector != "body" {
		var submitted bool
		err := d.eval(ctx, ops, "request_submit", requestSubmitCall(a.ContextSelector), &submitted)
		if err == nil && submitted {
			logger.Debug("Submitted via requestSubmit.")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Debug("requestSubmit failed.", zap.Error(err))
	}

	if n := len(plan.Fill); n > 0 {
		err := ops.pressEnter(ctx, plan.Fill[n-1].Field.Selector)
		if err == nil {
			logger.Debug("Submitted via Enter key.")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Debug("Enter key submit failed.", zap.Error(err))
	}
	return ErrSubmitFailed
}

// verify polls for a success or error indicator for the verify window, then
// reads the structural page signals.
func (d *Driver) verify(ctx context.Context, ops pageOps, contextSelector string) (verification, error) {
	var v verification
	deadline := d.after(d.cfg.VerifyWait)
	for {
		var success, failure *string
		if err := d.eval(ctx, ops, "verification_success", verificationSuccessScript, &success); err != nil {
			// The page may be mid-navigation after submit.
			if ctx.Err() != nil {
				return v, ctx.Err()
			}
			d.logger.Debug("Success scan failed.", zap.Error(err))
		} else if success != nil {
			v.SuccessIndicator = *success
		}
		if err := d.eval(ctx, ops, "verification_error", verificationErrorScript, &failure); err == nil && failure != nil {
			v.ErrorIndicator = *failure
		}
		if v.SuccessIndicator != "" || v.ErrorIndicator != "" {
			break
		}

		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-deadline:
		case <-d.after(verifyPollInterval):
			continue
		}
		break
	}

	if err := d.eval(ctx, ops, "page_signals", pageSignalsCall(contextSelector), &v.Signals); err != nil {
		if ctx.Err() != nil {
			return v, ctx.Err()
		}
		d.logger.Debug("Page signal scan failed.", zap.Error(err))
	}
	return v, nil
}

func (d *Driver) eval(ctx context.Context, ops pageOps, name, script string, out interface{}) error {
	scriptCtx, cancel := context.WithTimeout(ctx, d.cfg.ScriptTimeout)
	defer cancel()
	return ops.evaluate(scriptCtx, name, script, out)
}

func (d *Driver) wait(ctx context.Context, dur time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.after(dur):
		return nil
	}
}

func (d *Driver) newLimiter() *rate.Limiter {
	if d.cfg.KeystrokesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(d.cfg.KeystrokesPerSecond), 1)
}
