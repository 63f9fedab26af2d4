package task

import (
	"context"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/events"
)

// Page is a live page inside the execution surface.
type Page interface {
	schemas.PageHandle
	// WaitLoaded blocks until the page reports load-complete or ctx ends.
	WaitLoaded(ctx context.Context) error
}

// Allocator owns the execution surface and hands out pages inside it.
type Allocator interface {
	GetOrCreateSurface(ctx context.Context) (string, error)
	OpenPage(ctx context.Context, surfaceID, url string) (Page, error)
}

// Driver performs the page interaction. How it decides success is its own business.
type Driver interface {
	// Attempt tries to complete the registration. The context carries the
	// task Deadline (see DeadlineFromContext) and is cancelled once the task
	// has been resolved without it.
	Attempt(ctx context.Context, page Page, profile schemas.ProfileFields, opts AttemptOptions) (schemas.DriverOutcome, error)
	// ProbeChallenge reports whether a bot-verification interstitial is showing.
	ProbeChallenge(ctx context.Context, page Page) (bool, error)
	ClosePage(ctx context.Context, page Page) error
}

// AttemptOptions are the run settings relevant to a driver.
type AttemptOptions struct {
	SkipManualFields bool
	AutoAcceptTerms  bool
}

// Reporter receives the human-readable progress lines of the state machine.
// *events.Bus satisfies it. Implementations must not block.
type Reporter interface {
	Log(level events.Level, text string)
}
