package schemas

import "context"

// ProgressFunc observes a copy of a task each time it changes while in flight.
type ProgressFunc func(t *RegistrationTask)

type progressKey struct{}

// WithProgress attaches fn to ctx. Whoever resolves a task under ctx reports
// its intermediate states through ReportProgress.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress hands a clone of t to the ProgressFunc attached to ctx, if any.
func ReportProgress(ctx context.Context, t *RegistrationTask) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(t.Clone())
	}
}
