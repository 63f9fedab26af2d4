package task

import (
	"context"
	"sync"
	"time"
)

// Deadline is the two-phase deadline of one automation attempt: a base
// deadline and at most one extension.
type Deadline struct {
	mu       sync.Mutex
	start    time.Time
	base     time.Duration
	extended time.Duration
	used     bool
}

// NewDeadline starts a deadline at start. extended is the total budget after
// an extension, measured from start. It is clamped to at least base.
func NewDeadline(start time.Time, base, extended time.Duration) *Deadline {
	if extended < base {
		extended = base
	}
	return &Deadline{start: start, base: base, extended: extended}
}

// Base is the absolute base deadline.
func (d *Deadline) Base() time.Time {
	return d.start.Add(d.base)
}

// Extended returns the absolute extended deadline and whether the extension is in force.
func (d *Deadline) Extended() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.start.Add(d.extended), d.used
}

// Current is the deadline in force right now.
func (d *Deadline) Current() time.Time {
	if at, ok := d.Extended(); ok {
		return at
	}
	return d.Base()
}

// Extend switches to the extended deadline. It succeeds once.
func (d *Deadline) Extend() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.used {
		return false
	}
	d.used = true
	return true
}

// Extension is the time added on top of the base deadline when extended.
func (d *Deadline) Extension() time.Duration {
	return d.extended - d.base
}

// Total is the budget currently in force, measured from start.
func (d *Deadline) Total() time.Duration {
	if _, ok := d.Extended(); ok {
		return d.extended
	}
	return d.base
}

type deadlineKey struct{}

// WithDeadline attaches d to ctx.
func WithDeadline(ctx context.Context, d *Deadline) context.Context {
	return context.WithValue(ctx, deadlineKey{}, d)
}

// DeadlineFromContext returns the Deadline attached to ctx, if any.
func DeadlineFromContext(ctx context.Context) (*Deadline, bool) {
	d, ok := ctx.Value(deadlineKey{}).(*Deadline)
	return d, ok
}
