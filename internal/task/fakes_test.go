package task

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/events"
)

// -- Allocator --

type mockAllocator struct {
	mock.Mock
}

func (m *mockAllocator) GetOrCreateSurface(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockAllocator) OpenPage(ctx context.Context, surfaceID, url string) (Page, error) {
	args := m.Called(ctx, surfaceID, url)
	if p := args.Get(0); p != nil {
		return p.(Page), args.Error(1)
	}
	return nil, args.Error(1)
}

// -- Page --

type fakePage struct {
	id       string
	waitFunc func(ctx context.Context) error
}

func (p *fakePage) ID() string { return p.id }

func (p *fakePage) WaitLoaded(ctx context.Context) error {
	if p.waitFunc != nil {
		return p.waitFunc(ctx)
	}
	return nil
}

// -- Driver --

type fakeDriver struct {
	attempt func(ctx context.Context) (schemas.DriverOutcome, error)
	probe   func(ctx context.Context) (bool, error)

	mu           sync.Mutex
	closed       []string
	probeCalls   int
	sawDeadline  bool
	attemptOpts  AttemptOptions
	attemptEnded chan struct{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{attemptEnded: make(chan struct{})}
}

func (d *fakeDriver) Attempt(ctx context.Context, page Page, profile schemas.ProfileFields, opts AttemptOptions) (schemas.DriverOutcome, error) {
	defer close(d.attemptEnded)
	_, ok := DeadlineFromContext(ctx)
	d.mu.Lock()
	d.sawDeadline = ok
	d.attemptOpts = opts
	d.mu.Unlock()

	if d.attempt == nil {
		<-ctx.Done()
		return schemas.DriverOutcome{}, ctx.Err()
	}
	return d.attempt(ctx)
}

func (d *fakeDriver) ProbeChallenge(ctx context.Context, page Page) (bool, error) {
	d.mu.Lock()
	d.probeCalls++
	d.mu.Unlock()
	if d.probe == nil {
		return false, nil
	}
	return d.probe(ctx)
}

func (d *fakeDriver) ClosePage(ctx context.Context, page Page) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = append(d.closed, page.ID())
	return nil
}

func (d *fakeDriver) closedPages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.closed...)
}

// -- Reporter --

type recordingReporter struct {
	mu    sync.Mutex
	lines []events.LogPayload
}

func (r *recordingReporter) Log(level events.Level, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, events.LogPayload{Level: level, Text: text})
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

func (r *recordingReporter) warnings() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.lines {
		if l.Level == events.LevelWarn {
			n++
		}
	}
	return n
}

// -- Timers --

// fakeTimers fires every timer immediately except the held durations,
// which fire only when the test calls fire. Its clock jumps to the expiry
// of each timer as the timer is armed, so deadline arithmetic sees the
// same durations the test holds.
type fakeTimers struct {
	mu        sync.Mutex
	now       time.Time
	held      map[time.Duration]chan time.Time
	requested []time.Duration
}

func newFakeTimers(held ...time.Duration) *fakeTimers {
	f := &fakeTimers{
		now:  time.Date(2026, 5, 4, 19, 0, 0, 0, time.UTC),
		held: make(map[time.Duration]chan time.Time),
	}
	for _, d := range held {
		f.held[d] = make(chan time.Time, 1)
	}
	return f
}

func (f *fakeTimers) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, d)
	f.now = f.now.Add(d)
	if ch, ok := f.held[d]; ok {
		return ch
	}
	ch := make(chan time.Time, 1)
	ch <- f.now
	return ch
}

func (f *fakeTimers) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// advance moves the clock forward without arming a timer, as slow work does.
func (f *fakeTimers) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeTimers) fire(d time.Duration) {
	f.held[d] <- time.Now()
}

func (f *fakeTimers) wasRequested(d time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requested {
		if r == d {
			return true
		}
	}
	return false
}
