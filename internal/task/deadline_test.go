package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadline_ExtendsOnce(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewDeadline(start, 15*time.Second, 90*time.Second)

	assert.Equal(t, start.Add(15*time.Second), d.Current())
	assert.Equal(t, 15*time.Second, d.Total())
	assert.Equal(t, 75*time.Second, d.Extension())

	require.True(t, d.Extend())
	assert.False(t, d.Extend(), "second extension is refused")

	at, ok := d.Extended()
	assert.True(t, ok)
	assert.Equal(t, start.Add(90*time.Second), at)
	assert.Equal(t, at, d.Current())
	assert.Equal(t, 90*time.Second, d.Total())
	assert.Equal(t, start.Add(15*time.Second), d.Base())
}

func TestDeadline_ExtendedClampedToBase(t *testing.T) {
	d := NewDeadline(time.Now(), 10*time.Second, time.Second)
	assert.Zero(t, d.Extension())
}

func TestDeadline_Context(t *testing.T) {
	_, ok := DeadlineFromContext(context.Background())
	assert.False(t, ok)

	d := NewDeadline(time.Now(), time.Second, 2*time.Second)
	got, ok := DeadlineFromContext(WithDeadline(context.Background(), d))
	require.True(t, ok)
	assert.Same(t, d, got)
}

func TestErrors_CodesAndUnwrap(t *testing.T) {
	cause := errors.New("cdp: target gone")
	d := NewDeadline(time.Now(), 15*time.Second, 90*time.Second)

	tests := []struct {
		err  error
		code ErrorCode
		msg  string
	}{
		{&AllocationError{Err: ErrNoSurface}, ErrCodeAllocation, "no execution surface available"},
		{&AllocationError{Err: cause}, ErrCodeAllocation, "no execution surface available: cdp: target gone"},
		{&LoadTimeoutError{Timeout: 30 * time.Second, Err: cause}, ErrCodeLoadTimeout, "page did not finish loading within 30s"},
		{&AutomationTimeoutError{Deadline: d}, ErrCodeAutomationTimeout, "timed out after 15s"},
		{&ClassificationAmbiguous{Message: "unclear"}, ErrCodeClassificationAmbiguous, "unclear"},
		{&DriverError{Err: cause}, ErrCodeDriver, "automation driver error: cdp: target gone"},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.Equal(t, tt.code, CodeOf(wrapped))
			assert.Equal(t, tt.msg, tt.err.Error())
		})
	}

	assert.ErrorIs(t, &DriverError{Err: cause}, cause)
	assert.ErrorIs(t, &AllocationError{Err: ErrNoSurface}, ErrNoSurface)
	assert.Empty(t, CodeOf(cause))
}
