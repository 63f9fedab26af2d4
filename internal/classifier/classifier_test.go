package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

func outcome(o schemas.DriverOutcome) *schemas.DriverOutcome { return &o }

func TestClassify_Precedence(t *testing.T) {
	tests := []struct {
		name       string
		in         Input
		wantStatus schemas.TaskStatus
		wantRule   int
		wantMsg    string
	}{
		{
			name:       "timeout beats a driver success",
			in:         Input{TimedOut: true, Timeout: 15 * time.Second, Outcome: outcome(schemas.DriverOutcome{Success: true, Signals: schemas.PageSignals{SuccessIndicator: "you're registered"}})},
			wantStatus: schemas.StatusFailed,
			wantRule:   1,
			wantMsg:    "timed out after 15s",
		},
		{
			name:       "timeout with challenge mentions the challenge",
			in:         Input{TimedOut: true, ChallengeSeen: true, Timeout: 90 * time.Second},
			wantStatus: schemas.StatusFailed,
			wantRule:   1,
			wantMsg:    "timed out after 90s: bot verification challenge detected but not cleared",
		},
		{
			name:       "requires manual carries the driver reason",
			in:         Input{Outcome: outcome(schemas.DriverOutcome{Success: false, RequiresManual: true, Message: "Paid ticket detected"})},
			wantStatus: schemas.StatusManual,
			wantRule:   2,
			wantMsg:    "Paid ticket detected",
		},
		{
			name:       "requires manual beats form still present",
			in:         Input{Outcome: outcome(schemas.DriverOutcome{RequiresManual: true, Signals: schemas.PageSignals{FormStillPresent: true}})},
			wantStatus: schemas.StatusManual,
			wantRule:   2,
			wantMsg:    "manual action required",
		},
		{
			name:       "ambiguous message overrides an optimistic flag",
			in:         Input{Outcome: outcome(schemas.DriverOutcome{Success: true, Message: "Submitted but could not confirm registration", Signals: schemas.PageSignals{SuccessIndicator: "thank you"}})},
			wantStatus: schemas.StatusManual,
			wantRule:   3,
		},
		{
			name:       "form still present beats driver success",
			in:         Input{Outcome: outcome(schemas.DriverOutcome{Success: true, Signals: schemas.PageSignals{FormStillPresent: true, SuccessIndicator: "registration complete"}})},
			wantStatus: schemas.StatusFailed,
			wantRule:   4,
			wantMsg:    "registration form still present after submit",
		},
		{
			name:       "validation errors fail the task",
			in:         Input{Outcome: outcome(schemas.DriverOutcome{Success: false, Message: "email invalid", Signals: schemas.PageSignals{ValidationErrorsPresent: true}})},
			wantStatus: schemas.StatusFailed,
			wantRule:   4,
			wantMsg:    "validation errors present on page: email invalid",
		},
		{
			name:       "success with page indicator",
			in:         Input{Outcome: outcome(schemas.DriverOutcome{Success: true, Signals: schemas.PageSignals{SuccessIndicator: "you're registered"}})},
			wantStatus: schemas.StatusSuccess,
			wantRule:   5,
			wantMsg:    "registered (you're registered)",
		},
		{
			name:       "success with keyword in driver message",
			in:         Input{Outcome: outcome(schemas.DriverOutcome{Success: true, Message: "Registration confirmed for Jane"})},
			wantStatus: schemas.StatusSuccess,
			wantRule:   5,
			wantMsg:    "Registration confirmed for Jane",
		},
		{
			name:       "network signal alone is not enough",
			in:         Input{Outcome: outcome(schemas.DriverOutcome{Success: true, Signals: schemas.PageSignals{NetworkSuccess: true}})},
			wantStatus: schemas.StatusFailed,
			wantRule:   6,
			wantMsg:    MsgCouldNotConfirm,
		},
		{
			name:       "failure keeps driver message",
			in:         Input{Outcome: outcome(schemas.DriverOutcome{Success: false, Message: "no registration form found"})},
			wantStatus: schemas.StatusFailed,
			wantRule:   6,
			wantMsg:    "no registration form found",
		},
		{
			name:       "nil outcome falls through to generic failure",
			in:         Input{},
			wantStatus: schemas.StatusFailed,
			wantRule:   6,
			wantMsg:    MsgCouldNotConfirm,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.in)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantRule, got.Rule)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, got.Message)
			}
			assert.NotEmpty(t, got.Message, "every classification carries a message")
		})
	}
}

// A visible form must never be reported as a success, whatever else the driver says.
func TestClassify_FormPresentNeverSuccess(t *testing.T) {
	for _, msg := range []string{"", "Registration confirmed", "you're registered", "done"} {
		for _, indicator := range []string{"", "thank you for registering"} {
			got := Classify(Input{Outcome: outcome(schemas.DriverOutcome{
				Success: true,
				Message: msg,
				Signals: schemas.PageSignals{FormStillPresent: true, SuccessIndicator: indicator, NetworkSuccess: true},
			})})
			assert.NotEqual(t, schemas.StatusSuccess, got.Status, "msg=%q indicator=%q", msg, indicator)
		}
	}
}

func TestTimeoutMessage(t *testing.T) {
	assert.Equal(t, "timed out after 15s", TimeoutMessage(15*time.Second, false))
	assert.Equal(t, "timed out after 1.5s", TimeoutMessage(1500*time.Millisecond, false))
	assert.Contains(t, TimeoutMessage(90*time.Second, true), "challenge detected but not cleared")
}

func TestIsAmbiguousAndKeywords(t *testing.T) {
	assert.True(t, IsAmbiguous("Unable to verify the outcome"))
	assert.True(t, IsAmbiguous("You MAY HAVE registered"))
	assert.False(t, IsAmbiguous("Registration confirmed"))
	assert.Equal(t, "check your email", MatchSuccessKeyword("Great! Check your email for details"))
	assert.Empty(t, MatchSuccessKeyword("Something went wrong"))
}
