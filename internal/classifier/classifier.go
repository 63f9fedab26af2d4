// Package classifier maps a raw automation outcome, plus what was observed on the
// page and around the timeout, onto one of the durable task outcomes.
//
// The rules are evaluated in a fixed order and the first match wins. Structural
// evidence (a form still on screen, visible validation errors) always beats a
// self-reported success flag, and success is never granted on a side-channel
// signal alone.
package classifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

// MsgCouldNotConfirm is used when a task fails without any driver explanation.
const MsgCouldNotConfirm = "could not confirm registration"

// ambiguousPatterns mark a driver message as inconclusive. Such tasks are
// handed to a human rather than trusted either way.
var ambiguousPatterns = []string{
	"could not confirm",
	"couldn't confirm",
	"unable to confirm",
	"unable to verify",
	"could not verify",
	"cannot determine",
	"could not be determined",
	"inconclusive",
	"ambiguous",
	"unclear",
	"may have",
	"possibly",
	"verify manually",
	"check manually",
}

// successKeywords are textual indicators that corroborate a driver success.
var successKeywords = []string{
	"thank you for registering",
	"thanks for registering",
	"registration confirmed",
	"registration complete",
	"registration successful",
	"you're registered",
	"you are registered",
	"you're in",
	"see you there",
	"successfully registered",
	"check your email",
	"confirmation email",
	"ticket confirmed",
	"rsvp confirmed",
}

// Input is everything the classifier looks at.
type Input struct {
	// Outcome is nil when the attempt never produced one (timeouts).
	Outcome       *schemas.DriverOutcome
	TimedOut      bool
	ChallengeSeen bool
	// Timeout is the deadline that elapsed, used for the message.
	Timeout time.Duration
}

// Result is the classified terminal status and its human-readable message.
type Result struct {
	Status  schemas.TaskStatus
	Message string
	// Rule is the 1-based index of the rule that matched, useful in logs and tests.
	Rule int
}

// Classify applies the precedence rules. It has no side effects.
func Classify(in Input) Result {
	// 1. Timeouts always fail.
	if in.TimedOut {
		return Result{Status: schemas.StatusFailed, Message: TimeoutMessage(in.Timeout, in.ChallengeSeen), Rule: 1}
	}

	out := schemas.DriverOutcome{}
	if in.Outcome != nil {
		out = *in.Outcome
	}
	msg := strings.TrimSpace(out.Message)

	// 2. The driver explicitly asked for a human.
	if out.RequiresManual {
		if msg == "" {
			msg = "manual action required"
		}
		return Result{Status: schemas.StatusManual, Message: msg, Rule: 2}
	}

	// 3. The driver could not tell either way.
	if IsAmbiguous(msg) {
		return Result{Status: schemas.StatusManual, Message: msg, Rule: 3}
	}

	// 4. Structural evidence of an unfinished submission.
	if out.Signals.FormStillPresent || out.Signals.ValidationErrorsPresent {
		return Result{Status: schemas.StatusFailed, Message: structuralMessage(out), Rule: 4}
	}

	// 5. Success needs textual corroboration.
	if out.Success {
		if indicator := successIndicator(out); indicator != "" {
			if msg == "" {
				msg = fmt.Sprintf("registered (%s)", indicator)
			}
			return Result{Status: schemas.StatusSuccess, Message: msg, Rule: 5}
		}
	}

	// 6. Everything else.
	if msg == "" {
		msg = MsgCouldNotConfirm
	}
	return Result{Status: schemas.StatusFailed, Message: msg, Rule: 6}
}

// TimeoutMessage formats the failure message for an elapsed deadline.
func TimeoutMessage(d time.Duration, challengeSeen bool) string {
	if challengeSeen {
		return fmt.Sprintf("timed out after %s: bot verification challenge detected but not cleared", formatSeconds(d))
	}
	return fmt.Sprintf("timed out after %s", formatSeconds(d))
}

// IsAmbiguous reports whether a driver message reads as inconclusive.
func IsAmbiguous(message string) bool {
	return containsAny(strings.ToLower(message), ambiguousPatterns) != ""
}

// MatchSuccessKeyword returns the first success keyword found in text, or "".
func MatchSuccessKeyword(text string) string {
	return containsAny(strings.ToLower(text), successKeywords)
}

func successIndicator(out schemas.DriverOutcome) string {
	if s := strings.TrimSpace(out.Signals.SuccessIndicator); s != "" {
		return s
	}
	return MatchSuccessKeyword(out.Message)
}

func structuralMessage(out schemas.DriverOutcome) string {
	var reason string
	switch {
	case out.Signals.ValidationErrorsPresent && out.Signals.FormStillPresent:
		reason = "registration form still present with validation errors"
	case out.Signals.ValidationErrorsPresent:
		reason = "validation errors present on page"
	default:
		reason = "registration form still present after submit"
	}
	if msg := strings.TrimSpace(out.Message); msg != "" && !out.Success {
		return fmt.Sprintf("%s: %s", reason, msg)
	}
	return reason
}

func containsAny(haystack string, needles []string) string {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return n
		}
	}
	return ""
}

// formatSeconds renders whole-second durations as "15s" and keeps
// sub-second precision otherwise.
func formatSeconds(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return d.String()
}
