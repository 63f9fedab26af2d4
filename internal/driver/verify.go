package driver

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

// MsgPaidTicket is the manual-review reason for events that charge for entry.
const MsgPaidTicket = "Paid ticket detected"

var priceRe = regexp.MustCompile(`(?:[$€£¥]\s?(\d+(?:[.,]\d{1,2})?))|(?:\b(\d+(?:[.,]\d{1,2})?)\s?(?:usd|eur|gbp|cad|aud)\b)`)

var checkoutWords = []string{
	"checkout",
	"check out now",
	"add to cart",
	"payment details",
	"card number",
	"credit card",
	"buy tickets",
	"buy ticket",
	"purchase tickets",
	"order summary",
}

// detectPaidTicket looks for a non-zero price or checkout language in the page
// text. It returns the evidence it found.
func detectPaidTicket(text string) (bool, string) {
	lower := strings.ToLower(text)
	for _, m := range priceRe.FindAllStringSubmatch(lower, -1) {
		amount := m[1]
		if amount == "" {
			amount = m[2]
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(amount, ",", "."), 64)
		if err == nil && v > 0 {
			return true, strings.TrimSpace(m[0])
		}
	}
	for _, w := range checkoutWords {
		if strings.Contains(lower, w) {
			return true, w
		}
	}
	return false, ""
}

// verification is what the driver observed after submitting.
type verification struct {
	SuccessIndicator string
	ErrorIndicator   string
	Signals          schemas.PageSignals
}

// buildOutcome turns the post-submit observations into a driver outcome. The
// classifier makes the final call; this only reports what was seen.
func buildOutcome(v verification) schemas.DriverOutcome {
	signals := v.Signals
	signals.SuccessIndicator = v.SuccessIndicator

	switch {
	case v.ErrorIndicator != "":
		return schemas.DriverOutcome{Success: false, Message: v.ErrorIndicator, Signals: signals}
	case v.SuccessIndicator != "":
		return schemas.DriverOutcome{Success: true, Message: "registration confirmed: " + v.SuccessIndicator, Signals: signals}
	case signals.FormStillPresent:
		return schemas.DriverOutcome{Success: false, Message: "registration form still present after submit", Signals: signals}
	default:
		return schemas.DriverOutcome{Success: false, Message: "form submitted but could not confirm registration", Signals: signals}
	}
}
