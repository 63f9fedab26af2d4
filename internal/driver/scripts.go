package driver

import (
	_ "embed"
	"fmt"
	"strings"
)

//go:embed js_scripts/form_analysis.js
var formAnalysisScript string

//go:embed js_scripts/captcha_detection.js
var captchaDetectionScript string

//go:embed js_scripts/verification_success.js
var verificationSuccessScript string

//go:embed js_scripts/verification_error.js
var verificationErrorScript string

//go:embed js_scripts/page_signals.js
var pageSignalsScript string

const pageTextScript = `(document.body ? document.body.innerText : '').slice(0, 20000)`

func pageSignalsCall(contextSelector string) string {
	return fmt.Sprintf("%s(%s)", strings.TrimSpace(pageSignalsScript), quoteJS(contextSelector))
}

// requestSubmitCall submits the form at selector the way a user would,
// running its submit handlers and native validation.
func requestSubmitCall(selector string) string {
	return fmt.Sprintf(`(function(sel) {
	const form = document.querySelector(sel);
	if (!(form instanceof HTMLFormElement)) return false;
	if (typeof form.requestSubmit === 'function') {
		form.requestSubmit();
	} else {
		form.submit();
	}
	return true;
})(%s)`, quoteJS(selector))
}

func quoteJS(s string) string {
	quoted, err := json.MarshalToString(s)
	if err != nil {
		return `""`
	}
	return quoted
}
