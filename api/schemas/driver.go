package schemas

// PageSignals are structural observations of the page after an attempt.
type PageSignals struct {
	FormStillPresent        bool `json:"formStillPresent"`
	ValidationErrorsPresent bool `json:"validationErrorsPresent"`
	// SuccessIndicator is the textual evidence of success (e.g. the keyword that matched).
	SuccessIndicator string `json:"successIndicator,omitempty"`
	// NetworkSuccess is a side channel only. It never corroborates success on its own.
	NetworkSuccess bool `json:"networkSuccess,omitempty"`
}

// DriverOutcome is the raw result reported by an automation driver.
type DriverOutcome struct {
	Success        bool        `json:"success"`
	RequiresManual bool        `json:"requiresManual,omitempty"`
	Message        string      `json:"message,omitempty"`
	Signals        PageSignals `json:"signals"`
}
