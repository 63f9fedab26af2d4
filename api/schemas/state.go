package schemas

import "time"

// Mode is the scheduler mode held in the run state.
type Mode string

const (
	ModeIdle    Mode = "idle"
	ModeRunning Mode = "running"
	ModePaused  Mode = "paused"
	ModeStopped Mode = "stopped"
)

// Stats are aggregate counters derived from the queue and results.
// processed + pending == total and success + failed + manual == processed.
type Stats struct {
	Total     int `json:"total" yaml:"total"`
	Processed int `json:"processed" yaml:"processed"`
	Success   int `json:"success" yaml:"success"`
	Failed    int `json:"failed" yaml:"failed"`
	Manual    int `json:"manual" yaml:"manual"`
	Pending   int `json:"pending" yaml:"pending"`
}

// Consistent reports whether both stats invariants hold.
func (s Stats) Consistent() bool {
	return s.Processed+s.Pending == s.Total &&
		s.Success+s.Failed+s.Manual == s.Processed
}

// ProfileFields are the user details handed to the automation driver.
type ProfileFields map[string]string

// Settings are supplied at run start and do not change for the run.
type Settings struct {
	ProfileFields        ProfileFields `json:"profileFields" yaml:"profileFields"`
	ConcurrencyRequested int           `json:"concurrencyRequested" yaml:"concurrencyRequested"`
	DelayBetweenMs       int           `json:"delayBetweenMs" yaml:"delayBetweenMs"`
	SkipManualFields     bool          `json:"skipManualFields" yaml:"skipManualFields"`
	AutoAcceptTerms      bool          `json:"autoAcceptTerms" yaml:"autoAcceptTerms"`
}

// DelayBetween returns the configured base delay between tasks.
func (s Settings) DelayBetween() time.Duration {
	if s.DelayBetweenMs <= 0 {
		return 0
	}
	return time.Duration(s.DelayBetweenMs) * time.Millisecond
}

// TargetSurface is a weak reference to the shared execution context.
type TargetSurface struct {
	ID        string    `json:"id" yaml:"id"`
	ValidAsOf time.Time `json:"validAsOf" yaml:"validAsOf"`
}

// PersistedState is the document written through the persistence port.
type PersistedState struct {
	RunID           string              `json:"runId,omitempty" yaml:"runId,omitempty"`
	Queue           []*RegistrationTask `json:"queue" yaml:"queue"`
	Results         []*RegistrationTask `json:"results" yaml:"results"`
	Stats           Stats               `json:"stats" yaml:"stats"`
	TargetSurfaceID *string             `json:"targetSurfaceId" yaml:"targetSurfaceId"`
	Settings        *Settings           `json:"settings,omitempty" yaml:"settings,omitempty"`
	UpdatedAt       time.Time           `json:"updatedAt" yaml:"updatedAt"`
}

// RunSnapshot is a read-only copy of the run state, used for status queries.
type RunSnapshot struct {
	RunID           string              `json:"runId"`
	Mode            Mode                `json:"mode"`
	Queue           []*RegistrationTask `json:"queue"`
	Results         []*RegistrationTask `json:"results"`
	Stats           Stats               `json:"stats"`
	TargetSurfaceID string              `json:"targetSurfaceId,omitempty"`
	Settings        *Settings           `json:"settings,omitempty"`
}
