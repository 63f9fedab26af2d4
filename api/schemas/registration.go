package schemas

import "time"

// TaskStatus is the lifecycle status of a single registration task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusOpening    TaskStatus = "opening"
	StatusAutomating TaskStatus = "automating"
	StatusSuccess    TaskStatus = "success"
	StatusFailed     TaskStatus = "failed"
	StatusManual     TaskStatus = "manual"
)

// IsTerminal reports whether the status is one of the resolved outcomes.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusManual:
		return true
	default:
		return false
	}
}

// Event is a candidate event as produced by discovery, before it becomes a task.
type Event struct {
	Title string `json:"title" yaml:"title"`
	URL   string `json:"url" yaml:"url"`
}

// PageHandle is an opaque reference to a page opened inside the execution surface.
// Concrete implementations live in the browser package.
type PageHandle interface {
	ID() string
}

// RegistrationTask is one event registration attempt.
type RegistrationTask struct {
	Title         string     `json:"title" yaml:"title"`
	URL           string     `json:"url" yaml:"url"`
	Status        TaskStatus `json:"status" yaml:"status"`
	Message       string     `json:"message,omitempty" yaml:"message,omitempty"`
	AttemptedAt   *time.Time `json:"attemptedAt,omitempty" yaml:"attemptedAt,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty" yaml:"resolvedAt,omitempty"`
	ChallengeSeen bool       `json:"challengeSeen,omitempty" yaml:"challengeSeen,omitempty"`
	// PageID is the persisted identity of the surface handle. The live handle
	// itself cannot survive a restart.
	PageID string `json:"pageId,omitempty" yaml:"pageId,omitempty"`

	Page PageHandle `json:"-" yaml:"-"`
}

// NewTask builds a pending task from a discovered event.
func NewTask(ev Event) *RegistrationTask {
	return &RegistrationTask{
		Title:  ev.Title,
		URL:    ev.URL,
		Status: StatusPending,
	}
}

// SetPage attaches a live page handle and records its identity.
func (t *RegistrationTask) SetPage(p PageHandle) {
	t.Page = p
	if p != nil {
		t.PageID = p.ID()
	} else {
		t.PageID = ""
	}
}

// Resolve moves the task into a terminal status.
func (t *RegistrationTask) Resolve(status TaskStatus, message string, at time.Time) {
	t.Status = status
	t.Message = message
	resolved := at.UTC()
	t.ResolvedAt = &resolved
}

// Clone returns a copy safe to hand to other goroutines. The live page
// handle is shared, not copied.
func (t *RegistrationTask) Clone() *RegistrationTask {
	if t == nil {
		return nil
	}
	c := *t
	if t.AttemptedAt != nil {
		a := *t.AttemptedAt
		c.AttemptedAt = &a
	}
	if t.ResolvedAt != nil {
		r := *t.ResolvedAt
		c.ResolvedAt = &r
	}
	return &c
}
