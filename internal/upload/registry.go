package upload

import (
	"sync"
	"time"
)

// Status is the state of one upload attempt.
type Status string

// Attempt states. StatusSkipped is never stored in the registry; it only
// appears in outcomes.
const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBackground Status = "background_after_cleanup"
	StatusSkipped    Status = "skipped"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Trigger names the path that asked for an upload.
type Trigger string

// Trigger paths.
const (
	TriggerClose      Trigger = "close"
	TriggerEndTest    Trigger = "end_test"
	TriggerInactivity Trigger = "inactivity"
	TriggerManual     Trigger = "manual"
)

// Attempt is one registered upload.
type Attempt struct {
	UploadID   string    `json:"upload_id"`
	TestID     string    `json:"test_id"`
	SessionID  string    `json:"session_id"`
	Trigger    Trigger   `json:"trigger"`
	StartTime  time.Time `json:"start_time"`
	Status     Status    `json:"status"`
	Background bool      `json:"background,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

const defaultHistoryLimit = 256

// Registry is the process-wide set of upload claims and attempts.
type Registry struct {
	mu       sync.Mutex
	claims   map[string]Trigger
	inFlight map[string]*Attempt
	finished []Attempt
	limit    int
}

// NewRegistry returns an empty registry keeping at most historyLimit
// finished attempts.
func NewRegistry(historyLimit int) *Registry {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Registry{
		claims:   make(map[string]Trigger),
		inFlight: make(map[string]*Attempt),
		limit:    historyLimit,
	}
}

// Claim marks sessionID as owned by trigger. The first caller wins; later
// callers get false and the owning trigger.
func (r *Registry) Claim(sessionID string, trigger Trigger) (Trigger, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.claims[sessionID]; ok {
		return owner, false
	}
	r.claims[sessionID] = trigger
	return trigger, true
}

// Release drops a claim held by trigger. Used when no attempt was started.
func (r *Registry) Release(sessionID string, trigger Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.claims[sessionID]; ok && owner == trigger {
		delete(r.claims, sessionID)
	}
}

// Claimed returns the trigger owning sessionID, if any.
func (r *Registry) Claimed(sessionID string) (Trigger, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.claims[sessionID]
	return owner, ok
}

// Start registers a new in-progress attempt.
func (r *Registry) Start(a Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.Status = StatusInProgress
	r.inFlight[a.UploadID] = &a
}

// Demote marks an in-flight attempt as detached after a lost teardown race.
func (r *Registry) Demote(uploadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.inFlight[uploadID]
	if !ok {
		return false
	}
	a.Status = StatusBackground
	a.Background = true
	return true
}

// Finish moves an attempt to a terminal state. Only the first call per
// upload ID has an effect; it returns the final attempt and whether this call
// applied it.
func (r *Registry) Finish(uploadID string, status Status, duration time.Duration, errMsg string) (Attempt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.inFlight[uploadID]
	if !ok {
		for i := len(r.finished) - 1; i >= 0; i-- {
			if r.finished[i].UploadID == uploadID {
				return r.finished[i], false
			}
		}
		return Attempt{}, false
	}
	delete(r.inFlight, uploadID)
	a.Status = status
	a.DurationMs = duration.Milliseconds()
	a.Error = errMsg
	r.finished = append(r.finished, *a)
	if len(r.finished) > r.limit {
		r.finished = append([]Attempt(nil), r.finished[len(r.finished)-r.limit:]...)
	}
	return *a, true
}

// Get looks up an attempt, in flight or finished.
func (r *Registry) Get(uploadID string) (Attempt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.inFlight[uploadID]; ok {
		return *a, true
	}
	for i := len(r.finished) - 1; i >= 0; i-- {
		if r.finished[i].UploadID == uploadID {
			return r.finished[i], true
		}
	}
	return Attempt{}, false
}

// InFlight returns copies of every non-terminal attempt.
func (r *Registry) InFlight() []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Attempt, 0, len(r.inFlight))
	for _, a := range r.inFlight {
		out = append(out, *a)
	}
	return out
}

// Finished returns the bounded history of terminal attempts, oldest first.
func (r *Registry) Finished() []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Attempt(nil), r.finished...)
}
