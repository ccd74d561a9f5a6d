package track

import (
	"time"
)

// NavigationType classifies why the browser ended up on a URL.
type NavigationType string

// Navigation types recorded in the ledger. TypeNavigation is the generic
// fallback for causes the classifier does not know.
const (
	TypePageLoad     NavigationType = "page_load"
	TypeSPARoute     NavigationType = "spa_route"
	TypeSPAReplace   NavigationType = "spa_replace"
	TypeHashChange   NavigationType = "hash_change"
	TypeBack         NavigationType = "back"
	TypeForward      NavigationType = "forward"
	TypeRefresh      NavigationType = "refresh"
	TypeLinkClick    NavigationType = "link_click"
	TypeFormSubmit   NavigationType = "form_submit"
	TypeRedirect     NavigationType = "redirect"
	TypePopstate     NavigationType = "popstate"
	TypeTimeout      NavigationType = "timeout"
	TypeManualRecord NavigationType = "manual_record"
	TypeFallback     NavigationType = "fallback"
	TypeFinal        NavigationType = "final"
	TypeDummy        NavigationType = "dummy"
	TypeNavigation   NavigationType = "navigation"
)

var knownTypes = map[NavigationType]struct{}{
	TypePageLoad: {}, TypeSPARoute: {}, TypeSPAReplace: {}, TypeHashChange: {},
	TypeBack: {}, TypeForward: {}, TypeRefresh: {}, TypeLinkClick: {},
	TypeFormSubmit: {}, TypeRedirect: {}, TypePopstate: {}, TypeTimeout: {},
	TypeManualRecord: {}, TypeFallback: {}, TypeFinal: {}, TypeDummy: {},
	TypeNavigation: {},
}

// Valid reports whether t belongs to the closed enumeration.
func (t NavigationType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Cause is the raw reason a driver or caller attaches to a navigation signal.
type Cause string

// Causes understood by the normalizer's classification table.
const (
	CauseNone         Cause = ""
	CauseInitial      Cause = "initial"
	CausePushState    Cause = "pushState"
	CauseReplaceState Cause = "replaceState"
	CauseHashChange   Cause = "hashchange"
	CauseBack         Cause = "back"
	CauseForward      Cause = "forward"
	CauseReload       Cause = "reload"
	CauseLink         Cause = "link"
	CauseForm         Cause = "form"
	CauseRedirect     Cause = "redirect"
	CausePopstate     Cause = "popstate"
	CauseTimeout      Cause = "timeout"
	CauseManual       Cause = "manual"
	CauseFallback     Cause = "fallback"
	CauseFinal        Cause = "final"
	CauseDummy        Cause = "dummy"
)

// Record is one captured navigation.
type Record struct {
	PreviousURL    string         `json:"previous_url"`
	CurrentURL     string         `json:"current_url"`
	NavigationType NavigationType `json:"navigation_type"`
	TestName       string         `json:"test_name"`
	SpecFile       string         `json:"spec_file"`
	Timestamp      time.Time      `json:"timestamp"`
}

// SessionStatus is the lifecycle state of a tracked session.
type SessionStatus string

// Session statuses. A session is read-only once it leaves StatusActive.
const (
	StatusActive  SessionStatus = "active"
	StatusCleanup SessionStatus = "cleanup"
	StatusClosed  SessionStatus = "closed"
)

// Session is the unit exported, persisted and uploaded.
type Session struct {
	SessionID string            `json:"session_id"`
	TestName  string            `json:"test_name"`
	SpecFile  string            `json:"spec_file"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Records   []Record          `json:"records"`
	Status    SessionStatus     `json:"status"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so callers can hand snapshots across goroutines.
func (s Session) Clone() Session {
	out := s
	out.Records = append([]Record(nil), s.Records...)
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// DriverEventKind enumerates the signals the browser collaborator emits.
type DriverEventKind string

// Driver signals consumed by the tracker.
const (
	EventNavigated DriverEventKind = "navigated"
	EventHistory   DriverEventKind = "history"
	EventClosed    DriverEventKind = "closed"
)

// DriverEvent is one signal from the browser collaborator.
type DriverEvent struct {
	Kind DriverEventKind
	URL  string
	// Cause is set for history hook signals and explicit intents.
	Cause Cause
	At    time.Time
}

// UploadOutcome is the payload of api-success, api-error and api-skip
// entries.
type UploadOutcome struct {
	UploadID    string `json:"upload_id,omitempty"`
	TestID      string `json:"test_id"`
	SessionID   string `json:"session_id"`
	SpecFile    string `json:"spec_file"`
	TestName    string `json:"test_name"`
	Trigger     string `json:"trigger"`
	Status      string `json:"status"`
	Navigations int    `json:"navigations"`
	DurationMs  int64  `json:"duration_ms"`
	Background  bool   `json:"background,omitempty"`
	ErrorClass  string `json:"error_class,omitempty"`
	Error       string `json:"error,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// CleanupMarker is the payload of cleanup entries, written once per session
// by the trigger path that ran the upload.
type CleanupMarker struct {
	SessionID    string `json:"session_id"`
	TestID       string `json:"test_id"`
	SpecFile     string `json:"spec_file"`
	TestName     string `json:"test_name"`
	Trigger      string `json:"trigger"`
	UploadID     string `json:"upload_id,omitempty"`
	UploadStatus string `json:"upload_status"`
}
