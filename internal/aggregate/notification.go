package aggregate

import (
	"strconv"
	"time"
)

// Notification is the run summary published once the report is built.
type Notification struct {
	Sessions       int       `json:"sessions"`
	Successes      int       `json:"successes"`
	Errors         int       `json:"errors"`
	Skips          int       `json:"skips"`
	Compensated    int       `json:"compensated"`
	Confirmed      int       `json:"confirmed_errors"`
	Deferred       int       `json:"deferred_errors"`
	Pending        int       `json:"pending"`
	SilentFailures int       `json:"silent_failures"`
	Workers        int       `json:"workers"`
	Failed         bool      `json:"failed"`
	ResultsURI     string    `json:"results_uri,omitempty"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// Notification summarizes r. resultsURI is where the merged artifact lives.
func (r Report) Notification(resultsURI string, at time.Time) Notification {
	return Notification{
		Sessions:       len(r.Sessions),
		Successes:      r.Successes,
		Errors:         r.Errors,
		Skips:          r.Skips,
		Compensated:    r.Compensated,
		Confirmed:      len(r.ConfirmedErrors),
		Deferred:       len(r.DeferredErrors),
		Pending:        r.Pending,
		SilentFailures: len(r.SilentFailures),
		Workers:        len(r.Workers),
		Failed:         r.Failed(),
		ResultsURI:     resultsURI,
		GeneratedAt:    at.UTC(),
	}
}

// Attributes are attached to the published message for subscriber filters.
func (n Notification) Attributes() map[string]string {
	return map[string]string{
		"event":  "navtrack.report",
		"failed": strconv.FormatBool(n.Failed),
	}
}
