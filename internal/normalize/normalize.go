// Package normalize canonicalizes raw navigation URLs and classifies the
// cause of each navigation.
package normalize

import (
	"net/url"
	"strings"
	"sync"

	"github.com/JakeFAU/navtrack/internal/track"
)

// BlankPage is the URL browsers report before the first real navigation.
const BlankPage = "about:blank"

var causeTypes = map[track.Cause]track.NavigationType{
	track.CauseInitial:      track.TypePageLoad,
	track.CausePushState:    track.TypeSPARoute,
	track.CauseReplaceState: track.TypeSPAReplace,
	track.CauseHashChange:   track.TypeHashChange,
	track.CauseBack:         track.TypeBack,
	track.CauseForward:      track.TypeForward,
	track.CauseReload:       track.TypeRefresh,
	track.CauseLink:         track.TypeLinkClick,
	track.CauseForm:         track.TypeFormSubmit,
	track.CauseRedirect:     track.TypeRedirect,
	track.CausePopstate:     track.TypePopstate,
	track.CauseTimeout:      track.TypeTimeout,
	track.CauseManual:       track.TypeManualRecord,
	track.CauseFallback:     track.TypeFallback,
	track.CauseFinal:        track.TypeFinal,
	track.CauseDummy:        track.TypeDummy,
}

// Canonical normalizes rawURL. The second return value is true when the
// input maps to the null sentinel and must not be recorded.
//
// Only http and https URLs with a host are canonical. The scheme is forced
// to https, the host is lowercased, default ports are dropped and a trailing
// slash is trimmed unless the path is the root. Query and fragment are kept.
func Canonical(rawURL string) (string, bool) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" || strings.EqualFold(raw, BlankPage) {
		return "", true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", true
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", true
	}
	if u.Host == "" {
		return "", true
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Scheme = "https"

	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	if len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
		if u.Path == "" {
			u.Path = "/"
		}
		u.RawPath = ""
	}
	return u.String(), false
}

// Classify maps a cause to its navigation type. Unknown causes map to the
// generic navigation type.
func Classify(cause track.Cause) track.NavigationType {
	if t, ok := causeTypes[cause]; ok {
		return t
	}
	return track.TypeNavigation
}

// FragmentOnly reports whether prev and next differ only in their fragment.
// Both inputs must be canonical URLs.
func FragmentOnly(prev, next string) bool {
	if prev == "" || prev == next {
		return false
	}
	a, err := url.Parse(prev)
	if err != nil {
		return false
	}
	b, err := url.Parse(next)
	if err != nil {
		return false
	}
	return a.Scheme == b.Scheme &&
		a.Host == b.Host &&
		a.EscapedPath() == b.EscapedPath() &&
		a.RawQuery == b.RawQuery &&
		a.Fragment != b.Fragment
}

// Decision is the result of feeding one navigation signal to a Normalizer.
type Decision struct {
	PreviousURL string
	CurrentURL  string
	Type        track.NavigationType
}

// Options configures a Normalizer.
type Options struct {
	// TrackHashChanges records fragment-only navigations as hash_change.
	// When false they are suppressed.
	TrackHashChanges bool
}

// Normalizer carries the per-session state needed to classify and
// de-duplicate navigations. It is safe for concurrent use.
type Normalizer struct {
	opts Options

	mu       sync.Mutex
	lastURL  string
	lastType track.NavigationType
	intent   track.NavigationType
}

// New builds a Normalizer.
func New(opts Options) *Normalizer {
	return &Normalizer{opts: opts}
}

// WillNavigate records the caller's intent for the next navigation. The
// intent overrides cause classification once and is then cleared.
func (n *Normalizer) WillNavigate(t track.NavigationType) {
	if !t.Valid() {
		return
	}
	n.mu.Lock()
	n.intent = t
	n.mu.Unlock()
}

// Next canonicalizes rawURL and decides whether it produces a record. It
// returns false for null sentinels, for URLs equal to the last recorded URL
// and for fragment-only changes when hash tracking is off. A pending intent
// is consumed by the signal whether or not it produces a record.
func (n *Normalizer) Next(rawURL string, cause track.Cause) (Decision, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	intent := n.intent
	n.intent = ""

	canonical, null := Canonical(rawURL)
	if null || canonical == n.lastURL {
		return Decision{}, false
	}

	var navType track.NavigationType
	switch {
	case FragmentOnly(n.lastURL, canonical):
		if !n.opts.TrackHashChanges {
			return Decision{}, false
		}
		navType = track.TypeHashChange
	case intent != "":
		navType = intent
	case cause == track.CauseNone && n.lastURL == "":
		navType = track.TypePageLoad
	default:
		navType = Classify(cause)
	}

	d := Decision{
		PreviousURL: n.lastURL,
		CurrentURL:  canonical,
		Type:        navType,
	}
	n.lastURL = canonical
	n.lastType = navType
	return d, true
}

// Last returns the last recorded URL and its type.
func (n *Normalizer) Last() (string, track.NavigationType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastURL, n.lastType
}

// Reset forgets the carried state.
func (n *Normalizer) Reset() {
	n.mu.Lock()
	n.lastURL = ""
	n.lastType = ""
	n.intent = ""
	n.mu.Unlock()
}
