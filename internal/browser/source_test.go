package browser

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/navtrack/internal/track"
)

func drain(t *testing.T, s *Source) []track.DriverEvent {
	t.Helper()
	var out []track.DriverEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("source did not close")
		}
	}
}

func TestHandleTranslatesCDPEvents(t *testing.T) {
	t.Parallel()

	s := newSource(Options{}, nil)
	s.targetID = target.ID("tab-1")

	s.handle(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "main", URL: "https://example.com/"}})
	s.handle(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "ad", ParentID: "main", URL: "https://ads.example/"}})
	s.handle(&runtime.EventBindingCalled{Name: BindingName, Payload: `{"cause":"pushState","url":"https://example.com/cart"}`})
	s.handle(&runtime.EventBindingCalled{Name: "other", Payload: `{"cause":"pushState","url":"https://example.com/x"}`})
	s.handle(&runtime.EventBindingCalled{Name: BindingName, Payload: `not json`})
	// Covered by the hook while it is installed.
	s.handle(&page.EventNavigatedWithinDocument{FrameID: "main", URL: "https://example.com/cart"})
	s.handle(&target.EventTargetDestroyed{TargetID: "another-tab"})
	s.handle(&target.EventTargetDestroyed{TargetID: "tab-1"})
	s.handle(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "main", URL: "https://example.com/after"}})

	events := drain(t, s)
	require.Len(t, events, 3)
	require.Equal(t, track.EventNavigated, events[0].Kind)
	require.Equal(t, "https://example.com/", events[0].URL)
	require.Equal(t, track.EventHistory, events[1].Kind)
	require.Equal(t, track.CausePushState, events[1].Cause)
	require.Equal(t, track.EventClosed, events[2].Kind)
}

func TestHandleWithoutHookUsesSameDocumentEvents(t *testing.T) {
	t.Parallel()

	s := newSource(Options{DisableHistoryHook: true}, nil)
	s.handle(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "main", URL: "https://example.com/", URLFragment: "#top"}})
	s.handle(&page.EventNavigatedWithinDocument{FrameID: "child", URL: "https://example.com/frame"})
	s.handle(&page.EventNavigatedWithinDocument{FrameID: "main", URL: "https://example.com/#x"})
	s.handle(&inspector.EventDetached{Reason: "target_closed"})

	events := drain(t, s)
	require.Len(t, events, 3)
	require.Equal(t, "https://example.com/#top", events[0].URL)
	require.Equal(t, track.EventHistory, events[1].Kind)
	require.Equal(t, "https://example.com/#x", events[1].URL)
	require.Equal(t, track.CauseNone, events[1].Cause)
	require.Equal(t, track.EventClosed, events[2].Kind)
}

func TestParseBinding(t *testing.T) {
	t.Parallel()

	ev, err := parseBinding(`{"cause":"hashchange","url":"https://example.com/#a"}`)
	require.NoError(t, err)
	require.Equal(t, track.CauseHashChange, ev.Cause)

	_, err = parseBinding(`{"cause":"popstate"}`)
	require.Error(t, err)
}

func TestAttachRequiresBrowserContext(t *testing.T) {
	t.Parallel()

	_, err := Attach(context.Background(), Options{}, nil)
	require.ErrorIs(t, err, ErrNoBrowser)
}
