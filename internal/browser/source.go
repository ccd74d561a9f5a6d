// Package browser adapts a chromedp tab into a stream of driver events.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/navtrack/internal/track"
)

// BindingName is the page-side function the history hook reports through.
const BindingName = "__navtrackNotify"

// historyHook wraps the History API and forwards history signals to the
// binding. It runs before any page script.
const historyHook = `(() => {
  if (window.__navtrackInstalled) { return; }
  window.__navtrackInstalled = true;
  const notify = (cause) => {
    try { window.` + BindingName + `(JSON.stringify({cause: cause, url: location.href})); } catch (e) {}
  };
  for (const [method, cause] of [["pushState", "pushState"], ["replaceState", "replaceState"]]) {
    const original = history[method];
    history[method] = function (...args) {
      const result = original.apply(this, args);
      notify(cause);
      return result;
    };
  }
  window.addEventListener("popstate", () => notify("popstate"));
  window.addEventListener("hashchange", () => notify("hashchange"));
})();`

// ErrNoBrowser is returned when the context carries no chromedp target.
var ErrNoBrowser = errors.New("context has no chromedp browser")

// Options configure a Source.
type Options struct {
	// DisableHistoryHook skips script injection and falls back to
	// same-document navigation events, which carry no cause.
	DisableHistoryHook bool
	Clock              track.Clock
}

// Source emits track.DriverEvents for one tab. Events are queued without
// bounds so the CDP event loop never blocks on a slow consumer.
type Source struct {
	opts     Options
	targetID target.ID
	logger   *zap.Logger

	mu        sync.Mutex
	queue     []track.DriverEvent
	mainFrame cdp.FrameID
	closed    bool
	wake      chan struct{}

	out chan track.DriverEvent
}

// Attach starts listening on the tab bound to ctx. The returned source
// closes its channel after emitting a closed event.
func Attach(ctx context.Context, opts Options, logger *zap.Logger) (*Source, error) {
	c := chromedp.FromContext(ctx)
	if c == nil {
		return nil, ErrNoBrowser
	}
	s := newSource(opts, logger)

	chromedp.ListenTarget(ctx, s.handle)
	actions := chromedp.Tasks{page.Enable()}
	if !opts.DisableHistoryHook {
		actions = append(actions,
			runtime.AddBinding(BindingName),
			chromedp.ActionFunc(func(ctx context.Context) error {
				_, err := page.AddScriptToEvaluateOnNewDocument(historyHook).Do(ctx)
				return err
			}),
		)
	}
	if err := chromedp.Run(ctx, actions); err != nil {
		return nil, fmt.Errorf("attach browser listeners: %w", err)
	}
	if c.Target != nil {
		s.targetID = c.Target.TargetID
	}
	go func() {
		<-ctx.Done()
		s.emit(track.DriverEvent{Kind: track.EventClosed, At: s.now()}, true)
	}()
	return s, nil
}

func newSource(opts Options, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Source{
		opts:   opts,
		logger: logger.Named("browser"),
		wake:   make(chan struct{}, 1),
		out:    make(chan track.DriverEvent),
	}
	go s.pump()
	return s
}

// Events implements track.EventSource.
func (s *Source) Events() <-chan track.DriverEvent {
	return s.out
}

// Navigate loads rawURL in the tab.
func (s *Source) Navigate(ctx context.Context, rawURL string) error {
	if err := chromedp.Run(ctx, chromedp.Navigate(rawURL)); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return nil
}

func (s *Source) handle(ev any) {
	switch e := ev.(type) {
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		s.mu.Lock()
		s.mainFrame = e.Frame.ID
		s.mu.Unlock()
		s.emit(track.DriverEvent{Kind: track.EventNavigated, URL: e.Frame.URL + e.Frame.URLFragment, At: s.now()}, false)
	case *page.EventNavigatedWithinDocument:
		if !s.opts.DisableHistoryHook || !s.isMainFrame(e.FrameID) {
			return
		}
		s.emit(track.DriverEvent{Kind: track.EventHistory, URL: e.URL, At: s.now()}, false)
	case *runtime.EventBindingCalled:
		if e.Name != BindingName {
			return
		}
		hook, err := parseBinding(e.Payload)
		if err != nil {
			s.logger.Debug("ignoring history hook payload", zap.Error(err))
			return
		}
		hook.At = s.now()
		s.emit(hook, false)
	case *inspector.EventDetached:
		s.logger.Debug("inspector detached", zap.String("reason", e.Reason.String()))
		s.emit(track.DriverEvent{Kind: track.EventClosed, At: s.now()}, true)
	case *target.EventTargetDestroyed:
		if s.targetID != "" && e.TargetID == s.targetID {
			s.emit(track.DriverEvent{Kind: track.EventClosed, At: s.now()}, true)
		}
	}
}

func (s *Source) isMainFrame(id cdp.FrameID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mainFrame == "" || s.mainFrame == id
}

type bindingPayload struct {
	Cause string `json:"cause"`
	URL   string `json:"url"`
}

func parseBinding(payload string) (track.DriverEvent, error) {
	var p bindingPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return track.DriverEvent{}, fmt.Errorf("decode binding payload: %w", err)
	}
	if p.URL == "" {
		return track.DriverEvent{}, errors.New("binding payload has no url")
	}
	return track.DriverEvent{Kind: track.EventHistory, URL: p.URL, Cause: track.Cause(p.Cause)}, nil
}

// emit queues ev. A final event marks the source closed; later events are
// dropped.
func (s *Source) emit(ev track.DriverEvent, final bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if final {
		s.closed = true
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Source) pump() {
	defer close(s.out)
	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.out <- ev
		}
	}
}

func (s *Source) now() time.Time {
	if s.opts.Clock != nil {
		return s.opts.Clock.Now()
	}
	return time.Now().UTC()
}
