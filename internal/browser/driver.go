package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
)

const defaultNavigationTimeout = 45 * time.Second

// DriverConfig controls the Chrome instance a recording runs in.
type DriverConfig struct {
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	// ExecPath overrides Chrome discovery when set.
	ExecPath string
}

// Driver owns one Chrome allocator. Tabs opened from it share the browser.
type Driver struct {
	cfg         DriverConfig
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewDriver prepares a Chrome allocator. Chrome is started lazily by the
// first tab.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if cfg.NavigationTimeout < 0 {
		return nil, fmt.Errorf("navigation timeout must be >= 0")
	}
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), cfg.allocatorOptions()...)
	return &Driver{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

func (c DriverConfig) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if c.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if c.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.ExecPath))
	}
	return opts
}

// Close shuts the browser down.
func (d *Driver) Close() {
	d.allocCancel()
}

// NewTab opens a tab that closes when ctx ends or cancel is called.
func (d *Driver) NewTab(ctx context.Context) (context.Context, context.CancelFunc, error) {
	tabCtx, cancel := chromedp.NewContext(d.allocator)
	stop := context.AfterFunc(ctx, cancel)
	if d.cfg.UserAgent != "" {
		if err := chromedp.Run(tabCtx, emulation.SetUserAgentOverride(d.cfg.UserAgent)); err != nil {
			stop()
			cancel()
			return nil, nil, fmt.Errorf("set user-agent: %w", err)
		}
	} else if err := chromedp.Run(tabCtx); err != nil {
		stop()
		cancel()
		return nil, nil, fmt.Errorf("start browser: %w", err)
	}
	return tabCtx, func() {
		stop()
		cancel()
	}, nil
}

// Visit loads rawURL in the tab and waits for the body to be ready.
func (d *Driver) Visit(tabCtx context.Context, rawURL string) error {
	ctx, cancel := context.WithTimeout(tabCtx, d.cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(ctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("visit %s: %w", rawURL, err)
	}
	return nil
}
