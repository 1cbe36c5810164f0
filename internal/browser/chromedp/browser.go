// Package chromedpbrowser drives a real Chrome instance through chromedp.
package chromedpbrowser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/monitor"
)

// DefaultUserAgent is a desktop Chrome user agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config controls the launched browser.
type Config struct {
	MaxParallel int
	UserAgent   string
	Headless    bool
	Width       int
	Height      int
	// ExecPath overrides the Chrome binary discovered on PATH.
	ExecPath string
}

// Browser implements monitor.Browser on top of a shared exec allocator.
type Browser struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// New prepares the allocator. Chrome is launched lazily by the first page.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1366, 768
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	return &Browser{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("chromedp"),
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(cfg.Width, cfg.Height),
	)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// Close shuts down Chrome and every open tab.
func (b *Browser) Close() {
	b.allocCancel()
}

// NewPage opens a tab. It blocks while MaxParallel tabs are open.
func (b *Browser) NewPage(ctx context.Context) (monitor.Page, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	tabCtx, tabCancel := chromedp.NewContext(b.allocator)
	p := &Page{
		tab:     tabCtx,
		cancel:  tabCancel,
		idle:    make(chan struct{}, 1),
		release: b.release,
		logger:  b.logger,
	}
	chromedp.ListenTarget(tabCtx, p.onEvent)

	setup := chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return emulation.SetDeviceMetricsOverride(int64(b.cfg.Width), int64(b.cfg.Height), 1, false).Do(ctx)
	})
	if err := p.run(ctx, 30*time.Second, setup); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("launch browser tab: %w", err)
	}
	return p, nil
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

// Page is one Chrome tab. It implements monitor.InteractivePage.
type Page struct {
	tab     context.Context
	cancel  context.CancelFunc
	idle    chan struct{}
	release func()
	logger  *zap.Logger
	once    sync.Once
}

func (p *Page) onEvent(ev any) {
	if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == "networkIdle" {
		select {
		case p.idle <- struct{}{}:
		default:
		}
	}
}

// run executes actions on the tab bounded by timeout and by the caller's ctx.
// Cancelling the operation context leaves the tab open.
func (p *Page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(p.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(opCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Navigate loads url and waits for the load event.
func (p *Page) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	select {
	case <-p.idle:
	default:
	}
	if err := p.run(ctx, timeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// WaitForLoad waits for the networkIdle lifecycle event.
func (p *Page) WaitForLoad(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("network idle: %w", context.DeadlineExceeded)
	}
}

// FindVisible reports whether locator becomes visible within timeout.
func (p *Page) FindVisible(ctx context.Context, locator string, timeout time.Duration) (bool, error) {
	err := p.run(ctx, timeout, chromedp.WaitVisible(locator, chromedp.ByQuery))
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return false, nil
	default:
		return false, fmt.Errorf("wait visible %s: %w", locator, err)
	}
}

// ExtractMarkup returns the inner HTML of the first node matching locator.
func (p *Page) ExtractMarkup(ctx context.Context, locator string, timeout time.Duration) (string, error) {
	var html string
	err := p.run(ctx, timeout,
		chromedp.WaitReady(locator, chromedp.ByQuery),
		chromedp.InnerHTML(locator, &html, chromedp.ByQuery),
	)
	switch {
	case err == nil:
		return html, nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return "", fmt.Errorf("%s: %w", locator, monitor.ErrElementNotFound)
	default:
		return "", fmt.Errorf("inner html %s: %w", locator, err)
	}
}

// Click clicks the first visible node matching locator.
func (p *Page) Click(ctx context.Context, locator string, timeout time.Duration) error {
	if err := p.run(ctx, timeout, chromedp.Click(locator, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", locator, monitor.ErrElementNotFound)
		}
		return fmt.Errorf("click %s: %w", locator, err)
	}
	return nil
}

// Fill clears the input matching locator and types value.
func (p *Page) Fill(ctx context.Context, locator, value string, timeout time.Duration) error {
	err := p.run(ctx, timeout,
		chromedp.WaitVisible(locator, chromedp.ByQuery),
		chromedp.Clear(locator, chromedp.ByQuery),
		chromedp.SendKeys(locator, value, chromedp.ByQuery),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", locator, monitor.ErrElementNotFound)
		}
		return fmt.Errorf("fill %s: %w", locator, err)
	}
	return nil
}

// Location returns the current document URL.
func (p *Page) Location(ctx context.Context) (string, error) {
	var url string
	if err := p.run(ctx, 10*time.Second, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return url, nil
}

// PrintPDF renders the current document, backgrounds included.
func (p *Page) PrintPDF(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, time.Minute, chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	return buf, nil
}

// Close closes the tab and frees its slot. Repeated calls are no-ops.
func (p *Page) Close() error {
	p.once.Do(func() {
		p.cancel()
		p.release()
	})
	return nil
}
