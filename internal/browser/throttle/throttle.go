// Package throttle paces page navigations per host with token buckets so a
// fleet of monitors sharing one browser cannot hammer the appointment site.
package throttle

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/slotwatch/internal/metrics"
	"github.com/JakeFAU/slotwatch/internal/monitor"
)

// Config holds navigation budget settings.
type Config struct {
	// PerMinute is the sustained navigation rate per host. Zero disables pacing.
	PerMinute float64
	Burst     int
}

// Limiter manages per-host token buckets.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	metrics.Init()
	limit := rate.Limit(cfg.PerMinute / 60)
	if cfg.PerMinute <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait blocks until a navigation to rawURL is allowed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("navigation budget %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveNavigationWait(host, waited)
	}
	return nil
}

// Browser wraps a monitor.Browser so every Navigate spends a token first.
type Browser struct {
	next    monitor.Browser
	limiter *Limiter
}

// Wrap returns next with navigation pacing applied.
func Wrap(next monitor.Browser, limiter *Limiter) *Browser {
	return &Browser{next: next, limiter: limiter}
}

// NewPage opens a page on the wrapped browser. Interactive pages stay
// interactive.
func (b *Browser) NewPage(ctx context.Context) (monitor.Page, error) {
	p, err := b.next.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	if ip, ok := p.(monitor.InteractivePage); ok {
		return &interactivePage{InteractivePage: ip, limiter: b.limiter}, nil
	}
	return &page{Page: p, limiter: b.limiter}, nil
}

type page struct {
	monitor.Page
	limiter *Limiter
}

func (p *page) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if err := p.limiter.Wait(ctx, url); err != nil {
		return err
	}
	return p.Page.Navigate(ctx, url, timeout)
}

type interactivePage struct {
	monitor.InteractivePage
	limiter *Limiter
}

func (p *interactivePage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if err := p.limiter.Wait(ctx, url); err != nil {
		return err
	}
	return p.InteractivePage.Navigate(ctx, url, timeout)
}
