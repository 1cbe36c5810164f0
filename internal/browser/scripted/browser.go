// Package scripted provides a deterministic in-memory browser driven by a
// list of frames. It backs the session engine and booking tests.
package scripted

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/slotwatch/internal/monitor"
)

// Frame is the page state observed between two advances.
type Frame struct {
	// NavigateErr fails the Navigate call that enters this frame.
	NavigateErr error
	// Blocked makes every locator visible, like a wall covering the page.
	Blocked bool
	// Visible lists the locators reported visible.
	Visible []string
	// Markup is returned by ExtractMarkup for any locator. Empty means the
	// locator does not match.
	Markup string
	// ExtractErr fails ExtractMarkup.
	ExtractErr error
	// URL is returned by Location.
	URL string
	// Panic makes Navigate panic with this value.
	Panic any
}

// Browser replays frames. Navigate and Advance move to the next frame; the
// last frame repeats unless OnExhausted is set.
type Browser struct {
	mu        sync.Mutex
	frames    []Frame
	pos       int
	openErr   error
	exhausted func()
	pdf       []byte

	opened    int
	closed    int
	navigated []string
	clicked   []string
	filled    map[string]string
}

// Option configures a Browser.
type Option func(*Browser)

// WithOpenError makes NewPage fail.
func WithOpenError(err error) Option {
	return func(b *Browser) { b.openErr = err }
}

// OnExhausted calls fn when Navigate runs past the last frame; the navigation
// then fails with context.Canceled.
func OnExhausted(fn func()) Option {
	return func(b *Browser) { b.exhausted = fn }
}

// WithPDF sets the bytes PrintPDF returns.
func WithPDF(data []byte) Option {
	return func(b *Browser) { b.pdf = data }
}

// New creates a browser replaying frames.
func New(frames []Frame, opts ...Option) *Browser {
	b := &Browser{
		frames: frames,
		pos:    -1,
		filled: make(map[string]string),
		pdf:    []byte("%PDF-1.4 scripted"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewPage implements monitor.Browser.
func (b *Browser) NewPage(ctx context.Context) (monitor.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.opened++
	return &Page{browser: b}, nil
}

// Advance moves to the next frame without navigating.
func (b *Browser) Advance() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pos < len(b.frames)-1 {
		b.pos++
	}
}

// Opened returns how many pages were opened.
func (b *Browser) Opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

// Closed returns how many pages were closed.
func (b *Browser) Closed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Navigations returns the URLs passed to Navigate.
func (b *Browser) Navigations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.navigated)
}

// Clicked returns the locators clicked so far.
func (b *Browser) Clicked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.clicked)
}

// Filled returns the values typed per locator.
func (b *Browser) Filled() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.filled))
	for k, v := range b.filled {
		out[k] = v
	}
	return out
}

func (b *Browser) current() Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pos < 0 || len(b.frames) == 0 {
		return Frame{}
	}
	return b.frames[b.pos]
}

var errClosed = errors.New("scripted page closed")

// Page is a tab of a scripted Browser.
type Page struct {
	browser *Browser
	once    sync.Once
}

// Navigate implements monitor.Page.
func (p *Page) Navigate(ctx context.Context, url string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := p.browser
	b.mu.Lock()
	b.navigated = append(b.navigated, url)
	if b.pos >= len(b.frames)-1 && b.exhausted != nil {
		fn := b.exhausted
		b.mu.Unlock()
		fn()
		return context.Canceled
	}
	if b.pos < len(b.frames)-1 {
		b.pos++
	}
	var frame Frame
	if b.pos >= 0 && len(b.frames) > 0 {
		frame = b.frames[b.pos]
	}
	b.mu.Unlock()

	if frame.Panic != nil {
		panic(frame.Panic)
	}
	return frame.NavigateErr
}

// WaitForLoad implements monitor.Page.
func (p *Page) WaitForLoad(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// FindVisible implements monitor.Page.
func (p *Page) FindVisible(ctx context.Context, locator string, _ time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	frame := p.browser.current()
	return frame.Blocked || slices.Contains(frame.Visible, locator), nil
}

// ExtractMarkup implements monitor.Page.
func (p *Page) ExtractMarkup(ctx context.Context, _ string, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	frame := p.browser.current()
	if frame.ExtractErr != nil {
		return "", frame.ExtractErr
	}
	if frame.Markup == "" {
		return "", monitor.ErrElementNotFound
	}
	return frame.Markup, nil
}

// Click implements monitor.InteractivePage. Only visible locators can be clicked.
func (p *Page) Click(ctx context.Context, locator string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame := p.browser.current()
	if !frame.Blocked && !slices.Contains(frame.Visible, locator) {
		return monitor.ErrElementNotFound
	}
	p.browser.mu.Lock()
	p.browser.clicked = append(p.browser.clicked, locator)
	p.browser.mu.Unlock()
	return nil
}

// Fill implements monitor.InteractivePage. Only visible locators accept input.
func (p *Page) Fill(ctx context.Context, locator, value string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame := p.browser.current()
	if !slices.Contains(frame.Visible, locator) {
		return monitor.ErrElementNotFound
	}
	p.browser.mu.Lock()
	p.browser.filled[locator] = value
	p.browser.mu.Unlock()
	return nil
}

// Location implements monitor.InteractivePage.
func (p *Page) Location(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.browser.current().URL, nil
}

// PrintPDF implements monitor.InteractivePage.
func (p *Page) PrintPDF(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.browser.mu.Lock()
	defer p.browser.mu.Unlock()
	return slices.Clone(p.browser.pdf), nil
}

// Close implements monitor.Page. Repeated calls return an error and are not counted.
func (p *Page) Close() error {
	err := errClosed
	p.once.Do(func() {
		p.browser.mu.Lock()
		p.browser.closed++
		p.browser.mu.Unlock()
		err = nil
	})
	return err
}
