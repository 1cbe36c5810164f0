// Package staticbrowser implements monitor.Browser without JavaScript, using
// colly to fetch documents and goquery to query them.
package staticbrowser

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/slotwatch/internal/monitor"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Transport http.RoundTripper
}

// Browser hands out pages that share one base collector.
type Browser struct {
	base *colly.Collector
}

// New builds a Browser.
func New(cfg Config) *Browser {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHandshakeRetryTransport(newHTTPTransport())
	}
	c.WithTransport(transport)
	return &Browser{base: c}
}

// NewPage returns an empty page.
func (b *Browser) NewPage(context.Context) (monitor.Page, error) {
	return &Page{base: b.base}, nil
}

// Page holds the last fetched document. Element visibility is approximated
// by presence, minus nodes hidden through attributes or inline style.
type Page struct {
	base *colly.Collector

	mu  sync.RWMutex
	doc *goquery.Document
	url string
}

// Navigate fetches url and parses the response body.
func (p *Page) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	collector := p.base.Clone()
	if timeout > 0 {
		collector.SetRequestTimeout(timeout)
	}
	var (
		doc      *goquery.Document
		finalURL string
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		parsed, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
		if err != nil {
			fetchErr = fmt.Errorf("parse document: %w", err)
			return
		}
		doc = parsed
		finalURL = r.Request.URL.String()
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("navigate %s: %w", url, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("navigate %s: %w", url, err)
		}
		if fetchErr != nil {
			return fmt.Errorf("navigate %s: %w", url, fetchErr)
		}
	}

	p.mu.Lock()
	p.doc = doc
	p.url = finalURL
	p.mu.Unlock()
	return nil
}

// WaitForLoad returns immediately; static documents are complete once fetched.
func (p *Page) WaitForLoad(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// FindVisible reports whether a non-hidden node matches locator.
func (p *Page) FindVisible(ctx context.Context, locator string, _ time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sel := p.find(locator)
	if sel == nil {
		return false, nil
	}
	return sel.FilterFunction(func(_ int, s *goquery.Selection) bool { return !hidden(s) }).Length() > 0, nil
}

// ExtractMarkup returns the inner HTML of the first node matching locator.
func (p *Page) ExtractMarkup(ctx context.Context, locator string, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sel := p.find(locator)
	if sel == nil || sel.Length() == 0 {
		return "", fmt.Errorf("%s: %w", locator, monitor.ErrElementNotFound)
	}
	html, err := sel.First().Html()
	if err != nil {
		return "", fmt.Errorf("render %s: %w", locator, err)
	}
	return html, nil
}

// Click is not available without a script engine.
func (p *Page) Click(context.Context, string, time.Duration) error {
	return fmt.Errorf("click: %w", monitor.ErrUnsupported)
}

// Fill is not available without a script engine.
func (p *Page) Fill(context.Context, string, string, time.Duration) error {
	return fmt.Errorf("fill: %w", monitor.ErrUnsupported)
}

// PrintPDF is not available without a renderer.
func (p *Page) PrintPDF(context.Context) ([]byte, error) {
	return nil, fmt.Errorf("print pdf: %w", monitor.ErrUnsupported)
}

// Location returns the URL of the last fetched document.
func (p *Page) Location(context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url, nil
}

// Close drops the document.
func (p *Page) Close() error {
	p.mu.Lock()
	p.doc = nil
	p.mu.Unlock()
	return nil
}

func (p *Page) find(locator string) *goquery.Selection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.doc == nil {
		return nil
	}
	return p.doc.Find(locator)
}

func hidden(s *goquery.Selection) bool {
	for n := s; n.Length() > 0; n = n.Parent() {
		if _, ok := n.Attr("hidden"); ok {
			return true
		}
		style := strings.ReplaceAll(strings.ToLower(n.AttrOr("style", "")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return true
		}
	}
	return false
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
