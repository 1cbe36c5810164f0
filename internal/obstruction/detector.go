// Package obstruction recognises pages that sit behind a CAPTCHA or similar
// human-verification wall.
package obstruction

import (
	"context"
	"time"

	"github.com/JakeFAU/slotwatch/internal/monitor"
	"go.uber.org/zap"
)

// DefaultWait bounds each visibility check.
const DefaultWait = 2 * time.Second

// DefaultLocators covers reCAPTCHA, hCaptcha and generic challenge frames.
var DefaultLocators = []string{
	`iframe[src*="recaptcha"]`,
	`iframe[src*="hcaptcha"]`,
	`iframe[title*="CAPTCHA"]`,
	`.g-recaptcha`,
	`.h-captcha`,
	`#captcha`,
	`[data-sitekey]`,
}

// Detector checks a page for blocking indicators. It never mutates the page.
type Detector struct {
	locators []string
	wait     time.Duration
	logger   *zap.Logger
}

// New builds a detector. Empty locators fall back to DefaultLocators.
func New(locators []string, wait time.Duration, logger *zap.Logger) *Detector {
	if len(locators) == 0 {
		locators = DefaultLocators
	}
	if wait <= 0 {
		wait = DefaultWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{locators: locators, wait: wait, logger: logger}
}

// Blocked reports whether any indicator is visible. Lookup errors count as
// not visible.
func (d *Detector) Blocked(ctx context.Context, page monitor.Page) bool {
	for _, locator := range d.locators {
		if ctx.Err() != nil {
			return false
		}
		visible, err := page.FindVisible(ctx, locator, d.wait)
		if err != nil {
			d.logger.Debug("indicator lookup failed", zap.String("locator", locator), zap.Error(err))
			continue
		}
		if visible {
			d.logger.Info("blocking indicator visible", zap.String("locator", locator))
			return true
		}
	}
	return false
}
