// Package fingerprint extracts the slot region of a page and digests it so
// the session engine can tell whether availability changed.
package fingerprint

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/JakeFAU/slotwatch/internal/hash/md5"
	"github.com/JakeFAU/slotwatch/internal/monitor"
	"go.uber.org/zap"
)

// DefaultWait bounds each locator attempt.
const DefaultWait = 5 * time.Second

// DefaultLocators matches the common slot table layouts.
var DefaultLocators = []string{
	".appointment-slots",
	".available-slots",
	"#slots-container",
	".calendar-container",
	"table.appointments",
}

// Extractor tries locators in order and returns the first non-empty region.
type Extractor struct {
	locators []string
	wait     time.Duration
	logger   *zap.Logger
}

// New builds an extractor. Empty locators fall back to DefaultLocators and a
// non-positive wait to DefaultWait.
func New(locators []string, wait time.Duration, logger *zap.Logger) *Extractor {
	if len(locators) == 0 {
		locators = DefaultLocators
	}
	if wait <= 0 {
		wait = DefaultWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{locators: locators, wait: wait, logger: logger}
}

// Extract returns the trimmed markup of the first matching locator, or "" when
// none matched. Locators that time out are skipped; driver failures and
// cancellation are returned.
func (x *Extractor) Extract(ctx context.Context, page monitor.Page) (string, error) {
	for _, locator := range x.locators {
		markup, err := page.ExtractMarkup(ctx, locator, x.wait)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			if errors.Is(err, monitor.ErrElementNotFound) {
				continue
			}
			return "", err
		}
		if trimmed := strings.TrimSpace(markup); trimmed != "" {
			x.logger.Debug("slot region found", zap.String("locator", locator), zap.Int("bytes", len(trimmed)))
			return trimmed, nil
		}
	}
	return "", nil
}

// Digest returns the hex digest of markup.
func Digest(markup string) string {
	return md5.Sum(markup)
}
