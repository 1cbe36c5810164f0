// Package booking automates the appointment booking flow once a slot opens:
// it clicks through to the form, waits for a person to clear any CAPTCHA,
// fills the applicant's details, waits for submission and stores the
// confirmation page as a PDF.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/monitor"
)

// Detector recognises CAPTCHA walls.
type Detector interface {
	Blocked(ctx context.Context, page monitor.Page) bool
}

// DefaultFormData is used when a booking request carries no form data.
var DefaultFormData = map[string]string{
	"first_name": "John",
	"last_name":  "Doe",
	"dob":        "1990-01-01",
	"passport":   "A12345678",
}

var (
	errCaptchaTimeout = errors.New("CAPTCHA resolution timeout")
	errSubmitTimeout  = errors.New("timed out waiting for form submission")
)

// Automator runs booking sessions.
type Automator struct {
	cfg      Config
	browser  monitor.Browser
	captcha  Detector
	notifier monitor.Notifier
	blobs    monitor.BlobStore
	hasher   monitor.Hasher
	clock    monitor.Clock
	logger   *zap.Logger
}

// New wires an Automator.
func New(
	cfg Config,
	browser monitor.Browser,
	captcha Detector,
	notifier monitor.Notifier,
	blobs monitor.BlobStore,
	hasher monitor.Hasher,
	clock monitor.Clock,
	logger *zap.Logger,
) *Automator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Automator{
		cfg:      cfg,
		browser:  browser,
		captcha:  captcha,
		notifier: notifier,
		blobs:    blobs,
		hasher:   hasher,
		clock:    clock,
		logger:   logger.Named("booking"),
	}
}

// Run executes one booking task. Every exit path emits exactly one of
// booking_completed or booking_failed; cancellation reports as failed.
func (a *Automator) Run(ctx context.Context, task monitor.Task) error {
	logger := a.logger.With(zap.String("run_id", task.RunID), zap.Int64("booking_id", task.BookingID))
	a.emit(ctx, task, monitor.EventBookingInProgress, "Booking session started", "")

	pdfURL, err := a.book(ctx, task, logger)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("booking cancelled")
			a.emit(ctx, task, monitor.EventBookingFailed, "cancelled", "")
			return ctx.Err()
		}
		logger.Warn("booking failed", zap.Error(err))
		a.emit(ctx, task, monitor.EventBookingFailed, "Booking failed: "+err.Error(), "")
		return err
	}
	logger.Info("booking completed", zap.String("pdf_url", pdfURL))
	a.emit(ctx, task, monitor.EventBookingCompleted, "Booking completed, confirmation saved", pdfURL)
	return nil
}

func (a *Automator) book(ctx context.Context, task monitor.Task, logger *zap.Logger) (string, error) {
	form, err := parseFormData(task.FormData)
	if err != nil {
		return "", err
	}
	opened, err := a.browser.NewPage(ctx)
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if closeErr := opened.Close(); closeErr != nil {
			logger.Warn("page release failed", zap.Error(closeErr))
		}
	}()
	page, ok := opened.(monitor.InteractivePage)
	if !ok {
		return "", fmt.Errorf("browser pages are not interactive: %w", monitor.ErrUnsupported)
	}

	if err := page.Navigate(ctx, a.cfg.TargetURL, a.cfg.NavigationTimeout); err != nil {
		return "", err
	}
	if err := page.WaitForLoad(ctx, a.cfg.NavigationTimeout); err != nil && ctx.Err() == nil {
		logger.Debug("load state timeout, continuing", zap.Error(err))
	}
	if err := a.clock.Sleep(ctx, a.cfg.StepDelay); err != nil {
		return "", err
	}

	for _, step := range [][]string{a.cfg.ApplyLocators, a.cfg.BookLocators} {
		if clicked := a.clickFirst(ctx, page, step); clicked != "" {
			logger.Debug("clicked through", zap.String("locator", clicked))
			if err := a.clock.Sleep(ctx, a.cfg.StepDelay); err != nil {
				return "", err
			}
		}
	}

	if a.captcha.Blocked(ctx, page) {
		a.emit(ctx, task, monitor.EventBookingCaptcha, "CAPTCHA detected, solve it in the browser window", "")
		cleared := func() (bool, error) { return !a.captcha.Blocked(ctx, page), nil }
		if err := a.waitUntil(ctx, a.cfg.CaptchaPoll, a.cfg.CaptchaTimeout, cleared); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return "", errCaptchaTimeout
			}
			return "", err
		}
	}

	a.fill(ctx, page, form, logger)

	submitted := func() (bool, error) { return a.submitted(ctx, page) }
	if err := a.waitUntil(ctx, a.cfg.SubmitPoll, a.cfg.SubmitTimeout, submitted); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", errSubmitTimeout
		}
		return "", err
	}

	return a.storeConfirmation(ctx, page, task.RunID)
}

// clickFirst clicks the first locator that accepts a click and returns it.
func (a *Automator) clickFirst(ctx context.Context, page monitor.InteractivePage, locators []string) string {
	for _, loc := range locators {
		if err := page.Click(ctx, loc, a.cfg.ClickTimeout); err == nil {
			return loc
		}
		if ctx.Err() != nil {
			return ""
		}
	}
	return ""
}

func (a *Automator) fill(ctx context.Context, page monitor.InteractivePage, form map[string]string, logger *zap.Logger) {
	fields := make([]string, 0, len(a.cfg.FormFields))
	for field := range a.cfg.FormFields {
		fields = append(fields, field)
	}
	slices.Sort(fields)
	for _, field := range fields {
		value := form[field]
		if value == "" {
			continue
		}
		for _, loc := range a.cfg.FormFields[field] {
			if err := page.Fill(ctx, loc, value, a.cfg.ClickTimeout); err == nil {
				logger.Debug("filled field", zap.String("field", field), zap.String("locator", loc))
				break
			}
		}
	}
}

func (a *Automator) submitted(ctx context.Context, page monitor.InteractivePage) (bool, error) {
	loc, err := page.Location(ctx)
	if err != nil {
		return false, err
	}
	for _, marker := range a.cfg.SuccessMarkers {
		if strings.Contains(loc, marker) {
			return true, nil
		}
	}
	if a.cfg.PDFLinkLocator == "" {
		return false, nil
	}
	visible, err := page.FindVisible(ctx, a.cfg.PDFLinkLocator, time.Second)
	if err != nil && !errors.Is(err, monitor.ErrElementNotFound) {
		return false, err
	}
	return visible, nil
}

// waitUntil polls cond every interval. Elapsed time is counted in slept
// intervals so the bound holds under a fake clock.
func (a *Automator) waitUntil(ctx context.Context, interval, limit time.Duration, cond func() (bool, error)) error {
	for elapsed := time.Duration(0); ; elapsed += interval {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if elapsed >= limit {
			return context.DeadlineExceeded
		}
		if err := a.clock.Sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func (a *Automator) storeConfirmation(ctx context.Context, page monitor.InteractivePage, runID string) (string, error) {
	pdf, err := page.PrintPDF(ctx)
	if err != nil {
		return "", err
	}
	if len(pdf) == 0 {
		return "", errors.New("confirmation pdf is empty")
	}
	digest, err := a.hasher.Hash(pdf)
	if err != nil {
		return "", fmt.Errorf("hash confirmation: %w", err)
	}
	key := path.Join(a.cfg.ArtifactPrefix, runID, digest+".pdf")
	url, err := a.blobs.PutObject(ctx, key, "application/pdf", pdf)
	if err != nil {
		return "", fmt.Errorf("store confirmation: %w", err)
	}
	return url, nil
}

func (a *Automator) emit(ctx context.Context, task monitor.Task, kind monitor.EventKind, msg, pdfURL string) {
	evt := monitor.Event{
		Kind:        kind,
		Timestamp:   a.clock.Now(),
		Message:     msg,
		RunID:       task.RunID,
		BookingID:   task.BookingID,
		ApplicantID: task.ApplicantID,
		PDFURL:      pdfURL,
	}
	sendCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if err := a.notifier.Notify(sendCtx, evt); err != nil {
		a.logger.Warn("event delivery failed", zap.String("event", string(kind)), zap.Error(err))
	}
}

func parseFormData(raw json.RawMessage) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return DefaultFormData, nil
	}
	var form map[string]string
	if err := json.Unmarshal(raw, &form); err != nil {
		return nil, fmt.Errorf("decode form data: %w: %w", monitor.ErrInvalid, err)
	}
	return form, nil
}
