package booking

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/slotwatch/internal/browser/scripted"
	"github.com/JakeFAU/slotwatch/internal/hash/md5"
	"github.com/JakeFAU/slotwatch/internal/monitor"
	"github.com/JakeFAU/slotwatch/internal/obstruction"
	"github.com/JakeFAU/slotwatch/internal/storage/memory"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	onPoll func(time.Duration)
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	hook := c.onPoll
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []monitor.Event
}

func (r *recorder) Notify(_ context.Context, evt monitor.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) kinds() []monitor.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]monitor.EventKind, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Kind)
	}
	return out
}

func (r *recorder) last() monitor.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TargetURL = "https://visa.example.com/apply"
	cfg.StepDelay = time.Second
	cfg.CaptchaPoll = 2 * time.Second
	cfg.CaptchaTimeout = 10 * time.Second
	cfg.SubmitPoll = 5 * time.Second
	cfg.SubmitTimeout = 20 * time.Second
	return cfg
}

type fixture struct {
	browser  *scripted.Browser
	clock    *fakeClock
	events   *recorder
	blobs    *memory.BlobStore
	automate *Automator
}

func newFixture(frames []scripted.Frame, opts ...scripted.Option) *fixture {
	cfg := testConfig()
	f := &fixture{
		browser: scripted.New(frames, opts...),
		clock:   &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
		events:  &recorder{},
		blobs:   memory.NewBlobStore(),
	}
	f.clock.onPoll = func(d time.Duration) {
		if d == cfg.CaptchaPoll || d == cfg.SubmitPoll {
			f.browser.Advance()
		}
	}
	f.automate = New(cfg, f.browser, obstruction.New(cfg.CaptchaLocators, time.Second, nil),
		f.events, f.blobs, md5.New(), f.clock, nil)
	return f
}

func TestRunCompletesBooking(t *testing.T) {
	t.Parallel()

	pdf := []byte("%PDF-1.4 confirmation")
	f := newFixture([]scripted.Frame{
		{
			Visible: []string{`a[href*="apply"]`, `a[href*="appointment"]`, "#captcha-container"},
			URL:     "https://visa.example.com/apply",
		},
		{
			Visible: []string{`input[name*="first"]`, `input[id*="last"]`, `input[type="date"]`},
			URL:     "https://visa.example.com/form",
		},
		{URL: "https://visa.example.com/appointment/confirmation"},
	}, scripted.WithPDF(pdf))

	form, err := json.Marshal(map[string]string{"first_name": "Ada", "last_name": "Lovelace"})
	require.NoError(t, err)
	task := monitor.Task{Kind: monitor.TaskBooking, RunID: "run_b", BookingID: 7, ApplicantID: "user_1", FormData: form}

	require.NoError(t, f.automate.Run(context.Background(), task))

	require.Equal(t, []monitor.EventKind{
		monitor.EventBookingInProgress,
		monitor.EventBookingCaptcha,
		monitor.EventBookingCompleted,
	}, f.events.kinds())

	done := f.events.last()
	require.Equal(t, int64(7), done.BookingID)
	require.Equal(t, "user_1", done.ApplicantID)
	wantKey := "bookings/run_b/" + md5.Sum(string(pdf)) + ".pdf"
	require.Equal(t, "memory://"+wantKey, done.PDFURL)
	stored, ok := f.blobs.Object(wantKey)
	require.True(t, ok)
	require.Equal(t, pdf, stored)

	require.Equal(t, []string{`a[href*="apply"]`, `a[href*="appointment"]`}, f.browser.Clicked())
	require.Equal(t, map[string]string{
		`input[name*="first"]`: "Ada",
		`input[id*="last"]`:    "Lovelace",
	}, f.browser.Filled())
	require.Equal(t, []string{"https://visa.example.com/apply"}, f.browser.Navigations())
	require.Equal(t, 1, f.browser.Closed())
}

func TestRunFailsWhenCaptchaIsNotSolved(t *testing.T) {
	t.Parallel()

	f := newFixture([]scripted.Frame{{Blocked: true}})
	err := f.automate.Run(context.Background(), monitor.Task{RunID: "run_c", BookingID: 1})
	require.ErrorIs(t, err, errCaptchaTimeout)

	require.Equal(t, []monitor.EventKind{
		monitor.EventBookingInProgress,
		monitor.EventBookingCaptcha,
		monitor.EventBookingFailed,
	}, f.events.kinds())
	require.True(t, strings.Contains(f.events.last().Message, "CAPTCHA"))
	require.Equal(t, 1, f.browser.Closed())
}

func TestRunFailsWhenNeverSubmitted(t *testing.T) {
	t.Parallel()

	f := newFixture([]scripted.Frame{{URL: "https://visa.example.com/form"}})
	err := f.automate.Run(context.Background(), monitor.Task{RunID: "run_d", BookingID: 2})
	require.ErrorIs(t, err, errSubmitTimeout)
	require.Equal(t, monitor.EventBookingFailed, f.events.last().Kind)
}

func TestRunReportsBrowserFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(nil, scripted.WithOpenError(errors.New("chrome not found")))
	err := f.automate.Run(context.Background(), monitor.Task{RunID: "run_e", BookingID: 3})
	require.ErrorContains(t, err, "chrome not found")
	require.Equal(t, []monitor.EventKind{monitor.EventBookingInProgress, monitor.EventBookingFailed}, f.events.kinds())
}

func TestRunRejectsMalformedFormData(t *testing.T) {
	t.Parallel()

	f := newFixture([]scripted.Frame{{}})
	err := f.automate.Run(context.Background(), monitor.Task{RunID: "run_f", FormData: json.RawMessage(`[1,2]`)})
	require.ErrorIs(t, err, monitor.ErrInvalid)
	require.Zero(t, f.browser.Opened())
}

func TestRunStopsOnCancellation(t *testing.T) {
	t.Parallel()

	f := newFixture([]scripted.Frame{{URL: "https://visa.example.com/form"}})
	ctx, cancel := context.WithCancel(context.Background())
	f.clock.onPoll = func(time.Duration) { cancel() }

	err := f.automate.Run(ctx, monitor.Task{RunID: "run_g"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []monitor.EventKind{monitor.EventBookingInProgress, monitor.EventBookingFailed}, f.events.kinds())
	require.Equal(t, "cancelled", f.events.events[1].Message)
	require.Equal(t, 1, f.browser.Closed())
}

func TestParseFormDataDefaults(t *testing.T) {
	t.Parallel()

	form, err := parseFormData(nil)
	require.NoError(t, err)
	require.Equal(t, "A12345678", form["passport"])

	form, err = parseFormData(json.RawMessage(`{"passport":"X1"}`))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"passport": "X1"}, form)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.TargetURL = ""
	require.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.SubmitTimeout = time.Second
	require.Error(t, cfg.Validate())
}
