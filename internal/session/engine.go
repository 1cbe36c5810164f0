package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/JakeFAU/slotwatch/internal/fingerprint"
	"github.com/JakeFAU/slotwatch/internal/monitor"
	"github.com/JakeFAU/slotwatch/internal/retry"
	"go.uber.org/zap"
)

// State is the position of a session in its polling loop.
type State string

// Session states.
const (
	StateStarting    State = "starting"
	StatePolling     State = "polling"
	StateBlockedWait State = "blocked_wait"
	StateRetryWait   State = "retry_wait"
	StateNormalWait  State = "normal_wait"
	StateFailed      State = "failed"
)

// criticalEmitTimeout bounds delivery of the final event after cancellation.
const criticalEmitTimeout = 5 * time.Second

// Extractor pulls the slot region from a page.
type Extractor interface {
	Extract(ctx context.Context, page monitor.Page) (string, error)
}

// Detector recognises obstructed pages.
type Detector interface {
	Blocked(ctx context.Context, page monitor.Page) bool
}

// Engine runs monitoring sessions. An Engine is stateless between runs and
// may serve several concurrent runs; each Run owns its own page and policy.
type Engine struct {
	cfg       Config
	browser   monitor.Browser
	extractor Extractor
	detector  Detector
	notifier  monitor.Notifier
	clock     monitor.Clock
	newPolicy func() *retry.Policy
	jitter    func(maxJitter time.Duration) time.Duration
	logger    *zap.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithPolicyFactory replaces the retry policy constructor.
func WithPolicyFactory(fn func() *retry.Policy) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newPolicy = fn
		}
	}
}

// WithJitter replaces the jitter added to the normal poll interval.
func WithJitter(fn func(maxJitter time.Duration) time.Duration) Option {
	return func(e *Engine) {
		if fn != nil {
			e.jitter = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New wires an Engine.
func New(
	cfg Config,
	browser monitor.Browser,
	extractor Extractor,
	detector Detector,
	notifier monitor.Notifier,
	clock monitor.Clock,
	opts ...Option,
) *Engine {
	e := &Engine{
		cfg:       cfg.withDefaults(),
		browser:   browser,
		extractor: extractor,
		detector:  detector,
		notifier:  notifier,
		clock:     clock,
		newPolicy: func() *retry.Policy { return retry.New() },
		jitter:    wholeSecondJitter,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// wholeSecondJitter returns between 1s and maxJitter in whole seconds.
func wholeSecondJitter(maxJitter time.Duration) time.Duration {
	n := int64(maxJitter / time.Second)
	if n < 1 {
		return time.Second
	}
	return time.Duration(rand.Int64N(n)+1) * time.Second
}

// run is the mutable state of one Run call.
type run struct {
	id       string
	page     monitor.Page
	policy   *retry.Policy
	baseline string
	started  bool
	state    State
	logger   *zap.Logger
}

func (r *run) transition(next State) {
	if r.state != next {
		r.logger.Debug("session state", zap.String("from", string(r.state)), zap.String("to", string(next)))
		r.state = next
	}
}

// Run drives the polling loop until ctx is cancelled or the retry budget is
// spent. It returns ctx.Err() on cancellation, monitor.ErrMaxRetriesExceeded
// after emitting monitor_failed, or the fault that ended the session after
// emitting critical_error.
func (e *Engine) Run(ctx context.Context, runID string) (err error) {
	logger := e.logger.With(zap.String("run_id", runID))
	r := &run{id: runID, policy: e.newPolicy(), state: StateStarting, logger: logger}

	page, err := e.browser.NewPage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.critical(ctx, r, err)
		return fmt.Errorf("open page: %w", err)
	}
	r.page = page
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			logger.Warn("page release failed", zap.Error(closeErr))
		}
	}()
	defer func() {
		if rec := recover(); rec != nil {
			fault := fmt.Errorf("session panic: %v", rec)
			e.critical(ctx, r, fault)
			err = fault
		}
	}()

	logger.Info("session started", zap.String("target", e.cfg.TargetURL))
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Info("session cancelled")
			return ctxErr
		}
		wait, cycleErr := e.cycle(ctx, r)
		if cycleErr != nil {
			if errors.Is(cycleErr, monitor.ErrMaxRetriesExceeded) {
				logger.Warn("session failed", zap.Int("retries", r.policy.RetryCount()))
			}
			return cycleErr
		}
		if sleepErr := e.clock.Sleep(ctx, wait); sleepErr != nil {
			logger.Info("session cancelled")
			return sleepErr
		}
	}
}

// cycle performs one poll and returns how long to wait before the next one.
func (e *Engine) cycle(ctx context.Context, r *run) (time.Duration, error) {
	r.transition(StatePolling)
	stamp := e.clock.Now()
	e.emit(ctx, r, monitor.EventSlotCheck, stamp,
		fmt.Sprintf("Checking slots... (attempt %d)", r.policy.RetryCount()+1))

	if err := e.load(ctx, r.page); err != nil {
		return e.fail(ctx, r, stamp, monitor.EventError, "Error: "+err.Error())
	}

	if e.detector.Blocked(ctx, r.page) {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		e.emit(ctx, r, monitor.EventCaptchaDetected, stamp, "CAPTCHA detected, monitoring paused. Manual intervention required.")
		r.transition(StateBlockedWait)
		return e.cfg.BlockedPause, nil
	}

	markup, err := e.extractor.Extract(ctx, r.page)
	if err != nil {
		return e.fail(ctx, r, stamp, monitor.EventError, "Error: "+err.Error())
	}
	if markup == "" {
		return e.fail(ctx, r, stamp, monitor.EventNoContent, "No slot container found - page may have changed")
	}

	r.policy.Reset(stamp)
	digest := fingerprint.Digest(markup)
	switch {
	case !r.started:
		r.started = true
		r.baseline = digest
		e.emit(ctx, r, monitor.EventMonitorStarted, stamp, "Monitoring started successfully")
	case digest != r.baseline:
		r.baseline = digest
		e.emit(ctx, r, monitor.EventSlotsFound, stamp, "SLOT AVAILABLE! Book now!")
	default:
		e.emit(ctx, r, monitor.EventNoSlots, stamp, "No slots available")
	}

	r.transition(StateNormalWait)
	return e.cfg.BaseInterval + e.jitter(e.cfg.MaxJitter), nil
}

// load navigates and waits for the page to settle. A load-state timeout is
// tolerated; navigation failures are not.
func (e *Engine) load(ctx context.Context, page monitor.Page) error {
	if err := page.Navigate(ctx, e.cfg.TargetURL, e.cfg.NavigationTimeout); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitForLoad(ctx, e.cfg.LoadTimeout); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Debug("load state timeout, continuing", zap.Error(err))
	}
	return e.clock.Sleep(ctx, e.cfg.SettleDelay)
}

// fail emits the failure event and either schedules a backoff or ends the
// session. Cancellation short-circuits without emitting.
func (e *Engine) fail(ctx context.Context, r *run, stamp time.Time, kind monitor.EventKind, msg string) (time.Duration, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	e.emit(ctx, r, kind, stamp, msg)
	r.policy.RecordFailure()
	if r.policy.ShouldRetry() {
		r.transition(StateRetryWait)
		return r.policy.NextDelay(), nil
	}
	r.transition(StateFailed)
	e.emit(ctx, r, monitor.EventMonitorFailed, stamp, "Max retries reached. Monitor stopping.")
	return 0, monitor.ErrMaxRetriesExceeded
}

func (e *Engine) critical(ctx context.Context, r *run, fault error) {
	r.logger.Error("session aborted", zap.Error(fault))
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), criticalEmitTimeout)
	defer cancel()
	e.emit(emitCtx, r, monitor.EventCriticalError, e.clock.Now(), "Critical error: "+fault.Error())
}

// emit delivers best effort; failures are logged and swallowed.
func (e *Engine) emit(ctx context.Context, r *run, kind monitor.EventKind, stamp time.Time, msg string) {
	evt := monitor.Event{Kind: kind, Timestamp: stamp, Message: msg, RunID: r.id}
	if err := e.notifier.Notify(ctx, evt); err != nil {
		r.logger.Warn("event delivery failed", zap.String("event", string(kind)), zap.Error(err))
	}
}
