// Package worker consumes dispatched tasks and runs monitoring sessions and
// booking automation until they finish or are cancelled.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/fingerprint"
	"github.com/JakeFAU/slotwatch/internal/metrics"
	"github.com/JakeFAU/slotwatch/internal/monitor"
	"github.com/JakeFAU/slotwatch/internal/obstruction"
	"github.com/JakeFAU/slotwatch/internal/queue"
	"github.com/JakeFAU/slotwatch/internal/session"
)

// dequeueBackoff spaces out retries after a transport failure.
const dequeueBackoff = time.Second

// Runner executes one monitoring run.
type Runner interface {
	Run(ctx context.Context, runID string) error
}

// SessionFactory builds the runner for a monitor task.
type SessionFactory func(task monitor.Task) (Runner, error)

// BookingRunner executes one booking task.
type BookingRunner interface {
	Run(ctx context.Context, task monitor.Task) error
}

// Config controls Worker behavior.
type Config struct {
	// MaxBookings bounds concurrent booking runs. Monitors are not bounded;
	// the browser driver limits open pages.
	MaxBookings int
}

// Worker consumes queue items and executes them in their own goroutines.
type Worker struct {
	queue    queue.Queue
	sessions SessionFactory
	bookings BookingRunner
	slots    chan struct{}
	logger   *zap.Logger

	mu sync.Mutex
	// running is keyed by taskKey. Bookings share their monitor's run ID.
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Worker. bookings may be nil, in which case booking tasks
// fail immediately.
func New(q queue.Queue, sessions SessionFactory, bookings BookingRunner, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	if cfg.MaxBookings <= 0 {
		cfg.MaxBookings = 1
	}
	return &Worker{
		queue:    q,
		sessions: sessions,
		bookings: bookings,
		slots:    make(chan struct{}, cfg.MaxBookings),
		logger:   logger.Named("worker"),
		running:  make(map[string]context.CancelFunc),
	}
}

// NewSessionFactory returns a factory that applies each task's stored
// overrides to base and wires a fresh engine around the shared browser.
func NewSessionFactory(
	base session.Config,
	browser monitor.Browser,
	notifier monitor.Notifier,
	clock monitor.Clock,
	logger *zap.Logger,
) SessionFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(task monitor.Task) (Runner, error) {
		cfg, err := base.Apply(task.Config)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		sessionLogger := logger.Named("session").With(zap.String("flow", task.Flow))
		return session.New(
			cfg,
			browser,
			fingerprint.New(cfg.ContentLocators, 0, sessionLogger),
			obstruction.New(cfg.BlockingLocators, 0, sessionLogger),
			notifier,
			clock,
			session.WithLogger(sessionLogger),
		), nil
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes. Running tasks are cancelled and awaited before it returns.
func (w *Worker) Run(ctx context.Context) error {
	cancels, err := w.queue.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cancellations: %w", err)
	}
	go w.watchCancellations(cancels)

	defer w.shutdown()
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		w.logger.Debug("dequeued task", zap.String("run_id", task.RunID), zap.String("kind", string(task.Kind)))
		w.start(ctx, task)
	}
}

// Running returns the number of tasks currently executing.
func (w *Worker) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

func (w *Worker) watchCancellations(ch <-chan string) {
	for runID := range ch {
		w.mu.Lock()
		cancel, ok := w.running[monitorKey(runID)]
		w.mu.Unlock()
		if ok {
			w.logger.Info("cancelling run", zap.String("run_id", runID))
			cancel()
		}
	}
}

func monitorKey(runID string) string {
	return string(monitor.TaskMonitor) + ":" + runID
}

func taskKey(task monitor.Task) string {
	if task.Kind == monitor.TaskBooking {
		return string(monitor.TaskBooking) + ":" + strconv.FormatInt(task.BookingID, 10)
	}
	return string(task.Kind) + ":" + task.RunID
}

func (w *Worker) start(ctx context.Context, task monitor.Task) {
	if w.cancelled(ctx, task) {
		w.logger.Info("skipping cancelled task", zap.String("run_id", task.RunID))
		metrics.TaskSkipped(string(task.Kind))
		return
	}

	key := taskKey(task)
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	if _, dup := w.running[key]; dup {
		w.mu.Unlock()
		cancel()
		w.logger.Warn("task already running", zap.String("task", key))
		metrics.TaskSkipped(string(task.Kind))
		return
	}
	w.running[key] = cancel
	w.mu.Unlock()

	// A cancellation published between the first check and registration
	// would otherwise be missed.
	if w.cancelled(ctx, task) {
		cancel()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.finish(key, cancel)
		w.execute(runCtx, task)
	}()
}

// cancelled reports whether a monitor run was stopped. Run tombstones only
// apply to monitors; a booking outlives the monitor that found its slot.
func (w *Worker) cancelled(ctx context.Context, task monitor.Task) bool {
	if task.Kind != monitor.TaskMonitor {
		return false
	}
	runID := task.RunID
	gone, err := w.queue.Cancelled(ctx, runID)
	if err != nil {
		w.logger.Warn("cancellation lookup failed", zap.String("run_id", runID), zap.Error(err))
		return false
	}
	return gone
}

func (w *Worker) finish(key string, cancel context.CancelFunc) {
	cancel()
	w.mu.Lock()
	delete(w.running, key)
	w.mu.Unlock()
}

func (w *Worker) execute(ctx context.Context, task monitor.Task) {
	kind := string(task.Kind)
	logger := w.logger.With(zap.String("run_id", task.RunID), zap.String("kind", kind))

	metrics.TaskStarted(kind)
	var err error
	switch task.Kind {
	case monitor.TaskMonitor:
		err = w.runMonitor(ctx, task)
	case monitor.TaskBooking:
		err = w.runBooking(ctx, task)
	default:
		err = fmt.Errorf("unknown task kind %q", task.Kind)
	}

	result := outcome(err)
	metrics.TaskFinished(kind, result)
	switch result {
	case "ok", "cancelled":
		logger.Info("task finished", zap.String("result", result))
	default:
		logger.Warn("task finished", zap.String("result", result), zap.Error(err))
	}
}

func (w *Worker) runMonitor(ctx context.Context, task monitor.Task) error {
	runner, err := w.sessions(task)
	if err != nil {
		return fmt.Errorf("build session: %w", err)
	}
	return runner.Run(ctx, task.RunID)
}

func (w *Worker) runBooking(ctx context.Context, task monitor.Task) error {
	if w.bookings == nil {
		return fmt.Errorf("booking automation disabled: %w", monitor.ErrUnsupported)
	}
	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-w.slots }()
	return w.bookings.Run(ctx, task)
}

func (w *Worker) shutdown() {
	w.mu.Lock()
	for _, cancel := range w.running {
		cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, monitor.ErrMaxRetriesExceeded):
		return "failed"
	default:
		return "error"
	}
}
