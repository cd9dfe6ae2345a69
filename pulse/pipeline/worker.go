package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/logger"
	"github.com/teranos/nodereg/sym"
)

// Queue is the part of the pipeline a worker needs. *Pipeline implements it;
// the registry wraps it to refresh cached entities on every transition.
type Queue interface {
	DequeueNext() (*Ticket, error)
	Advance(ticketID string, expected Stage, version int64, outcome Outcome) (*Ticket, error)
}

// RateLimiter paces stage execution
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// StageHandler runs the work of one stage for a ticket.
// Returning an error fails the ticket with the error text as reason.
type StageHandler interface {
	Stage() Stage
	Handle(ctx context.Context, t Ticket) error
}

type stageFunc struct {
	stage Stage
	fn    func(ctx context.Context, t Ticket) error
}

func (s stageFunc) Stage() Stage                               { return s.stage }
func (s stageFunc) Handle(ctx context.Context, t Ticket) error { return s.fn(ctx, t) }

// HandlerFunc adapts a function to a StageHandler for stage
func HandlerFunc(stage Stage, fn func(ctx context.Context, t Ticket) error) StageHandler {
	return stageFunc{stage: stage, fn: fn}
}

// HandlerRegistry maps stages to handlers. Stages without a handler pass
// straight through.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[Stage]StageHandler
}

// NewHandlerRegistry creates an empty handler registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[Stage]StageHandler)}
}

// Register adds a handler for its stage.
// Panics if a handler is already registered for that stage.
func (r *HandlerRegistry) Register(h StageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stage := h.Stage()
	if stage == StagePending || stage.Terminal() || !stage.Valid() {
		panic(fmt.Sprintf("cannot register handler for stage %q", stage))
	}
	if _, exists := r.handlers[stage]; exists {
		panic(fmt.Sprintf("handler already registered for stage: %s", stage))
	}
	r.handlers[stage] = h
}

// Get returns the handler for stage, or nil
func (r *HandlerRegistry) Get(stage Stage) StageHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[stage]
}

// pulseLogger wraps zap.SugaredLogger with Opening (✿) and Closing (❀) events
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event at DEBUG level
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event at WARN level
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`       // Number of concurrent workers
	PollInterval time.Duration `json:"poll_interval"` // How often idle workers look for tickets
	StopTimeout  time.Duration `json:"stop_timeout"`  // How long Stop waits for in-flight stages
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      1,
		PollInterval: 250 * time.Millisecond,
		StopTimeout:  30 * time.Second,
	}
}

// WorkerPool runs tickets through their stages with N concurrent workers
type WorkerPool struct {
	queue    Queue
	handlers *HandlerRegistry
	limiter  RateLimiter // optional
	cfg      WorkerPoolConfig
	logger   pulseLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorkerPool creates a pool over queue. limiter may be nil.
func NewWorkerPool(queue Queue, handlers *HandlerRegistry, limiter RateLimiter, cfg WorkerPoolConfig) *WorkerPool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultWorkerPoolConfig().StopTimeout
	}
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	return &WorkerPool{
		queue:    queue,
		handlers: handlers,
		limiter:  limiter,
		cfg:      cfg,
		logger:   pulseLogger{logger.AddPulseSymbol(logger.ComponentLogger("pulse"))},
	}
}

// Handlers returns the stage handler registry. Register handlers before Start.
func (wp *WorkerPool) Handlers() *HandlerRegistry {
	return wp.handlers
}

// Workers returns the number of concurrent workers
func (wp *WorkerPool) Workers() int {
	return wp.cfg.Workers
}

// Processed returns how many tickets reached a terminal stage through this pool
func (wp *WorkerPool) Processed() int64 {
	return wp.processed.Load()
}

// Failed returns how many of the processed tickets ended in failed
func (wp *WorkerPool) Failed() int64 {
	return wp.failed.Load()
}

// Start launches the workers. They poll until Stop or ctx cancellation.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.group != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	wp.cancel = cancel
	wp.group = g

	wp.logger.Starting("Starting worker pool", "workers", wp.cfg.Workers, "poll_interval", wp.cfg.PollInterval)
	for i := 0; i < wp.cfg.Workers; i++ {
		id := i
		g.Go(func() error { return wp.worker(gctx, id) })
	}
}

// Stop cancels the workers and waits for in-flight stages to finish,
// giving up after the configured timeout.
func (wp *WorkerPool) Stop() error {
	wp.mu.Lock()
	g, cancel := wp.group, wp.cancel
	wp.group, wp.cancel = nil, nil
	wp.mu.Unlock()
	if g == nil {
		return nil
	}

	cancel()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		wp.logger.Closing("Worker pool stopped", "processed", wp.processed.Load())
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-time.After(wp.cfg.StopTimeout):
		wp.logger.Closing("Worker pool stop timed out, stages may still be running", "timeout", wp.cfg.StopTimeout)
		return errors.Newf("worker pool did not stop within %s", wp.cfg.StopTimeout)
	}
}

// Drain processes tickets with all workers until none are pending and
// returns how many tickets it finished.
func (wp *WorkerPool) Drain(ctx context.Context) (int, error) {
	before := wp.processed.Load()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < wp.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				worked, err := wp.processNext(gctx, id)
				if err != nil {
					return err
				}
				if !worked {
					return nil
				}
			}
		})
	}
	err := g.Wait()
	return int(wp.processed.Load() - before), err
}

// worker polls for tickets until ctx is cancelled
func (wp *WorkerPool) worker(ctx context.Context, id int) error {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for {
			worked, err := wp.processNext(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				errorCount++
				wp.logger.Errorw("Worker error processing ticket",
					logger.FieldWorkerID, id,
					logger.FieldError, err,
					"consecutive_errors", errorCount)
				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						logger.FieldWorkerID, id,
						"backoff", backoff)
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(backoff):
					}
					backoff = min(backoff*2, maxBackoff)
				}
				break
			}
			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					logger.FieldWorkerID, id,
					"previous_error_count", errorCount)
				errorCount = 0
				backoff = time.Second
			}
			if !worked {
				break
			}
		}
	}
}

// processNext takes one ticket and runs it to a terminal stage.
// Returns false when nothing was pending.
func (wp *WorkerPool) processNext(ctx context.Context, workerID int) (bool, error) {
	t, err := wp.queue.DequeueNext()
	if errors.Is(err, errors.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to dequeue ticket")
	}

	log := wp.logger.With(logger.FieldTicketID, t.ID, logger.FieldEntityID, t.EntityID, logger.FieldWorkerID, workerID)

	for t.Open() {
		outcome := wp.runStage(ctx, *t)

		next, err := wp.queue.Advance(t.ID, t.Stage, t.Version, outcome)
		if errors.IsConflictError(err) || errors.IsNotFoundError(err) {
			// Restarted, canceled or abandoned while we worked on it
			log.Debugw("Ticket moved by another caller", logger.FieldStage, t.Stage, logger.FieldError, err)
			return true, nil
		}
		if err != nil {
			return true, errors.Wrapf(err, "failed to advance ticket %s", t.ID)
		}
		t = next
	}

	wp.processed.Add(1)
	if t.Stage == StageFailed {
		wp.failed.Add(1)
		log.Infow(sym.Pulse+" Ticket failed", logger.FieldReason, t.Reason)
	} else {
		log.Debugw(sym.Pulse + " Ticket completed")
	}
	return true, nil
}

// runStage executes the handler for t's current stage
func (wp *WorkerPool) runStage(ctx context.Context, t Ticket) Outcome {
	if wp.limiter != nil {
		if err := wp.limiter.Wait(ctx); err != nil {
			return Failed(ReasonInterrupted)
		}
	}
	h := wp.handlers.Get(t.Stage)
	if h == nil {
		return Succeeded
	}

	start := time.Now()
	err := h.Handle(ctx, t)
	wp.logger.Debugw("Stage handled",
		logger.FieldTicketID, t.ID,
		logger.FieldStage, t.Stage,
		logger.FieldDurationMS, time.Since(start).Milliseconds())

	switch {
	case err == nil:
		return Succeeded
	case ctx.Err() != nil:
		return Failed(ReasonInterrupted)
	default:
		return Failed(err.Error())
	}
}
