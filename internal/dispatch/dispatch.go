// Package dispatch bounds how many runs execute at once and keeps a single
// run per (repository, issue) in flight.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/drewdunne/codeloop/internal/metrics"
)

var (
	// ErrRunActive is returned when the key already has a queued or running job.
	ErrRunActive = errors.New("a run is already active for this issue")

	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("run queue is full")

	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("dispatcher is shutting down")
)

// Key identifies the subject of a run. Standalone reviews set Kind and
// carry the pull request number in Issue.
type Key struct {
	Kind  string
	Repo  string
	Issue int
}

func (k Key) String() string {
	if k.Kind != "" {
		return fmt.Sprintf("%s:%s#%d", k.Kind, k.Repo, k.Issue)
	}
	return fmt.Sprintf("%s#%d", k.Repo, k.Issue)
}

// Job is one unit of work. Its context is cancelled on forced shutdown.
type Job func(ctx context.Context)

// Config configures the dispatcher.
type Config struct {
	MaxConcurrent int
	QueueSize     int
}

type queued struct {
	key Key
	job Job
}

// Dispatcher runs jobs with bounded concurrency.
type Dispatcher struct {
	sem    *semaphore.Weighted
	queue  chan queued
	logger *zap.Logger

	mu     sync.Mutex
	keys   map[Key]struct{}
	closed bool

	running atomic.Int32
	wg      sync.WaitGroup

	// runCtx is the parent of every job context.
	runCtx     context.Context
	cancelRun  context.CancelFunc
	stopCtx    context.Context
	stopWorker context.CancelFunc
	done       chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// New creates a dispatcher and starts its queue worker.
func New(cfg Config, opts ...Option) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 20
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopCtx, stopWorker := context.WithCancel(context.Background())
	d := &Dispatcher{
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		queue:      make(chan queued, cfg.QueueSize),
		logger:     zap.NewNop(),
		keys:       make(map[Key]struct{}),
		runCtx:     ctx,
		cancelRun:  cancel,
		stopCtx:    stopCtx,
		stopWorker: stopWorker,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	go d.worker()
	return d
}

// claim reserves key. An inline run also joins wg here, under the same lock
// Shutdown takes before waiting.
func (d *Dispatcher) claim(key Key, inline bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrShutdown
	}
	if _, ok := d.keys[key]; ok {
		metrics.RunRejected("active")
		return fmt.Errorf("%w: %s", ErrRunActive, key)
	}
	d.keys[key] = struct{}{}
	if inline {
		d.wg.Add(1)
	}
	return nil
}

func (d *Dispatcher) release(key Key) {
	d.mu.Lock()
	delete(d.keys, key)
	d.mu.Unlock()
}

// Enqueue schedules job for key and returns immediately.
func (d *Dispatcher) Enqueue(key Key, job Job) error {
	if err := d.claim(key, false); err != nil {
		return err
	}
	select {
	case d.queue <- queued{key: key, job: job}:
		d.logger.Debug("run queued", zap.String("key", key.String()), zap.Int("queued", len(d.queue)))
		return nil
	default:
		d.release(key)
		metrics.RunRejected("queue_full")
		return ErrQueueFull
	}
}

// Run executes job for key on the caller's goroutine once a slot is free.
// The job's context ends with ctx or on forced shutdown. A run still waiting
// for a slot when Shutdown starts returns ErrShutdown without executing.
func (d *Dispatcher) Run(ctx context.Context, key Key, job Job) error {
	if err := d.claim(key, true); err != nil {
		return err
	}
	defer d.wg.Done()
	defer d.release(key)

	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.sem.Release(1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopLink := context.AfterFunc(d.runCtx, cancel)
	defer stopLink()

	d.execute(ctx, key, job)
	return nil
}

// acquire takes a slot for an inline run, giving up once Shutdown stops
// the worker.
func (d *Dispatcher) acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.stopCtx, cancel)
	defer stop()

	if err := d.sem.Acquire(waitCtx, 1); err != nil {
		if d.stopCtx.Err() != nil {
			return ErrShutdown
		}
		return err
	}
	if d.stopCtx.Err() != nil {
		d.sem.Release(1)
		return ErrShutdown
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, key Key, job Job) {
	d.running.Add(1)
	defer d.running.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("run panicked", zap.String("key", key.String()), zap.Any("panic", r))
		}
	}()
	job(ctx)
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for {
		select {
		case <-d.stopCtx.Done():
			return
		case q := <-d.queue:
			if err := d.sem.Acquire(d.stopCtx, 1); err != nil {
				d.release(q.key)
				return
			}
			d.wg.Add(1)
			go func(q queued) {
				defer d.wg.Done()
				defer d.sem.Release(1)
				defer d.release(q.key)
				d.execute(d.runCtx, q.key, q.job)
			}(q)
		}
	}
}

// Queued returns how many jobs wait for a slot.
func (d *Dispatcher) Queued() int {
	return len(d.queue)
}

// Active returns how many jobs are executing.
func (d *Dispatcher) Active() int {
	return int(d.running.Load())
}

// Shutdown stops accepting work, drops queued jobs and waits for running
// ones. When ctx ends first, running jobs are cancelled and ctx's error is
// returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.stopWorker()
	<-d.done

	dropped := 0
drain:
	for {
		select {
		case q := <-d.queue:
			d.release(q.key)
			dropped++
		default:
			break drain
		}
	}
	if dropped > 0 {
		d.logger.Info("dropped queued runs", zap.Int("count", dropped))
	}

	waited := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		d.cancelRun()
		return nil
	case <-ctx.Done():
		d.cancelRun()
		<-waited
		return ctx.Err()
	}
}
