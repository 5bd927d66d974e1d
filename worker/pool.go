// Package worker runs caller-supplied work on a bounded set of goroutines,
// each job tracked as a registry operation.
//
// A submitted job is registered as pending immediately, so its escalation
// clock starts while it waits in the queue. It moves to running when a worker
// picks it up. Jobs cancelled while waiting are skipped.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"feedback.evalgo.org/statemanager"
)

var (
	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("worker pool stopped")
	// ErrUnknownQueue is returned by Submit for a queue the pool was not
	// configured with.
	ErrUnknownQueue = errors.New("unknown worker queue")
)

// Config configures the worker pool
type Config struct {
	Queues   map[string]int // Queue name -> number of workers
	Capacity int            // Jobs waiting per queue before Submit blocks, default 100
	Logger   *logrus.Entry
}

// DefaultConfig returns the default worker configuration
func DefaultConfig() Config {
	return Config{
		Queues: map[string]int{
			"sequential": 1, // Only 1 worker for sequential processing
			"parallel":   5, // 5 workers for parallel processing
		},
		Capacity: 100,
	}
}

type job struct {
	handle *statemanager.Handle
	fn     statemanager.WorkFunc
}

// Pool manages a pool of workers that run jobs from named queues
type Pool struct {
	manager *statemanager.Manager
	queues  map[string]chan job
	workers []*Worker
	logger  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

// Worker represents a single worker that runs jobs from one queue
type Worker struct {
	id        int
	queueName string
	jobs      <-chan job
	logger    *logrus.Entry
}

// NewPool creates a pool whose jobs are registered with manager
func NewPool(manager *statemanager.Manager, config Config) *Pool {
	if config.Capacity <= 0 {
		config.Capacity = 100
	}
	if config.Logger == nil {
		config.Logger = logrus.WithField("component", "worker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		manager: manager,
		queues:  make(map[string]chan job, len(config.Queues)),
		logger:  config.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	names := make([]string, 0, len(config.Queues))
	for name := range config.Queues {
		names = append(names, name)
	}
	sort.Strings(names)

	// Create workers for each queue
	for _, queueName := range names {
		jobs := make(chan job, config.Capacity)
		pool.queues[queueName] = jobs
		for i := 0; i < config.Queues[queueName]; i++ {
			pool.workers = append(pool.workers, &Worker{
				id:        i,
				queueName: queueName,
				jobs:      jobs,
				logger:    config.Logger.WithFields(logrus.Fields{"queue": queueName, "worker": i}),
			})
		}
	}

	return pool
}

// Start starts all workers in the pool
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	p.logger.WithField("workers", len(p.workers)).Info("Starting worker pool")
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.run(p.ctx)
		}(w)
	}
}

// Submit registers a pending operation for fn and queues it on queueName.
// It blocks while the queue is full; if ctx ends first the operation is
// cancelled and ctx's error returned.
func (p *Pool) Submit(ctx context.Context, queueName string, opts statemanager.StartOptions, fn statemanager.WorkFunc) (*statemanager.Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return nil, ErrPoolStopped
	}
	jobs, ok := p.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	opts.Pending = true
	metadata := make(map[string]interface{}, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	metadata["queue"] = queueName
	opts.Metadata = metadata

	h, err := p.manager.Start(opts)
	if err != nil {
		return nil, err
	}

	select {
	case jobs <- job{handle: h, fn: fn}:
		return h, nil
	case <-ctx.Done():
		h.Cancel()
		return nil, ctx.Err()
	case <-p.ctx.Done():
		h.Cancel()
		return nil, ErrPoolStopped
	}
}

// Pending returns the number of jobs waiting on queueName
func (p *Pool) Pending(queueName string) int {
	return len(p.queues[queueName])
}

// Stop cancels running work, waits for the workers to return and cancels
// every job still waiting.
func (p *Pool) Stop() {
	// Unblocks Submit calls waiting on a full queue.
	p.cancel()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool...")
	p.wg.Wait()

	dropped := 0
	for _, jobs := range p.queues {
		close(jobs)
		for j := range jobs {
			j.handle.Cancel()
			dropped++
		}
	}
	p.logger.WithField("cancelled_jobs", dropped).Info("Worker pool stopped")
}

func (w *Worker) run(ctx context.Context) {
	w.logger.Debug("Worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Worker stopped")
			return
		case j := <-w.jobs:
			if ctx.Err() != nil {
				j.handle.Cancel()
				return
			}
			w.process(ctx, j)
		}
	}
}

func (w *Worker) process(ctx context.Context, j job) {
	if j.handle.Token().IsCancelled() {
		w.logger.WithField("operation_id", j.handle.ID()).Debug("Skipping cancelled job")
		return
	}

	w.logger.WithField("operation_id", j.handle.ID()).Debug("Processing job")
	j.handle.Execute(ctx, j.fn)

	state := j.handle.State()
	entry := w.logger.WithFields(logrus.Fields{
		"operation_id": state.ID,
		"status":       state.Status,
	})
	if state.Status == statemanager.StatusFailed {
		entry.WithField("error", state.Error).Warn("Job failed")
		return
	}
	entry.Debug("Job finished")
}
