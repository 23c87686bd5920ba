package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned when submitting to a pool that is shutting down
	ErrStopped = errors.New("worker pool is stopped")
	// ErrQueueFull is returned by TrySubmit when no queue slot is free
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Job is a unit of background work. Run is retried up to MaxAttempts times.
type Job struct {
	Name        string
	Run         func(context.Context) error
	MaxAttempts int
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	Workers    int
	QueueSize  int
	RetryDelay time.Duration
	// JobTimeout bounds a single attempt; zero means no bound
	JobTimeout time.Duration
	Logger     *zap.Logger
}

// Pool runs jobs on a fixed number of goroutines. Shutdown drains queued jobs
// before returning.
type Pool struct {
	cfg    Config
	queue  chan Job
	logger *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc

	active    int32
	submitted uint64
	succeeded uint64
	failed    uint64
	rejected  uint64
}

// New starts a pool
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		queue:   make(chan Job, cfg.QueueSize),
		logger:  cfg.Logger.With(zap.String("pool", cfg.Name)),
		baseCtx: ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.queue {
		p.execute(id, job)
	}
}

func (p *Pool) execute(workerID int, job Job) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	attempts := job.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	start := time.Now()
	var err error
retry:
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = p.runOnce(job); err == nil || attempt == attempts {
			break
		}
		select {
		case <-time.After(p.cfg.RetryDelay * time.Duration(attempt)):
		case <-p.baseCtx.Done():
			break retry
		}
	}

	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Error("Job failed",
			zap.Int("worker_id", workerID),
			zap.String("job", job.Name),
			zap.Int("attempts", attempts),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.succeeded, 1)
	p.logger.Debug("Job completed",
		zap.Int("worker_id", workerID),
		zap.String("job", job.Name),
		zap.Duration("duration", time.Since(start)))
}

// runOnce executes a single attempt with panic recovery
func (p *Pool) runOnce(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	ctx := p.baseCtx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}
	return job.Run(ctx)
}

// Submit enqueues job, blocking until a slot frees up or ctx is done
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		atomic.AddUint64(&p.rejected, 1)
		return ErrStopped
	}
	select {
	case p.queue <- job:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	case <-ctx.Done():
		atomic.AddUint64(&p.rejected, 1)
		return ctx.Err()
	}
}

// TrySubmit enqueues job without blocking
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		atomic.AddUint64(&p.rejected, 1)
		return ErrStopped
	}
	select {
	case p.queue <- job:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs and waits for queued jobs to finish. If ctx
// expires first, in-flight jobs see their context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("Worker pool shutdown timed out", zap.Int("queued", len(p.queue)))
		return fmt.Errorf("worker pool %s: %w", p.cfg.Name, ctx.Err())
	}
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.cfg.Name,
		Workers:   p.cfg.Workers,
		Active:    int(atomic.LoadInt32(&p.active)),
		Queued:    len(p.queue),
		Submitted: atomic.LoadUint64(&p.submitted),
		Succeeded: atomic.LoadUint64(&p.succeeded),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}
