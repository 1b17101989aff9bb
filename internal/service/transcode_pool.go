package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned by Submit when the job queue is saturated.
	ErrQueueFull = errors.New("transcode queue is full")
	// ErrPoolStopped is returned by Submit when the pool is not running.
	ErrPoolStopped = errors.New("transcode pool is not running")
	// ErrJobCancelled is the cancellation cause of a job removed with Cancel.
	ErrJobCancelled = errors.New("transcode job cancelled")
)

// JobFunc performs the work for one asset.
type JobFunc func(ctx context.Context) error

// TranscodeJob is a unit of rendition work keyed by asset.
type TranscodeJob struct {
	AssetID string
	Run     JobFunc

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// TranscodePool runs rendition jobs on a fixed number of workers fed by a
// bounded queue. At most one job per asset is tracked; submitting a new job
// for an asset supersedes the previous one.
type TranscodePool struct {
	mu sync.Mutex

	logger *slog.Logger

	// Configuration
	workerCount int
	queueSize   int
	jobTimeout  time.Duration

	// Running state
	queue   chan *TranscodeJob
	tracked map[string]*TranscodeJob
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// TranscodePoolConfig holds configuration for the pool.
type TranscodePoolConfig struct {
	// WorkerCount is the number of concurrent workers.
	// Default: 1
	WorkerCount int

	// QueueSize bounds the number of queued, not yet running, jobs.
	// Default: 16
	QueueSize int

	// JobTimeout is the maximum duration for a single job execution.
	// Default: 2 hours
	JobTimeout time.Duration
}

// DefaultTranscodePoolConfig returns the default pool configuration.
func DefaultTranscodePoolConfig() TranscodePoolConfig {
	return TranscodePoolConfig{
		WorkerCount: 1,
		QueueSize:   16,
		JobTimeout:  2 * time.Hour,
	}
}

// NewTranscodePool creates a pool. Zero values in cfg fall back to the defaults.
func NewTranscodePool(cfg TranscodePoolConfig) *TranscodePool {
	def := DefaultTranscodePoolConfig()
	if cfg.WorkerCount > 0 {
		def.WorkerCount = cfg.WorkerCount
	}
	if cfg.QueueSize > 0 {
		def.QueueSize = cfg.QueueSize
	}
	if cfg.JobTimeout > 0 {
		def.JobTimeout = cfg.JobTimeout
	}
	return &TranscodePool{
		logger:      slog.Default(),
		workerCount: def.WorkerCount,
		queueSize:   def.QueueSize,
		jobTimeout:  def.JobTimeout,
		tracked:     make(map[string]*TranscodeJob),
	}
}

// WithLogger sets a custom logger.
func (p *TranscodePool) WithLogger(logger *slog.Logger) *TranscodePool {
	p.logger = logger
	return p
}

// Start launches the workers. Jobs run under contexts derived from ctx.
func (p *TranscodePool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return fmt.Errorf("transcode pool already started")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.queue = make(chan *TranscodeJob, p.queueSize)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("transcode pool started",
		slog.Int("workers", p.workerCount),
		slog.Int("queue_size", p.queueSize),
		slog.Duration("job_timeout", p.jobTimeout))

	return nil
}

// Stop cancels running jobs, drops queued ones and waits for workers to exit.
func (p *TranscodePool) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.ctx = nil
	p.cancel = nil
	p.queue = nil
	for id, job := range p.tracked {
		job.cancel(context.Canceled)
		delete(p.tracked, id)
	}
	p.mu.Unlock()

	p.logger.Info("transcode pool stopped")
}

// Submit queues a job. It never blocks: a saturated queue returns ErrQueueFull.
func (p *TranscodePool) Submit(job *TranscodeJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil || p.ctx.Err() != nil {
		return ErrPoolStopped
	}

	p.track(p.ctx, job)

	select {
	case p.queue <- job:
		return nil
	default:
		p.untrackLocked(job)
		job.cancel(ErrQueueFull)
		return ErrQueueFull
	}
}

// Run executes a job on the calling goroutine while tracking it, so it can be
// cancelled like a queued job. The job timeout applies.
func (p *TranscodePool) Run(ctx context.Context, job *TranscodeJob) error {
	p.mu.Lock()
	p.track(ctx, job)
	p.mu.Unlock()

	return p.execute(job)
}

// Cancel cancels the queued or running job for assetID. It reports whether a
// job was tracked.
func (p *TranscodePool) Cancel(assetID string) bool {
	p.mu.Lock()
	job, ok := p.tracked[assetID]
	if ok {
		delete(p.tracked, assetID)
	}
	p.mu.Unlock()

	if ok {
		job.cancel(ErrJobCancelled)
		p.logger.Info("transcode job cancelled", slog.String("asset_id", assetID))
	}
	return ok
}

// IsTracked reports whether a job for assetID is queued or running.
func (p *TranscodePool) IsTracked(assetID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tracked[assetID]
	return ok
}

// Status returns a snapshot of the pool.
func (p *TranscodePool) Status() TranscodePoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return TranscodePoolStatus{
		Running:     p.ctx != nil && p.ctx.Err() == nil,
		WorkerCount: p.workerCount,
		QueueSize:   p.queueSize,
		Queued:      len(p.queue),
		Tracked:     len(p.tracked),
	}
}

// TranscodePoolStatus represents the current state of the pool.
type TranscodePoolStatus struct {
	Running     bool `json:"running"`
	WorkerCount int  `json:"worker_count"`
	QueueSize   int  `json:"queue_size"`
	Queued      int  `json:"queued"`
	Tracked     int  `json:"tracked"`
}

// track registers job as the current job for its asset, superseding any
// earlier one. Caller holds p.mu.
func (p *TranscodePool) track(parent context.Context, job *TranscodeJob) {
	if prev, ok := p.tracked[job.AssetID]; ok && prev != job {
		prev.cancel(ErrJobCancelled)
	}
	job.ctx, job.cancel = context.WithCancelCause(parent)
	p.tracked[job.AssetID] = job
}

func (p *TranscodePool) untrackLocked(job *TranscodeJob) {
	if p.tracked[job.AssetID] == job {
		delete(p.tracked, job.AssetID)
	}
}

// worker is the main worker loop.
func (p *TranscodePool) worker(n int) {
	defer p.wg.Done()

	p.logger.Debug("transcode worker started", slog.Int("worker", n))

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug("transcode worker stopping", slog.Int("worker", n))
			return
		case job := <-p.queue:
			if err := p.execute(job); err != nil {
				p.logger.Error("transcode job failed",
					slog.Int("worker", n),
					slog.String("asset_id", job.AssetID),
					slog.Any("error", err))
			}
		}
	}
}

// execute runs a tracked job under the job timeout and untracks it afterwards.
func (p *TranscodePool) execute(job *TranscodeJob) error {
	defer func() {
		p.mu.Lock()
		p.untrackLocked(job)
		p.mu.Unlock()
		job.cancel(nil)
	}()

	if cause := context.Cause(job.ctx); cause != nil {
		p.logger.Debug("skipping cancelled transcode job",
			slog.String("asset_id", job.AssetID),
			slog.Any("cause", cause))
		return nil
	}

	ctx, cancel := context.WithTimeout(job.ctx, p.jobTimeout)
	defer cancel()

	return job.Run(ctx)
}

// IsJobCancelled reports whether ctx ended because its job was cancelled or
// the pool shut down, as opposed to timing out.
func IsJobCancelled(ctx context.Context) bool {
	cause := context.Cause(ctx)
	return errors.Is(cause, ErrJobCancelled) || errors.Is(cause, context.Canceled)
}
