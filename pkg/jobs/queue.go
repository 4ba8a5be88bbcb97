package jobs

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueClosed is returned when enqueueing onto a queue that is not running.
var ErrQueueClosed = errors.New("queue closed")

// Job represents a queued background task. Jobs sharing a Key are processed
// one at a time in enqueue order.
type Job struct {
	ID       string
	Key      string
	Type     string
	Payload  interface{}
	Attempt  int
	Enqueued time.Time
}

// Handler processes a job.
type Handler func(context.Context, Job) error

// ResultHook observes every finished attempt.
type ResultHook func(job Job, err error, duration time.Duration)

// QueueConfig configures lane behaviour.
type QueueConfig struct {
	Lanes      int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	JobTimeout time.Duration
	Logger     *zap.Logger
	OnResult   ResultHook
}

// LaneQueue is an in-memory dispatcher that hashes each job key onto a fixed
// lane. Every lane has exactly one worker, so jobs for the same key never run
// concurrently or out of order. Retries happen inline on the lane for the
// same reason.
type LaneQueue struct {
	name    string
	handler Handler
	cfg     QueueConfig
	logger  *zap.Logger

	lanes  []chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewLaneQueue builds a queue with the provided handler.
func NewLaneQueue(name string, handler Handler, cfg QueueConfig) *LaneQueue {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	lanes := make([]chan Job, cfg.Lanes)
	for i := range lanes {
		lanes[i] = make(chan Job, cfg.BufferSize)
	}
	return &LaneQueue{
		name:    name,
		handler: handler,
		cfg:     cfg,
		logger:  cfg.Logger,
		lanes:   lanes,
	}
}

// Start launches one worker per lane. Safe to call once.
func (q *LaneQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := range q.lanes {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.started = true
	q.logger.Sugar().Infow("queue started", "queue", q.name, "lanes", len(q.lanes))
}

// Stop cancels workers without draining and waits for them to exit.
func (q *LaneQueue) Stop() {
	q.mu.Lock()
	if !q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cancel()
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Sugar().Infow("queue stopped", "queue", q.name)
}

// Drain stops accepting jobs, processes everything already queued and waits
// for the workers to finish.
func (q *LaneQueue) Drain() {
	q.mu.Lock()
	if !q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()
	q.cancel()
	q.logger.Sugar().Infow("queue drained", "queue", q.name)
}

// Enqueue pushes a job onto the lane owning its key. It blocks while the lane
// buffer is full.
func (q *LaneQueue) Enqueue(job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if !q.started || q.closed {
		return fmt.Errorf("queue %s: %w", q.name, ErrQueueClosed)
	}
	if job.Key == "" {
		job.Key = job.ID
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}

	select {
	case <-q.ctx.Done():
		return fmt.Errorf("queue %s stopped: %w", q.name, q.ctx.Err())
	case q.lanes[q.laneFor(job.Key)] <- job:
		return nil
	}
}

// LaneFor exposes the lane index for a key.
func (q *LaneQueue) LaneFor(key string) int {
	return q.laneFor(key)
}

func (q *LaneQueue) laneFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(q.lanes)))
}

func (q *LaneQueue) worker(lane int) {
	defer q.wg.Done()
	jobs := q.lanes[lane]
	for {
		select {
		case <-q.ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			q.process(job)
		}
	}
}

func (q *LaneQueue) process(job Job) {
	for {
		err := q.run(job)
		if err == nil {
			return
		}
		job.Attempt++
		if job.Attempt > q.cfg.MaxRetries {
			q.logger.Sugar().Errorw("job exceeded retries", "queue", q.name, "job_id", job.ID, "key", job.Key, "type", job.Type, "error", err)
			return
		}
		q.logger.Sugar().Warnw("job failed, retrying", "queue", q.name, "job_id", job.ID, "key", job.Key, "attempt", job.Attempt, "error", err)

		timer := time.NewTimer(q.cfg.RetryDelay)
		select {
		case <-q.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (q *LaneQueue) run(job Job) (err error) {
	ctx := q.ctx
	if q.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.JobTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
		if q.cfg.OnResult != nil {
			q.cfg.OnResult(job, err, time.Since(start))
		}
	}()
	return q.handler(ctx, job)
}
