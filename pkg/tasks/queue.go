package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Payload carries the JSON encoded arguments of a task
type Payload []byte

// Decode unmarshals the payload into v
func (p Payload) Decode(v interface{}) error {
	if len(p) == 0 {
		return nil
	}
	if err := json.Unmarshal(p, v); err != nil {
		return fmt.Errorf("failed to decode task arguments: %w", err)
	}
	return nil
}

// Handler executes one task
type Handler func(ctx context.Context, payload Payload) error

// Scheduler is the part of Queue consumed by packages that emit tasks
type Scheduler interface {
	Schedule(ctx context.Context, name string, args interface{}, key string) (*Handle, error)
}

// Config configures a Queue
type Config struct {
	Workers int
	Timeout time.Duration
	LockTTL time.Duration
	Retry   RetryConfig
}

// DefaultConfig returns the default queue configuration
func DefaultConfig() Config {
	return Config{
		Workers: 4,
		Timeout: 10 * time.Minute,
		LockTTL: 5 * time.Minute,
		Retry:   DefaultRetryConfig(),
	}
}

// Option configures a Queue
type Option func(*Queue)

// WithLogger sets the queue logger
func WithLogger(logger *observability.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithMetrics sets the queue metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLocker enables cross-process exclusivity for keyed tasks
func WithLocker(l Locker) Option {
	return func(q *Queue) { q.locker = l }
}

// Queue runs registered handlers on a bounded set of workers. Tasks sharing
// a concurrency key run one at a time in scheduling order.
type Queue struct {
	cfg     Config
	retry   *RetryPolicy
	logger  *observability.Logger
	metrics *observability.Metrics
	locker  Locker

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}

	mu       sync.Mutex
	handlers map[string]Handler
	keys     map[string][]*job
	inflight sync.WaitGroup
	pending  int
	closed   bool
}

type job struct {
	handle  *Handle
	payload Payload
}

// NewQueue creates a queue whose tasks run under ctx
func NewQueue(ctx context.Context, cfg Config, opts ...Option) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	q := &Queue{
		cfg:      cfg,
		retry:    NewRetryPolicy(cfg.Retry),
		ctx:      ctx,
		cancel:   cancel,
		sem:      make(chan struct{}, cfg.Workers),
		handlers: make(map[string]Handler),
		keys:     make(map[string][]*job),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = observability.OrDefault(q.logger).WithField("component", "tasks")

	return q
}

// Register adds a named handler, replacing any previous one
func (q *Queue) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// Names returns the registered task names in sorted order
func (q *Queue) Names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.handlers))
	for name := range q.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schedule enqueues name with JSON encoded args. An empty key disables
// exclusivity for the task.
func (q *Queue) Schedule(ctx context.Context, name string, args interface{}, key string) (*Handle, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task arguments: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if _, ok := q.handlers[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	h := newHandle(uuid.NewString(), name, key)
	j := &job{handle: h, payload: payload}
	q.inflight.Add(1)
	q.pending++
	q.metrics.SetTasksQueued(q.pending)

	if key == "" {
		go q.run(j)
		return h, nil
	}

	queued := q.keys[key]
	q.keys[key] = append(queued, j)
	if len(queued) == 0 {
		go q.run(j)
	}

	return h, nil
}

func (q *Queue) run(j *job) {
	select {
	case q.sem <- struct{}{}:
		err := q.execute(j)
		<-q.sem
		q.finish(j, err)
	case <-q.ctx.Done():
		q.finish(j, ErrQueueClosed)
	}
}

func (q *Queue) finish(j *job, err error) {
	j.handle.complete(err)

	q.mu.Lock()
	q.pending--
	q.metrics.SetTasksQueued(q.pending)
	if key := j.handle.Key; key != "" {
		rest := q.keys[key][1:]
		if len(rest) == 0 {
			delete(q.keys, key)
		} else {
			q.keys[key] = rest
			go q.run(rest[0])
		}
	}
	q.mu.Unlock()

	q.inflight.Done()
}

// execute runs a job until it succeeds, fails permanently or exhausts retries
func (q *Queue) execute(j *job) error {
	q.mu.Lock()
	handler := q.handlers[j.handle.Name]
	q.mu.Unlock()

	logger := q.logger.WithFields(map[string]interface{}{
		"task":    j.handle.Name,
		"task_id": j.handle.ID,
		"key":     j.handle.Key,
	})

	var err error
	for attempt := 1; ; attempt++ {
		start := time.Now()
		err = q.attempt(j, handler, logger)
		q.metrics.RecordTask(j.handle.Name, time.Since(start), err)

		if err == nil {
			logger.Debugf("task finished after %d attempt(s)", attempt)
			return nil
		}
		if !q.retry.ShouldRetry(attempt, err) {
			logger.WithError(err).Errorf("task failed after %d attempt(s)", attempt)
			return err
		}

		delay := q.retry.NextRetryDelay(attempt)
		logger.WithError(err).Warnf("task attempt %d failed, retrying in %s", attempt, delay)
		q.metrics.RecordTaskRetry(j.handle.Name)

		select {
		case <-time.After(delay):
		case <-q.ctx.Done():
			return fmt.Errorf("%w: %v", ErrQueueClosed, err)
		}
	}
}

func (q *Queue) attempt(j *job, handler Handler, logger *observability.Logger) (err error) {
	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.Timeout)
	defer cancel()

	ctx = observability.WithLogger(ctx, logger)
	ctx = observability.WithTaskID(ctx, j.handle.ID)
	ctx, span := observability.StartSpan(ctx, "task "+j.handle.Name,
		attribute.String("task.name", j.handle.Name),
		attribute.String("task.key", j.handle.Key),
	)
	defer func() { observability.EndSpan(span, err) }()

	if q.locker != nil && j.handle.Key != "" {
		lock, err := q.locker.Acquire(ctx, j.handle.Key, q.cfg.LockTTL)
		if err != nil {
			return err
		}
		stop := q.keepAlive(ctx, lock, logger)
		defer func() {
			stop()
			if rerr := lock.Release(context.Background()); rerr != nil {
				logger.WithError(rerr).Warn("failed to release task lock")
			}
		}()
	}

	defer observability.RecoverToError(logger, "task "+j.handle.Name, &err)
	return handler(ctx, j.payload)
}

// keepAlive refreshes lock at half its TTL until stopped
func (q *Queue) keepAlive(ctx context.Context, lock Lock, logger *observability.Logger) func() {
	done := make(chan struct{})
	go func() {
		defer observability.RecoverPanic(logger, "task lock refresh")
		ticker := time.NewTicker(q.cfg.LockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lock.Refresh(ctx, q.cfg.LockTTL); err != nil {
					logger.WithError(err).Warn("failed to refresh task lock")
				}
			}
		}
	}()
	return func() { close(done) }
}

// Drain blocks until every scheduled task has finished or ctx is done
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, waits for running ones within ctx and then
// cancels whatever is left
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	err := q.Drain(ctx)
	q.cancel()
	return err
}
