// Package dispatch runs fire-and-forget work on a bounded in-process queue.
// Dispatching never blocks the caller: when the queue is full the task is
// dropped and counted.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldops/layoutd/internal/logging"
)

// Task is one unit of queued work
type Task struct {
	ID         uuid.UUID
	Type       string
	Payload    interface{}
	EnqueuedAt time.Time
}

// Handler processes a task's payload
type Handler func(ctx context.Context, task Task) error

// PoolConfig configures a Pool
type PoolConfig struct {
	// QueueSize bounds the number of waiting tasks
	QueueSize int
	// Workers is the number of goroutines draining the queue
	Workers int
	// HandlerTimeout bounds a single handler call
	HandlerTimeout time.Duration
	Logger         *zap.Logger
}

// DefaultPoolConfig returns the default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		QueueSize:      1024,
		Workers:        4,
		HandlerTimeout: 5 * time.Second,
	}
}

// Pool is a bounded queue drained by a fixed set of workers. Workers run on
// the pool's own context, so a task outlives the request that dispatched it.
type Pool struct {
	tasks    chan Task
	handlers *HandlerRegistry
	config   PoolConfig
	metrics  *Metrics
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewPool creates a pool; call Start before dispatching
func NewPool(config PoolConfig) *Pool {
	def := DefaultPoolConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = def.HandlerTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		tasks:    make(chan Task, config.QueueSize),
		handlers: NewHandlerRegistry(),
		config:   config,
		metrics:  NewMetrics(),
		logger:   logging.OrNop(config.Logger),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler registers the handler for a task type
func (p *Pool) RegisterHandler(taskType string, handler Handler) {
	p.handlers.Register(taskType, handler)
}

// Start launches the workers. Calling Start more than once has no effect.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	p.logger.Info("starting dispatch pool",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize),
	)
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.run(fmt.Sprintf("worker-%d", i))
	}
}

// TryDispatch enqueues a task without blocking. It reports false when the
// task was dropped because the queue is full or the pool is stopped.
func (p *Pool) TryDispatch(taskType string, payload interface{}) bool {
	task := Task{
		ID:         uuid.New(),
		Type:       taskType,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.metrics.RecordDrop(taskType)
		p.logger.Warn("dispatch pool stopped, task dropped", zap.String("type", taskType))
		return false
	}

	select {
	case p.tasks <- task:
		return true
	default:
		p.metrics.RecordDrop(taskType)
		p.logger.Warn("dispatch queue full, task dropped",
			zap.String("type", taskType),
			zap.Int("queue_size", p.config.QueueSize),
		)
		return false
	}
}

// Pending returns the number of queued tasks
func (p *Pool) Pending() int {
	return len(p.tasks)
}

// Metrics returns the pool's counters
func (p *Pool) Metrics() *Metrics {
	return p.metrics
}

// Stop stops accepting tasks and waits for queued ones to drain. If ctx
// expires first, running handlers are cancelled and ctx's error returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	started := p.started
	p.mu.Unlock()

	if !started {
		p.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("dispatch pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) run(id string) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.process(id, task)
	}
}

func (p *Pool) process(workerID string, task Task) {
	start := time.Now()
	handler, err := p.handlers.Get(task.Type)
	if err != nil {
		p.logger.Error("no handler for task", zap.String("worker", workerID), zap.String("type", task.Type))
		p.metrics.RecordFailure(task.Type, time.Since(start))
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.config.HandlerTimeout)
	defer cancel()

	err = p.safeCall(ctx, handler, task)
	duration := time.Since(start)
	if err != nil {
		p.logger.Warn("task failed",
			zap.String("worker", workerID),
			zap.String("type", task.Type),
			zap.Stringer("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		p.metrics.RecordFailure(task.Type, duration)
		return
	}
	p.metrics.RecordSuccess(task.Type, duration)
}

// safeCall turns a handler panic into an error so one bad task cannot take
// a worker down
func (p *Pool) safeCall(ctx context.Context, handler Handler, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

// HandlerRegistry maps task types to handlers
type HandlerRegistry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for a task type
func (r *HandlerRegistry) Register(taskType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = handler
}

// Get returns the handler for a task type
func (r *HandlerRegistry) Get(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for task type: %s", taskType)
	}
	return handler, nil
}
