package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/avatarcore/internal/observability"
	"github.com/harun/avatarcore/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("work queue closed")
	// ErrCancelled is reported to tasks dropped before they started.
	ErrCancelled = errors.New("task cancelled before start")
)

// Task is one unit of work. The context is cancelled when the owner is
// cancelled or the queue closes.
type Task func(ctx context.Context) error

// DoneFunc receives the task's result. It is called exactly once, never while
// the queue's lock is held.
type DoneFunc func(err error)

type taskRecord struct {
	id         string
	owner      string
	task       Task
	ctx        context.Context
	cancel     context.CancelFunc
	done       DoneFunc
	enqueuedAt time.Time
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event is emitted when a task is enqueued, started or completed.
type Event struct {
	Type   string // "enqueued", "started" or "completed"
	Owner  string
	TaskID string
	Data   map[string]interface{}
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Limit   int `json:"limit"`
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

// Queue is a FIFO task queue with a global concurrency ceiling.
type Queue struct {
	limit   int
	mu      sync.Mutex
	queue   []*taskRecord
	active  map[string]*taskRecord
	taskSeq uint64
	closed  bool
	idle    chan struct{}

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New returns a queue that runs at most limit tasks at once. A limit below one
// is raised to one.
func New(limit int) *Queue {
	observability.EnsureRegistered()

	if limit < 1 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		limit:         limit,
		active:        make(map[string]*taskRecord),
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[string][]EventHandler),
	}
	log.Debug().Int("limit", limit).Msg("Work queue initialized")
	return q
}

// Submit queues task for owner without blocking and returns its id. done
// receives the task's error, ErrCancelled if it is dropped before starting, or
// ErrClosed if the queue closes first.
func (q *Queue) Submit(ctx context.Context, owner string, task Task, done DoneFunc) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if done == nil {
		done = func(error) {}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	q.taskSeq++
	taskID := fmt.Sprintf("%s-%d", owner, q.taskSeq)
	taskCtx, cancel := context.WithCancel(ctx)
	record := &taskRecord{
		id:         taskID,
		owner:      owner,
		task:       task,
		ctx:        taskCtx,
		cancel:     cancel,
		done:       done,
		enqueuedAt: time.Now(),
	}
	q.queue = append(q.queue, record)
	queueSize := len(q.queue)
	q.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("owner", owner).
		Str("taskId", taskID).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(queueSize)
	q.emit(Event{
		Type:   "enqueued",
		Owner:  owner,
		TaskID: taskID,
		Data:   map[string]interface{}{"queueSize": queueSize},
	})

	q.process()
	return taskID, nil
}

// process starts queued tasks while there is capacity.
func (q *Queue) process() {
	var started []*taskRecord

	q.mu.Lock()
	for len(q.active) < q.limit && len(q.queue) > 0 {
		record := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.active[record.id] = record
		q.wg.Add(1)
		started = append(started, record)
	}
	queueSize, running := len(q.queue), len(q.active)
	q.mu.Unlock()

	observability.SetQueueState(queueSize, running)
	for _, record := range started {
		q.emit(Event{
			Type:   "started",
			Owner:  record.owner,
			TaskID: record.id,
			Data:   map[string]interface{}{"waitMs": time.Since(record.enqueuedAt).Milliseconds()},
		})
		go q.execute(record)
	}
}

func (q *Queue) execute(record *taskRecord) {
	defer q.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"avatarcore.workqueue",
		"workqueue.execute_task",
		attribute.String("owner", record.owner),
		attribute.String("task_id", record.id),
	)
	stopCancel := context.AfterFunc(q.ctx, record.cancel)
	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	startTime := time.Now()
	err := record.task(taskCtx)
	duration := time.Since(startTime)

	stopCancel()
	record.cancel()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().
			Str("owner", record.owner).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("owner", record.owner).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}
	span.End()

	q.mu.Lock()
	delete(q.active, record.id)
	queueSize, running := len(q.queue), len(q.active)
	idle := q.idle
	if queueSize == 0 && running == 0 && idle != nil {
		q.idle = nil
	} else {
		idle = nil
	}
	q.mu.Unlock()

	observability.RecordQueueCompletion(duration, err == nil, queueSize, running)

	record.done(err)
	q.emit(Event{
		Type:   "completed",
		Owner:  record.owner,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})

	if idle != nil {
		close(idle)
	}
	q.process()
}

// CancelOwner drops owner's queued tasks and cancels the context of its running
// ones. It returns the number of tasks affected.
func (q *Queue) CancelOwner(owner string) int {
	var dropped []*taskRecord
	count := 0

	q.mu.Lock()
	kept := q.queue[:0]
	for _, record := range q.queue {
		if record.owner == owner {
			dropped = append(dropped, record)
			continue
		}
		kept = append(kept, record)
	}
	for i := len(kept); i < len(q.queue); i++ {
		q.queue[i] = nil
	}
	q.queue = kept
	for _, record := range q.active {
		if record.owner == owner {
			record.cancel()
			count++
		}
	}
	idle := q.idle
	if len(q.queue) == 0 && len(q.active) == 0 && idle != nil {
		q.idle = nil
	} else {
		idle = nil
	}
	queueSize, running := len(q.queue), len(q.active)
	q.mu.Unlock()

	for _, record := range dropped {
		record.cancel()
		record.done(ErrCancelled)
	}
	if idle != nil {
		close(idle)
	}
	count += len(dropped)
	if count > 0 {
		observability.SetQueueState(queueSize, running)
		log.Debug().Str("owner", owner).Int("dropped", len(dropped)).Int("cancelled", count-len(dropped)).Msg("Owner tasks cancelled")
	}
	return count
}

// Pending returns the number of queued and running tasks for owner.
func (q *Queue) Pending(owner string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, record := range q.queue {
		if record.owner == owner {
			n++
		}
	}
	for _, record := range q.active {
		if record.owner == owner {
			n++
		}
	}
	return n
}

// Stats returns the current limit, running and queued counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Limit: q.limit, Running: len(q.active), Queued: len(q.queue)}
}

// WaitForActive blocks until no task is queued or running, or ctx ends.
func (q *Queue) WaitForActive(ctx context.Context) error {
	q.mu.Lock()
	if len(q.queue) == 0 && len(q.active) == 0 {
		q.mu.Unlock()
		return nil
	}
	if q.idle == nil {
		q.idle = make(chan struct{})
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// On registers an event handler for the given event type
func (q *Queue) On(eventType string, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

// Off removes all handlers for the given event type
func (q *Queue) Off(eventType string) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	delete(q.eventHandlers, eventType)
}

func (q *Queue) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.eventHandlers[event.Type]
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("event", event.Type).Msg("Event handler panicked")
				}
			}()
			handler(event)
		}()
	}
}

// Close rejects new tasks, fails queued ones with ErrClosed, cancels running
// ones and waits for them to return.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.queue
	q.queue = nil
	idle := q.idle
	if len(q.active) == 0 {
		q.idle = nil
	} else {
		idle = nil
	}
	q.mu.Unlock()

	for _, record := range dropped {
		record.cancel()
		record.done(ErrClosed)
	}
	if idle != nil {
		close(idle)
	}

	q.cancel()
	q.wg.Wait()
	log.Debug().Int("dropped", len(dropped)).Msg("Work queue closed")
}
