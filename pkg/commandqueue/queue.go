package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/observability"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/tracing"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("command queue closed")

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

const (
	stateQueued int32 = iota
	stateRunning
	stateAbandoned
)

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	state      atomic.Int32
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState is the pending work of one lane
type laneState struct {
	queue   []*taskRecord
	running bool
}

// CommandQueue provides lane-based task serialization
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new CommandQueue
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SessionLane names the lane that serializes one session.
func SessionLane(sessionKey string) string {
	return "session-" + sessionKey
}

// Enqueue adds a task to the lane and waits for its result.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "lumilove.commandqueue", "commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrQueueClosed
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	start := !ls.running
	if start {
		ls.running = true
		cq.wg.Add(1)
	}
	cq.mu.Unlock()

	observability.AddQueueWaiting(1)
	logger.Debug().
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	if start {
		go cq.drain(lane)
	}

	select {
	case res := <-record.result:
		return finish(span, res)
	case <-ctx.Done():
		if record.state.CompareAndSwap(stateQueued, stateAbandoned) {
			span.SetStatus(codes.Error, "abandoned while queued")
			logger.Debug().Str("taskId", record.id).Msg("Task abandoned while queued")
			return nil, ctx.Err()
		}
		// already running; its own context is cancelled too
		return finish(span, <-record.result)
	}
}

func finish(span trace.Span, res taskResult) (interface{}, error) {
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	return res.value, res.err
}

// drain runs the lane's tasks in order and removes the lane once it is empty.
func (cq *CommandQueue) drain(lane string) {
	defer cq.wg.Done()

	for {
		cq.mu.Lock()
		ls := cq.lanes[lane]
		if len(ls.queue) == 0 {
			delete(cq.lanes, lane)
			cq.mu.Unlock()
			return
		}
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		cq.mu.Unlock()

		observability.AddQueueWaiting(-1)
		if !record.state.CompareAndSwap(stateQueued, stateRunning) {
			continue
		}
		cq.execute(lane, record)
	}
}

// execute runs a single task
func (cq *CommandQueue) execute(lane string, record *taskRecord) {
	taskCtx, span := tracing.StartSpan(record.ctx, "lumilove.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", lane).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("taskId", record.id).
			Dur("duration", duration).
			Dur("waited", startTime.Sub(record.enqueuedAt)).
			Msg("Task completed")
	}

	observability.RecordQueueTask(duration)
}

// QueueSize returns the number of queued (not running) tasks for a lane
func (cq *CommandQueue) QueueSize(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, ok := cq.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// ActiveLanes returns the number of lanes with queued or running work
func (cq *CommandQueue) ActiveLanes() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// Close rejects new work, cancels running tasks and waits for lanes to drain.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	cq.closed = true
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}
