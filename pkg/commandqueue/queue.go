package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/skipper/internal/observability"
	"github.com/harun/skipper/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrClosed is returned by Run after Close
	ErrClosed = errors.New("command queue closed")
	// ErrLaneCleared is returned to queued callers when their lane is cleared
	ErrLaneCleared = errors.New("lane cleared")
)

// Task is the work run inside a lane
type Task func(ctx context.Context) error

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	done       chan error
}

type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
}

// LaneStats is a snapshot of one lane
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// Queue runs tasks in named lanes. Lanes are created on first use with a
// concurrency of one.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*laneState
	seq    int
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// New creates a queue
func New(logger zerolog.Logger) *Queue {
	observability.EnsureRegistered()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("component", "command_queue").Logger(),
	}
}

// Run enqueues task in lane and waits for it. If ctx ends while the task is
// still queued, the task is dropped and ctx.Err() is returned. Once started, the
// task receives a context that is cancelled with ctx or when the queue closes.
func (q *Queue) Run(ctx context.Context, lane string, task Task) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "skipper.commandqueue", "commandqueue.run",
		attribute.String("lane", lane),
	)
	defer span.End()

	rec, err := q.enqueue(ctx, lane, task)
	if err != nil {
		return err
	}

	select {
	case err = <-rec.done:
	case <-ctx.Done():
		if q.remove(lane, rec) {
			err = ctx.Err()
		} else {
			// already running; the task sees the cancelled ctx
			err = <-rec.done
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (q *Queue) enqueue(ctx context.Context, lane string, task Task) (*taskRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	ls := q.laneLocked(lane)
	q.seq++
	rec := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, q.seq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		done:       make(chan error, 1),
	}
	ls.queue = append(ls.queue, rec)

	logger := tracing.LoggerFromContext(ctx, q.logger)
	logger.Debug().
		Str("lane", lane).
		Str("task_id", rec.id).
		Int("queue_size", len(ls.queue)).
		Msg("Task enqueued")

	q.dispatchLocked(lane, ls)
	return rec, nil
}

func (q *Queue) laneLocked(lane string) *laneState {
	ls, ok := q.lanes[lane]
	if !ok {
		ls = &laneState{concurrency: 1}
		q.lanes[lane] = ls
	}
	return ls
}

// dispatchLocked starts queued tasks while the lane has capacity
func (q *Queue) dispatchLocked(lane string, ls *laneState) {
	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		rec := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.running++

		q.wg.Add(1)
		go q.execute(lane, rec)
	}
}

func (q *Queue) execute(lane string, rec *taskRecord) {
	defer q.wg.Done()

	wait := time.Since(rec.enqueuedAt)
	observability.RecordLaneWait(wait)

	ctx, span := tracing.StartSpan(rec.ctx, "skipper.commandqueue", "commandqueue.execute",
		attribute.String("lane", lane),
		attribute.String("task_id", rec.id),
	)
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	logger := tracing.LoggerFromContext(ctx, q.logger)
	start := time.Now()
	err := rec.task(runCtx)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Str("lane", lane).Str("task_id", rec.id).Dur("duration", time.Since(start)).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", lane).Str("task_id", rec.id).Dur("wait", wait).Dur("duration", time.Since(start)).Msg("Task completed")
	}

	q.mu.Lock()
	ls := q.lanes[lane]
	ls.running--
	q.dispatchLocked(lane, ls)
	q.mu.Unlock()

	rec.done <- err
}

// remove drops rec from the lane queue. It reports false when rec already started.
func (q *Queue) remove(lane string, rec *taskRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	ls, ok := q.lanes[lane]
	if !ok {
		return false
	}
	for i, r := range ls.queue {
		if r == rec {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			return true
		}
	}
	return false
}

// QueueSize returns the number of tasks waiting in lane
func (q *Queue) QueueSize(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ls, ok := q.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// Running returns the number of tasks executing in lane
func (q *Queue) Running(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ls, ok := q.lanes[lane]; ok {
		return ls.running
	}
	return 0
}

// Stats returns a snapshot of every lane
func (q *Queue) Stats() map[string]LaneStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[string]LaneStats, len(q.lanes))
	for name, ls := range q.lanes {
		stats[name] = LaneStats{Queued: len(ls.queue), Running: ls.running, Concurrency: ls.concurrency}
	}
	return stats
}

// SetConcurrency changes how many tasks of lane may run at once
func (q *Queue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ls := q.laneLocked(lane)
	old := ls.concurrency
	ls.concurrency = concurrency
	q.logger.Info().Str("lane", lane).Int("old", old).Int("new", concurrency).Msg("Lane concurrency updated")
	q.dispatchLocked(lane, ls)
}

// ClearLane rejects every queued task of lane with ErrLaneCleared. Running tasks
// are not affected.
func (q *Queue) ClearLane(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	ls, ok := q.lanes[lane]
	if !ok {
		return 0
	}
	count := len(ls.queue)
	for _, rec := range ls.queue {
		rec.done <- ErrLaneCleared
	}
	ls.queue = nil

	if count > 0 {
		q.logger.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	}
	return count
}

// Close rejects queued tasks, cancels running ones and waits for them to return
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, ls := range q.lanes {
		for _, rec := range ls.queue {
			rec.done <- ErrClosed
		}
		ls.queue = nil
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}
