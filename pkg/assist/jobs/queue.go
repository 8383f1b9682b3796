// Package jobs is the in-process background executor for all durable
// writes. The request path enqueues and returns; a single worker loop
// batches jobs, groups same-type jobs into bulk store calls, retries
// bounded, and drops on exhaustion. Persistence is best-effort by contract:
// nothing here ever fails a live request.
package jobs

import (
	"context"
	"log/slog"
	"time"
)

type Type string

const (
	TypeSessionUpsert        Type = "session_upsert"
	TypeTranscriptAppend     Type = "transcript_append"
	TypeConversationTurnSave Type = "conversation_turn_save"
	TypeMemorySave           Type = "memory_save"
	TypeContextWindowUpdate  Type = "context_window_update"
)

// Job is one unit of deferred persistence. Key is the entity the job
// belongs to (session id, user id); jobs sharing a key are applied in
// enqueue order within a batch. Handlers are invoked at least once and must
// be idempotent.
type Job struct {
	Type       Type
	Key        string
	Payload    any
	Attempts   int
	EnqueuedAt time.Time
}

// Handler applies a same-type group of jobs in one durable-store round
// trip. An error fails the whole group; every job in it is retried.
type Handler func(ctx context.Context, batch []Job) error

type Config struct {
	BufferSize   int
	BatchSize    int
	Tick         time.Duration
	MaxAttempts  int
	FlushTimeout time.Duration
}

type Queue struct {
	cfg      Config
	logger   *slog.Logger
	handlers map[Type]Handler

	ch      chan Job
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

func New(cfg Config, logger *slog.Logger) *Queue {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 75 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[Type]Handler),
		ch:       make(chan Job, cfg.BufferSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (q *Queue) Register(t Type, h Handler) {
	q.handlers[t] = h
}

// Start launches the worker loop.
func (q *Queue) Start() {
	if q.started {
		return
	}
	q.started = true
	go q.run()
}

// Enqueue hands a job to the worker without blocking the caller. Under
// sustained overload the oldest buffered job is dropped to make room;
// best-effort persistence loses data before the live response path stalls.
// Reports whether the job was accepted.
func (q *Queue) Enqueue(job Job) bool {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	select {
	case q.ch <- job:
		return true
	default:
	}

	// Buffer full: drop the oldest and try once more.
	select {
	case dropped := <-q.ch:
		q.logger.Warn("job queue full, dropping oldest",
			"dropped_type", dropped.Type, "dropped_key", dropped.Key)
	default:
	}
	select {
	case q.ch <- job:
		return true
	default:
		q.logger.Warn("job queue full, dropping job", "type", job.Type, "key", job.Key)
		return false
	}
}

// Drain flushes everything currently buffered, bounded by ctx. Jobs still
// pending when ctx expires are abandoned. Reports whether the queue drained
// completely.
func (q *Queue) Drain(ctx context.Context) bool {
	close(q.stopCh)
	select {
	case <-q.doneCh:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) run() {
	defer close(q.doneCh)

	ticker := time.NewTicker(q.cfg.Tick)
	defer ticker.Stop()

	var buffer []Job
	for {
		select {
		case job := <-q.ch:
			buffer = append(buffer, job)
			if len(buffer) >= q.cfg.BatchSize {
				buffer = q.flush(buffer)
			}
		case <-ticker.C:
			if len(buffer) > 0 {
				buffer = q.flush(buffer)
			}
		case <-q.stopCh:
			q.drainRemaining(buffer)
			return
		}
	}
}

// drainRemaining empties the buffer and the channel, flushing as it goes.
// Retries re-enter the channel, so loop until both are empty; the attempt
// bound guarantees termination.
func (q *Queue) drainRemaining(buffer []Job) {
	for {
		for {
			select {
			case job := <-q.ch:
				buffer = append(buffer, job)
				continue
			default:
			}
			break
		}
		if len(buffer) == 0 {
			return
		}
		buffer = q.flush(buffer)
	}
}

// flush groups the buffered jobs by type, preserving enqueue order inside
// each group, and hands every group to its handler. Failed groups are
// re-enqueued job by job until the attempt bound. Always returns an empty
// buffer for reuse.
func (q *Queue) flush(buffer []Job) []Job {
	groups := make(map[Type][]Job)
	order := make([]Type, 0, 4)
	for _, job := range buffer {
		if _, seen := groups[job.Type]; !seen {
			order = append(order, job.Type)
		}
		groups[job.Type] = append(groups[job.Type], job)
	}

	for _, t := range order {
		batch := groups[t]
		handler, ok := q.handlers[t]
		if !ok {
			q.logger.Error("no handler for job type, dropping batch", "type", t, "count", len(batch))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.FlushTimeout)
		err := handler(ctx, batch)
		cancel()
		if err == nil {
			continue
		}

		for _, job := range batch {
			job.Attempts++
			if job.Attempts >= q.cfg.MaxAttempts {
				q.logger.Error("job dropped after max attempts",
					"type", job.Type, "key", job.Key, "attempts", job.Attempts, "error", err)
				continue
			}
			q.requeue(job)
		}
		q.logger.Warn("job batch failed", "type", t, "count", len(batch), "error", err)
	}

	return buffer[:0]
}

func (q *Queue) requeue(job Job) {
	select {
	case q.ch <- job:
	default:
		q.logger.Error("job queue full during retry, dropping job", "type", job.Type, "key", job.Key)
	}
}
