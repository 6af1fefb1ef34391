package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/pollerd/pkg/idempotency"
	"github.com/guido-cesarano/pollerd/pkg/logger"
	"github.com/guido-cesarano/pollerd/pkg/message"
	"github.com/guido-cesarano/pollerd/pkg/queue"
)

// Handler processes one message. A true return deletes the message
// from the queue; false (or a panic) leaves it to reappear once its
// visibility timeout lapses.
type Handler func(ctx context.Context, msg *message.Message) bool

// WorkerHandle describes one running or recently finished worker.
type WorkerHandle struct {
	ID        string
	MessageID string
	StartedAt time.Time
}

// Supervisor owns the set of in-flight workers. Spawn and Reap are
// called only from the poll loop, so the set needs no lock; workers
// report termination through a buffered channel the loop drains.
//
// Workers are goroutines with panic containment rather than separate
// processes: a handler panic is caught, a runtime-level fault is not.
// Callers needing hard isolation should exec the real work from their
// handler.
type Supervisor struct {
	queue queue.Client
	guard idempotency.Guard

	workers map[string]WorkerHandle
	exits   chan string
	closed  bool
}

// NewSupervisor returns an empty supervisor dispatching against the
// given queue client and idempotency guard. maxWorkers is a hard cap
// on concurrent workers; the exit channel is buffered to exactly that
// size so a worker finishing after the loop has stopped draining can
// still post its notification and terminate.
func NewSupervisor(q queue.Client, guard idempotency.Guard, maxWorkers int) *Supervisor {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Supervisor{
		queue:   q,
		guard:   guard,
		workers: make(map[string]WorkerHandle),
		exits:   make(chan string, maxWorkers),
	}
}

// InFlight returns the current worker count. May transiently include a
// worker that has exited but not yet been reaped.
func (s *Supervisor) InFlight() int {
	return len(s.workers)
}

// Exits is the termination notification channel. The poll loop selects
// on it and feeds received IDs back into Reap.
func (s *Supervisor) Exits() <-chan string {
	return s.exits
}

// Spawn starts one worker goroutine for msg. The worker runs the
// handler, finalizes the message, releases the idempotency claim
// exactly once, and posts its ID on the exit channel.
func (s *Supervisor) Spawn(msg *message.Message, handler Handler) (WorkerHandle, error) {
	if s.closed {
		return WorkerHandle{}, fmt.Errorf("supervisor is shutting down")
	}
	// Never exceed the exit buffer: the admission controller holds the
	// pool below this under normal operation, but a reload that raises
	// max_children must not create a worker whose exit could block.
	if len(s.workers) >= cap(s.exits) {
		return WorkerHandle{}, fmt.Errorf("worker pool at capacity (%d)", cap(s.exits))
	}

	handle := WorkerHandle{
		ID:        uuid.New().String(),
		MessageID: msg.ID,
		StartedAt: time.Now(),
	}
	s.workers[handle.ID] = handle
	inFlight.Set(float64(len(s.workers)))

	go s.run(handle, msg, handler)
	return handle, nil
}

// run is the worker body. Stop signals never cancel in-flight workers,
// so everything here runs under a background context.
func (s *Supervisor) run(handle WorkerHandle, msg *message.Message, handler Handler) {
	ctx := context.Background()

	defer func() {
		s.guard.Release(ctx, msg.ID)
		s.exits <- handle.ID
	}()

	start := time.Now()
	ok, panicked := s.invoke(ctx, msg, handler)
	workerDuration.Observe(time.Since(start).Seconds())

	switch {
	case panicked:
		workersFinished.WithLabelValues("panic").Inc()
	case ok:
		if err := s.queue.Delete(ctx, msg); err != nil {
			logger.Log.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to delete handled message")
			workersFinished.WithLabelValues("failure").Inc()
			return
		}
		logger.Log.Debug().Str("msg_id", msg.ID).Dur("took", time.Since(start)).Msg("Message handled")
		workersFinished.WithLabelValues("success").Inc()
	default:
		// Not deleted: the visibility timeout governs redelivery.
		logger.Log.Warn().Str("msg_id", msg.ID).Msg("Handler rejected message, leaving for redelivery")
		workersFinished.WithLabelValues("failure").Inc()
	}
}

// invoke runs the handler with panic containment. A panicking handler
// counts as a failed one: the message stays on the queue.
func (s *Supervisor) invoke(ctx context.Context, msg *message.Message, handler Handler) (ok, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error().Interface("panic", r).Str("msg_id", msg.ID).Msg("Handler panicked")
			ok, panicked = false, true
		}
	}()
	return handler(ctx, msg), false
}

// Reap removes the worker first and every other already-terminated
// worker from the set. It drains the exit channel without blocking so
// back-to-back terminations are never missed.
func (s *Supervisor) Reap(first string) []WorkerHandle {
	reaped := s.reapOne(first)

	for {
		select {
		case id := <-s.exits:
			reaped = append(reaped, s.reapOne(id)...)
		default:
			inFlight.Set(float64(len(s.workers)))
			return reaped
		}
	}
}

func (s *Supervisor) reapOne(id string) []WorkerHandle {
	handle, found := s.workers[id]
	if !found {
		return nil
	}
	delete(s.workers, id)
	logger.Log.Debug().Str("worker_id", id).Str("msg_id", handle.MessageID).Msg("Reaped worker")
	return []WorkerHandle{handle}
}

// Close rejects further spawns. Running workers are not awaited; they
// finish on their own.
func (s *Supervisor) Close() {
	s.closed = true
}
