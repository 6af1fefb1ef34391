package daemon

import (
	"context"

	"github.com/guido-cesarano/pollerd/pkg/config"
	"github.com/guido-cesarano/pollerd/pkg/idempotency"
	"github.com/guido-cesarano/pollerd/pkg/logger"
	"github.com/guido-cesarano/pollerd/pkg/message"
	"github.com/guido-cesarano/pollerd/pkg/queue"
)

// Dispatcher decides what happens to each received message: claim it,
// gate it on the worker pool, and either spawn a worker or push it
// back onto the queue. None of its failure paths are fatal to the
// loop.
type Dispatcher struct {
	queue   queue.Client
	guard   idempotency.Guard
	sup     *Supervisor
	handler Handler
}

// NewDispatcher wires the dispatch pipeline.
func NewDispatcher(q queue.Client, guard idempotency.Guard, sup *Supervisor, handler Handler) *Dispatcher {
	return &Dispatcher{
		queue:   q,
		guard:   guard,
		sup:     sup,
		handler: handler,
	}
}

// Dispatch runs the per-message pipeline under the given config
// snapshot. Workers spawned here keep that snapshot's values even if
// the config is reloaded while they run.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *message.Message, cfg *config.Config) {
	// The claim TTL is the retry visibility timeout so the claim
	// outlives one full requeue cycle.
	if !d.guard.Claim(ctx, msg.ID, msg.Body, cfg.Queue.RetryVisibilityTimeout) {
		logger.Log.Info().Str("msg_id", msg.ID).Msg("Duplicate delivery, skipping")
		duplicates.Inc()
		return
	}

	if !mayDispatch(d.sup.InFlight(), cfg.Worker.MaxChildren) {
		// Pool full: hand the message back to the queue on the retry
		// window. The claim stays in place; its TTL expires on the
		// same boundary.
		logger.Log.Info().
			Str("msg_id", msg.ID).
			Int("in_flight", d.sup.InFlight()).
			Msg("Worker pool full, deferring message")
		deferrals.Inc()
		if err := d.queue.ChangeVisibility(ctx, msg, cfg.Queue.RetryVisibilityTimeout); err != nil {
			logger.Log.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to defer message")
		}
		return
	}

	if _, err := d.sup.Spawn(msg, d.handler); err != nil {
		// Treated like an admission denial, minus the visibility
		// change: the message reappears when its window lapses.
		logger.Log.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to spawn worker")
		spawnFailures.Inc()
		return
	}
}
