// Package daemon implements the poll-dispatch-supervise loop: adaptive
// polling with backoff, worker-pool admission control, duplicate
// suppression through an idempotency guard, and signal-driven
// lifecycle (reload, graceful stop, asynchronous worker reaping).
package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/pollerd/pkg/config"
	"github.com/guido-cesarano/pollerd/pkg/idempotency"
	"github.com/guido-cesarano/pollerd/pkg/logger"
	"github.com/guido-cesarano/pollerd/pkg/queue"
)

// State is the lifecycle state of the daemon.
type State int

const (
	StateRunning State = iota
	StateReloading
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateReloading:
		return "reloading"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Options configures a Daemon.
type Options struct {
	// Config is the startup configuration snapshot.
	Config *config.Config

	// Queue is the queue client to poll.
	Queue queue.Client

	// Guard suppresses duplicate deliveries; defaults to the no-op
	// guard when nil.
	Guard idempotency.Guard

	// Handler processes each dispatched message.
	Handler Handler

	// Reload builds a fresh config snapshot on SIGHUP. When nil,
	// reload signals are logged and ignored.
	Reload func() (*config.Config, error)
}

// Daemon is the top-level poll loop. All loop state (config snapshot,
// poll state, worker set) has a single owner: the goroutine running
// Run. Signals and worker terminations enter the loop through
// channels, never by mutating shared state.
type Daemon struct {
	cfg    *config.Config
	reload func() (*config.Config, error)

	queue      queue.Client
	guard      idempotency.Guard
	sup        *Supervisor
	dispatcher *Dispatcher

	poll  *PollState
	state State
	sigs  chan os.Signal
}

// New assembles a daemon from its collaborators.
func New(opts Options) *Daemon {
	guard := opts.Guard
	if guard == nil {
		guard = idempotency.Noop{}
	}

	sup := NewSupervisor(opts.Queue, guard, opts.Config.Worker.MaxChildren)
	return &Daemon{
		cfg:        opts.Config,
		reload:     opts.Reload,
		queue:      opts.Queue,
		guard:      guard,
		sup:        sup,
		dispatcher: NewDispatcher(opts.Queue, guard, sup, opts.Handler),
		poll:       NewPollState(opts.Config.Worker.PollInterval, opts.Config.Worker.MaxSleepPeriod),
		state:      StateStopped,
		sigs:       make(chan os.Signal, 4),
	}
}

// State returns the current lifecycle state. Only meaningful from the
// loop goroutine and from tests observing a stopped daemon.
func (d *Daemon) State() State {
	return d.state
}

// Run polls until a stop signal arrives or ctx is cancelled. One
// message is fetched per iteration; concurrency comes entirely from
// the worker pool. In-flight workers are not awaited on shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	signal.Notify(d.sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(d.sigs)

	d.state = StateRunning
	logger.Log.Info().
		Int("max_children", d.cfg.Worker.MaxChildren).
		Dur("poll_interval", d.cfg.Worker.PollInterval).
		Msg("Daemon started")

	for d.state == StateRunning {
		d.drainEvents(ctx)
		if d.state != StateRunning {
			break
		}

		msg, err := d.queue.Receive(ctx, d.cfg.Queue.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				d.state = StateStopping
				break
			}
			// Transport errors are never fatal; back off as if the
			// poll came up empty.
			logger.Log.Error().Err(err).Msg("Receive failed")
			d.idle(ctx)
			continue
		}

		if msg == nil {
			emptyPolls.Inc()
			d.idle(ctx)
			continue
		}

		messagesReceived.Inc()
		d.poll.OnMessageReceived()
		pollSleep.Set(d.poll.Sleep().Seconds())
		d.dispatcher.Dispatch(ctx, msg, d.cfg)
	}

	d.sup.Close()
	d.state = StateStopped
	logger.Log.Info().Int("in_flight", d.sup.InFlight()).Msg("Daemon stopped")
	return nil
}

// idle sleeps for the current backoff period, then widens it. The
// sleep is interruptible: stop signals and worker exits are handled
// immediately, so shutdown latency never depends on the sleep length.
func (d *Daemon) idle(ctx context.Context) {
	timer := time.NewTimer(d.poll.Sleep())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			d.poll.OnEmptyPoll()
			pollSleep.Set(d.poll.Sleep().Seconds())
			return
		case id := <-d.sup.Exits():
			d.sup.Reap(id)
		case sig := <-d.sigs:
			d.handleSignal(sig)
			if d.state != StateRunning {
				return
			}
		case <-ctx.Done():
			d.state = StateStopping
			return
		}
	}
}

// drainEvents handles every pending signal and worker termination
// without blocking. Called at the top of each loop iteration.
func (d *Daemon) drainEvents(ctx context.Context) {
	for {
		select {
		case id := <-d.sup.Exits():
			d.sup.Reap(id)
		case sig := <-d.sigs:
			d.handleSignal(sig)
		case <-ctx.Done():
			d.state = StateStopping
			return
		default:
			return
		}
	}
}

// handleSignal translates a process signal into a lifecycle
// transition.
func (d *Daemon) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGHUP:
		d.reloadConfig()
	case syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
		logger.Log.Info().Str("signal", sig.String()).Msg("Stop requested")
		d.state = StateStopping
	}
}

// reloadConfig swaps in a fresh config snapshot. Workers already
// running keep the snapshot they captured at spawn time; a failed
// reload keeps the old snapshot.
func (d *Daemon) reloadConfig() {
	if d.reload == nil {
		logger.Log.Warn().Msg("Reload signal received but no reloader configured, ignoring")
		return
	}

	d.state = StateReloading
	defer func() { d.state = StateRunning }()

	cfg, err := d.reload()
	if err != nil {
		logger.Log.Error().Err(err).Msg("Config reload failed, keeping current config")
		return
	}
	if err := cfg.Validate(); err != nil {
		logger.Log.Error().Err(err).Msg("Reloaded config invalid, keeping current config")
		return
	}

	d.cfg = cfg
	d.poll = NewPollState(cfg.Worker.PollInterval, cfg.Worker.MaxSleepPeriod)
	logger.Log.Info().
		Int("max_children", cfg.Worker.MaxChildren).
		Dur("poll_interval", cfg.Worker.PollInterval).
		Msg("Config reloaded")
}
