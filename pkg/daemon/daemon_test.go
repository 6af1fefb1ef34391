package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/guido-cesarano/pollerd/pkg/config"
	"github.com/guido-cesarano/pollerd/pkg/message"
)

func fastConfig() *config.Config {
	cfg := config.Default()
	cfg.Queue.Addr = "127.0.0.1:6379"
	cfg.Worker.PollInterval = 5 * time.Millisecond
	cfg.Worker.MaxSleepPeriod = 20 * time.Millisecond
	cfg.Queue.RetryVisibilityTimeout = cfg.Queue.VisibilityTimeout
	return cfg
}

// Queue yields one message, handler accepts it: exactly one delete,
// no visibility change, polling continues on the empty queue.
func TestRunProcessesMessage(t *testing.T) {
	q := &fakeQueue{pending: []*message.Message{testMessage("m1", "foo")}}
	d := New(Options{
		Config:  fastConfig(),
		Queue:   q,
		Handler: func(ctx context.Context, m *message.Message) bool { return true },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	if !waitFor(func() bool { return q.deleteCount() == 1 }) {
		t.Errorf("Expected one delete, got %d", q.deleteCount())
	}
	if !waitFor(func() bool { return q.receiveCount() >= 2 }) {
		t.Error("Expected polling to continue after the message")
	}
	if q.visibilityCount() != 0 {
		t.Errorf("Expected no visibility changes, got %d", q.visibilityCount())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Daemon did not stop on context cancel")
	}
	if d.State() != StateStopped {
		t.Errorf("Expected state stopped, got %v", d.State())
	}
}

// A failing handler must leave the message on the queue.
func TestRunHandlerFailureNoDelete(t *testing.T) {
	q := &fakeQueue{pending: []*message.Message{testMessage("m1", "foo")}}
	guard := newFakeGuard()
	invoked := make(chan struct{}, 1)
	d := New(Options{
		Config: fastConfig(),
		Queue:  q,
		Guard:  guard,
		Handler: func(ctx context.Context, m *message.Message) bool {
			invoked <- struct{}{}
			return false
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	select {
	case <-invoked:
	case <-time.After(2 * time.Second):
		t.Fatal("Handler was never invoked")
	}
	if !waitFor(func() bool { return guard.releaseCount("m1") == 1 }) {
		t.Errorf("Expected claim released exactly once, got %d", guard.releaseCount("m1"))
	}
	if q.deleteCount() != 0 {
		t.Errorf("Expected no delete for failed message, got %d", q.deleteCount())
	}
}

// Transport errors never kill the loop.
func TestRunSurvivesReceiveErrors(t *testing.T) {
	q := &fakeQueue{err: context.DeadlineExceeded}
	d := New(Options{
		Config:  fastConfig(),
		Queue:   q,
		Handler: func(ctx context.Context, m *message.Message) bool { return true },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	if !waitFor(func() bool { return q.receiveCount() >= 3 }) {
		t.Error("Expected loop to keep polling through receive errors")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Daemon did not stop on context cancel")
	}
}

func TestReloadSwapsConfigSnapshot(t *testing.T) {
	oldCfg := fastConfig()
	newCfg := fastConfig()
	newCfg.Worker.MaxChildren = 9
	newCfg.Worker.PollInterval = 8 * time.Millisecond
	newCfg.Worker.MaxSleepPeriod = 40 * time.Millisecond

	d := New(Options{
		Config:  oldCfg,
		Queue:   &fakeQueue{},
		Handler: func(ctx context.Context, m *message.Message) bool { return true },
		Reload:  func() (*config.Config, error) { return newCfg, nil },
	})

	d.handleSignal(syscall.SIGHUP)

	if d.cfg != newCfg {
		t.Error("Expected new config snapshot after reload")
	}
	if d.cfg.Worker.MaxChildren != 9 {
		t.Errorf("Expected max_children 9 from reloaded config, got %d", d.cfg.Worker.MaxChildren)
	}
	if d.poll.Sleep() != 8*time.Millisecond {
		t.Errorf("Expected poll state rebuilt from new interval, got %v", d.poll.Sleep())
	}
	if d.State() != StateRunning {
		t.Errorf("Expected state running after reload, got %v", d.State())
	}
}

func TestFailedReloadKeepsConfigSnapshot(t *testing.T) {
	oldCfg := fastConfig()
	d := New(Options{
		Config:  oldCfg,
		Queue:   &fakeQueue{},
		Handler: func(ctx context.Context, m *message.Message) bool { return true },
		Reload:  func() (*config.Config, error) { return nil, os.ErrNotExist },
	})

	d.handleSignal(syscall.SIGHUP)

	if d.cfg != oldCfg {
		t.Error("Expected old config snapshot kept after failed reload")
	}
	if d.State() != StateRunning {
		t.Errorf("Expected state running after failed reload, got %v", d.State())
	}
}

func TestInvalidReloadKeepsConfigSnapshot(t *testing.T) {
	oldCfg := fastConfig()
	badCfg := fastConfig()
	badCfg.Queue.Addr = "" // fails Validate

	d := New(Options{
		Config:  oldCfg,
		Queue:   &fakeQueue{},
		Handler: func(ctx context.Context, m *message.Message) bool { return true },
		Reload:  func() (*config.Config, error) { return badCfg, nil },
	})

	d.handleSignal(syscall.SIGHUP)

	if d.cfg != oldCfg {
		t.Error("Expected old config snapshot kept after invalid reload")
	}
	if d.poll.Sleep() != oldCfg.Worker.PollInterval {
		t.Errorf("Expected poll state untouched, got %v", d.poll.Sleep())
	}
}

func TestReloadWithoutReloaderIgnored(t *testing.T) {
	cfg := fastConfig()
	d := New(Options{
		Config:  cfg,
		Queue:   &fakeQueue{},
		Handler: func(ctx context.Context, m *message.Message) bool { return true },
	})

	d.handleSignal(syscall.SIGHUP)

	if d.cfg != cfg {
		t.Error("Expected config untouched without a reloader")
	}
}

// Reload delivered as a live signal while the loop runs, the way
// TestStopSignal drives its stop.
func TestReloadSignalWhileRunning(t *testing.T) {
	guardCh := make(chan os.Signal, 1)
	signal.Notify(guardCh, syscall.SIGHUP)
	defer signal.Stop(guardCh)

	newCfg := fastConfig()
	newCfg.Worker.MaxChildren = 7

	reloaded := make(chan struct{}, 1)
	q := &fakeQueue{}
	d := New(Options{
		Config:  fastConfig(),
		Queue:   q,
		Handler: func(ctx context.Context, m *message.Message) bool { return true },
		Reload: func() (*config.Config, error) {
			reloaded <- struct{}{}
			return newCfg, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	if !waitFor(func() bool { return q.receiveCount() >= 1 }) {
		t.Fatal("Daemon never started polling")
	}
	syscall.Kill(os.Getpid(), syscall.SIGHUP)

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("Reloader was never invoked on SIGHUP")
	}
	if !waitFor(func() bool { return q.receiveCount() >= 2 }) {
		t.Error("Expected polling to continue after reload")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Daemon did not stop on context cancel")
	}
	if d.cfg != newCfg {
		t.Error("Expected new config snapshot applied by live reload")
	}
}

func TestStopSignal(t *testing.T) {
	// Keep our own subscription so a mistimed SIGTERM cannot kill the
	// test process.
	guardCh := make(chan os.Signal, 1)
	signal.Notify(guardCh, syscall.SIGTERM)
	defer signal.Stop(guardCh)

	q := &fakeQueue{}
	d := New(Options{
		Config:  fastConfig(),
		Queue:   q,
		Handler: func(ctx context.Context, m *message.Message) bool { return true },
	})

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()

	if !waitFor(func() bool { return q.receiveCount() >= 1 }) {
		t.Fatal("Daemon never started polling")
	}
	syscall.Kill(os.Getpid(), syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Daemon did not stop on SIGTERM")
	}
	if d.State() != StateStopped {
		t.Errorf("Expected state stopped, got %v", d.State())
	}
}
