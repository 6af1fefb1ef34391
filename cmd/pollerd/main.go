// Package main implements pollerd, a daemon that polls a remote queue
// and dispatches each message to a handler in an isolated worker.
//
// Features:
//   - Adaptive polling with bounded backoff on an idle queue
//   - Bounded worker pool; overflow is pushed back onto the queue
//   - Optional duplicate suppression via a Redis idempotency store
//   - SIGHUP config reload, graceful stop on SIGINT/SIGTERM/SIGQUIT
//   - Prometheus metrics on /metrics
//
// Usage:
//
//	pollerd -config /etc/pollerd.yaml
//	pollerd -queue-addr 127.0.0.1:6379 -queue jobs -exec "/usr/local/bin/handle-job"
//
// The handler command receives the message body on stdin and the
// message ID in POLLERD_MSG_ID; exit status 0 deletes the message.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/guido-cesarano/pollerd/pkg/config"
	"github.com/guido-cesarano/pollerd/pkg/daemon"
	"github.com/guido-cesarano/pollerd/pkg/idempotency"
	"github.com/guido-cesarano/pollerd/pkg/logger"
	"github.com/guido-cesarano/pollerd/pkg/message"
	"github.com/guido-cesarano/pollerd/pkg/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// queueDepth tracks ready and in-flight deliveries, updated by the
// depth collector goroutine.
var queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "pollerd_queue_depth",
	Help: "Number of deliveries per queue section",
}, []string{"section"})

func main() {
	cfgPath := flag.String("config", "", "Path to the YAML configuration file")
	queueAddr := flag.String("queue-addr", "", "Queue Redis address (overrides config)")
	queueName := flag.String("queue", "", "Queue name (overrides config)")
	execCmd := flag.String("exec", "", "Handler command; body on stdin, exit 0 deletes the message")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	flag.Parse()

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			return nil, err
		}
		// Flag overrides survive reloads.
		if *queueAddr != "" {
			cfg.Queue.Addr = *queueAddr
		}
		if *queueName != "" {
			cfg.Queue.Name = *queueName
		}
		if *logLevel != "" {
			cfg.Log.Level = *logLevel
		}
		return cfg, nil
	}

	cfg, err := loadConfig()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := logger.Setup(cfg.Log.Level, cfg.Log.File); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	if cfg.TimeoutsDiverge() {
		logger.Log.Warn().
			Dur("visibility_timeout", cfg.Queue.VisibilityTimeout).
			Dur("retry_visibility_timeout", cfg.Queue.RetryVisibilityTimeout).
			Msg("Retry visibility timeout diverges from visibility timeout; idempotency claims may outlive or undercut redelivery")
	}

	client := queue.NewRedisClient(cfg.Queue.Addr, cfg.Queue.Name)
	defer client.Close()
	client.StartReclaimer()

	guard := idempotency.New(cfg.Idempotency.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start Prometheus metrics server
	if cfg.Metrics.Addr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			logger.Log.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics server listening")
			if err := http.ListenAndServe(cfg.Metrics.Addr, nil); err != nil {
				logger.Log.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("Metrics server failed")
			}
		}()
		go collectQueueMetrics(ctx, client)
	}

	d := daemon.New(daemon.Options{
		Config:  cfg,
		Queue:   client,
		Guard:   guard,
		Handler: buildHandler(*execCmd),
		Reload:  loadConfig,
	})

	if err := d.Run(ctx); err != nil {
		logger.Log.Fatal().Err(err).Msg("Daemon failed")
	}
}

// buildHandler returns the exec handler when a command is configured,
// otherwise a logging handler that accepts everything. The exec
// handler runs the work in a child process, which restores hard crash
// isolation for the actual message processing.
func buildHandler(command string) daemon.Handler {
	if command == "" {
		return func(ctx context.Context, msg *message.Message) bool {
			logger.Log.Info().Str("msg_id", msg.ID).Int("bytes", len(msg.Body)).Msg("No handler configured, accepting message")
			return true
		}
	}

	return func(ctx context.Context, msg *message.Message) bool {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
		cmd.Stdin = strings.NewReader(msg.Body)
		cmd.Env = append(cmd.Environ(), "POLLERD_MSG_ID="+msg.ID)

		out, err := cmd.CombinedOutput()
		if err != nil {
			logger.Log.Error().Err(err).Str("msg_id", msg.ID).Bytes("output", out).Msg("Handler command failed")
			return false
		}
		return true
	}
}

// collectQueueMetrics periodically samples queue depths into gauges.
func collectQueueMetrics(ctx context.Context, client *queue.RedisClient) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for section, depth := range client.Depths(ctx) {
				queueDepth.WithLabelValues(section).Set(float64(depth))
			}
		}
	}
}
