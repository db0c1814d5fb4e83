// Package main implements the warden worker, which attaches to a queue
// created by the master, registers a liveness timer and consumes items until
// the queue is drained or the master removes it.
//
// The worker is a consumer in the warden protocol, responsible for:
//   - Registering an ephemeral timer (its first registration clears the start barrier)
//   - Kicking the timer every kick interval so the master sees it alive
//   - Claiming queue items exactly once and running the task command on each
//   - Exiting when the queue is empty or its timer can no longer be kicked
//
// Configuration:
//   - WARDEN_COORDINATION_SERVERS: ZooKeeper ensemble (required)
//   - WARDEN_COORDINATION_ROOT: queue root shared with the master
//   - WARDEN_COORDINATION_THRESHOLD: must match the master's threshold
//   - WARDEN_WORKER_ID: process id; a random UUID when unset
//   - WARDEN_WORKER_EXEC: shell command run per task with the payload on stdin
//
// Example usage:
//
//	warden-worker --servers zk1:2181 --root /warden/nightly \
//	  --exec 'xargs -0 ./render.sh'
//
// Exit codes:
//   - 0: queue drained, queue removed by the master, or interrupted
//   - 1: configuration, connection or registration failure
package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dreamware/warden/internal/config"
	"github.com/dreamware/warden/internal/coordinator"
	"github.com/dreamware/warden/internal/logging"
	"github.com/dreamware/warden/internal/storage"
	"github.com/dreamware/warden/internal/watchdog"
	"github.com/dreamware/warden/internal/zkconn"
)

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"servers":         "coordination.servers",
	"session-timeout": "coordination.session_timeout",
	"root":            "coordination.root",
	"threshold":       "coordination.threshold",
	"id":              "worker.id",
	"sequential":      "worker.sequential",
	"kick-interval":   "worker.kick_interval",
	"idle-backoff":    "worker.idle_backoff",
	"exec":            "worker.exec",
	"log-level":       "logging.level",
	"log-format":      "logging.format",
}

// dial connects to the coordination tree; tests replace it.
var dial = func(cfg config.CoordinationConfig, log *zap.Logger) (storage.Client, func(), error) {
	c, err := zkconn.Dial(zkconn.Config{
		Servers:        cfg.Servers,
		SessionTimeout: cfg.SessionTimeout,
		AuthScheme:     cfg.AuthScheme,
		AuthCredential: cfg.AuthCredential,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "warden-worker",
		Short: "Consume a warden work queue",
		Long: `warden-worker attaches to a queue created by warden-master, registers a
liveness timer and processes queue items until none are left.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runWorker(ctx, cfg, log, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	f.StringSlice("servers", nil, "ZooKeeper servers as host:port")
	f.Duration("session-timeout", 0, "ZooKeeper session timeout")
	f.String("root", "", "coordination root path")
	f.Duration("threshold", 0, "liveness threshold shared with the master")
	f.String("id", "", "process id (default random UUID)")
	f.Bool("sequential", false, "register the timer as a sequential node")
	f.Duration("kick-interval", 0, "how often to refresh the timer")
	f.Duration("idle-backoff", 0, "pause after losing every claim race")
	f.String("exec", "", "shell command run per task, payload on stdin")
	f.String("log-level", "", "log level: debug, info, warn, error")
	f.String("log-format", "", "log format: console or json")
	return cmd
}

func loadConfig(cfgFile string, flags *pflag.FlagSet) (*config.Config, error) {
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := bindFlags(v, flags); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if cfg.Coordination.Backend == config.BackendMemory {
		return nil, errors.New("the memory backend only works inside warden-master run")
	}
	if cfg.Worker.ID == "" {
		cfg.Worker.ID = uuid.NewString()
	}
	return cfg, nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// runWorker attaches to the queue and consumes until there is nothing left.
func runWorker(ctx context.Context, cfg *config.Config, log *zap.Logger, stdout, stderr io.Writer) error {
	log = log.With(zap.String("process", cfg.Worker.ID))

	client, closeClient, err := dial(cfg.Coordination, log)
	if err != nil {
		return err
	}
	// Closing the session removes the ephemeral timer.
	defer closeClient()

	session, err := watchdog.Attach(client, watchdog.Config{
		Root:      cfg.Coordination.Root,
		Threshold: cfg.Coordination.Threshold,
	}, watchdog.WithLogger(log))
	if err != nil {
		return err
	}

	var handler coordinator.Handler
	if cfg.Worker.Exec != "" {
		handler = coordinator.ExecHandler(cfg.Worker.Exec, stdout, stderr)
	}
	w := coordinator.NewWorker(session, handler, coordinator.WorkerOptions{
		ProcessID:    cfg.Worker.ID,
		Sequential:   cfg.Worker.Sequential,
		KickInterval: cfg.Worker.KickInterval,
		IdleBackoff:  cfg.Worker.IdleBackoff,
	}, log)

	err = w.Run(ctx)
	log.Info("worker done",
		zap.Int64("processed", w.Processed()),
		zap.Int64("failed", w.Failed()))
	return err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
