// Package main implements the warden master, which creates a work queue in
// the coordination tree, waits for workers, watches their liveness timers
// and tears the tree down when the run is over.
//
// Commands:
//
//	warden-master run        create the queue and supervise a run
//	warden-master status     print the status of a running master
//	warden-master teardown   remove an abandoned queue root
//
// Configuration comes from defaults, an optional YAML file (--config),
// WARDEN_* environment variables and flags, in increasing precedence.
//
// Example usage:
//
//	# Create a queue from tasks.yaml, start 4 local workers and supervise
//	warden-master run --servers zk1:2181,zk2:2181 --root /warden/nightly \
//	  --tasks tasks.yaml --spawn 4 --worker-command ./warden-worker
//
//	# Single process run on the in-memory tree
//	warden-master run --backend memory --tasks tasks.yaml --spawn 4
//
//	# Inspect a running master
//	warden-master status --addr localhost:8080
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dreamware/warden/internal/config"
	"github.com/dreamware/warden/internal/logging"
	"github.com/dreamware/warden/internal/storage"
	"github.com/dreamware/warden/internal/watchdog"
	"github.com/dreamware/warden/internal/zkconn"
)

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"backend":         "coordination.backend",
	"servers":         "coordination.servers",
	"session-timeout": "coordination.session_timeout",
	"root":            "coordination.root",
	"threshold":       "coordination.threshold",
	"log-level":       "logging.level",
	"log-format":      "logging.format",
	"tasks":           "master.tasks_file",
	"start-barrier":   "master.start_barrier",
	"barrier-timeout": "master.barrier_timeout",
	"poll-interval":   "master.poll_interval",
	"status-addr":     "master.status_addr",
	"spawn":           "master.spawn",
	"worker-command":  "master.worker_command",
	"exec":            "worker.exec",
	"kick-interval":   "worker.kick_interval",
}

type rootOptions struct {
	cfgFile string
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden-master",
		Short: "Supervise a warden work queue",
		Long: `warden-master creates a work queue in a ZooKeeper coordination tree,
waits for workers to register, watches their liveness timers and removes
the tree when the queue is drained or every worker has stalled.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.cfgFile, "config", "c", "", "config file (YAML)")
	pf.String("backend", "", "coordination backend: zookeeper or memory")
	pf.StringSlice("servers", nil, "ZooKeeper servers as host:port")
	pf.Duration("session-timeout", 0, "ZooKeeper session timeout")
	pf.String("root", "", "coordination root path")
	pf.Duration("threshold", 0, "liveness age above which a worker counts as stalled")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: console or json")

	root.AddCommand(newRunCmd(opts), newStatusCmd(opts), newTeardownCmd(opts))
	return root
}

// load builds the configuration for cmd and a logger from it.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	v, err := config.NewViper(o.cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
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

// connector opens a client to the coordination tree and returns its closer.
type connector func() (storage.Client, func(), error)

func newConnector(cfg config.CoordinationConfig, log *zap.Logger) connector {
	if cfg.Backend == config.BackendMemory {
		return memoryConnector(storage.NewMemoryTree())
	}
	return func() (storage.Client, func(), error) {
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
}

func memoryConnector(tree *storage.MemoryTree) connector {
	return func() (storage.Client, func(), error) {
		c := tree.Connect()
		return c, c.Close, nil
	}
}

func watchdogConfig(cfg *config.Config) watchdog.Config {
	return watchdog.Config{
		Root:      cfg.Coordination.Root,
		Threshold: cfg.Coordination.Threshold,
	}
}

func main() {
	if err := newRootCmd(&rootOptions{}).Execute(); err != nil {
		os.Exit(1)
	}
}
