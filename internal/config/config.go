// Package config loads warden's configuration through viper: defaults,
// then an optional YAML file, then WARDEN_* environment variables, then
// command-line flags bound by the binaries.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dreamware/warden/internal/logging"
	"github.com/dreamware/warden/internal/storage"
)

// EnvPrefix prefixes every environment override, e.g.
// WARDEN_COORDINATION_THRESHOLD for coordination.threshold.
const EnvPrefix = "WARDEN"

// Backends for the coordination tree.
const (
	BackendZooKeeper = "zookeeper"
	BackendMemory    = "memory"
)

// Config represents the complete warden configuration
type Config struct {
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Master       MasterConfig       `mapstructure:"master"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Logging      logging.Config     `mapstructure:"logging"`
}

// CoordinationConfig says where the coordination tree lives
type CoordinationConfig struct {
	// Backend is "zookeeper" or "memory" (single process only)
	Backend string `mapstructure:"backend"`
	// Servers is the ZooKeeper ensemble as host:port entries
	Servers []string `mapstructure:"servers"`
	// SessionTimeout bounds how long ephemeral timers outlive a dead worker
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	// Root is the coordination root path shared by master and workers
	Root string `mapstructure:"root"`
	// Threshold is the liveness age above which a worker counts as stalled
	Threshold time.Duration `mapstructure:"threshold"`
	// AuthScheme and AuthCredential are passed to ZooKeeper's AddAuth
	AuthScheme     string `mapstructure:"auth_scheme"`
	AuthCredential string `mapstructure:"auth_credential"`
}

// MasterConfig controls the master process
type MasterConfig struct {
	// TasksFile is a YAML file listing queue items
	TasksFile string `mapstructure:"tasks_file"`
	// StartBarrier makes the master wait for the first worker before monitoring
	StartBarrier bool `mapstructure:"start_barrier"`
	// BarrierTimeout bounds the wait for the first worker
	BarrierTimeout time.Duration `mapstructure:"barrier_timeout"`
	// PollInterval is how often timers and queue length are scanned
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// StatusAddr is the listen address of the status endpoint ("" disables it)
	StatusAddr string `mapstructure:"status_addr"`
	// Spawn is how many local worker processes the master starts
	Spawn int `mapstructure:"spawn"`
	// WorkerCommand is the executable spawned workers run
	WorkerCommand string `mapstructure:"worker_command"`
}

// WorkerConfig controls a worker process
type WorkerConfig struct {
	// ID is the worker's process id; a random UUID when empty
	ID string `mapstructure:"id"`
	// Sequential registers the timer as an ephemeral sequential node
	Sequential bool `mapstructure:"sequential"`
	// KickInterval is how often the worker refreshes its timer
	KickInterval time.Duration `mapstructure:"kick_interval"`
	// IdleBackoff is the pause after a contended, non-empty queue
	IdleBackoff time.Duration `mapstructure:"idle_backoff"`
	// Exec is a shell command run per task with the payload on stdin
	Exec string `mapstructure:"exec"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Coordination: CoordinationConfig{
			Backend:        BackendZooKeeper,
			Servers:        []string{"127.0.0.1:2181"},
			SessionTimeout: 10 * time.Second,
			Root:           "/warden",
			Threshold:      30 * time.Second,
		},
		Master: MasterConfig{
			StartBarrier:   true,
			BarrierTimeout: 30 * time.Second,
			PollInterval:   5 * time.Second,
			StatusAddr:     ":8080",
			WorkerCommand:  "warden-worker",
		},
		Worker: WorkerConfig{
			KickInterval: 5 * time.Second,
			IdleBackoff:  500 * time.Millisecond,
		},
		Logging: logging.Config{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// SetDefaults registers default values with v
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("coordination.backend", d.Coordination.Backend)
	v.SetDefault("coordination.servers", d.Coordination.Servers)
	v.SetDefault("coordination.session_timeout", d.Coordination.SessionTimeout)
	v.SetDefault("coordination.root", d.Coordination.Root)
	v.SetDefault("coordination.threshold", d.Coordination.Threshold)
	v.SetDefault("coordination.auth_scheme", d.Coordination.AuthScheme)
	v.SetDefault("coordination.auth_credential", d.Coordination.AuthCredential)

	v.SetDefault("master.tasks_file", d.Master.TasksFile)
	v.SetDefault("master.start_barrier", d.Master.StartBarrier)
	v.SetDefault("master.barrier_timeout", d.Master.BarrierTimeout)
	v.SetDefault("master.poll_interval", d.Master.PollInterval)
	v.SetDefault("master.status_addr", d.Master.StatusAddr)
	v.SetDefault("master.spawn", d.Master.Spawn)
	v.SetDefault("master.worker_command", d.Master.WorkerCommand)

	v.SetDefault("worker.id", d.Worker.ID)
	v.SetDefault("worker.sequential", d.Worker.Sequential)
	v.SetDefault("worker.kick_interval", d.Worker.KickInterval)
	v.SetDefault("worker.idle_backoff", d.Worker.IdleBackoff)
	v.SetDefault("worker.exec", d.Worker.Exec)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
}

// NewViper returns a viper instance with defaults and environment
// overrides in place. If cfgFile is non-empty it is read as well.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	// coordination.threshold -> WARDEN_COORDINATION_THRESHOLD
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}
	return v, nil
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &cfg, nil
}

// Validate checks the configuration and returns every problem found
func (c *Config) Validate() []error {
	var errs []error

	switch c.Coordination.Backend {
	case BackendZooKeeper:
		if len(c.Coordination.Servers) == 0 {
			errs = append(errs, errors.New("coordination.servers: at least one server is required"))
		}
		if c.Coordination.SessionTimeout <= 0 {
			errs = append(errs, errors.New("coordination.session_timeout: must be positive"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("coordination.backend: unknown backend %q", c.Coordination.Backend))
	}

	if err := storage.ValidatePath(c.Coordination.Root); err != nil || c.Coordination.Root == "/" {
		errs = append(errs, fmt.Errorf("coordination.root: %q is not a usable root path", c.Coordination.Root))
	}
	if c.Coordination.Threshold <= 0 {
		errs = append(errs, errors.New("coordination.threshold: must be positive"))
	}

	if c.Master.BarrierTimeout <= 0 {
		errs = append(errs, errors.New("master.barrier_timeout: must be positive"))
	}
	if c.Master.PollInterval <= 0 {
		errs = append(errs, errors.New("master.poll_interval: must be positive"))
	}
	if c.Master.Spawn < 0 {
		errs = append(errs, errors.New("master.spawn: must not be negative"))
	}
	if c.Master.Spawn > 0 && c.Master.WorkerCommand == "" {
		errs = append(errs, errors.New("master.worker_command: required when master.spawn > 0"))
	}

	if strings.ContainsRune(c.Worker.ID, '/') {
		errs = append(errs, fmt.Errorf("worker.id: %q must not contain '/'", c.Worker.ID))
	}
	if c.Worker.KickInterval <= 0 {
		errs = append(errs, errors.New("worker.kick_interval: must be positive"))
	} else if c.Worker.KickInterval >= c.Coordination.Threshold {
		errs = append(errs, fmt.Errorf("worker.kick_interval: %v must be shorter than coordination.threshold %v",
			c.Worker.KickInterval, c.Coordination.Threshold))
	}
	if c.Worker.IdleBackoff < 0 {
		errs = append(errs, errors.New("worker.idle_backoff: must not be negative"))
	}

	return errs
}
