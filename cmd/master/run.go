package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/warden/internal/config"
	"github.com/dreamware/warden/internal/coordinator"
	"github.com/dreamware/warden/internal/tasks"
	"github.com/dreamware/warden/internal/watchdog"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create the queue and supervise a run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runMaster(ctx, cfg, log, newConnector(cfg.Coordination, log))
		},
	}

	f := cmd.Flags()
	f.String("tasks", "", "YAML file listing queue items")
	f.Bool("start-barrier", false, "wait for the first worker before monitoring")
	f.Duration("barrier-timeout", 0, "how long to wait for the first worker")
	f.Duration("poll-interval", 0, "how often to scan timers and the queue")
	f.String("status-addr", "", "listen address of the status endpoint")
	f.Int("spawn", 0, "number of local workers to start")
	f.String("worker-command", "", "worker executable spawned with --spawn")
	f.String("exec", "", "task command for in-process workers (memory backend)")
	f.Duration("kick-interval", 0, "timer refresh interval for in-process workers")
	return cmd
}

// runMaster creates the queue, starts workers if asked to, waits for the
// barrier, monitors until the run is finished or ctx ends, and tears the
// tree down.
func runMaster(ctx context.Context, cfg *config.Config, log *zap.Logger, connect connector) error {
	var items [][]byte
	if cfg.Master.TasksFile != "" {
		loaded, err := tasks.LoadFile(cfg.Master.TasksFile)
		if err != nil {
			return err
		}
		items = loaded
	}

	client, closeClient, err := connect()
	if err != nil {
		return err
	}
	defer closeClient()

	session, err := watchdog.Create(client, watchdogConfig(cfg), items, cfg.Master.StartBarrier,
		watchdog.WithLogger(log))
	if err != nil {
		return err
	}
	log.Info("queue created",
		zap.String("root", session.Root()),
		zap.Int("items", len(items)),
		zap.Bool("barrier", cfg.Master.StartBarrier))

	monitor := coordinator.NewMonitor(session, cfg.Master.PollInterval, log)
	monitor.SetOnExpired(func(pid string) {
		log.Warn("worker stalled", zap.String("process", pid))
	})
	drained := make(chan struct{})
	monitor.SetOnDrained(func() { close(drained) })

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var workers sync.WaitGroup
	spawnWorkers(workerCtx, &workers, cfg, log, connect)

	var httpSrv *http.Server
	if cfg.Master.StatusAddr != "" {
		httpSrv = &http.Server{
			Addr:              cfg.Master.StatusAddr,
			Handler:           newStatusMux(monitor),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("status endpoint listening", zap.String("addr", cfg.Master.StatusAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status endpoint failed", zap.Error(err))
			}
		}()
	}

	if cfg.Master.StartBarrier {
		ok, err := session.WaitSync(cfg.Master.BarrierTimeout)
		if err != nil {
			log.Error("barrier wait failed", zap.Error(err))
		} else if ok {
			log.Info("first worker registered")
		}
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitor.Start(monitorCtx)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		log.Info("master interrupted, tearing down")
	}
	stopMonitor()
	<-monitorDone

	st := monitor.Status()
	log.Info("run over",
		zap.Int("queue", st.QueueLength),
		zap.Int("healthy", st.Healthy),
		zap.Int("expired", st.Expired),
		zap.Int("gone", st.Gone))

	teardownErr := session.ClearTimers()
	if teardownErr != nil {
		log.Error("teardown failed", zap.Error(teardownErr))
	} else {
		log.Info("queue removed", zap.String("root", session.Root()))
	}

	// Workers exit on their own once the root is gone; the grace period
	// covers one kick interval.
	waitWorkers(&workers, stopWorkers, cfg.Worker.KickInterval+time.Second)

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	return teardownErr
}

func waitWorkers(wg *sync.WaitGroup, stop context.CancelFunc, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		stop()
		<-done
	}
}

// spawnWorkers starts cfg.Master.Spawn workers: goroutines sharing the
// in-memory tree, or worker processes for a ZooKeeper backend.
func spawnWorkers(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, log *zap.Logger, connect connector) {
	for i := 0; i < cfg.Master.Spawn; i++ {
		wg.Add(1)
		if cfg.Coordination.Backend == config.BackendMemory {
			go func(id string) {
				defer wg.Done()
				if err := runLocalWorker(ctx, cfg, log, connect, id); err != nil {
					log.Error("local worker failed", zap.String("process", id), zap.Error(err))
				}
			}(fmt.Sprintf("local-%d", i))
			continue
		}

		cmd := workerCommand(ctx, cfg)
		if err := cmd.Start(); err != nil {
			wg.Done()
			log.Error("spawn worker failed", zap.String("command", cfg.Master.WorkerCommand), zap.Error(err))
			continue
		}
		log.Info("worker spawned", zap.Int("pid", cmd.Process.Pid))
		go func() {
			defer wg.Done()
			if err := cmd.Wait(); err != nil {
				log.Warn("worker exited", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
			}
		}()
	}
}

func runLocalWorker(ctx context.Context, cfg *config.Config, log *zap.Logger, connect connector, id string) error {
	client, closeClient, err := connect()
	if err != nil {
		return err
	}
	defer closeClient()

	session, err := watchdog.Attach(client, watchdogConfig(cfg), watchdog.WithLogger(log))
	if err != nil {
		return err
	}

	var handler coordinator.Handler
	if cfg.Worker.Exec != "" {
		handler = coordinator.ExecHandler(cfg.Worker.Exec, os.Stdout, os.Stderr)
	}
	w := coordinator.NewWorker(session, handler, coordinator.WorkerOptions{
		ProcessID:    id,
		Sequential:   cfg.Worker.Sequential,
		KickInterval: cfg.Worker.KickInterval,
		IdleBackoff:  cfg.Worker.IdleBackoff,
	}, log)
	return w.Run(ctx)
}

// workerCommand builds a worker process pointed at the same tree.
func workerCommand(ctx context.Context, cfg *config.Config) *exec.Cmd {
	cmd := exec.CommandContext(ctx, cfg.Master.WorkerCommand)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), workerEnv(cfg)...)
	return cmd
}

// workerEnv carries the master's coordination, worker and logging settings
// to a spawned worker. Later entries win over the inherited environment.
func workerEnv(cfg *config.Config) []string {
	c, w, l := cfg.Coordination, cfg.Worker, cfg.Logging
	vars := [][2]string{
		{"COORDINATION_SERVERS", strings.Join(c.Servers, ",")},
		{"COORDINATION_SESSION_TIMEOUT", c.SessionTimeout.String()},
		{"COORDINATION_ROOT", c.Root},
		{"COORDINATION_THRESHOLD", c.Threshold.String()},
		// Each worker picks its own id.
		{"WORKER_ID", ""},
		{"WORKER_SEQUENTIAL", strconv.FormatBool(w.Sequential)},
		{"WORKER_KICK_INTERVAL", w.KickInterval.String()},
		{"WORKER_IDLE_BACKOFF", w.IdleBackoff.String()},
		{"WORKER_EXEC", w.Exec},
		{"LOGGING_LEVEL", l.Level},
		{"LOGGING_FORMAT", l.Format},
		{"LOGGING_OUTPUT", l.Output},
		{"LOGGING_FILE_PATH", l.FilePath},
		{"LOGGING_MAX_SIZE_MB", strconv.Itoa(l.MaxSizeMB)},
		{"LOGGING_MAX_BACKUPS", strconv.Itoa(l.MaxBackups)},
		{"LOGGING_MAX_AGE_DAYS", strconv.Itoa(l.MaxAgeDays)},
	}
	if c.AuthScheme != "" {
		vars = append(vars,
			[2]string{"COORDINATION_AUTH_SCHEME", c.AuthScheme},
			[2]string{"COORDINATION_AUTH_CREDENTIAL", c.AuthCredential})
	}

	env := make([]string, 0, len(vars))
	for _, kv := range vars {
		env = append(env, config.EnvPrefix+"_"+kv[0]+"="+kv[1])
	}
	return env
}
