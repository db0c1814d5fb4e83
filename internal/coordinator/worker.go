package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/warden/internal/watchdog"
)

// Queue is the part of a watchdog session a worker drives.
type Queue interface {
	CreateTimer(processID string, sequential bool) (*watchdog.Timer, error)
	Consume() ([]byte, bool, error)
	Count() (int, error)
}

// Handler processes one task payload. A returned error is logged and the
// task is not retried.
type Handler func(ctx context.Context, payload []byte) error

// WorkerOptions configures a worker loop.
type WorkerOptions struct {
	ProcessID    string
	Sequential   bool
	KickInterval time.Duration
	IdleBackoff  time.Duration
}

// Worker registers a liveness timer, keeps it fresh, and consumes queue items
// until the queue is empty or the registry disappears.
type Worker struct {
	queue   Queue
	handler Handler
	log     *zap.Logger
	opts    WorkerOptions

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a worker over queue. A nil handler accepts every task.
func NewWorker(queue Queue, handler Handler, opts WorkerOptions, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if handler == nil {
		handler = func(context.Context, []byte) error { return nil }
	}
	return &Worker{
		queue:   queue,
		handler: handler,
		log:     log.With(zap.String("process", opts.ProcessID)),
		opts:    opts,
	}
}

// Processed returns how many tasks the handler completed without error.
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Failed returns how many tasks the handler rejected.
func (w *Worker) Failed() int64 { return w.failed.Load() }

// Run registers the worker's timer and consumes until there is nothing left.
// It returns nil when the queue is drained, when the master removed the
// queue root, or when ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	timer, err := w.queue.CreateTimer(w.opts.ProcessID, w.opts.Sequential)
	if err != nil {
		return fmt.Errorf("register timer: %w", err)
	}
	w.log.Info("worker registered", zap.String("timer", timer.Path()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	kickDone := make(chan struct{})
	go func() {
		defer close(kickDone)
		w.kickLoop(ctx, cancel, timer)
	}()
	defer func() { <-kickDone }()

	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopping", zap.Int64("processed", w.Processed()))
			return nil
		}

		payload, ok, err := w.queue.Consume()
		if errors.Is(err, watchdog.ErrNotFound) {
			w.log.Info("queue removed, worker stopping", zap.Int64("processed", w.Processed()))
			return nil
		}
		if err != nil {
			return fmt.Errorf("consume: %w", err)
		}

		if ok {
			w.process(ctx, payload)
			timer.Kick()
			continue
		}

		remaining, err := w.queue.Count()
		if errors.Is(err, watchdog.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("count: %w", err)
		}
		if remaining == 0 {
			w.log.Info("queue drained", zap.Int64("processed", w.Processed()))
			return nil
		}

		// Lost every race this round; other workers hold the remaining items.
		select {
		case <-ctx.Done():
		case <-time.After(w.opts.IdleBackoff):
		}
	}
}

func (w *Worker) process(ctx context.Context, payload []byte) {
	start := time.Now()
	if err := w.handler(ctx, payload); err != nil {
		w.failed.Add(1)
		w.log.Error("task failed", zap.Int("bytes", len(payload)), zap.Error(err))
		return
	}
	w.processed.Add(1)
	w.log.Debug("task done",
		zap.Int("bytes", len(payload)),
		zap.Duration("took", time.Since(start)))
}

// kickLoop refreshes the timer every KickInterval and cancels the worker
// once a kick fails.
func (w *Worker) kickLoop(ctx context.Context, cancel context.CancelFunc, timer *watchdog.Timer) {
	ticker := time.NewTicker(w.opts.KickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !timer.Kick() {
				w.log.Warn("timer kick failed, registry gone", zap.String("timer", timer.Path()))
				cancel()
				return
			}
		}
	}
}

// ExecHandler runs command through sh -c for each task with the payload on
// stdin. Output goes to stdout and stderr.
func ExecHandler(command string, stdout, stderr io.Writer) Handler {
	return func(ctx context.Context, payload []byte) error {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Stdin = bytes.NewReader(payload)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		// Bound the wait for output pipes held open by orphaned children.
		cmd.WaitDelay = time.Second
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("run %q: %w", command, err)
		}
		return nil
	}
}
