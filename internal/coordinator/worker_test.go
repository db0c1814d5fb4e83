package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/warden/internal/storage"
	"github.com/dreamware/warden/internal/watchdog"
)

var workerConfig = watchdog.Config{Root: "/warden", Threshold: 10 * time.Second}

func workerOpts(pid string) WorkerOptions {
	return WorkerOptions{
		ProcessID:    pid,
		KickInterval: 10 * time.Millisecond,
		IdleBackoff:  time.Millisecond,
	}
}

func newQueue(t *testing.T, n int) *storage.MemoryTree {
	t.Helper()
	tree := storage.NewMemoryTree()
	var payloads [][]byte
	for i := 0; i < n; i++ {
		payloads = append(payloads, []byte(fmt.Sprintf("task-%03d", i)))
	}
	_, err := watchdog.Create(tree.Connect(), workerConfig, payloads, true)
	require.NoError(t, err)
	return tree
}

func attach(t *testing.T, tree *storage.MemoryTree) *watchdog.Session {
	t.Helper()
	s, err := watchdog.Attach(tree.Connect(), workerConfig)
	require.NoError(t, err)
	return s
}

func TestWorkersDrainQueueExactlyOnce(t *testing.T) {
	const tasks = 40
	tree := newQueue(t, tasks)

	var mu sync.Mutex
	seen := make(map[string]int)
	handler := func(_ context.Context, payload []byte) error {
		mu.Lock()
		seen[string(payload)]++
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	workers := make([]*Worker, 4)
	for i := range workers {
		workers[i] = NewWorker(attach(t, tree), handler, workerOpts(fmt.Sprintf("w%d", i)), nil)
	}
	errs := make(chan error, len(workers))
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			errs <- w.Run(context.Background())
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Len(t, seen, tasks)
	for payload, n := range seen {
		assert.Equal(t, 1, n, "task %s handled %d times", payload, n)
	}

	var total int64
	for _, w := range workers {
		total += w.Processed()
	}
	assert.EqualValues(t, tasks, total)

	// The first registrant cleared the barrier.
	ok, _, err := tree.Connect().Exists("/warden/barrier")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorkerHandlerFailureIsNotRetried(t *testing.T) {
	tree := newQueue(t, 3)

	calls := 0
	w := NewWorker(attach(t, tree), func(_ context.Context, payload []byte) error {
		calls++
		if string(payload) == "task-001" {
			return errors.New("boom")
		}
		return nil
	}, workerOpts("w1"), nil)

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, 3, calls)
	assert.EqualValues(t, 2, w.Processed())
	assert.EqualValues(t, 1, w.Failed())
}

func TestWorkerStopsWhenQueueRemoved(t *testing.T) {
	tree := newQueue(t, 5)
	master := attach(t, tree)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	w := NewWorker(attach(t, tree), func(ctx context.Context, _ []byte) error {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, workerOpts("w1"), nil)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	<-started
	require.NoError(t, master.ClearTimers())
	close(release)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after teardown")
	}
	assert.LessOrEqual(t, w.Processed(), int64(1))
}

func TestWorkerStopsWhenKickFails(t *testing.T) {
	tree := newQueue(t, 2)

	started := make(chan struct{})
	var once sync.Once
	w := NewWorker(attach(t, tree), func(ctx context.Context, _ []byte) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}, workerOpts("w1"), nil)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	<-started
	require.NoError(t, tree.Connect().Delete("/warden/timer-w1"))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after losing its timer")
	}
	assert.EqualValues(t, 1, w.Failed())
}

func TestWorkerContextCancel(t *testing.T) {
	tree := newQueue(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(attach(t, tree), func(ctx context.Context, _ []byte) error {
		cancel()
		return nil
	}, workerOpts("w1"), nil)

	require.NoError(t, w.Run(ctx))
	assert.EqualValues(t, 1, w.Processed())

	remaining, err := attach(t, tree).Count()
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}

func TestWorkerRegistrationFailure(t *testing.T) {
	tree := newQueue(t, 1)
	_, err := attach(t, tree).CreateTimer("w1", false)
	require.NoError(t, err)

	w := NewWorker(attach(t, tree), nil, workerOpts("w1"), nil)
	err = w.Run(context.Background())
	assert.ErrorIs(t, err, watchdog.ErrCreation)
}

func TestWorkerSequentialTimer(t *testing.T) {
	tree := newQueue(t, 1)
	opts := workerOpts("w1")
	opts.Sequential = true

	var registered []string
	w := NewWorker(attach(t, tree), func(context.Context, []byte) error {
		kids, err := tree.Connect().Children("/warden")
		require.NoError(t, err)
		registered = kids
		return nil
	}, opts, nil)

	require.NoError(t, w.Run(context.Background()))
	assert.Contains(t, registered, "timer-w1-0000000001")
}

func TestExecHandler(t *testing.T) {
	var stdout, stderr bytes.Buffer
	h := ExecHandler("cat; echo oops >&2", &stdout, &stderr)

	require.NoError(t, h(context.Background(), []byte("render frame 7\n")))
	assert.Equal(t, "render frame 7\n", stdout.String())
	assert.Equal(t, "oops\n", stderr.String())

	err := ExecHandler("exit 3", &stdout, &stderr)(context.Background(), nil)
	assert.Error(t, err)
}
