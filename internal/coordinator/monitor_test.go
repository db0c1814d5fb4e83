package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/warden/internal/storage"
	"github.com/dreamware/warden/internal/watchdog"
)

// fakeSource serves scripted scan results.
type fakeSource struct {
	mu       sync.Mutex
	timers   []watchdog.TimerInfo
	queued   int
	listErr  error
	countErr error
	scans    int
}

func (f *fakeSource) Root() string             { return "/warden" }
func (f *fakeSource) Threshold() time.Duration { return 10 * time.Second }

func (f *fakeSource) ListTimers() ([]watchdog.TimerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]watchdog.TimerInfo(nil), f.timers...), nil
}

func (f *fakeSource) Count() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued, f.countErr
}

func (f *fakeSource) set(queued int, timers ...watchdog.TimerInfo) {
	f.mu.Lock()
	f.queued = queued
	f.timers = timers
	f.mu.Unlock()
}

func (f *fakeSource) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

func alive(pid string) watchdog.TimerInfo {
	return watchdog.TimerInfo{Name: "timer-" + pid, ProcessID: pid, Age: time.Second}
}

func expired(pid string) watchdog.TimerInfo {
	return watchdog.TimerInfo{Name: "timer-" + pid, ProcessID: pid, Age: time.Minute, Expired: true}
}

func TestNewMonitor(t *testing.T) {
	m := NewMonitor(&fakeSource{}, 5*time.Second, nil)
	defer m.Stop()

	assert.Equal(t, 5*time.Second, m.interval)
	assert.NotNil(t, m.log)
	assert.Empty(t, m.GetAllProcessHealth())
	assert.False(t, m.Drained())
}

func TestMonitorTracksProcesses(t *testing.T) {
	src := &fakeSource{}
	m := NewMonitor(src, time.Second, nil)

	src.set(3, alive("w1"), alive("w2"))
	m.Scan()

	st := m.Status()
	assert.Equal(t, "/warden", st.Root)
	assert.Equal(t, "10s", st.Threshold)
	assert.Equal(t, 3, st.QueueLength)
	assert.Equal(t, 2, st.Healthy)
	assert.Equal(t, 0, st.Expired)
	require.Len(t, st.Timers, 2)
	assert.Equal(t, "timer-w1", st.Timers[0].Node)

	h := m.GetProcessHealth("w1")
	require.NotNil(t, h)
	assert.Equal(t, StatusAlive, h.Status)
	assert.Equal(t, "timer-w1", h.Node)

	// w2 disconnects, w1 stalls
	src.set(2, expired("w1"))
	m.Scan()

	assert.Equal(t, StatusExpired, m.GetProcessHealth("w1").Status)
	assert.Equal(t, StatusGone, m.GetProcessHealth("w2").Status)
	assert.Equal(t, 1, m.Status().Gone)
	assert.Nil(t, m.GetProcessHealth("w3"))

	// w1 is kicked again
	src.set(2, alive("w1"))
	m.Scan()
	assert.Equal(t, StatusAlive, m.GetProcessHealth("w1").Status)
}

func TestMonitorOnExpiredFiresOncePerTransition(t *testing.T) {
	src := &fakeSource{}
	m := NewMonitor(src, time.Second, nil)

	calls := make(chan string, 10)
	m.SetOnExpired(func(pid string) { calls <- pid })

	src.set(1, alive("w1"), expired("w2"))
	m.Scan()
	m.Scan()

	select {
	case pid := <-calls:
		assert.Equal(t, "w2", pid)
	case <-time.After(time.Second):
		t.Fatal("expected expiry callback")
	}
	select {
	case pid := <-calls:
		t.Fatalf("unexpected second callback for %s", pid)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorDrained(t *testing.T) {
	tests := []struct {
		name   string
		before []watchdog.TimerInfo
		queued int
		timers []watchdog.TimerInfo
		want   bool
	}{
		{name: "waiting for workers", queued: 4, want: false},
		{name: "working", queued: 2, timers: []watchdog.TimerInfo{alive("w1")}, want: false},
		{name: "empty queue with live worker", queued: 0, timers: []watchdog.TimerInfo{alive("w1")}, want: false},
		{name: "empty queue all left", queued: 0, want: true},
		{name: "empty queue stalled worker", queued: 0, timers: []watchdog.TimerInfo{expired("w1")}, want: true},
		{name: "all workers stalled", queued: 5, timers: []watchdog.TimerInfo{expired("w1"), expired("w2")}, want: true},
		{name: "one of two stalled", queued: 5, timers: []watchdog.TimerInfo{alive("w1"), expired("w2")}, want: false},
		{name: "all workers crashed", before: []watchdog.TimerInfo{alive("w1"), alive("w2")}, queued: 3, want: true},
		{name: "one crashed one working", before: []watchdog.TimerInfo{alive("w1"), alive("w2")}, queued: 3, timers: []watchdog.TimerInfo{alive("w1")}, want: false},
		{name: "one crashed one stalled", before: []watchdog.TimerInfo{alive("w1"), alive("w2")}, queued: 3, timers: []watchdog.TimerInfo{expired("w1")}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{}
			m := NewMonitor(src, time.Second, nil)

			done := make(chan struct{}, 2)
			m.SetOnDrained(func() { done <- struct{}{} })

			if tt.before != nil {
				src.set(tt.queued, tt.before...)
				m.Scan()
				require.False(t, m.Drained())
			}
			src.set(tt.queued, tt.timers...)
			m.Scan()
			m.Scan()
			assert.Equal(t, tt.want, m.Drained())

			if tt.want {
				select {
				case <-done:
				case <-time.After(time.Second):
					t.Fatal("expected drained callback")
				}
			}
			select {
			case <-done:
				t.Fatal("drained callback fired more than expected")
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}

func TestMonitorScanErrorKeepsState(t *testing.T) {
	src := &fakeSource{}
	m := NewMonitor(src, time.Second, nil)

	src.set(2, alive("w1"))
	m.Scan()

	src.mu.Lock()
	src.listErr = watchdog.ErrNotFound
	src.mu.Unlock()
	m.Scan()

	assert.Equal(t, 1, m.Status().Healthy)
	assert.Equal(t, StatusAlive, m.GetProcessHealth("w1").Status)
	assert.False(t, m.Drained())

	src.mu.Lock()
	src.listErr = nil
	src.countErr = errors.New("connection lost")
	src.mu.Unlock()
	m.Scan()
	assert.Equal(t, 2, m.Status().QueueLength)
}

func TestMonitorStartStop(t *testing.T) {
	src := &fakeSource{}
	m := NewMonitor(src, 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	assert.Eventually(t, func() bool { return src.scanCount() >= 3 },
		time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestMonitorStartContextCancel(t *testing.T) {
	src := &fakeSource{}
	m := NewMonitor(src, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(returned)
	}()

	assert.Eventually(t, func() bool { return src.scanCount() == 1 },
		time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestMonitorCopiesAreIsolated(t *testing.T) {
	src := &fakeSource{}
	src.set(1, alive("w1"))
	m := NewMonitor(src, time.Second, nil)
	m.Scan()

	h := m.GetProcessHealth("w1")
	h.Status = StatusGone
	all := m.GetAllProcessHealth()
	all["w1"].Status = StatusGone
	st := m.Status()
	st.Timers[0].ProcessID = "changed"

	assert.Equal(t, StatusAlive, m.GetProcessHealth("w1").Status)
	assert.Equal(t, "w1", m.Status().Timers[0].ProcessID)
}

// TestMonitorOverSession runs the monitor against a real session on the
// in-memory tree.
func TestMonitorOverSession(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	tree := storage.NewMemoryTree(storage.WithClock(clock))
	cfg := watchdog.Config{Root: "/warden", Threshold: 10 * time.Second}

	master, err := watchdog.Create(tree.Connect(), cfg, [][]byte{[]byte("a")}, false, watchdog.WithClock(clock))
	require.NoError(t, err)

	conn := tree.Connect()
	worker, err := watchdog.Attach(conn, cfg, watchdog.WithClock(clock))
	require.NoError(t, err)
	_, err = worker.CreateTimer("w1", false)
	require.NoError(t, err)

	m := NewMonitor(master, time.Second, nil)
	m.Scan()
	assert.Equal(t, 1, m.Status().Healthy)
	assert.Equal(t, 1, m.Status().QueueLength)

	_, ok, err := worker.Consume()
	require.NoError(t, err)
	require.True(t, ok)
	advance(11 * time.Second)
	m.Scan()
	assert.Equal(t, StatusExpired, m.GetProcessHealth("w1").Status)
	assert.True(t, m.Drained())

	conn.Close()
	m.Scan()
	assert.Equal(t, StatusGone, m.GetProcessHealth("w1").Status)
}
