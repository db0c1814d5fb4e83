// Package coordinator provides the master-side scheduling around a watchdog
// session. This file implements the monitor that polls worker timers and
// queue length.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/warden/internal/cluster"
	"github.com/dreamware/warden/internal/watchdog"
)

// Process states tracked by the monitor.
const (
	StatusAlive   = "alive"
	StatusExpired = "expired"
	StatusGone    = "gone"
)

// Source is the part of a watchdog session the monitor reads.
type Source interface {
	Root() string
	Threshold() time.Duration
	ListTimers() ([]watchdog.TimerInfo, error)
	Count() (int, error)
}

// ProcessHealth tracks the liveness of one worker process across scans.
// Thread-safe: Protected by Monitor's mutex when accessed.
type ProcessHealth struct {
	FirstSeen time.Time     // First scan that saw the process
	LastSeen  time.Time     // Last scan that saw the process
	ProcessID string        // Worker process id
	Node      string        // Timer node name
	Status    string        // "alive", "expired" or "gone"
	Age       time.Duration // Liveness age at the last scan
}

// Monitor periodically scans a session's timers and queue length.
// It tracks each worker's status, reports newly expired workers and
// signals once when the run is finished.
// Thread-safe: All methods are safe for concurrent access.
type Monitor struct {
	source    Source
	log       *zap.Logger
	now       func() time.Time
	onExpired func(processID string) // Callback when a worker stalls
	onDrained func()                 // Callback when the run is finished
	ctx       context.Context
	cancel    context.CancelFunc
	procs     map[string]*ProcessHealth
	last      cluster.Status
	interval  time.Duration
	mu        sync.RWMutex
	wg        sync.WaitGroup
	drained   bool
}

// NewMonitor creates a monitor that scans source every interval.
//
// Example:
//
//	monitor := NewMonitor(session, 5*time.Second, log)
//	monitor.SetOnDrained(func() { close(done) })
//	go monitor.Start(ctx)
func NewMonitor(source Source, interval time.Duration, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		source:   source,
		log:      log,
		now:      time.Now,
		interval: interval,
		procs:    make(map[string]*ProcessHealth),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetOnExpired sets the callback invoked when a worker's timer first crosses
// the threshold. It runs on its own goroutine.
func (m *Monitor) SetOnExpired(callback func(processID string)) {
	m.mu.Lock()
	m.onExpired = callback
	m.mu.Unlock()
}

// SetOnDrained sets the callback invoked once the queue is empty and no
// live worker remains, or every remaining worker has stalled.
// It runs on its own goroutine.
func (m *Monitor) SetOnDrained(callback func()) {
	m.mu.Lock()
	m.onDrained = callback
	m.mu.Unlock()
}

// Start scans immediately and then once per interval until ctx is
// canceled or Stop is called. It blocks.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	if ctx == nil {
		ctx = m.ctx
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("monitor started",
		zap.String("root", m.source.Root()),
		zap.Duration("interval", m.interval))

	m.Scan()

	for {
		select {
		case <-ticker.C:
			m.Scan()
		case <-ctx.Done():
			m.log.Info("monitor stopping", zap.String("reason", "context canceled"))
			return
		case <-m.ctx.Done():
			m.log.Info("monitor stopping", zap.String("reason", "stopped"))
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Scan performs one pass over the timers and the queue. Scan errors are
// logged and leave the previous state in place.
func (m *Monitor) Scan() {
	timers, err := m.source.ListTimers()
	if err != nil {
		m.log.Warn("timer scan failed", zap.Error(err))
		return
	}
	queued, err := m.source.Count()
	if err != nil {
		m.log.Warn("queue count failed", zap.Error(err))
		return
	}

	now := m.now()
	status := cluster.Status{
		Root:        m.source.Root(),
		Threshold:   m.source.Threshold().String(),
		QueueLength: queued,
		Timers:      make([]cluster.TimerStatus, 0, len(timers)),
		CheckedAt:   now,
	}

	m.mu.Lock()
	seen := make(map[string]bool, len(timers))
	var newlyExpired []string
	for _, ti := range timers {
		seen[ti.ProcessID] = true
		state := StatusAlive
		if ti.Expired {
			state = StatusExpired
			status.Expired++
		} else {
			status.Healthy++
		}
		status.Timers = append(status.Timers, cluster.TimerStatus{
			Node:      ti.Name,
			ProcessID: ti.ProcessID,
			Age:       ti.Age.String(),
			Expired:   ti.Expired,
		})

		p, ok := m.procs[ti.ProcessID]
		if !ok {
			p = &ProcessHealth{ProcessID: ti.ProcessID, FirstSeen: now}
			m.procs[ti.ProcessID] = p
			m.log.Info("worker registered",
				zap.String("process", ti.ProcessID),
				zap.String("node", ti.Name))
		}
		if state == StatusExpired && p.Status != StatusExpired {
			newlyExpired = append(newlyExpired, ti.ProcessID)
			m.log.Warn("worker timer expired",
				zap.String("process", ti.ProcessID),
				zap.Duration("age", ti.Age),
				zap.Duration("threshold", m.source.Threshold()))
		} else if state == StatusAlive && p.Status == StatusExpired {
			m.log.Info("worker recovered", zap.String("process", ti.ProcessID))
		}
		p.Node = ti.Name
		p.Status = state
		p.Age = ti.Age
		p.LastSeen = now
	}

	for id, p := range m.procs {
		if seen[id] {
			continue
		}
		if p.Status != StatusGone {
			p.Status = StatusGone
			m.log.Info("worker left", zap.String("process", id))
		}
		status.Gone++
	}

	m.last = status
	finished := !m.drained && isFinished(status)
	if finished {
		m.drained = true
		m.log.Info("run finished",
			zap.Int("queue", status.QueueLength),
			zap.Int("expired", status.Expired),
			zap.Int("gone", status.Gone))
	}
	onExpired, onDrained := m.onExpired, m.onDrained
	m.mu.Unlock()

	if onExpired != nil {
		for _, id := range newlyExpired {
			go onExpired(id)
		}
	}
	if finished && onDrained != nil {
		go onDrained()
	}
}

// isFinished reports whether the master can tear the tree down. No healthy
// timer may remain, and either the queue is empty or at least one worker has
// been seen and every one of them has stalled or left. A queue that no worker
// has ever touched keeps the master waiting.
func isFinished(s cluster.Status) bool {
	if s.Healthy > 0 {
		return false
	}
	return s.QueueLength == 0 || s.Expired > 0 || s.Gone > 0
}

// Status returns the result of the last successful scan.
func (m *Monitor) Status() cluster.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.last
	s.Timers = append([]cluster.TimerStatus(nil), m.last.Timers...)
	return s
}

// Drained reports whether the finish condition has been reached.
func (m *Monitor) Drained() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drained
}

// GetProcessHealth returns a copy of the tracked state of one process,
// or nil if the monitor has never seen it.
func (m *Monitor) GetProcessHealth(processID string) *ProcessHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.procs[processID]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// GetAllProcessHealth returns copies of every tracked process keyed by id.
func (m *Monitor) GetAllProcessHealth() map[string]*ProcessHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*ProcessHealth, len(m.procs))
	for id, p := range m.procs {
		cp := *p
		result[id] = &cp
	}
	return result
}
