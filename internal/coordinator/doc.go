// Package coordinator implements the master's side of a warden run: the
// periodic scan of worker timers and queue length that decides when a run
// is finished and which workers have stalled.
//
// # Overview
//
// The watchdog protocol itself is synchronous and never schedules anything.
// The master needs a loop around it: scan the liveness registry, count what
// is left in the queue, report changes, and stop once there is nothing more
// to wait for. Monitor is that loop.
//
//	        ┌────────────────────────────┐
//	        │          Monitor           │
//	        │                            │
//	        │  every interval:           │
//	        │   ListTimers ─┐            │
//	        │   Count ──────┼─► Status   │
//	        │               └─► procs    │
//	        └─────┬──────────────┬───────┘
//	              │              │
//	       OnExpired(pid)   OnDrained()
//
// # Process Tracking
//
// Each worker is tracked by its process id across scans:
//
//	alive    timer present, age at or below the threshold
//	expired  timer present, age above the threshold
//	gone     timer no longer present (worker closed its session)
//
// An alive worker that is kicked again after expiring returns to alive. A
// worker that leaves stays in the map as gone so the master can report it.
//
// # Finish Condition
//
// A run is finished when no live timer remains and either the queue is empty
// or at least one timer is present and all of them are expired. A queue with
// items and no workers at all is not finished: workers may still be starting.
// OnDrained fires exactly once per Monitor.
//
// # Concurrency
//
// Start blocks and is meant to run on its own goroutine. Scan may also be
// called directly, which the tests and the status endpoint rely on. Callbacks
// run on fresh goroutines after the monitor's lock is released. Getters
// return copies.
//
// # Usage Example
//
//	monitor := coordinator.NewMonitor(session, cfg.Master.PollInterval, log)
//	monitor.SetOnExpired(func(pid string) {
//	    log.Warn("worker stalled", zap.String("process", pid))
//	})
//	done := make(chan struct{})
//	monitor.SetOnDrained(func() { close(done) })
//	go monitor.Start(ctx)
//	<-done
//	monitor.Stop()
//	session.ClearTimers()
//
// # See Also
//
//   - internal/watchdog: the protocol the monitor polls
//   - internal/cluster: the Status type the monitor publishes
//   - cmd/master: wires the monitor to the status endpoint
package coordinator
