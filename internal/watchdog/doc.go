// Package watchdog implements warden's coordination protocol: a one-shot
// start barrier, an at-most-once work queue and a liveness registry, all
// built from nodes in a shared coordination tree (see package storage).
//
// # Overview
//
// A master creates a root node, fills it with queue items and, optionally,
// a barrier. Workers attach to the root, register an ephemeral timer (which
// clears the barrier), claim tasks and keep their timer fresh. The master
// watches the barrier, polls queue length and timer ages, and finally tears
// the root down.
//
//	/warden                     root, persistent
//	├── barrier                 persistent, removed by the first worker
//	├── item-0000000000         persistent sequential, payload = task
//	├── item-0000000001
//	├── timer-w1                ephemeral, payload = process id
//	└── timer-w2-0000000005     ephemeral sequential
//
// # Operations
//
// Session: Open (ModeCreate/ModeAttach), Create, Attach, Enqueue
//
// QueueConsumer: Consume, Count
//
// TimerRegistrar: CreateTimer, Timer.Kick
//
// BarrierSync: WaitSync
//
// LivenessScanner: ListTimers, CheckTimers, GetTimers
//
// Teardown: ClearTimers
//
// # Races
//
// Concurrent consumers and workers are the normal case. The protocol never
// locks; it relies on the tree's atomic single-node operations:
//   - Consume reads then deletes; whoever deletes owns the task, losers move on
//   - CreateTimer deletes the barrier; only one registrant's delete succeeds
//   - ListTimers stats nodes it listed; nodes gone by then are skipped
//
// None of these races are reported as errors.
//
// # Liveness
//
// A timer's age is the local wall clock minus the Mtime the coordination
// service recorded on its last write. Kick rewrites the payload to move
// Mtime forward. Ephemeral nodes disappear when a worker's connection
// dies, so a crashed worker drops out of the scan on its own; a hung but
// connected worker shows up as expired once its age passes the threshold.
//
// # Scheduling
//
// Nothing in this package runs in the background. Callers decide how often
// to Kick and to scan; WaitSync is the only call that blocks for a caller
// chosen duration.
package watchdog
