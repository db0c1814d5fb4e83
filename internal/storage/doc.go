// Package storage defines the contract warden needs from a coordination tree
// and provides an in-process implementation of it, so the protocol layer can
// run against ZooKeeper in production and against memory in tests.
//
// # Overview
//
// A coordination tree is a hierarchical namespace of nodes. Each node has a
// payload, service-maintained metadata (Stat) and zero or more children.
// Everything the protocol knows about masters, workers and tasks lives in
// such a tree; this package says which primitive operations the tree must
// offer and what they guarantee.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│         watchdog protocol           │
//	│  (queue, timers, barrier, scanner)  │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          storage.Client             │
//	│ Create/Exists/ExistsW/Get/Set/      │
//	│ Delete/Children, Watch.Wait         │
//	└─────────────────────────────────────┘
//	         │                  │
//	         ▼                  ▼
//	┌────────────────┐  ┌────────────────┐
//	│  MemoryConn    │  │ zkconn.Client  │
//	│  (MemoryTree)  │  │  (ZooKeeper)   │
//	└────────────────┘  └────────────────┘
//
// # Node Kinds
//
// Persistent: lives until deleted.
//
// Ephemeral (FlagEphemeral): lives until deleted or until the connection
// that created it closes. Ephemeral nodes cannot have children.
//
// Sequential (FlagSequential): the service appends a ten digit, monotonically
// increasing suffix to the requested name. The counter belongs to the parent
// node, so names under one parent are unique and creation ordered.
//
// # Guarantees
//
// Every single-node operation is atomic. Concurrent deletes of the same path
// resolve to exactly one success; losers receive ErrNoNode. Multi-step
// sequences such as list-then-delete are not atomic and callers must
// tolerate the races that follow.
//
// ExistsW registers its watch in the same step as the existence check, so an
// event that happens after the check is never missed. Watches are one-shot:
// each delivers at most one event.
//
// Stat.Mtime is stamped by the service clock. Liveness decisions compare
// against it rather than against any client-side timestamp.
//
// # MemoryTree
//
// MemoryTree keeps all nodes in a map guarded by a single RWMutex. That
// single lock is what makes it linearizable. Connect hands out MemoryConn
// values, one per simulated client session; closing a MemoryConn removes its
// ephemeral nodes (firing EventDeleted on watchers) and aborts its pending
// watches with EventSession. WithClock injects a clock so tests can age
// nodes without sleeping.
//
// # Error Handling
//
// ErrNoNode: target node (or the parent of a node being created) is absent
//
// ErrNodeExists: non-sequential create on a taken path
//
// ErrNotEmpty: delete of a node with children
//
// ErrClosed: operation on a closed connection
//
// # Usage Examples
//
//	tree := storage.NewMemoryTree()
//	conn := tree.Connect()
//	defer conn.Close()
//
//	p, err := conn.Create("/jobs/item-", []byte("payload"), storage.FlagSequential)
//	if errors.Is(err, storage.ErrNoNode) {
//	    // parent is missing
//	}
//
//	ok, _, watch, _ := conn.ExistsW("/jobs/barrier")
//	if ok && watch.Wait(5*time.Second) == storage.EventDeleted {
//	    // barrier cleared
//	}
package storage
