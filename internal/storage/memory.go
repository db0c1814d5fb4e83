package storage

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"
)

// TreeStats contains statistics about a MemoryTree
type TreeStats struct {
	Nodes     int // Number of nodes, including "/"
	Ephemeral int // Number of ephemeral nodes
	Bytes     int // Total size of all payloads in bytes
	Sessions  int // Number of open connections
}

// MemoryOption configures a MemoryTree
type MemoryOption func(*MemoryTree)

// WithClock replaces the tree's clock, which stamps Ctime and Mtime.
// Tests share one fake clock between the tree and its callers.
func WithClock(now func() time.Time) MemoryOption {
	return func(t *MemoryTree) {
		t.now = now
	}
}

// znode is one node of the in-memory tree
type znode struct {
	children map[string]struct{}
	data     []byte
	stat     Stat
	owner    int64 // Session id for ephemeral nodes, 0 otherwise
	seq      int64 // Next sequential suffix handed to a child
}

// MemoryTree is an in-process coordination tree.
// It plays the service role: every mutation happens under one mutex,
// so single-node operations are linearizable and concurrent deletes of
// the same path resolve to exactly one success.
// Clients talk to it through connections obtained from Connect.
type MemoryTree struct {
	nodes    map[string]*znode       // Absolute path -> node
	watches  map[string][]*memWatch  // Absolute path -> pending one-shot watches
	sessions map[int64]*MemoryConn   // Open connections
	now      func() time.Time        // Service clock
	mu       sync.RWMutex            // Protects everything above
	nextID   atomic.Int64            // Session id allocator
}

// NewMemoryTree creates a tree holding only the "/" node
func NewMemoryTree(opts ...MemoryOption) *MemoryTree {
	t := &MemoryTree{
		nodes:    make(map[string]*znode),
		watches:  make(map[string][]*memWatch),
		sessions: make(map[int64]*MemoryConn),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	now := t.now()
	t.nodes["/"] = &znode{
		children: make(map[string]struct{}),
		stat:     Stat{Ctime: now, Mtime: now},
	}
	return t
}

// Connect opens a new client connection (session) to the tree.
// Ephemeral nodes created through it vanish when it is closed.
func (t *MemoryTree) Connect() *MemoryConn {
	c := &MemoryConn{tree: t, id: t.nextID.Add(1)}
	t.mu.Lock()
	t.sessions[c.id] = c
	t.mu.Unlock()
	return c
}

// Stats returns tree statistics
func (t *MemoryTree) Stats() TreeStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := TreeStats{Nodes: len(t.nodes), Sessions: len(t.sessions)}
	for _, n := range t.nodes {
		stats.Bytes += len(n.data)
		if n.owner != 0 {
			stats.Ephemeral++
		}
	}
	return stats
}

// Paths returns every node path in the tree, "/" included, sorted.
func (t *MemoryTree) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedKeys(t.nodes)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func parentOf(p string) (string, string) {
	i := strings.LastIndexByte(p, '/')
	if i == 0 {
		return "/", p[1:]
	}
	return p[:i], p[i+1:]
}

// fire delivers ev to every watch pending on p and drops them.
// Caller must hold t.mu.
func (t *MemoryTree) fire(p string, ev EventType) {
	for _, w := range t.watches[p] {
		w.deliver(ev)
	}
	delete(t.watches, p)
}

func (t *MemoryTree) create(owner int64, p string, data []byte, flags Flags) (string, error) {
	if err := ValidatePath(p); err != nil || p == "/" {
		return "", fmt.Errorf("create %q: invalid path", p)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	parentPath, name := parentOf(p)
	parent, ok := t.nodes[parentPath]
	if !ok {
		return "", ErrNoNode
	}
	if parent.owner != 0 {
		return "", fmt.Errorf("create %q: ephemeral nodes cannot have children", p)
	}
	if flags.Has(FlagSequential) {
		name = fmt.Sprintf("%s%010d", name, parent.seq)
		parent.seq++
		p = JoinPath(parentPath, name)
	}
	if _, exists := t.nodes[p]; exists {
		return "", ErrNodeExists
	}

	now := t.now()
	n := &znode{
		children: make(map[string]struct{}),
		data:     append([]byte(nil), data...),
		stat:     Stat{Ctime: now, Mtime: now, Ephemeral: flags.Has(FlagEphemeral)},
	}
	if flags.Has(FlagEphemeral) {
		n.owner = owner
	}
	t.nodes[p] = n
	parent.children[name] = struct{}{}
	parent.stat.NumChildren = int32(len(parent.children))

	t.fire(p, EventCreated)
	return p, nil
}

func (t *MemoryTree) exists(p string) (bool, *Stat) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[p]
	if !ok {
		return false, nil
	}
	st := n.stat
	return true, &st
}

func (t *MemoryTree) existsW(c *MemoryConn, p string) (bool, *Stat, Watch) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := newMemWatch(c.id)
	t.watches[p] = append(t.watches[p], w)

	n, ok := t.nodes[p]
	if !ok {
		return false, nil, w
	}
	st := n.stat
	return true, &st, w
}

func (t *MemoryTree) get(p string) ([]byte, *Stat, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[p]
	if !ok {
		return nil, nil, ErrNoNode
	}
	// Return a copy to prevent external modification
	data := make([]byte, len(n.data))
	copy(data, n.data)
	st := n.stat
	return data, &st, nil
}

func (t *MemoryTree) set(p string, data []byte) (*Stat, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[p]
	if !ok {
		return nil, ErrNoNode
	}
	n.data = append([]byte(nil), data...)
	n.stat.Mtime = t.now()
	n.stat.Version++

	t.fire(p, EventChanged)
	st := n.stat
	return &st, nil
}

// remove deletes p. Caller must hold t.mu.
func (t *MemoryTree) remove(p string) error {
	n, ok := t.nodes[p]
	if !ok {
		return ErrNoNode
	}
	if len(n.children) > 0 {
		return ErrNotEmpty
	}
	delete(t.nodes, p)

	parentPath, name := parentOf(p)
	if parent, ok := t.nodes[parentPath]; ok {
		delete(parent.children, name)
		parent.stat.NumChildren = int32(len(parent.children))
	}

	t.fire(p, EventDeleted)
	return nil
}

func (t *MemoryTree) delete(p string) error {
	if p == "/" {
		return fmt.Errorf("delete %q: invalid path", p)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remove(p)
}

func (t *MemoryTree) children(p string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[p]
	if !ok {
		return nil, ErrNoNode
	}
	return sortedKeys(n.children), nil
}

// closeSession drops the session's ephemeral nodes and aborts its watches.
func (t *MemoryTree) closeSession(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.sessions, id)

	for p, n := range t.nodes {
		if n.owner == id {
			// Ephemeral nodes cannot have children, so remove never fails here
			_ = t.remove(p)
		}
	}

	for p, ws := range t.watches {
		kept := ws[:0]
		for _, w := range ws {
			if w.owner == id {
				w.deliver(EventSession)
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) == 0 {
			delete(t.watches, p)
		} else {
			t.watches[p] = kept
		}
	}
}

// memWatch is a one-shot watch on a MemoryTree path
type memWatch struct {
	ch    chan EventType
	once  sync.Once
	owner int64
}

func newMemWatch(owner int64) *memWatch {
	return &memWatch{ch: make(chan EventType, 1), owner: owner}
}

func (w *memWatch) deliver(ev EventType) {
	w.once.Do(func() {
		w.ch <- ev
	})
}

// Wait blocks until the watch fires or timeout elapses
func (w *memWatch) Wait(timeout time.Duration) EventType {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-w.ch:
		return ev
	case <-timer.C:
		return EventTimedOut
	}
}

// MemoryConn is one client connection to a MemoryTree.
// It implements Client.
type MemoryConn struct {
	tree   *MemoryTree
	id     int64
	closed atomic.Bool
}

var _ Client = (*MemoryConn)(nil)

// SessionID returns the id ephemeral nodes created by this connection carry
func (c *MemoryConn) SessionID() int64 {
	return c.id
}

// Close ends the session: its ephemeral nodes are deleted and its
// pending watches receive EventSession. Close is idempotent.
func (c *MemoryConn) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.tree.closeSession(c.id)
}

// Create makes a node; see Client
func (c *MemoryConn) Create(path string, data []byte, flags Flags) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	return c.tree.create(c.id, path, data, flags)
}

// Exists reports whether path exists; see Client
func (c *MemoryConn) Exists(path string) (bool, *Stat, error) {
	if c.closed.Load() {
		return false, nil, ErrClosed
	}
	ok, st := c.tree.exists(path)
	return ok, st, nil
}

// ExistsW reports whether path exists and leaves a watch on it; see Client
func (c *MemoryConn) ExistsW(path string) (bool, *Stat, Watch, error) {
	if c.closed.Load() {
		return false, nil, nil, ErrClosed
	}
	ok, st, w := c.tree.existsW(c, path)
	return ok, st, w, nil
}

// Get returns the node payload; see Client
func (c *MemoryConn) Get(path string) ([]byte, *Stat, error) {
	if c.closed.Load() {
		return nil, nil, ErrClosed
	}
	return c.tree.get(path)
}

// Set overwrites the node payload; see Client
func (c *MemoryConn) Set(path string, data []byte) (*Stat, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.tree.set(path, data)
}

// Delete removes a node; see Client
func (c *MemoryConn) Delete(path string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.tree.delete(path)
}

// Children lists child names; see Client
func (c *MemoryConn) Children(path string) ([]string, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.tree.children(path)
}
