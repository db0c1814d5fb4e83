package storage

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock shared by tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestMemoryTree tests the in-memory coordination tree
func TestMemoryTree(t *testing.T) {
	t.Run("new tree holds only root", func(t *testing.T) {
		tree := NewMemoryTree()
		conn := tree.Connect()
		defer conn.Close()

		children, err := conn.Children("/")
		if err != nil {
			t.Fatalf("Children(/) failed: %v", err)
		}
		if len(children) != 0 {
			t.Errorf("Expected no children, got %v", children)
		}

		stats := tree.Stats()
		if stats.Nodes != 1 || stats.Sessions != 1 {
			t.Errorf("Unexpected stats: %+v", stats)
		}
	})

	t.Run("create and get", func(t *testing.T) {
		tree := NewMemoryTree()
		conn := tree.Connect()

		p, err := conn.Create("/jobs", []byte("root"), 0)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if p != "/jobs" {
			t.Errorf("Expected path /jobs, got %s", p)
		}

		data, st, err := conn.Get("/jobs")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(data, []byte("root")) {
			t.Errorf("Expected 'root', got %s", data)
		}
		if st.Ephemeral {
			t.Error("Persistent node reported as ephemeral")
		}
	})

	t.Run("create existing path fails", func(t *testing.T) {
		tree := NewMemoryTree()
		conn := tree.Connect()

		if _, err := conn.Create("/jobs", nil, 0); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		_, err := conn.Create("/jobs", nil, 0)
		if !errors.Is(err, ErrNodeExists) {
			t.Errorf("Expected ErrNodeExists, got %v", err)
		}
	})

	t.Run("create without parent fails", func(t *testing.T) {
		tree := NewMemoryTree()
		conn := tree.Connect()

		_, err := conn.Create("/missing/child", nil, 0)
		if !errors.Is(err, ErrNoNode) {
			t.Errorf("Expected ErrNoNode, got %v", err)
		}
	})

	t.Run("invalid paths are rejected", func(t *testing.T) {
		tree := NewMemoryTree()
		conn := tree.Connect()

		for _, p := range []string{"", "jobs", "/jobs/", "/a//b", "/"} {
			if _, err := conn.Create(p, nil, 0); err == nil {
				t.Errorf("Create(%q) should fail", p)
			}
		}
	})

	t.Run("sequential names are unique and ordered", func(t *testing.T) {
		tree := NewMemoryTree()
		conn := tree.Connect()
		conn.Create("/jobs", nil, 0)

		var paths []string
		for i := 0; i < 5; i++ {
			p, err := conn.Create("/jobs/item-", []byte("x"), FlagSequential)
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			paths = append(paths, p)
		}

		if paths[0] != "/jobs/item-0000000000" {
			t.Errorf("Unexpected first sequential path %s", paths[0])
		}
		for i := 1; i < len(paths); i++ {
			if paths[i] <= paths[i-1] {
				t.Errorf("Sequential paths not increasing: %s <= %s", paths[i], paths[i-1])
			}
		}
	})

	t.Run("set bumps mtime and version", func(t *testing.T) {
		clock := newFakeClock()
		tree := NewMemoryTree(WithClock(clock.Now))
		conn := tree.Connect()
		conn.Create("/jobs", nil, 0)

		_, before, _ := conn.Exists("/jobs")
		clock.Advance(3 * time.Second)

		st, err := conn.Set("/jobs", []byte("v2"))
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if got := st.Mtime.Sub(before.Mtime); got != 3*time.Second {
			t.Errorf("Expected mtime to move 3s, moved %v", got)
		}
		if st.Version != 1 {
			t.Errorf("Expected version 1, got %d", st.Version)
		}
	})

	t.Run("set missing node fails", func(t *testing.T) {
		tree := NewMemoryTree()
		conn := tree.Connect()

		_, err := conn.Set("/nope", nil)
		if !errors.Is(err, ErrNoNode) {
			t.Errorf("Expected ErrNoNode, got %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		tree := NewMemoryTree()
		conn := tree.Connect()
		conn.Create("/jobs", nil, 0)
		conn.Create("/jobs/a", nil, 0)

		if err := conn.Delete("/jobs"); !errors.Is(err, ErrNotEmpty) {
			t.Errorf("Expected ErrNotEmpty, got %v", err)
		}
		if err := conn.Delete("/jobs/a"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := conn.Delete("/jobs/a"); !errors.Is(err, ErrNoNode) {
			t.Errorf("Expected ErrNoNode on second delete, got %v", err)
		}
		if err := conn.Delete("/jobs"); err != nil {
			t.Errorf("Delete of emptied parent failed: %v", err)
		}
	})

	t.Run("closed connection rejects operations", func(t *testing.T) {
		tree := NewMemoryTree()
		conn := tree.Connect()
		conn.Close()
		conn.Close()

		if _, err := conn.Create("/x", nil, 0); !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
		if _, _, err := conn.Exists("/"); !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
		if tree.Stats().Sessions != 0 {
			t.Error("Closed session still counted")
		}
	})
}

// TestEphemeralNodes tests connection-bound node lifetime
func TestEphemeralNodes(t *testing.T) {
	tree := NewMemoryTree()
	owner := tree.Connect()
	other := tree.Connect()
	defer other.Close()

	other.Create("/jobs", nil, 0)
	p, err := owner.Create("/jobs/timer-w1", []byte("w1"), FlagEphemeral)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := owner.Create(p+"/child", nil, 0); err == nil {
		t.Error("Ephemeral node accepted a child")
	}

	ok, st, _ := other.Exists(p)
	if !ok || !st.Ephemeral {
		t.Fatalf("Expected ephemeral node to exist, got ok=%v stat=%+v", ok, st)
	}

	owner.Close()

	ok, _, _ = other.Exists(p)
	if ok {
		t.Error("Ephemeral node survived its session")
	}
	ok, _, _ = other.Exists("/jobs")
	if !ok {
		t.Error("Persistent parent removed with session")
	}
}

// TestWatches tests one-shot watches registered by ExistsW
func TestWatches(t *testing.T) {
	t.Run("delete fires", func(t *testing.T) {
		tree := NewMemoryTree()
		conn := tree.Connect()
		conn.Create("/barrier", nil, 0)

		ok, _, w, err := conn.ExistsW("/barrier")
		if err != nil || !ok {
			t.Fatalf("ExistsW: ok=%v err=%v", ok, err)
		}

		go func() {
			time.Sleep(10 * time.Millisecond)
			tree.Connect().Delete("/barrier")
		}()

		if ev := w.Wait(time.Second); ev != EventDeleted {
			t.Errorf("Expected %s, got %s", EventDeleted, ev)
		}
	})

	t.Run("create and change fire", func(t *testing.T) {
		tree := NewMemoryTree()
		conn := tree.Connect()

		_, _, w, _ := conn.ExistsW("/n")
		conn.Create("/n", nil, 0)
		if ev := w.Wait(time.Second); ev != EventCreated {
			t.Errorf("Expected %s, got %s", EventCreated, ev)
		}

		_, _, w, _ = conn.ExistsW("/n")
		conn.Set("/n", []byte("x"))
		if ev := w.Wait(time.Second); ev != EventChanged {
			t.Errorf("Expected %s, got %s", EventChanged, ev)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		tree := NewMemoryTree()
		conn := tree.Connect()
		conn.Create("/barrier", nil, 0)

		_, _, w, _ := conn.ExistsW("/barrier")
		start := time.Now()
		if ev := w.Wait(50 * time.Millisecond); ev != EventTimedOut {
			t.Errorf("Expected %s, got %s", EventTimedOut, ev)
		}
		if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
			t.Errorf("Wait returned early after %v", elapsed)
		}
	})

	t.Run("one shot", func(t *testing.T) {
		tree := NewMemoryTree()
		conn := tree.Connect()
		conn.Create("/n", nil, 0)

		_, _, w, _ := conn.ExistsW("/n")
		conn.Set("/n", []byte("1"))
		conn.Set("/n", []byte("2"))

		if ev := w.Wait(time.Second); ev != EventChanged {
			t.Errorf("Expected %s, got %s", EventChanged, ev)
		}
		if ev := w.Wait(20 * time.Millisecond); ev != EventTimedOut {
			t.Errorf("Second Wait should time out, got %s", ev)
		}
	})

	t.Run("session close aborts watch", func(t *testing.T) {
		tree := NewMemoryTree()
		conn := tree.Connect()
		conn.Create("/barrier", nil, 0)

		_, _, w, _ := conn.ExistsW("/barrier")
		conn.Close()
		if ev := w.Wait(time.Second); ev != EventSession {
			t.Errorf("Expected %s, got %s", EventSession, ev)
		}
	})
}

// TestConcurrentDeletes verifies exactly one of many racing deletes succeeds
func TestConcurrentDeletes(t *testing.T) {
	tree := NewMemoryTree()
	setup := tree.Connect()
	setup.Create("/item", []byte("task"), 0)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := tree.Connect()
			defer conn.Close()
			if err := conn.Delete("/item"); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrNoNode) {
				t.Errorf("Unexpected delete error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("Expected exactly one successful delete, got %d", wins.Load())
	}
}

// TestGetReturnsCopy verifies callers cannot mutate stored payloads
func TestGetReturnsCopy(t *testing.T) {
	tree := NewMemoryTree()
	conn := tree.Connect()

	payload := []byte("original")
	conn.Create("/n", payload, 0)
	payload[0] = 'X'

	data, _, _ := conn.Get("/n")
	data[1] = 'Y'

	again, _, _ := conn.Get("/n")
	if string(again) != "original" {
		t.Errorf("Stored payload was modified: %s", again)
	}
}

func TestPathsAndStats(t *testing.T) {
	tree := NewMemoryTree()
	conn := tree.Connect()
	conn.Create("/a", []byte("12"), 0)
	conn.Create("/a/b", []byte("345"), FlagEphemeral)

	paths := tree.Paths()
	if strings.Join(paths, ",") != "/,/a,/a/b" {
		t.Errorf("Unexpected paths %v", paths)
	}

	stats := tree.Stats()
	if stats.Nodes != 3 || stats.Ephemeral != 1 || stats.Bytes != 5 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestValidatePathAndJoin(t *testing.T) {
	if JoinPath("/", "a") != "/a" || JoinPath("/a", "b") != "/a/b" {
		t.Error("JoinPath produced wrong path")
	}
	for _, p := range []string{"/", "/a", "/a/b-1"} {
		if err := ValidatePath(p); err != nil {
			t.Errorf("ValidatePath(%q) = %v", p, err)
		}
	}
	for _, p := range []string{"", "a", "/a/", "/a/../b"} {
		if err := ValidatePath(p); err == nil {
			t.Errorf("ValidatePath(%q) should fail", p)
		}
	}
}

func TestEventTypeString(t *testing.T) {
	if EventDeleted.String() != "deleted" || EventTimedOut.String() != "timed-out" {
		t.Error("Unexpected event names")
	}
	if EventType(99).String() != "unknown" {
		t.Error("Unmapped event should be unknown")
	}
	if !(FlagEphemeral | FlagSequential).Has(FlagSequential) || FlagEphemeral.Has(FlagSequential) {
		t.Error("Flags.Has is wrong")
	}
}
