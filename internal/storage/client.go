package storage

import (
	"errors"
	"path"
	"strings"
	"time"
)

// Errors returned by Client implementations.
// Adapters translate their backend's errors into these so callers can use errors.Is.
var (
	// ErrNoNode is returned when the target node (or the parent of a node being created) doesn't exist
	ErrNoNode = errors.New("node does not exist")

	// ErrNodeExists is returned when creating a non-sequential node whose path is taken
	ErrNodeExists = errors.New("node already exists")

	// ErrNotEmpty is returned when deleting a node that still has children
	ErrNotEmpty = errors.New("node has children")

	// ErrClosed is returned for any operation on a closed connection
	ErrClosed = errors.New("connection closed")
)

// Flags select the kind of node Create makes.
type Flags int32

const (
	// FlagEphemeral binds the node's lifetime to the creating connection.
	FlagEphemeral Flags = 1 << iota
	// FlagSequential appends a service-assigned, monotonically increasing suffix to the path.
	FlagSequential
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// EventType names the kind of event a one-shot watch delivered.
type EventType int

const (
	// EventUnknown is reported for backend events with no mapping.
	EventUnknown EventType = iota
	// EventCreated fires when the watched node is created.
	EventCreated
	// EventDeleted fires when the watched node is deleted.
	EventDeleted
	// EventChanged fires when the watched node's payload changes.
	EventChanged
	// EventChildrenChanged fires when the watched node gains or loses children.
	EventChildrenChanged
	// EventTimedOut is reported by Watch.Wait when nothing fired in time.
	EventTimedOut
	// EventSession is reported when the connection itself changed state
	// (disconnect, expiry) and the watch will never fire normally.
	EventSession
)

var eventNames = map[EventType]string{
	EventUnknown:         "unknown",
	EventCreated:         "created",
	EventDeleted:         "deleted",
	EventChanged:         "changed",
	EventChildrenChanged: "children-changed",
	EventTimedOut:        "timed-out",
	EventSession:         "session",
}

// String returns the event name used in logs.
func (e EventType) String() string {
	if s, ok := eventNames[e]; ok {
		return s
	}
	return "unknown"
}

// Stat is the metadata the coordination service keeps for a node.
// Mtime is the service's clock, not the caller's.
type Stat struct {
	Ctime       time.Time // When the node was created
	Mtime       time.Time // When the payload was last written
	Version     int32     // Number of payload writes since creation
	NumChildren int32     // Immediate children count
	Ephemeral   bool      // Bound to a connection
}

// Watch is a one-shot subscription registered by ExistsW.
type Watch interface {
	// Wait blocks until the watch fires or timeout elapses.
	// It returns EventTimedOut when the timeout wins.
	// A watch delivers at most one event; later calls return EventTimedOut after timeout.
	Wait(timeout time.Duration) EventType
}

// Client is the set of primitives the coordination tree must expose.
// All implementations must be safe for concurrent use, and every
// single-node mutation must be atomic at the service.
type Client interface {
	// Create makes a node and returns its final path.
	// With FlagSequential the returned path carries the assigned suffix.
	// Returns ErrNodeExists if a non-sequential path is taken and
	// ErrNoNode if the parent doesn't exist.
	Create(path string, data []byte, flags Flags) (string, error)

	// Exists reports whether path exists; stat is nil when it doesn't.
	Exists(path string) (bool, *Stat, error)

	// ExistsW is Exists with a one-shot watch registered in the same call,
	// so no event after the check can be missed.
	ExistsW(path string) (bool, *Stat, Watch, error)

	// Get returns the node payload.
	// Returns ErrNoNode if the node doesn't exist.
	Get(path string) ([]byte, *Stat, error)

	// Set overwrites the payload and bumps the modification time.
	// Returns ErrNoNode if the node doesn't exist.
	Set(path string, data []byte) (*Stat, error)

	// Delete removes the node.
	// Concurrent deletes of one path resolve to exactly one success;
	// the rest get ErrNoNode.
	Delete(path string) error

	// Children returns the immediate child names of path.
	// Order is not guaranteed.
	Children(path string) ([]string, error)
}

// JoinPath joins a parent path and a child name into an absolute node path.
func JoinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// ValidatePath checks that p is an absolute, clean node path.
// The root "/" is valid.
func ValidatePath(p string) error {
	if p == "" || p[0] != '/' {
		return errors.New("path must start with '/'")
	}
	if p != "/" && (strings.HasSuffix(p, "/") || path.Clean(p) != p) {
		return errors.New("path must be clean and must not end with '/'")
	}
	return nil
}
