package watchdog

import "errors"

// Sentinel errors returned by protocol operations.
// Races the protocol tolerates (a lost delete, a node vanishing during a
// scan) never surface as errors.
var (
	// ErrAlreadyExists is returned by create mode when the root is already present.
	ErrAlreadyExists = errors.New("coordination root already exists")

	// ErrNotFound is returned by attach mode when the root is absent.
	ErrNotFound = errors.New("coordination root not found")

	// ErrCreation wraps any node creation the coordination service rejected.
	ErrCreation = errors.New("node creation failed")

	// ErrInvalidConfig is returned for a malformed root path or threshold.
	ErrInvalidConfig = errors.New("invalid session config")

	// ErrInvalidProcessID is returned when a process id cannot be used in a node name.
	ErrInvalidProcessID = errors.New("invalid process id")
)
