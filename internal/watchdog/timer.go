package watchdog

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamware/warden/internal/storage"
)

// Timer is a worker's registered liveness node.
type Timer struct {
	session   *Session
	path      string
	processID string
	seq       int64
}

// Path returns the timer node's full path.
func (t *Timer) Path() string { return t.path }

// ProcessID returns the id stored as the timer's payload.
func (t *Timer) ProcessID() string { return t.processID }

// Seq returns the service-assigned sequence number, or -1 for a
// non-sequential timer.
func (t *Timer) Seq() int64 { return t.seq }

// CreateTimer registers an ephemeral liveness node for processID under the
// root and then clears the start barrier.
//
// The node is named "timer-<processID>", with a "-<seq>" suffix when
// sequential is set. Creation failures are returned wrapped in ErrCreation
// and never retried. Clearing the barrier is best-effort: only the first
// registrant actually deletes it, and every other outcome is ignored.
//
// Parameters:
//   - processID: non-empty id without '/', stored as the timer's payload
//   - sequential: append a service-assigned sequence number to the name
//
// Returns:
//   - the registered Timer, to be kicked more often than the threshold
//   - ErrInvalidProcessID for an unusable id
//   - ErrCreation when the node could not be created; a node whose sequence
//     suffix cannot be read is removed again
//
// Example:
//
//	timer, err := session.CreateTimer("render-7", false)
//	if err != nil {
//	    return err
//	}
//	defer client.Close() // drops the ephemeral timer
func (s *Session) CreateTimer(processID string, sequential bool) (*Timer, error) {
	if processID == "" || strings.ContainsRune(processID, '/') {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProcessID, processID)
	}

	name := timerPrefix + processID
	flags := storage.FlagEphemeral
	if sequential {
		name += "-"
		flags |= storage.FlagSequential
	}

	created, err := s.client.Create(s.path(name), []byte(processID), flags)
	if err != nil {
		return nil, fmt.Errorf("%w: timer for %s: %w", ErrCreation, processID, err)
	}

	t := &Timer{session: s, path: created, processID: processID, seq: -1}
	if sequential {
		seq, err := parseSeq(path.Base(created), name)
		if err != nil {
			if delErr := s.client.Delete(created); delErr != nil && !errors.Is(delErr, storage.ErrNoNode) {
				s.log.Warn("could not remove unusable timer",
					zap.String("path", created),
					zap.Error(delErr))
			}
			return nil, fmt.Errorf("%w: timer for %s: %w", ErrCreation, processID, err)
		}
		t.seq = seq
	}

	s.log.Info("registered timer",
		zap.String("process_id", processID),
		zap.String("path", created))

	s.clearBarrier()
	return t, nil
}

// clearBarrier deletes the barrier if present. Absence, or losing the
// delete to another registrant, is the expected case for all but one worker.
func (s *Session) clearBarrier() {
	ok, _, err := s.client.Exists(s.barrierPath())
	if err != nil || !ok {
		return
	}
	if err := s.client.Delete(s.barrierPath()); err != nil {
		s.log.Debug("barrier already cleared", zap.Error(err))
		return
	}
	s.log.Info("cleared start barrier")
}

func parseSeq(name, prefix string) (int64, error) {
	suffix := strings.TrimPrefix(name, prefix)
	seq, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sequence from %q: %w", name, err)
	}
	return seq, nil
}

// Kick refreshes the timer's modification time by rewriting its payload.
//
// A false return almost always means the node is gone because the master
// tore the registry down; the worker should stop rather than retry.
func (t *Timer) Kick() bool {
	if _, err := t.session.client.Set(t.path, []byte(t.processID)); err != nil {
		t.session.log.Debug("kick failed",
			zap.String("process_id", t.processID),
			zap.Error(err))
		return false
	}
	return true
}
