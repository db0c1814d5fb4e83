package watchdog

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/warden/internal/storage"
)

// WaitSync blocks until the start barrier is gone or timeout elapses.
//
// The existence check and the watch are registered in one call, so a
// worker clearing the barrier between the two can't be missed. If the
// barrier is already absent WaitSync returns true at once. Only a
// delete event counts as success; a timeout or any other event returns
// false.
//
// Parameters:
//   - timeout: how long to wait for the first worker to register
//
// Returns:
//   - true when the barrier was deleted or never existed
//   - false on timeout or an unrelated watch event
//   - an error when the watch could not be set
//
// Example:
//
//	started, err := session.WaitSync(30 * time.Second)
//	if err != nil {
//	    return err
//	}
//	if !started {
//	    log.Warn("no worker registered before the barrier timeout")
//	}
func (s *Session) WaitSync(timeout time.Duration) (bool, error) {
	ok, _, watch, err := s.client.ExistsW(s.barrierPath())
	if err != nil {
		return false, fmt.Errorf("watch barrier %s: %w", s.barrierPath(), err)
	}
	if !ok {
		return true, nil
	}

	ev := watch.Wait(timeout)
	if ev == storage.EventDeleted {
		return true, nil
	}
	s.log.Warn("start barrier not cleared",
		zap.Duration("timeout", timeout),
		zap.Stringer("event", ev))
	return false, nil
}
