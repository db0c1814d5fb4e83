package watchdog

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/warden/internal/storage"
)

// ClearTimers deletes every child of the root and then the root.
//
// It is not transactional: the first failure stops the sweep and is
// returned, leaving the tree partly cleared. Children that disappear on
// their own during the sweep (a worker disconnecting, say) are skipped.
func (s *Session) ClearTimers() error {
	children, err := s.childrenWithPrefix("")
	if err != nil {
		return err
	}

	for _, name := range children {
		err := s.client.Delete(s.path(name))
		if err != nil && !errors.Is(err, storage.ErrNoNode) {
			return fmt.Errorf("delete %s: %w", s.path(name), err)
		}
	}

	if err := s.client.Delete(s.root); err != nil {
		return fmt.Errorf("delete %s: %w", s.root, err)
	}

	s.log.Info("cleared coordination root", zap.Int("children", len(children)))
	return nil
}
