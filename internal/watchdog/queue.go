package watchdog

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamware/warden/internal/storage"
)

// Enqueue adds one sequential queue item per payload, in order.
// The root must already exist.
func (s *Session) Enqueue(items ...[]byte) error {
	for i, item := range items {
		if _, err := s.client.Create(s.path(itemPrefix), item, storage.FlagSequential); err != nil {
			return fmt.Errorf("%w: queue item %d of %d: %w", ErrCreation, i+1, len(items), err)
		}
	}
	return nil
}

// Consume claims one task from the queue.
//
// Candidates are tried in listing order: the payload is read, then the node
// is deleted. The consumer whose delete succeeds owns the task. A read or
// delete that finds the node missing means another consumer got there
// first, so the next candidate is tried. When nothing can be claimed Consume
// returns (nil, false, nil); an empty queue and a fully contended one look
// the same.
//
// Returns:
//   - the claimed payload and true, or nil and false when nothing was claimed
//   - ErrNotFound when the root is gone
//   - any other client failure (closed session, connection loss) unchanged,
//     so a broken connection is never mistaken for an empty queue
//
// Example:
//
//	task, ok, err := session.Consume()
//	if err != nil {
//	    return err
//	}
//	if !ok {
//	    // drained or contended; check Count
//	}
func (s *Session) Consume() ([]byte, bool, error) {
	names, err := s.items()
	if err != nil {
		return nil, false, err
	}

	for _, name := range names {
		p := s.path(name)
		data, _, err := s.client.Get(p)
		if errors.Is(err, storage.ErrNoNode) {
			s.log.Debug("queue item vanished before read", zap.String("item", name))
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("read %s: %w", p, err)
		}
		err = s.client.Delete(p)
		if errors.Is(err, storage.ErrNoNode) {
			s.log.Debug("lost race for queue item", zap.String("item", name))
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("claim %s: %w", p, err)
		}
		s.log.Debug("claimed queue item", zap.String("item", name))
		return data, true, nil
	}
	return nil, false, nil
}

// Count returns how many queue items exist right now.
// The value is a snapshot and may be stale by the time it is read.
func (s *Session) Count() (int, error) {
	names, err := s.items()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func (s *Session) items() ([]string, error) {
	return s.childrenWithPrefix(itemPrefix)
}

func (s *Session) childrenWithPrefix(prefix string) ([]string, error) {
	children, err := s.client.Children(s.root)
	if errors.Is(err, storage.ErrNoNode) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.root)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.root, err)
	}
	out := children[:0]
	for _, name := range children {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out, nil
}
