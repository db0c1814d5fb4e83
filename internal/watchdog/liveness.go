package watchdog

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/warden/internal/storage"
)

// TimerInfo describes one live timer node seen by a scan.
type TimerInfo struct {
	Name      string        // Node name under the root
	ProcessID string        // Payload of the node
	Age       time.Duration // Wall clock now minus the service's Mtime
	Expired   bool          // Age is above the session threshold
}

// timerAge returns how long ago the service last modified the named timer.
// found is false when the node vanished since it was listed.
func (s *Session) timerAge(name string) (age time.Duration, found bool, err error) {
	ok, st, err := s.client.Exists(s.path(name))
	if err != nil {
		return 0, false, fmt.Errorf("stat %s: %w", name, err)
	}
	if !ok {
		return 0, false, nil
	}
	return s.now().Sub(st.Mtime), true, nil
}

// ListTimers scans every timer node under the root, sorted by name.
// Nodes removed while the scan runs are left out.
func (s *Session) ListTimers() ([]TimerInfo, error) {
	names, err := s.childrenWithPrefix(timerPrefix)
	if err != nil {
		return nil, err
	}
	slices.Sort(names)

	timers := make([]TimerInfo, 0, len(names))
	for _, name := range names {
		age, found, err := s.timerAge(name)
		if err != nil {
			return nil, err
		}
		if !found {
			s.log.Debug("timer vanished during scan", zap.String("timer", name))
			continue
		}

		data, _, err := s.client.Get(s.path(name))
		if errors.Is(err, storage.ErrNoNode) {
			s.log.Debug("timer vanished during scan", zap.String("timer", name))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		timers = append(timers, TimerInfo{
			Name:      name,
			ProcessID: string(data),
			Age:       age,
			Expired:   age > s.threshold,
		})
	}
	return timers, nil
}

// CheckTimers counts live timers and, among them, expired ones.
func (s *Session) CheckTimers() (alive, expired int, err error) {
	timers, err := s.ListTimers()
	if err != nil {
		return 0, 0, err
	}
	for _, t := range timers {
		alive++
		if t.Expired {
			expired++
		}
	}
	return alive, expired, nil
}

// GetTimers maps process id to liveness age. With expiredOnly set, timers
// at or below the threshold are left out.
//
// Two timers carrying the same process id collapse into one entry; use
// ListTimers when that matters.
func (s *Session) GetTimers(expiredOnly bool) (map[string]time.Duration, error) {
	timers, err := s.ListTimers()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Duration, len(timers))
	for _, t := range timers {
		if expiredOnly && !t.Expired {
			continue
		}
		out[t.ProcessID] = t.Age
	}
	return out, nil
}
