package watchdog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/warden/internal/storage"
)

// Child node names under the root.
const (
	itemPrefix  = "item-"
	timerPrefix = "timer-"
	barrierName = "barrier"
)

// Config binds a session to one coordination root.
type Config struct {
	// Root is the absolute path of the coordination root, e.g. "/warden/jobs".
	Root string
	// Threshold is the liveness age above which a timer counts as expired.
	Threshold time.Duration
}

func (c Config) validate() error {
	if err := storage.ValidatePath(c.Root); err != nil {
		return fmt.Errorf("%w: root %q: %v", ErrInvalidConfig, c.Root, err)
	}
	if c.Root == "/" {
		return fmt.Errorf("%w: root must not be \"/\"", ErrInvalidConfig)
	}
	if c.Threshold <= 0 {
		return fmt.Errorf("%w: threshold must be positive, got %v", ErrInvalidConfig, c.Threshold)
	}
	return nil
}

// Mode selects whether Open creates the root or joins an existing one.
type Mode int

const (
	// ModeCreate builds a fresh root and fails with ErrAlreadyExists if one is there.
	ModeCreate Mode = iota
	// ModeAttach joins an existing root and fails with ErrNotFound if none is there.
	ModeAttach
)

// String returns the mode name used in logs.
func (m Mode) String() string {
	if m == ModeAttach {
		return "attach"
	}
	return "create"
}

// Init holds what ModeCreate populates the root with. Ignored by ModeAttach.
type Init struct {
	// Items become one sequential queue node each, in order.
	Items [][]byte
	// StartBarrier creates the barrier node workers clear on registration.
	StartBarrier bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger protocol operations report to.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces the wall clock used for liveness ages.
// The clock is only ever compared against the service's Mtime.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// Session is a client's binding to one coordination root.
// It holds configuration only; all protocol state lives in the tree,
// so a Session is safe for concurrent use and one process may hold
// several independent sessions.
type Session struct {
	client    storage.Client
	log       *zap.Logger
	now       func() time.Time
	root      string
	threshold time.Duration
}

// Open binds client to cfg.Root, creating and populating the root in
// ModeCreate or checking for it in ModeAttach.
//
// ModeCreate creates any missing parents of the root, then the root, one
// sequential item per init.Items entry and, if requested, the barrier. A
// failure after the root exists leaves the tree as is; callers treat that
// as fatal.
//
// Parameters:
//   - client: connection to the coordination tree; the session does not own it
//   - cfg: absolute root path and liveness threshold
//   - mode: ModeCreate for the master, ModeAttach for workers
//   - init: queue payloads and barrier flag, used only by ModeCreate
//   - opts: WithLogger, WithClock
//
// Returns:
//   - *Session bound to cfg.Root
//   - ErrInvalidConfig for a bad root, threshold or mode
//   - ErrAlreadyExists (ModeCreate) or ErrNotFound (ModeAttach) for the root
//   - ErrCreation when a node could not be created
//
// Example:
//
//	s, err := watchdog.Open(client, watchdog.Config{
//	    Root:      "/warden/nightly",
//	    Threshold: 30 * time.Second,
//	}, watchdog.ModeCreate, watchdog.Init{Items: tasks, StartBarrier: true},
//	    watchdog.WithLogger(log))
func Open(client storage.Client, cfg Config, mode Mode, init Init, opts ...Option) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Session{
		client:    client,
		log:       zap.NewNop(),
		now:       time.Now,
		root:      cfg.Root,
		threshold: cfg.Threshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("root", s.root))

	ok, _, err := client.Exists(s.root)
	if err != nil {
		return nil, fmt.Errorf("check root %s: %w", s.root, err)
	}

	switch mode {
	case ModeAttach:
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.root)
		}
		s.log.Info("attached to coordination root")
		return s, nil

	case ModeCreate:
		if ok {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, s.root)
		}
		if err := s.createRoot(); err != nil {
			return nil, err
		}
		if err := s.Enqueue(init.Items...); err != nil {
			return nil, err
		}
		if init.StartBarrier {
			if _, err := client.Create(s.barrierPath(), nil, 0); err != nil {
				return nil, fmt.Errorf("%w: barrier %s: %w", ErrCreation, s.barrierPath(), err)
			}
		}
		s.log.Info("created coordination root",
			zap.Int("items", len(init.Items)),
			zap.Bool("start_barrier", init.StartBarrier))
		return s, nil

	default:
		return nil, fmt.Errorf("%w: unknown mode %d", ErrInvalidConfig, mode)
	}
}

// Create is Open in ModeCreate.
func Create(client storage.Client, cfg Config, items [][]byte, startBarrier bool, opts ...Option) (*Session, error) {
	return Open(client, cfg, ModeCreate, Init{Items: items, StartBarrier: startBarrier}, opts...)
}

// Attach is Open in ModeAttach.
func Attach(client storage.Client, cfg Config, opts ...Option) (*Session, error) {
	return Open(client, cfg, ModeAttach, Init{}, opts...)
}

// createRoot creates the root's missing ancestors, then the root itself.
func (s *Session) createRoot() error {
	parts := strings.Split(strings.TrimPrefix(s.root, "/"), "/")
	p := ""
	for _, part := range parts[:len(parts)-1] {
		p += "/" + part
		_, err := s.client.Create(p, nil, 0)
		if err != nil && !errors.Is(err, storage.ErrNodeExists) {
			return fmt.Errorf("%w: parent %s: %w", ErrCreation, p, err)
		}
	}

	_, err := s.client.Create(s.root, nil, 0)
	switch {
	case errors.Is(err, storage.ErrNodeExists):
		// Another master won between our check and create
		return fmt.Errorf("%w: %s", ErrAlreadyExists, s.root)
	case err != nil:
		return fmt.Errorf("%w: root %s: %w", ErrCreation, s.root, err)
	}
	return nil
}

// Root returns the coordination root path.
func (s *Session) Root() string { return s.root }

// Threshold returns the liveness expiry threshold.
func (s *Session) Threshold() time.Duration { return s.threshold }

func (s *Session) path(name string) string {
	return storage.JoinPath(s.root, name)
}

func (s *Session) barrierPath() string {
	return s.path(barrierName)
}
