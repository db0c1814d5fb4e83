// Package zkconn adapts a ZooKeeper ensemble to storage.Client.
package zkconn

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"github.com/dreamware/warden/internal/storage"
)

// Config describes how to reach the ensemble.
type Config struct {
	Servers        []string      // host:port list
	SessionTimeout time.Duration // ZooKeeper session timeout; ephemeral nodes outlive a crash by about this long
	AuthScheme     string        // "" for none, or e.g. "digest"
	AuthCredential string        // For digest: "user:password"
}

// conn is the subset of *zk.Conn the adapter uses.
type conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Delete(path string, version int32) error
	Children(path string) ([]string, *zk.Stat, error)
	Close()
}

// Client implements storage.Client over a ZooKeeper connection.
type Client struct {
	conn conn
	acl  []zk.ACL
	log  *zap.Logger
}

var _ storage.Client = (*Client)(nil)

// Dial connects to the ensemble and waits until a session is established
// or cfg.SessionTimeout passes.
func Dial(cfg Config, log *zap.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("zkconn: no servers configured")
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("zk")

	acl, err := buildACL(cfg)
	if err != nil {
		return nil, err
	}

	c, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout, zk.WithLogger(printfLogger{log.Sugar()}))
	if err != nil {
		return nil, fmt.Errorf("zkconn: connect %v: %w", cfg.Servers, err)
	}

	if err := awaitSession(events, cfg.SessionTimeout); err != nil {
		c.Close()
		return nil, err
	}
	go logSessionEvents(events, log)

	if cfg.AuthScheme != "" {
		if err := c.AddAuth(cfg.AuthScheme, []byte(cfg.AuthCredential)); err != nil {
			c.Close()
			return nil, fmt.Errorf("zkconn: add auth %s: %w", cfg.AuthScheme, err)
		}
	}

	log.Info("connected", zap.Strings("servers", cfg.Servers))
	return &Client{conn: c, acl: acl, log: log}, nil
}

func awaitSession(events <-chan zk.Event, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return errors.New("zkconn: event channel closed before session was established")
			}
			if ev.State == zk.StateHasSession {
				return nil
			}
			if ev.State == zk.StateAuthFailed {
				return errors.New("zkconn: authentication failed")
			}
		case <-deadline.C:
			return fmt.Errorf("zkconn: no session after %v", timeout)
		}
	}
}

func logSessionEvents(events <-chan zk.Event, log *zap.Logger) {
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}
		switch ev.State {
		case zk.StateExpired, zk.StateDisconnected:
			log.Warn("session state changed", zap.Stringer("state", ev.State))
		default:
			log.Debug("session state changed", zap.Stringer("state", ev.State))
		}
	}
}

func buildACL(cfg Config) ([]zk.ACL, error) {
	switch cfg.AuthScheme {
	case "":
		return zk.WorldACL(zk.PermAll), nil
	case "digest":
		user, password, ok := strings.Cut(cfg.AuthCredential, ":")
		if !ok || user == "" {
			return nil, errors.New(`zkconn: digest credential must be "user:password"`)
		}
		return zk.DigestACL(zk.PermAll, user, password), nil
	default:
		return nil, fmt.Errorf("zkconn: unsupported auth scheme %q", cfg.AuthScheme)
	}
}

// Close ends the ZooKeeper session, removing this client's ephemeral nodes.
func (c *Client) Close() {
	c.conn.Close()
}

// Create makes a node; see storage.Client.
func (c *Client) Create(path string, data []byte, flags storage.Flags) (string, error) {
	var zkFlags int32
	if flags.Has(storage.FlagEphemeral) {
		zkFlags |= zk.FlagEphemeral
	}
	if flags.Has(storage.FlagSequential) {
		zkFlags |= zk.FlagSequence
	}
	p, err := c.conn.Create(path, data, zkFlags, c.acl)
	return p, translateErr(err)
}

// Exists reports whether path exists; see storage.Client.
func (c *Client) Exists(path string) (bool, *storage.Stat, error) {
	ok, st, err := c.conn.Exists(path)
	if err != nil {
		return false, nil, translateErr(err)
	}
	if !ok {
		return false, nil, nil
	}
	return true, convertStat(st), nil
}

// ExistsW reports whether path exists and leaves a watch on it; see storage.Client.
func (c *Client) ExistsW(path string) (bool, *storage.Stat, storage.Watch, error) {
	ok, st, ch, err := c.conn.ExistsW(path)
	if err != nil {
		return false, nil, nil, translateErr(err)
	}
	w := &watch{ch: ch}
	if !ok {
		return false, nil, w, nil
	}
	return true, convertStat(st), w, nil
}

// Get returns the node payload; see storage.Client.
func (c *Client) Get(path string) ([]byte, *storage.Stat, error) {
	data, st, err := c.conn.Get(path)
	if err != nil {
		return nil, nil, translateErr(err)
	}
	return data, convertStat(st), nil
}

// Set overwrites the payload regardless of version; see storage.Client.
func (c *Client) Set(path string, data []byte) (*storage.Stat, error) {
	st, err := c.conn.Set(path, data, -1)
	if err != nil {
		return nil, translateErr(err)
	}
	return convertStat(st), nil
}

// Delete removes the node regardless of version; see storage.Client.
func (c *Client) Delete(path string) error {
	return translateErr(c.conn.Delete(path, -1))
}

// Children lists child names; see storage.Client.
func (c *Client) Children(path string) ([]string, error) {
	children, _, err := c.conn.Children(path)
	if err != nil {
		return nil, translateErr(err)
	}
	return children, nil
}

// translateErr maps ZooKeeper errors onto storage sentinels, keeping the
// original in the chain.
func translateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%w: %w", storage.ErrNoNode, err)
	case errors.Is(err, zk.ErrNodeExists):
		return fmt.Errorf("%w: %w", storage.ErrNodeExists, err)
	case errors.Is(err, zk.ErrNotEmpty):
		return fmt.Errorf("%w: %w", storage.ErrNotEmpty, err)
	case errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrConnectionClosed):
		return fmt.Errorf("%w: %w", storage.ErrClosed, err)
	default:
		return err
	}
}

func convertStat(st *zk.Stat) *storage.Stat {
	if st == nil {
		return nil
	}
	return &storage.Stat{
		Ctime:       time.UnixMilli(st.Ctime),
		Mtime:       time.UnixMilli(st.Mtime),
		Version:     st.Version,
		NumChildren: st.NumChildren,
		Ephemeral:   st.EphemeralOwner != 0,
	}
}

func translateEvent(ev zk.Event) storage.EventType {
	switch ev.Type {
	case zk.EventNodeCreated:
		return storage.EventCreated
	case zk.EventNodeDeleted:
		return storage.EventDeleted
	case zk.EventNodeDataChanged:
		return storage.EventChanged
	case zk.EventNodeChildrenChanged:
		return storage.EventChildrenChanged
	case zk.EventSession, zk.EventNotWatching:
		return storage.EventSession
	default:
		return storage.EventUnknown
	}
}

// watch wraps the one-shot channel ZooKeeper returns for a watch.
type watch struct {
	ch <-chan zk.Event
}

// Wait blocks until the watch fires or timeout elapses.
func (w *watch) Wait(timeout time.Duration) storage.EventType {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-w.ch:
		if !ok {
			return storage.EventSession
		}
		return translateEvent(ev)
	case <-timer.C:
		return storage.EventTimedOut
	}
}

// printfLogger routes the ZooKeeper client's own logging into zap.
type printfLogger struct {
	s *zap.SugaredLogger
}

func (l printfLogger) Printf(format string, args ...interface{}) {
	l.s.Debugf(format, args...)
}
