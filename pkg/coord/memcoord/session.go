package memcoord

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ryandielhenn/zephyrregistry/pkg/coord"
)

const (
	stateOpen int32 = iota
	stateExpired
	stateClosed
)

// Session is one client's connection to a Server. It implements
// coord.Coordinator. Watch notifications for the session run one at a time,
// in trigger order, on the session's delivery goroutine.
type Session struct {
	srv            *Server
	id             int64
	sessionWatcher coord.Watcher

	state       atomic.Int32
	unreachable atomic.Bool
	queue       *coord.Queue
}

var _ coord.Coordinator = (*Session)(nil)

func newSession(srv *Server, id int64, sw coord.Watcher) *Session {
	s := &Session{
		srv:            srv,
		id:             id,
		sessionWatcher: sw,
		queue:          coord.NewQueue(),
	}
	return s
}

// SetUnreachable makes every call fail with coord.ErrConnectionLoss while
// on is true, as if the service could not be reached. Ephemerals stay.
func (s *Session) SetUnreachable(on bool) { s.unreachable.Store(on) }

// Expire ends the session the way a missed heartbeat deadline would: its
// ephemeral nodes are removed, its watches are dropped and the session
// watcher gets EventSessionExpired. Later calls fail with ErrSessionExpired.
func (s *Session) Expire() {
	if s.state.CompareAndSwap(stateOpen, stateExpired) {
		s.srv.expire(s, coord.EventSessionExpired)
	}
}

// Close ends the session gracefully. Queued notifications are still
// delivered; nothing new is queued afterwards.
func (s *Session) Close() error {
	if s.state.CompareAndSwap(stateOpen, stateClosed) {
		s.srv.expire(s, 0)
	} else {
		s.state.Store(stateClosed)
	}
	s.queue.Stop()
	return nil
}

// Done is closed once Close was called and the delivery queue has drained.
func (s *Session) Done() <-chan struct{} { return s.queue.Done() }

func (s *Session) Create(ctx context.Context, path string, data []byte, mode coord.Mode) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	return s.srv.create(s, path, data, mode)
}

func (s *Session) Exists(ctx context.Context, path string, w coord.Watcher) (*coord.Stat, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.srv.exists(s, path, w)
}

func (s *Session) Children(ctx context.Context, path string, w coord.Watcher) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.srv.childrenOf(s, path, w)
}

func (s *Session) Get(ctx context.Context, path string) ([]byte, *coord.Stat, error) {
	if err := s.check(ctx); err != nil {
		return nil, nil, err
	}
	return s.srv.get(path)
}

func (s *Session) Delete(ctx context.Context, path string, version int64) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.srv.delete(path, version)
}

func (s *Session) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", coord.ErrConnectionLoss, err)
	}
	if s.unreachable.Load() {
		return coord.ErrConnectionLoss
	}
	switch s.state.Load() {
	case stateExpired:
		return coord.ErrSessionExpired
	case stateClosed:
		return coord.ErrClosed
	}
	return nil
}

func (s *Session) enqueue(fn func()) { s.queue.Push(fn) }
