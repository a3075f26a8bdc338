package memcoord

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrregistry/pkg/coord"
)

type countingWatcher struct {
	n      atomic.Int32
	events chan coord.Event
}

func newCountingWatcher() *countingWatcher {
	return &countingWatcher{events: make(chan coord.Event, 16)}
}

func (w *countingWatcher) Process(ev coord.Event) {
	w.n.Add(1)
	w.events <- ev
}

func waitEvent(t *testing.T, w *countingWatcher) coord.Event {
	t.Helper()
	select {
	case ev := <-w.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
		return coord.Event{}
	}
}

func TestSequentialNamesIncrease(t *testing.T) {
	ctx := context.Background()
	srv := NewServer()
	s := srv.Connect(nil)
	defer s.Close()

	_, err := s.Create(ctx, "/reg", nil, coord.Persistent)
	require.NoError(t, err)

	p1, err := s.Create(ctx, "/reg/n_", []byte("a"), coord.EphemeralSequential)
	require.NoError(t, err)
	p2, err := s.Create(ctx, "/reg/n_", []byte("b"), coord.EphemeralSequential)
	require.NoError(t, err)

	assert.Equal(t, "/reg/n_0000000000", p1)
	assert.Equal(t, "/reg/n_0000000001", p2)

	// suffixes never repeat even after a delete
	require.NoError(t, s.Delete(ctx, p2, coord.AnyVersion))
	p3, err := s.Create(ctx, "/reg/n_", []byte("c"), coord.EphemeralSequential)
	require.NoError(t, err)
	assert.Equal(t, "/reg/n_0000000002", p3)
}

func TestCreateErrors(t *testing.T) {
	ctx := context.Background()
	s := NewServer().Connect(nil)
	defer s.Close()

	_, err := s.Create(ctx, "/missing/child", nil, coord.Persistent)
	assert.ErrorIs(t, err, coord.ErrNoNode)

	_, err = s.Create(ctx, "/missing/n_", nil, coord.EphemeralSequential)
	assert.ErrorIs(t, err, coord.ErrNoNode)

	_, err = s.Create(ctx, "/a", nil, coord.Persistent)
	require.NoError(t, err)
	_, err = s.Create(ctx, "/a", nil, coord.Persistent)
	assert.ErrorIs(t, err, coord.ErrNodeExists)

	_, err = s.Create(ctx, "relative", nil, coord.Persistent)
	assert.Error(t, err)
}

func TestExpireRemovesEphemeralsAndNotifies(t *testing.T) {
	ctx := context.Background()
	srv := NewServer()
	owner := srv.Connect(nil)
	childW := newCountingWatcher()
	observer := srv.Connect(nil)
	defer observer.Close()

	_, err := observer.Create(ctx, "/reg", nil, coord.Persistent)
	require.NoError(t, err)

	expiredW := newCountingWatcher()
	owner2 := srv.Connect(expiredW)
	p, err := owner2.Create(ctx, "/reg/n_", []byte("x"), coord.EphemeralSequential)
	require.NoError(t, err)
	_, err = owner.Create(ctx, "/reg/n_", []byte("y"), coord.EphemeralSequential)
	require.NoError(t, err)

	children, err := observer.Children(ctx, "/reg", childW)
	require.NoError(t, err)
	assert.Len(t, children, 2)

	owner2.Expire()

	ev := waitEvent(t, childW)
	assert.Equal(t, coord.EventChildrenChanged, ev.Type)
	assert.Equal(t, "/reg", ev.Path)

	ev = waitEvent(t, expiredW)
	assert.Equal(t, coord.EventSessionExpired, ev.Type)

	st, err := observer.Exists(ctx, p, nil)
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = owner2.Children(ctx, "/reg", nil)
	assert.ErrorIs(t, err, coord.ErrSessionExpired)

	require.NoError(t, owner.Close())
	children, err = observer.Children(ctx, "/reg", nil)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestWatchIsOneShot(t *testing.T) {
	ctx := context.Background()
	s := NewServer().Connect(nil)
	defer s.Close()
	_, err := s.Create(ctx, "/reg", nil, coord.Persistent)
	require.NoError(t, err)

	w := newCountingWatcher()
	_, err = s.Children(ctx, "/reg", w)
	require.NoError(t, err)
	// arming the same watcher twice still yields one notification
	_, err = s.Children(ctx, "/reg", w)
	require.NoError(t, err)

	_, err = s.Create(ctx, "/reg/n_", nil, coord.EphemeralSequential)
	require.NoError(t, err)
	waitEvent(t, w)

	_, err = s.Create(ctx, "/reg/n_", nil, coord.EphemeralSequential)
	require.NoError(t, err)

	select {
	case ev := <-w.events:
		t.Fatalf("unexpected second notification %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	assert.EqualValues(t, 1, w.n.Load())
}

func TestWatcherFuncsAreNotDeduplicated(t *testing.T) {
	ctx := context.Background()
	s := NewServer().Connect(nil)
	defer s.Close()
	_, err := s.Create(ctx, "/reg", nil, coord.Persistent)
	require.NoError(t, err)

	var n atomic.Int32
	fn := coord.WatcherFunc(func(coord.Event) { n.Add(1) })
	_, err = s.Children(ctx, "/reg", fn)
	require.NoError(t, err)
	_, err = s.Children(ctx, "/reg", fn)
	require.NoError(t, err)

	_, err = s.Create(ctx, "/reg/n_", nil, coord.EphemeralSequential)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return n.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

var statelessFired atomic.Int32

// statelessWatcher has no fields, so distinct instances may share an address.
type statelessWatcher struct{}

func (*statelessWatcher) Process(coord.Event) { statelessFired.Add(1) }

func TestDistinctZeroSizeWatchersBothFire(t *testing.T) {
	ctx := context.Background()
	s := NewServer().Connect(nil)
	defer s.Close()
	_, err := s.Create(ctx, "/reg", nil, coord.Persistent)
	require.NoError(t, err)

	statelessFired.Store(0)
	_, err = s.Children(ctx, "/reg", &statelessWatcher{})
	require.NoError(t, err)
	_, err = s.Children(ctx, "/reg", &statelessWatcher{})
	require.NoError(t, err)

	_, err = s.Create(ctx, "/reg/n_", nil, coord.EphemeralSequential)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return statelessFired.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestExistsWatchFiresOnDelete(t *testing.T) {
	ctx := context.Background()
	s := NewServer().Connect(nil)
	defer s.Close()
	_, err := s.Create(ctx, "/node", []byte("v"), coord.Persistent)
	require.NoError(t, err)

	w := newCountingWatcher()
	st, err := s.Exists(ctx, "/node", w)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.False(t, st.Ephemeral)

	require.NoError(t, s.Delete(ctx, "/node", coord.AnyVersion))
	ev := waitEvent(t, w)
	assert.Equal(t, coord.EventNodeDeleted, ev.Type)
}

func TestDeleteSemantics(t *testing.T) {
	ctx := context.Background()
	s := NewServer().Connect(nil)
	defer s.Close()

	assert.ErrorIs(t, s.Delete(ctx, "/nope", coord.AnyVersion), coord.ErrNoNode)

	_, err := s.Create(ctx, "/p", nil, coord.Persistent)
	require.NoError(t, err)
	_, err = s.Create(ctx, "/p/c", nil, coord.Persistent)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Delete(ctx, "/p", coord.AnyVersion), coord.ErrNotEmpty)
	assert.ErrorIs(t, s.Delete(ctx, "/p/c", 7), coord.ErrBadVersion)
	assert.NoError(t, s.Delete(ctx, "/p/c", 0))
	assert.NoError(t, s.Delete(ctx, "/p", coord.AnyVersion))
}

func TestUnreachableSession(t *testing.T) {
	ctx := context.Background()
	s := NewServer().Connect(nil)
	defer s.Close()

	s.SetUnreachable(true)
	_, err := s.Exists(ctx, "/", nil)
	assert.ErrorIs(t, err, coord.ErrConnectionLoss)
	assert.True(t, coord.IsConnectivity(err))

	s.SetUnreachable(false)
	st, err := s.Exists(ctx, "/", nil)
	require.NoError(t, err)
	assert.NotNil(t, st)
}

func TestCloseDrainsDelivery(t *testing.T) {
	s := NewServer().Connect(nil)
	require.NoError(t, s.Close())
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("delivery goroutine did not stop")
	}
	_, _, err := s.Get(context.Background(), "/")
	assert.ErrorIs(t, err, coord.ErrClosed)
}
