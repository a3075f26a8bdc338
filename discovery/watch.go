package discovery

import (
	"context"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrregistry/pkg/coord"
)

type watchKind int

const (
	dataWatch watchKind = iota
	childWatch
)

// armedWatch is one pending one-shot watch, backed by its own etcd watch
// stream that is cancelled once it fires.
type armedWatch struct {
	path   string
	kind   watchKind
	w      coord.Watcher
	cancel context.CancelFunc
}

// arm starts watching p from the revision after rev, the revision the caller
// read at. A watcher already armed for the same path and kind is not armed
// twice.
func (c *EtcdCoordinator) arm(p string, kind watchKind, rev int64, w coord.Watcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() || c.expired.Load() {
		return
	}
	for _, a := range c.armed {
		if a.path == p && a.kind == kind && coord.SameWatcher(a.w, w) {
			return
		}
	}

	ctx, cancel := context.WithCancel(c.ctx)
	a := &armedWatch{path: p, kind: kind, w: w, cancel: cancel}
	c.armed = append(c.armed, a)

	key := p
	opts := []clientv3.OpOption{clientv3.WithRev(rev + 1)}
	if kind == childWatch {
		key = childPrefix(p)
		opts = append(opts, clientv3.WithPrefix())
	}
	wch := c.cli.Watch(clientv3.WithRequireLeader(ctx), key, opts...)

	c.wg.Add(1)
	go c.await(ctx, a, wch)
}

func (c *EtcdCoordinator) await(ctx context.Context, a *armedWatch, wch clientv3.WatchChan) {
	defer c.wg.Done()
	for resp := range wch {
		if err := resp.Err(); err != nil {
			// compaction or lost leader: the caller has to re-read
			c.log.Warn("etcd watch interrupted", zap.String("path", a.path), zap.Error(err))
			c.fire(a, coord.Event{Type: coord.EventNotWatching, Path: a.path})
			return
		}
		for _, ev := range resp.Events {
			if t, ok := classify(a.kind, a.path, ev); ok {
				c.fire(a, coord.Event{Type: t, Path: a.path})
				return
			}
		}
	}
	if ctx.Err() == nil {
		c.fire(a, coord.Event{Type: coord.EventNotWatching, Path: a.path})
	}
}

// fire disarms a and queues its notification, unless the watch was already
// dropped by Close or session expiry.
func (c *EtcdCoordinator) fire(a *armedWatch, ev coord.Event) {
	c.mu.Lock()
	found := false
	for i, x := range c.armed {
		if x == a {
			c.armed = append(c.armed[:i], c.armed[i+1:]...)
			found = true
			break
		}
	}
	c.mu.Unlock()
	a.cancel()

	if !found || c.closed.Load() {
		return
	}
	w := a.w
	c.queue.Push(func() { w.Process(ev) })
}

// classify maps an etcd event seen by a watch of the given kind to the
// coordination event it means, if any.
func classify(kind watchKind, p string, ev *clientv3.Event) (coord.EventType, bool) {
	key := string(ev.Kv.Key)
	switch kind {
	case dataWatch:
		if key != p {
			return 0, false
		}
		switch {
		case ev.Type == clientv3.EventTypeDelete:
			return coord.EventNodeDeleted, true
		case ev.IsCreate():
			return coord.EventNodeCreated, true
		default:
			return coord.EventNodeDataChanged, true
		}
	case childWatch:
		if _, ok := childName(childPrefix(p), key); !ok {
			return 0, false
		}
		// data updates of a child leave the child set alone
		if ev.Type == clientv3.EventTypeDelete || ev.IsCreate() {
			return coord.EventChildrenChanged, true
		}
	}
	return 0, false
}

func childNames(prefix string, kvs []*mvccpb.KeyValue) []string {
	names := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		if name, ok := childName(prefix, string(kv.Key)); ok {
			names = append(names, name)
		}
	}
	return names
}
