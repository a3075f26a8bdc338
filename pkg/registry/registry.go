// Package registry implements service discovery on top of a coordination
// service (see package coord).
//
// A process joins by creating an ephemeral sequential node holding its
// address under a persistent root node. Membership is the set of payloads
// of the root's children, cached as an immutable Snapshot. Every refresh
// lists the children and arms a one-shot child watch in the same call; the
// watch's notification triggers the next refresh, which arms the next watch.
//
// Membership is eventually consistent: a change is visible once its watch
// fired and the resulting refresh completed. Crashed members disappear when
// the coordination service expires their session.
//
// Typical usage:
//
//	reg := registry.New(coordinator, registry.WithLogger(logger))
//	h, err := reg.Join(ctx, []byte("10.0.0.5:8080"))
//	...
//	snap, err := reg.Members(ctx)
//	peers := snap.Addresses()
//	...
//	_ = reg.Leave(ctx, h)
//	reg.Close()
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrregistry/pkg/coord"
)

// DefaultRoot is the registry root used when none is configured.
const DefaultRoot = "/service_registry"

// memberPrefix is the name prefix of member nodes; the coordinator appends
// the sequence suffix.
const memberPrefix = "n_"

type Registry struct {
	coord          coord.Coordinator
	root           string
	log            *zap.Logger
	refreshTimeout time.Duration
	resync         time.Duration
	listeners      []func(*Snapshot)

	// refreshMu serializes refreshes; mu only guards the snapshot swap.
	refreshMu  sync.Mutex
	mu         sync.RWMutex
	snap       *Snapshot
	generation uint64

	watcher *dispatcher
	closed  atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

type Option func(*Registry)

// WithRoot sets the registry root path.
func WithRoot(root string) Option {
	return func(r *Registry) { r.root = root }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRefreshTimeout bounds refreshes started by watch notifications and by
// the resync loop.
func WithRefreshTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.refreshTimeout = d
		}
	}
}

// WithResyncInterval makes Watch start a loop that refreshes every d, so a
// watch lost to a failed re-arm is restored without waiting for a change.
func WithResyncInterval(d time.Duration) Option {
	return func(r *Registry) { r.resync = d }
}

// WithListener registers fn to be called with every new snapshot, in
// refresh order, after the snapshot was published.
func WithListener(fn func(*Snapshot)) Option {
	return func(r *Registry) {
		if fn != nil {
			r.listeners = append(r.listeners, fn)
		}
	}
}

func New(c coord.Coordinator, opts ...Option) *Registry {
	r := &Registry{
		coord:          c,
		root:           DefaultRoot,
		log:            zap.NewNop(),
		refreshTimeout: 5 * time.Second,
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(zap.String("root", r.root))
	r.watcher = &dispatcher{r: r}
	return r
}

func (r *Registry) Root() string { return r.root }

// Watch performs the first refresh, which arms the child watch, and starts
// the resync loop when one is configured. Watch notifications keep the
// snapshot fresh from then on.
func (r *Registry) Watch(ctx context.Context) error {
	if _, err := r.Refresh(ctx); err != nil {
		return err
	}
	if r.resync > 0 {
		r.once.Do(func() {
			r.wg.Add(1)
			go r.resyncLoop()
		})
	}
	return nil
}

func (r *Registry) resyncLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.resync)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.refreshTimeout)
			if _, err := r.Refresh(ctx); err != nil && !r.closed.Load() {
				r.log.Warn("resync failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close stops background work and discards the cached snapshot. Pending
// watch notifications become no-ops. It does not leave; call Leave first
// or close the coordinator session to drop this process's member node.
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	close(r.stop)
	r.wg.Wait()

	r.refreshMu.Lock()
	r.mu.Lock()
	r.snap = nil
	r.mu.Unlock()
	r.refreshMu.Unlock()
}
