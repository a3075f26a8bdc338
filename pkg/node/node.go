// Package node is one registry participant: it joins the registry with its
// advertised address, keeps a hash ring in step with the membership snapshot
// and serves the HTTP surface.
package node

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrregistry/pkg/registry"
	"github.com/ryandielhenn/zephyrregistry/pkg/ring"
)

const defaultPort = "8080"

var ErrNotStarted = errors.New("node: not started")

type Node struct {
	ring *ring.HashRing
	id   string
	addr string
	rf   int
	log  *zap.Logger

	mu      sync.RWMutex
	reg     *registry.Registry
	handle  *registry.Handle
	stopped bool
}

func NewRF(r *ring.HashRing, id, addr string, replicationFactor int, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	if replicationFactor <= 0 {
		replicationFactor = 1
	}
	return &Node{
		ring: r,
		id:   id,
		addr: addr,
		rf:   replicationFactor,
		log:  log.With(zap.String("node", id)),
	}
}

// SyncRing rebuilds the ring from a snapshot. Pass it to the registry with
// registry.WithListener. Snapshots arriving after Stop are ignored.
func (n *Node) SyncRing(s *registry.Snapshot) {
	peers := make(map[string]string, s.Len())
	for _, m := range s.Members() {
		peers[m.Name] = NormalizeHostPort(string(m.Metadata), defaultPort)
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.stopped {
		return
	}
	n.ring.Replace(peers)
	n.log.Debug("ring synced", zap.Uint64("generation", s.Generation()), zap.Int("peers", len(peers)))
}

// Start joins reg with the advertised address and starts watching
// membership.
func (n *Node) Start(ctx context.Context, reg *registry.Registry) error {
	n.mu.Lock()
	n.reg = reg
	n.mu.Unlock()

	h, err := reg.Join(ctx, []byte(n.addr))
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.handle = h
	n.mu.Unlock()
	n.log.Info("joined registry", zap.String("member", h.Path()), zap.String("addr", n.addr))

	return reg.Watch(ctx)
}

// Stop leaves the registry and empties the ring, so the node stops answering
// ownership queries. The registry itself stays open.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.RLock()
	reg, h, stopped := n.reg, n.handle, n.stopped
	n.mu.RUnlock()
	if reg == nil || h == nil || stopped {
		return nil
	}
	if err := reg.Leave(ctx, h); err != nil {
		return err
	}
	n.mu.Lock()
	n.stopped = true
	n.ring.Clear()
	n.mu.Unlock()
	n.log.Info("left registry", zap.String("member", h.Path()))
	return nil
}

func (n *Node) current() (*registry.Registry, *registry.Handle) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.reg, n.handle
}

func (n *Node) ID() string   { return n.id }
func (n *Node) Addr() string { return n.addr }
