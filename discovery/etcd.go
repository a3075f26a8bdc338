// Package discovery binds the coordination model of pkg/coord to etcd v3.
//
// Nodes are plain keys holding the node data. Ephemeral nodes are attached to
// the lease of a concurrency.Session, so they vanish when the process stops
// heartbeating. Sequential suffixes come from a per-parent counter key whose
// etcd version is bumped in the same transaction that creates the child.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrregistry/pkg/coord"
)

const (
	defaultSessionTTL     = 10
	defaultRequestTimeout = 5 * time.Second
	counterSuffix         = "\x00seq"
)

func NewClient(endpoints []string, dialTimeout time.Duration, log *zap.Logger) (*clientv3.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      log.Named("etcd"),
	})
}

type Options struct {
	// SessionTTL is the lease TTL in seconds.
	SessionTTL int
	// RequestTimeout bounds every call unless the caller's context is
	// shorter.
	RequestTimeout time.Duration
	Logger         *zap.Logger
	// SessionWatcher receives coord.EventSessionExpired if the lease is lost.
	SessionWatcher coord.Watcher
}

// EtcdCoordinator implements coord.Coordinator on an etcd client. It does
// not own the client; Close revokes the session lease but leaves the client
// open.
type EtcdCoordinator struct {
	cli            *clientv3.Client
	sess           *concurrency.Session
	log            *zap.Logger
	timeout        time.Duration
	sessionWatcher coord.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	queue  *coord.Queue
	wg     sync.WaitGroup

	mu      sync.Mutex
	armed   []*armedWatch
	expired atomic.Bool
	closed  atomic.Bool
}

var _ coord.Coordinator = (*EtcdCoordinator)(nil)

// NewEtcdCoordinator grants a lease and starts keeping it alive. ctx bounds
// only the grant.
func NewEtcdCoordinator(ctx context.Context, cli *clientv3.Client, opts Options) (*EtcdCoordinator, error) {
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	lease, err := cli.Grant(ctx, int64(ttl))
	if err != nil {
		return nil, fmt.Errorf("%w: grant lease: %w", coord.ErrConnectionLoss, err)
	}
	sess, err := concurrency.NewSession(cli, concurrency.WithLease(lease.ID), concurrency.WithTTL(ttl))
	if err != nil {
		return nil, fmt.Errorf("%w: start session: %w", coord.ErrConnectionLoss, err)
	}

	c := &EtcdCoordinator{
		cli:            cli,
		sess:           sess,
		log:            log,
		timeout:        timeout,
		sessionWatcher: opts.SessionWatcher,
		queue:          coord.NewQueue(),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.watchSession()

	log.Info("etcd session started", zap.Int64("lease", int64(lease.ID)), zap.Int("ttl", ttl))
	return c, nil
}

func (c *EtcdCoordinator) Create(ctx context.Context, p string, data []byte, mode coord.Mode) (string, error) {
	if err := coord.Validate(p); err != nil {
		return "", err
	}
	if p == "/" {
		return "", coord.ErrNodeExists
	}
	ctx, cancel, err := c.opCtx(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	parent := coord.Parent(p)
	switch mode {
	case coord.Persistent:
		return p, c.createPersistent(ctx, parent, p, data)
	case coord.EphemeralSequential:
		return c.createSequential(ctx, parent, p, data)
	default:
		return "", fmt.Errorf("coord: unsupported mode %v", mode)
	}
}

func (c *EtcdCoordinator) createPersistent(ctx context.Context, parent, p string, data []byte) error {
	cmps := append(parentExists(parent), clientv3.Compare(clientv3.CreateRevision(p), "=", 0))
	resp, err := c.cli.Txn(ctx).
		If(cmps...).
		Then(clientv3.OpPut(p, string(data))).
		Else(clientv3.OpGet(p, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return c.mapErr(err)
	}
	if resp.Succeeded {
		return nil
	}
	if resp.Responses[0].GetResponseRange().Count > 0 {
		return coord.ErrNodeExists
	}
	return coord.ErrNoNode
}

func (c *EtcdCoordinator) createSequential(ctx context.Context, parent, prefix string, data []byte) (string, error) {
	counter := counterKey(parent)
	for {
		get, err := c.cli.Get(ctx, counter)
		if err != nil {
			return "", c.mapErr(err)
		}
		var seq int64
		if len(get.Kvs) > 0 {
			seq = get.Kvs[0].Version
		}
		name := fmt.Sprintf("%s%010d", prefix, seq)

		cmps := append(parentExists(parent), clientv3.Compare(clientv3.Version(counter), "=", seq))
		resp, err := c.cli.Txn(ctx).
			If(cmps...).
			Then(
				clientv3.OpPut(counter, ""),
				clientv3.OpPut(name, string(data), clientv3.WithLease(c.sess.Lease())),
			).
			Else(clientv3.OpGet(parent, clientv3.WithCountOnly())).
			Commit()
		if err != nil {
			return "", c.mapErr(err)
		}
		if resp.Succeeded {
			return name, nil
		}
		if parent != "/" && resp.Responses[0].GetResponseRange().Count == 0 {
			return "", coord.ErrNoNode
		}
		// another session took this sequence number
	}
}

func (c *EtcdCoordinator) Exists(ctx context.Context, p string, w coord.Watcher) (*coord.Stat, error) {
	if err := coord.Validate(p); err != nil {
		return nil, err
	}
	ctx, cancel, err := c.opCtx(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	resp, err := c.cli.Txn(ctx).Then(
		clientv3.OpGet(p),
		clientv3.OpGet(childPrefix(p), clientv3.WithPrefix(), clientv3.WithKeysOnly()),
	).Commit()
	if err != nil {
		return nil, c.mapErr(err)
	}
	if w != nil {
		c.arm(p, dataWatch, resp.Header.Revision, w)
	}

	kvs := resp.Responses[0].GetResponseRange().Kvs
	children := childNames(childPrefix(p), resp.Responses[1].GetResponseRange().Kvs)
	if p == "/" {
		return &coord.Stat{NumChildren: len(children)}, nil
	}
	if len(kvs) == 0 {
		return nil, nil
	}
	return &coord.Stat{
		Version:     kvs[0].Version - 1,
		Ephemeral:   kvs[0].Lease != 0,
		NumChildren: len(children),
	}, nil
}

func (c *EtcdCoordinator) Children(ctx context.Context, p string, w coord.Watcher) ([]string, error) {
	if err := coord.Validate(p); err != nil {
		return nil, err
	}
	ctx, cancel, err := c.opCtx(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	prefix := childPrefix(p)
	resp, err := c.cli.Txn(ctx).Then(
		clientv3.OpGet(p, clientv3.WithCountOnly()),
		clientv3.OpGet(prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly()),
	).Commit()
	if err != nil {
		return nil, c.mapErr(err)
	}
	if p != "/" && resp.Responses[0].GetResponseRange().Count == 0 {
		return nil, coord.ErrNoNode
	}
	// both reads and the watch start share one revision, so no child change
	// can fall between listing and arming
	if w != nil {
		c.arm(p, childWatch, resp.Header.Revision, w)
	}
	return childNames(prefix, resp.Responses[1].GetResponseRange().Kvs), nil
}

func (c *EtcdCoordinator) Get(ctx context.Context, p string) ([]byte, *coord.Stat, error) {
	if err := coord.Validate(p); err != nil {
		return nil, nil, err
	}
	ctx, cancel, err := c.opCtx(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer cancel()

	resp, err := c.cli.Txn(ctx).Then(
		clientv3.OpGet(p),
		clientv3.OpGet(childPrefix(p), clientv3.WithPrefix(), clientv3.WithKeysOnly()),
	).Commit()
	if err != nil {
		return nil, nil, c.mapErr(err)
	}
	kvs := resp.Responses[0].GetResponseRange().Kvs
	if len(kvs) == 0 {
		return nil, nil, coord.ErrNoNode
	}
	kv := kvs[0]
	return kv.Value, &coord.Stat{
		Version:     kv.Version - 1,
		Ephemeral:   kv.Lease != 0,
		NumChildren: len(childNames(childPrefix(p), resp.Responses[1].GetResponseRange().Kvs)),
	}, nil
}

func (c *EtcdCoordinator) Delete(ctx context.Context, p string, version int64) error {
	if err := coord.Validate(p); err != nil {
		return err
	}
	if p == "/" {
		return coord.ErrNotEmpty
	}
	ctx, cancel, err := c.opCtx(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	prefix := childPrefix(p)
	cmps := []clientv3.Cmp{
		clientv3.Compare(clientv3.CreateRevision(p), ">", 0),
		clientv3.Compare(clientv3.CreateRevision(prefix), "=", 0).WithPrefix(),
	}
	if version != coord.AnyVersion {
		cmps = append(cmps, clientv3.Compare(clientv3.Version(p), "=", version+1))
	}
	resp, err := c.cli.Txn(ctx).
		If(cmps...).
		Then(clientv3.OpDelete(p)).
		Else(
			clientv3.OpGet(p, clientv3.WithCountOnly()),
			clientv3.OpGet(prefix, clientv3.WithPrefix(), clientv3.WithCountOnly()),
		).
		Commit()
	if err != nil {
		return c.mapErr(err)
	}
	if resp.Succeeded {
		return nil
	}
	switch {
	case resp.Responses[0].GetResponseRange().Count == 0:
		return coord.ErrNoNode
	case resp.Responses[1].GetResponseRange().Count > 0:
		return coord.ErrNotEmpty
	default:
		return coord.ErrBadVersion
	}
}

// Close stops every armed watch and revokes the session lease, which removes
// the session's ephemeral nodes immediately. Queued notifications are still
// delivered. The etcd client stays open.
func (c *EtcdCoordinator) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	for _, a := range c.armed {
		a.cancel()
	}
	c.armed = nil
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	err := c.sess.Close()
	c.queue.Stop()
	if err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return c.mapErr(err)
	}
	return nil
}

func (c *EtcdCoordinator) watchSession() {
	defer c.wg.Done()
	select {
	case <-c.sess.Done():
	case <-c.ctx.Done():
		return
	}
	if c.closed.Load() {
		return
	}
	c.markExpired()
}

func (c *EtcdCoordinator) markExpired() {
	if !c.expired.CompareAndSwap(false, true) {
		return
	}
	c.log.Warn("etcd session lease lost", zap.Int64("lease", int64(c.sess.Lease())))

	c.mu.Lock()
	for _, a := range c.armed {
		a.cancel()
	}
	c.armed = nil
	c.mu.Unlock()

	if sw := c.sessionWatcher; sw != nil {
		c.queue.Push(func() { sw.Process(coord.Event{Type: coord.EventSessionExpired}) })
	}
}

func (c *EtcdCoordinator) opCtx(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if c.closed.Load() {
		return nil, nil, coord.ErrClosed
	}
	if c.expired.Load() {
		return nil, nil, coord.ErrSessionExpired
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", coord.ErrConnectionLoss, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return clientv3.WithRequireLeader(ctx), cancel, nil
}

// mapErr converts a transport-level etcd error. Domain outcomes (exists,
// missing, version) are decided by transaction compares, not by errors.
func (c *EtcdCoordinator) mapErr(err error) error {
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		c.markExpired()
		return fmt.Errorf("%w: %w", coord.ErrSessionExpired, err)
	}
	return fmt.Errorf("%w: %w", coord.ErrConnectionLoss, err)
}

// parentExists guards a create; "/" always exists and has no key.
func parentExists(parent string) []clientv3.Cmp {
	if parent == "/" {
		return nil
	}
	return []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(parent), ">", 0)}
}

func childPrefix(p string) string {
	if p == "/" {
		return "/"
	}
	return p + "/"
}

func counterKey(parent string) string {
	return parent + counterSuffix
}

// childName extracts the direct child name of key under prefix. Deeper
// descendants and sequence counters are not children.
func childName(prefix, key string) (string, bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	name := key[len(prefix):]
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return "", false
	}
	return name, true
}
