package registry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrregistry/internal/telemetry"
	"github.com/ryandielhenn/zephyrregistry/internal/tracing"
	"github.com/ryandielhenn/zephyrregistry/pkg/coord"
)

// Members returns the cached snapshot. The first call, or the first call
// after every refresh so far has failed, refreshes synchronously and returns
// its error if it fails.
func (r *Registry) Members(ctx context.Context) (*Snapshot, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if s := r.Current(); s != nil {
		return s, nil
	}
	r.refreshMu.Lock()
	// a concurrent caller may have built it while we waited
	r.mu.RLock()
	s := r.snap
	r.mu.RUnlock()
	if s != nil {
		r.refreshMu.Unlock()
		return s, nil
	}
	s, err := r.refreshLocked(ctx)
	r.refreshMu.Unlock()
	return s, err
}

// Current returns the cached snapshot without touching the network; nil if
// none was built yet.
func (r *Registry) Current() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Refresh re-reads the registry, re-arms the child watch and publishes a new
// snapshot. Concurrent calls run one at a time. On error the previous
// snapshot stays in place.
func (r *Registry) Refresh(ctx context.Context) (*Snapshot, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	return r.refreshLocked(ctx)
}

func (r *Registry) refreshLocked(ctx context.Context) (s *Snapshot, err error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	ctx, end := tracing.StartSpan(ctx, "registry.Refresh", attribute.String("root", r.root))
	start := time.Now()
	defer func() {
		end(err)
		telemetry.Refreshes.WithLabelValues(telemetry.Result(err)).Inc()
		telemetry.RefreshDuration.Observe(time.Since(start).Seconds())
	}()

	// listing and arming happen in one call so no change can slip between them
	names, err := r.coord.Children(ctx, r.root, r.watcher)
	if err != nil {
		if errors.Is(err, coord.ErrNoNode) {
			return nil, errors.Join(ErrRootMissing, wrapCoord("children", r.root, err))
		}
		return nil, wrapCoord("children", r.root, err)
	}

	members := make([]Member, 0, len(names))
	skipped := 0
	for _, name := range names {
		p := coord.Join(r.root, name)
		data, _, err := r.coord.Get(ctx, p)
		if errors.Is(err, coord.ErrNoNode) {
			// left between the listing and this read
			skipped++
			continue
		}
		if err != nil {
			return nil, wrapCoord("get", p, err)
		}
		members = append(members, Member{Name: name, Metadata: data})
	}
	if skipped > 0 {
		telemetry.SkippedChildren.Add(float64(skipped))
	}

	r.generation++
	s = newSnapshot(r.generation, members)

	r.mu.Lock()
	r.snap = s
	r.mu.Unlock()

	telemetry.Members.WithLabelValues(r.root).Set(float64(s.Len()))
	telemetry.SnapshotGeneration.WithLabelValues(r.root).Set(float64(s.generation))
	r.log.Debug("membership refreshed",
		zap.Uint64("generation", s.generation),
		zap.Strings("members", s.addrs),
		zap.Int("skipped", skipped),
	)

	for _, fn := range r.listeners {
		fn(s)
	}
	return s, nil
}
