package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrregistry/internal/telemetry"
	"github.com/ryandielhenn/zephyrregistry/pkg/coord"
)

// dispatcher is the watcher armed by every refresh. The coordinator calls
// Process on its own delivery goroutine, once per armed watch.
type dispatcher struct {
	r *Registry
}

var _ coord.Watcher = (*dispatcher)(nil)

func (d *dispatcher) Process(ev coord.Event) {
	r := d.r
	telemetry.WatchEvents.WithLabelValues(ev.Type.String()).Inc()

	switch ev.Type {
	case coord.EventChildrenChanged, coord.EventNotWatching:
	case coord.EventSessionExpired:
		r.log.Warn("coordinator session expired; membership is stale until the next successful refresh")
		return
	default:
		r.log.Debug("ignoring watch event", zap.Stringer("type", ev.Type), zap.String("path", ev.Path))
		return
	}
	if r.closed.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.refreshTimeout)
	defer cancel()
	if _, err := r.Refresh(ctx); err != nil {
		if r.closed.Load() {
			return
		}
		// the previous snapshot stays; the next watch or resync recovers
		telemetry.WatchHandlerFailures.Inc()
		r.log.Error("watch-triggered refresh failed",
			zap.Stringer("event", ev.Type),
			zap.String("path", ev.Path),
			zap.Error(err),
		)
	}
}
