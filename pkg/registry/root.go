package registry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrregistry/internal/tracing"
	"github.com/ryandielhenn/zephyrregistry/pkg/coord"
)

// EnsureRoot makes sure the registry root exists, creating missing ancestors
// as persistent nodes. Losing a creation race to another process counts as
// success.
func (r *Registry) EnsureRoot(ctx context.Context) (err error) {
	ctx, end := tracing.StartSpan(ctx, "registry.EnsureRoot", attribute.String("root", r.root))
	defer func() { end(err) }()
	return r.ensurePath(ctx, r.root)
}

func (r *Registry) ensurePath(ctx context.Context, p string) error {
	if p == "/" {
		return nil
	}
	st, err := r.coord.Exists(ctx, p, nil)
	if err != nil {
		return wrapCoord("exists", p, err)
	}
	if st != nil {
		return nil
	}

	_, err = r.coord.Create(ctx, p, nil, coord.Persistent)
	if errors.Is(err, coord.ErrNoNode) {
		if err := r.ensurePath(ctx, coord.Parent(p)); err != nil {
			return err
		}
		_, err = r.coord.Create(ctx, p, nil, coord.Persistent)
	}
	switch {
	case err == nil:
		r.log.Info("created registry node", zap.String("path", p))
		return nil
	case errors.Is(err, coord.ErrNodeExists):
		r.log.Debug("registry node created concurrently", zap.String("path", p))
		return nil
	default:
		r.log.Warn("create registry node failed", zap.String("path", p), zap.Error(err))
		return wrapCoord("create", p, err)
	}
}
