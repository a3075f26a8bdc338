package registry

import (
	"context"
	"errors"
	"path"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrregistry/internal/telemetry"
	"github.com/ryandielhenn/zephyrregistry/internal/tracing"
	"github.com/ryandielhenn/zephyrregistry/pkg/coord"
)

// Handle identifies the member node created by a successful Join. A nil
// Handle is valid and means "not joined".
type Handle struct {
	path string
	left atomic.Bool
}

// Path is the node path assigned by the coordination service, or "" for a
// nil handle.
func (h *Handle) Path() string {
	if h == nil {
		return ""
	}
	return h.path
}

// Name is the member node name relative to the registry root.
func (h *Handle) Name() string {
	if h.Path() == "" {
		return ""
	}
	return path.Base(h.path)
}

// Join registers metadata (typically host:port) as an ephemeral sequential
// member of the registry. The node lives until Leave or until the
// coordinator session ends.
func (r *Registry) Join(ctx context.Context, metadata []byte) (h *Handle, err error) {
	ctx, end := tracing.StartSpan(ctx, "registry.Join", attribute.String("root", r.root))
	defer func() {
		end(err)
		telemetry.Registrations.WithLabelValues("join", telemetry.Result(err)).Inc()
	}()

	if r.closed.Load() {
		return nil, &RegistrationError{Root: r.root, Err: ErrClosed}
	}
	if err := r.EnsureRoot(ctx); err != nil {
		return nil, &RegistrationError{Root: r.root, Err: err}
	}

	p, err := r.coord.Create(ctx, coord.Join(r.root, memberPrefix), metadata, coord.EphemeralSequential)
	if err != nil {
		if errors.Is(err, coord.ErrNoNode) {
			// the root vanished between EnsureRoot and Create
			err = errors.Join(ErrRootMissing, err)
		} else {
			err = wrapCoord("create", r.root, err)
		}
		return nil, &RegistrationError{Root: r.root, Err: err}
	}

	r.log.Info("registered to service registry", zap.String("path", p), zap.ByteString("metadata", metadata))
	return &Handle{path: p}, nil
}

// Leave deletes the member node behind h if it still exists. It is
// idempotent and safe to call concurrently: a nil handle, a handle that
// already left, or a node already removed by session expiry are all no-ops.
// The delete is unconditional since the caller owns the node.
func (r *Registry) Leave(ctx context.Context, h *Handle) (err error) {
	if h == nil || h.path == "" || h.left.Load() {
		return nil
	}
	ctx, end := tracing.StartSpan(ctx, "registry.Leave", attribute.String("path", h.path))
	defer func() {
		end(err)
		telemetry.Registrations.WithLabelValues("leave", telemetry.Result(err)).Inc()
	}()

	st, err := r.coord.Exists(ctx, h.path, nil)
	switch {
	case sessionGone(err):
		// an ended session took its ephemerals with it
		st, err = nil, nil
	case err != nil:
		return wrapCoord("exists", h.path, err)
	}
	if st != nil {
		err = r.coord.Delete(ctx, h.path, coord.AnyVersion)
		if err != nil && !errors.Is(err, coord.ErrNoNode) && !sessionGone(err) {
			return wrapCoord("delete", h.path, err)
		}
	}
	if h.left.CompareAndSwap(false, true) {
		r.log.Info("unregistered from service registry", zap.String("path", h.path))
	}
	return nil
}

func sessionGone(err error) bool {
	return errors.Is(err, coord.ErrSessionExpired) || errors.Is(err, coord.ErrClosed)
}
