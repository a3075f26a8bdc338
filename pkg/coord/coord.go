// Package coord describes the hierarchical coordination service the registry
// is built on: a tree of nodes addressed by slash-separated paths, persistent
// and ephemeral (session-bound) nodes, sequential naming, and one-shot watches.
//
// Two backends implement Coordinator: discovery.EtcdCoordinator for etcd v3
// and memcoord for an in-process tree used by tests and local runs.
package coord

import (
	"context"
	"errors"
	"path"
	"strings"
)

// Mode selects how Create materializes a node.
type Mode int

const (
	// Persistent nodes live until deleted explicitly.
	Persistent Mode = iota
	// EphemeralSequential nodes are bound to the creating session and get a
	// monotonically increasing suffix appended to the requested path.
	EphemeralSequential
)

func (m Mode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case EphemeralSequential:
		return "ephemeral_sequential"
	default:
		return "unknown"
	}
}

// AnyVersion makes Delete unconditional.
const AnyVersion int64 = -1

// Stat is the node metadata returned by Exists and Get.
type Stat struct {
	Version     int64
	Ephemeral   bool
	NumChildren int
}

var (
	ErrNodeExists     = errors.New("coord: node already exists")
	ErrNoNode         = errors.New("coord: node does not exist")
	ErrNotEmpty       = errors.New("coord: node has children")
	ErrBadVersion     = errors.New("coord: version mismatch")
	ErrConnectionLoss = errors.New("coord: connection lost")
	ErrSessionExpired = errors.New("coord: session expired")
	ErrClosed         = errors.New("coord: coordinator closed")
)

// IsConnectivity reports whether err means the coordination service could not
// be reached or the session backing the call is gone.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectionLoss) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// Coordinator is the client view of the coordination service. Every call is
// a synchronous round trip. Watchers passed to Exists and Children fire at
// most once, on a goroutine owned by the Coordinator.
type Coordinator interface {
	// Create makes a node at path. For EphemeralSequential the realized path
	// (path plus suffix) is returned.
	Create(ctx context.Context, path string, data []byte, mode Mode) (string, error)
	// Exists returns (nil, nil) when the node is absent. A non-nil watcher is
	// armed for the node's next creation, deletion or data change.
	Exists(ctx context.Context, path string, w Watcher) (*Stat, error)
	// Children lists child names (not full paths). A non-nil watcher is armed
	// atomically with the read for the next change to the child set.
	Children(ctx context.Context, path string, w Watcher) ([]string, error)
	Get(ctx context.Context, path string) ([]byte, *Stat, error)
	// Delete removes a node. version AnyVersion skips the version check.
	Delete(ctx context.Context, path string, version int64) error
	Close() error
}

// Validate checks that p is an absolute, clean node path.
func Validate(p string) error {
	if p == "" || p[0] != '/' {
		return errors.New("coord: path must be absolute")
	}
	if p != "/" && (strings.HasSuffix(p, "/") || path.Clean(p) != p) {
		return errors.New("coord: path must be clean")
	}
	return nil
}

// Parent returns the parent path of p ("/" for top-level nodes).
func Parent(p string) string {
	return path.Dir(p)
}

// Join builds a child path under parent.
func Join(parent, child string) string {
	if parent == "/" {
		return "/" + child
	}
	return parent + "/" + child
}
