// Package memcoord is an in-process coordination service: a node tree shared
// by any number of sessions, with ephemeral sequential nodes and one-shot
// watches delivered on a per-session goroutine. It backs the tests, the bench
// tool and the server's --dev mode.
package memcoord

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ryandielhenn/zephyrregistry/pkg/coord"
)

type watchKind uint8

const (
	kindData watchKind = iota
	kindChildren
)

type znode struct {
	data     []byte
	version  int64
	cversion int64 // child creations, feeds sequential suffixes
	owner    int64 // session id for ephemerals, 0 for persistent
	children map[string]struct{}
}

type watch struct {
	path string
	kind watchKind
	w    coord.Watcher
	sess *Session
}

// Server holds the shared tree.
type Server struct {
	mu          sync.Mutex
	nodes       map[string]*znode
	watches     []*watch
	sessions    map[int64]*Session
	nextSession int64
}

func NewServer() *Server {
	return &Server{
		nodes: map[string]*znode{
			"/": {children: make(map[string]struct{})},
		},
		sessions: make(map[int64]*Session),
	}
}

// Connect opens a new session. The optional watcher receives session level
// events (EventSessionExpired).
func (s *Server) Connect(sessionWatcher coord.Watcher) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSession++
	sess := newSession(s, s.nextSession, sessionWatcher)
	s.sessions[sess.id] = sess
	return sess
}

// Paths lists every node path in the tree, sorted.
func (s *Server) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.nodes))
	for p := range s.nodes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *Server) create(sess *Session, p string, data []byte, mode coord.Mode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parentPath := coord.Parent(p)
	if mode == coord.EphemeralSequential {
		parent, ok := s.nodes[parentPath]
		if !ok {
			return "", fmt.Errorf("%w: %s", coord.ErrNoNode, parentPath)
		}
		p = fmt.Sprintf("%s%010d", p, parent.cversion)
	}
	if err := coord.Validate(p); err != nil {
		return "", err
	}
	if p == "/" {
		return "", fmt.Errorf("%w: /", coord.ErrNodeExists)
	}
	parent, ok := s.nodes[parentPath]
	if !ok {
		return "", fmt.Errorf("%w: %s", coord.ErrNoNode, parentPath)
	}
	if _, ok := s.nodes[p]; ok {
		return "", fmt.Errorf("%w: %s", coord.ErrNodeExists, p)
	}

	n := &znode{
		data:     append([]byte(nil), data...),
		children: make(map[string]struct{}),
	}
	if mode == coord.EphemeralSequential {
		n.owner = sess.id
	}
	s.nodes[p] = n
	parent.children[childName(parentPath, p)] = struct{}{}
	parent.cversion++

	s.trigger(p, kindData, coord.EventNodeCreated)
	s.trigger(parentPath, kindChildren, coord.EventChildrenChanged)
	return p, nil
}

func (s *Server) exists(sess *Session, p string, w coord.Watcher) (*coord.Stat, error) {
	if err := coord.Validate(p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if w != nil {
		s.arm(sess, p, kindData, w)
	}
	n, ok := s.nodes[p]
	if !ok {
		return nil, nil
	}
	return n.stat(), nil
}

func (s *Server) childrenOf(sess *Session, p string, w coord.Watcher) ([]string, error) {
	if err := coord.Validate(p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	if w != nil {
		s.arm(sess, p, kindChildren, w)
	}
	out := make([]string, 0, len(n.children))
	for name := range n.children {
		out = append(out, name)
	}
	return out, nil
}

func (s *Server) get(p string) ([]byte, *coord.Stat, error) {
	if err := coord.Validate(p); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	return append([]byte(nil), n.data...), n.stat(), nil
}

func (s *Server) delete(p string, version int64) error {
	if err := coord.Validate(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	if !ok || p == "/" {
		return fmt.Errorf("%w: %s", coord.ErrNoNode, p)
	}
	if version != coord.AnyVersion && version != n.version {
		return fmt.Errorf("%w: %s at %d, want %d", coord.ErrBadVersion, p, n.version, version)
	}
	if len(n.children) > 0 {
		return fmt.Errorf("%w: %s", coord.ErrNotEmpty, p)
	}
	s.remove(p)
	return nil
}

// remove drops a leaf node and fires its watches. Caller holds s.mu.
func (s *Server) remove(p string) {
	parentPath := coord.Parent(p)
	delete(s.nodes, p)
	if parent, ok := s.nodes[parentPath]; ok {
		delete(parent.children, childName(parentPath, p))
	}
	s.trigger(p, kindData, coord.EventNodeDeleted)
	s.trigger(p, kindChildren, coord.EventNodeDeleted)
	s.trigger(parentPath, kindChildren, coord.EventChildrenChanged)
}

// expire removes every ephemeral owned by sess and forgets its watches.
func (s *Server) expire(sess *Session, ev coord.EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.id]; !ok {
		return
	}
	delete(s.sessions, sess.id)

	kept := s.watches[:0]
	for _, w := range s.watches {
		if w.sess != sess {
			kept = append(kept, w)
		}
	}
	clear(s.watches[len(kept):])
	s.watches = kept

	var owned []string
	for p, n := range s.nodes {
		if n.owner == sess.id {
			owned = append(owned, p)
		}
	}
	// deepest first so parents are leaves by the time they go
	sort.Slice(owned, func(i, j int) bool { return len(owned[i]) > len(owned[j]) })
	for _, p := range owned {
		s.remove(p)
	}

	if ev == coord.EventSessionExpired && sess.sessionWatcher != nil {
		sw := sess.sessionWatcher
		sess.enqueue(func() { sw.Process(coord.Event{Type: coord.EventSessionExpired}) })
	}
}

// arm registers a one-shot watch unless the same watcher is already armed
// for that path and kind. Caller holds s.mu.
func (s *Server) arm(sess *Session, p string, kind watchKind, w coord.Watcher) {
	for _, existing := range s.watches {
		if existing.sess == sess && existing.path == p && existing.kind == kind && coord.SameWatcher(existing.w, w) {
			return
		}
	}
	s.watches = append(s.watches, &watch{path: p, kind: kind, w: w, sess: sess})
}

// trigger fires and disarms all watches on p of the given kind. Caller
// holds s.mu; delivery happens on each session's own goroutine.
func (s *Server) trigger(p string, kind watchKind, typ coord.EventType) {
	kept := s.watches[:0]
	var fired []*watch
	for _, w := range s.watches {
		if w.path == p && w.kind == kind {
			fired = append(fired, w)
			continue
		}
		kept = append(kept, w)
	}
	clear(s.watches[len(kept):])
	s.watches = kept

	for _, w := range fired {
		ev := coord.Event{Type: typ, Path: p}
		target := w.w
		w.sess.enqueue(func() { target.Process(ev) })
	}
}

func (n *znode) stat() *coord.Stat {
	return &coord.Stat{
		Version:     n.version,
		Ephemeral:   n.owner != 0,
		NumChildren: len(n.children),
	}
}

func childName(parent, p string) string {
	if parent == "/" {
		return p[1:]
	}
	return p[len(parent)+1:]
}
