// Package ring maps keys onto registry members with consistent hashing, so
// every process that sees the same membership snapshot agrees on key owners.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"maps"
	"slices"
	"sort"
	"sync"
)

type Hasher func([]byte) uint32

type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> member name
	nodes    map[string]string // member name -> addr
}

func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 128
	}
	if h == nil {
		h = fnv32a
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string),
		nodes:    make(map[string]string),
	}
}

// Replace swaps the whole member set in one step. Readers see either the old
// ring or the new one.
func (r *HashRing) Replace(members map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = maps.Clone(members)
	if r.nodes == nil {
		r.nodes = make(map[string]string)
	}
	r.rebuild()
}

// Clear drops every member; lookups return nothing until the next Replace.
func (r *HashRing) Clear() {
	r.Replace(nil)
}

// rebuild recomputes points from r.nodes; r.mu must be held.
func (r *HashRing) rebuild() {
	r.points = r.points[:0]
	clear(r.owners)
	for name := range r.nodes {
		for i := 0; i < r.replicas; i++ {
			pt := r.hash(pointKey(name, i))
			r.owners[pt] = name
			r.points = append(r.points, pt)
		}
	}
	slices.Sort(r.points)
}

func (r *HashRing) Lookup(key []byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return ""
	}
	return r.owners[r.points[r.search(key)]]
}

// LookupN returns up to n distinct members for key, owner first.
func (r *HashRing) LookupN(key []byte, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := r.search(key)

	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		p := r.points[(idx+i)%len(r.points)]
		name := r.owners[p]
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

// search finds the first point >= hash(key), wrapping to 0.
func (r *HashRing) search(key []byte) int {
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

func (r *HashRing) Addr(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.nodes[name]
	return a, ok
}

// Nodes returns a copy of the member -> addr map.
func (r *HashRing) Nodes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.nodes)
}

func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func fnv32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(name string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(name), buf[:]...)
}
