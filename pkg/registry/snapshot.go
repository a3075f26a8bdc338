package registry

import (
	"sort"
	"time"
)

// Member is one registered node: its name under the root and its payload.
type Member struct {
	Name     string
	Metadata []byte
}

// Snapshot is an immutable view of the registry at one refresh. It is
// replaced wholesale by the next refresh and never modified.
type Snapshot struct {
	generation uint64
	takenAt    time.Time
	members    []Member
	addrs      []string
	index      map[string]struct{}
}

func newSnapshot(generation uint64, members []Member) *Snapshot {
	s := &Snapshot{
		generation: generation,
		takenAt:    time.Now(),
		members:    members,
		index:      make(map[string]struct{}, len(members)),
	}
	sort.Slice(s.members, func(i, j int) bool { return s.members[i].Name < s.members[j].Name })
	for _, m := range members {
		a := string(m.Metadata)
		if _, dup := s.index[a]; dup {
			continue
		}
		s.index[a] = struct{}{}
		s.addrs = append(s.addrs, a)
	}
	sort.Strings(s.addrs)
	return s
}

// Addresses returns the set of member payloads as sorted strings. Members
// registering the same payload appear once.
func (s *Snapshot) Addresses() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.addrs...)
}

func (s *Snapshot) Contains(addr string) bool {
	if s == nil {
		return false
	}
	_, ok := s.index[addr]
	return ok
}

// Members returns a copy of the members ordered by node name, which is
// registration order for sequential names.
func (s *Snapshot) Members() []Member {
	if s == nil {
		return nil
	}
	out := make([]Member, len(s.members))
	for i, m := range s.members {
		out[i] = Member{Name: m.Name, Metadata: append([]byte(nil), m.Metadata...)}
	}
	return out
}

// Len is the number of member nodes, counting duplicate payloads.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.members)
}

// Generation increases by one with every snapshot a Registry publishes.
func (s *Snapshot) Generation() uint64 {
	if s == nil {
		return 0
	}
	return s.generation
}

func (s *Snapshot) TakenAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.takenAt
}
