package coord

import "reflect"

// EventType identifies what a watch notification is about.
type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventChildrenChanged
	// EventSessionExpired is delivered when the session that armed the watch
	// is gone; ephemeral nodes it owned have been removed.
	EventSessionExpired
	// EventNotWatching means the watch was dropped by the service before a
	// change could be matched (for example after history compaction). The
	// watched state may have changed and should be re-read.
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "node_created"
	case EventNodeDeleted:
		return "node_deleted"
	case EventNodeDataChanged:
		return "node_data_changed"
	case EventChildrenChanged:
		return "children_changed"
	case EventSessionExpired:
		return "session_expired"
	case EventNotWatching:
		return "not_watching"
	default:
		return "unknown"
	}
}

// Event is a one-shot watch notification.
type Event struct {
	Type EventType
	Path string
}

// Watcher receives watch notifications. Implementations should be comparable
// (pointer receivers); a Coordinator triggers one notification per distinct
// watcher per armed path and kind.
type Watcher interface {
	Process(Event)
}

// WatcherFunc adapts a function to Watcher. Funcs are not comparable, so
// every Exists/Children call with a WatcherFunc arms its own watch.
type WatcherFunc func(Event)

func (f WatcherFunc) Process(ev Event) { f(ev) }

// SameWatcher reports whether a and b are the same comparable watcher.
// Pointers to zero-size values never count as the same: Go may give distinct
// zero-size allocations equal addresses.
func SameWatcher(a, b Watcher) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == nil || ta != tb || !ta.Comparable() {
		return false
	}
	if ta.Kind() == reflect.Pointer && ta.Elem().Size() == 0 {
		return false
	}
	return a == b
}
