package node

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrregistry/pkg/registry"
)

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the process ID, current time and this
// node's view of the registry.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID        int       `json:"pid"`
		Now        time.Time `json:"now"`
		ID         string    `json:"id"`
		Addr       string    `json:"addr"`
		Member     string    `json:"member,omitempty"`
		Generation uint64    `json:"generation"`
		Members    int       `json:"members"`
	}
	out := resp{PID: os.Getpid(), Now: time.Now(), ID: n.id, Addr: n.addr}
	if reg, h := n.current(); reg != nil {
		out.Member = h.Name()
		snap := reg.Current()
		out.Generation = snap.Generation()
		out.Members = snap.Len()
	}
	writeJSON(w, http.StatusOK, out)
}

type memberJSON struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// Members lists the cached membership snapshot, refreshing it first if none
// was built yet.
func (n *Node) Members(w http.ResponseWriter, req *http.Request) {
	reg, _ := n.current()
	if reg == nil {
		http.Error(w, ErrNotStarted.Error(), http.StatusServiceUnavailable)
		return
	}
	snap, err := reg.Members(req.Context())
	if err != nil {
		n.log.Warn("members unavailable", zap.Error(err))
		status := http.StatusServiceUnavailable
		if errors.Is(err, registry.ErrRootMissing) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	type resp struct {
		Generation uint64       `json:"generation"`
		TakenAt    time.Time    `json:"taken_at"`
		Addresses  []string     `json:"addresses"`
		Members    []memberJSON `json:"members"`
	}
	out := resp{
		Generation: snap.Generation(),
		TakenAt:    snap.TakenAt(),
		Addresses:  snap.Addresses(),
		Members:    make([]memberJSON, 0, snap.Len()),
	}
	for _, m := range snap.Members() {
		out.Members = append(out.Members, memberJSON{Name: m.Name, Addr: string(m.Metadata)})
	}
	writeJSON(w, http.StatusOK, out)
}

// Owner reports which members are responsible for /owner/{key}.
func (n *Node) Owner(w http.ResponseWriter, req *http.Request) {
	key := strings.TrimPrefix(req.URL.Path, "/owner/")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	owners, self, ok := n.OwnersForKey(key)
	if !ok {
		http.Error(w, "no owner for key", http.StatusServiceUnavailable)
		return
	}

	type resp struct {
		Key      string   `json:"key"`
		Owner    string   `json:"owner"`
		Replicas []string `json:"replicas"`
		Local    bool     `json:"local"`
	}
	writeJSON(w, http.StatusOK, resp{
		Key:      key,
		Owner:    owners[0],
		Replicas: owners,
		Local:    owners[0] == self,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
