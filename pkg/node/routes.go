package node

import (
	"net/http"

	"github.com/ryandielhenn/zephyrregistry/internal/telemetry"
)

// Handler wires the node endpoints, each instrumented under its own op label.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/members", telemetry.Instrument("members", http.HandlerFunc(n.Members)))
	mux.Handle("/owner/", telemetry.Instrument("owner", http.HandlerFunc(n.Owner)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}
