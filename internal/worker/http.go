package worker

import (
	"net/http"

	"github.com/dreamware/spellnet/internal/cluster"
)

// Handler serves GET /health and GET /stats for operational tooling.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		cluster.WriteJSON(w, n.Stats())
	})
	return mux
}
