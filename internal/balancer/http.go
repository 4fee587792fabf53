package balancer

import (
	"net/http"

	"github.com/dreamware/spellnet/internal/cluster"
)

// Handler serves the balancer's status endpoints:
//
//	GET /health   200 while the process is up
//	GET /stats    Stats as JSON
//	GET /backends healthy backend snapshot as JSON
func (b *Balancer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		cluster.WriteJSON(w, b.Stats())
	})
	mux.HandleFunc("/backends", func(w http.ResponseWriter, r *http.Request) {
		cluster.WriteJSON(w, struct {
			Healthy []string `json:"healthy"`
		}{Healthy: b.monitor.HealthySet()})
	})
	return mux
}
