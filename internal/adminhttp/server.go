// Package adminhttp exposes a small gorilla/mux-routed admin surface:
// prometheus metrics, per-database stats, and a health probe. It carries no
// command protocol of its own — spec.md's Non-goals exclude a wire
// protocol — this is operational surface only.
//
// Grounded on the teacher's internal/api/server.go: the Server-wraps-
// router-plus-routes()-method shape, HandlerFunc-returning-closures, and
// JSON responses via encoding/json.
package adminhttp

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jorge882/dragonfly/internal/dbslice"
)

// Server wraps the admin HTTP surface for one shard's Slice.
type Server struct {
	slice  *dbslice.Slice
	router *mux.Router
	start  time.Time
}

// NewServer builds the router for slice's debug/stats/metrics endpoints.
func NewServer(slice *dbslice.Slice) *Server {
	s := &Server{slice: slice, router: mux.NewRouter(), start: time.Now()}
	s.routes()
	return s
}

// Router returns the http.Handler to mount on an http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth()).Methods("GET")
	s.router.HandleFunc("/debug/stats", s.handleStats()).Methods("GET")
	s.router.HandleFunc("/debug/stats/{db}", s.handleDBStats()).Methods("GET")
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"uptime": time.Since(s.start).String(),
		})
	}
}

type dbStats struct {
	Index       int    `json:"index"`
	Keys        int    `json:"keys"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Expirations uint64 `json:"expirations"`
	Writes      uint64 `json:"writes"`
	HeapBytes   int64  `json:"heap_bytes"`
}

func toDBStats(index int, db *dbslice.Database) dbStats {
	st := db.Stats()
	return dbStats{
		Index:       index,
		Keys:        db.Len(),
		Hits:        st.Hits,
		Misses:      st.Misses,
		Expirations: st.Expirations,
		Writes:      st.Writes,
		HeapBytes:   st.HeapBytes,
	}
}

func (s *Server) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]interface{}{
			"memory_used_bytes":  s.slice.Budget().Used(),
			"memory_limit_bytes": s.slice.Budget().Limit(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

func (s *Server) handleDBStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idxStr := mux.Vars(r)["db"]
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			http.Error(w, "bad db index", http.StatusBadRequest)
			return
		}
		db := s.slice.DB(idx)
		if db == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(toDBStats(idx, db))
	}
}
