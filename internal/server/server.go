// Package server exposes a running buffer over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sb "github.com/sushydev/seek_buffer_go"
)

// SnapshotFunc persists the buffer and returns where it went.
type SnapshotFunc func(ctx context.Context) (string, error)

type Server struct {
	tracker  *sb.ThroughputTracker
	snapshot SnapshotFunc
	router   *mux.Router
}

type Status struct {
	Size             int     `json:"size"`
	Fill             int     `json:"fill"`
	Capacity         int     `json:"capacity"`
	Empty            bool    `json:"empty"`
	Full             bool    `json:"full"`
	BufferedForward  int     `json:"buffered_forward"`
	BufferedBackward int     `json:"buffered_backward"`
	WriteRate        float64 `json:"write_rate"`
	ReadRate         float64 `json:"read_rate"`
	Rate             float64 `json:"rate"`
}

func New(tracker *sb.ThroughputTracker, snapshot SnapshotFunc) *Server {
	s := &Server{
		tracker:  tracker,
		snapshot: snapshot,
		router:   mux.NewRouter(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/seek", s.handleSeek).Methods(http.MethodPost)
	s.router.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodPost)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) status() Status {
	return Status{
		Size:             s.tracker.Size(),
		Fill:             s.tracker.Fill(),
		Capacity:         s.tracker.Capacity(),
		Empty:            s.tracker.IsEmpty(),
		Full:             s.tracker.IsFull(),
		BufferedForward:  s.tracker.BufferedForward(),
		BufferedBackward: s.tracker.BufferedBackward(),
		WriteRate:        s.tracker.WriteRate(),
		ReadRate:         s.tracker.ReadRate(),
		Rate:             s.tracker.Rate(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil {
		http.Error(w, "n must be an integer", http.StatusBadRequest)
		return
	}

	moved, err := s.tracker.Seek(n)
	if err != nil {
		slog.Error("seek failed", "n", n, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"requested": n, "moved": moved})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshot == nil {
		http.Error(w, "snapshots disabled", http.StatusNotImplemented)
		return
	}

	path, err := s.snapshot(r.Context())
	if err != nil {
		slog.Error("snapshot failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
