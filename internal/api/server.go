// Package api exposes run observability over HTTP: prometheus metrics, a
// health check, and a JSON progress snapshot. It is optional and read-only;
// the engine never notices whether it is running.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SYSNET-LUMS/urlmeter/internal/domain"
	"github.com/SYSNET-LUMS/urlmeter/internal/progress"
)

// Server serves the observability endpoints.
type Server struct {
	httpServer *http.Server
	snap       func() progress.Snapshot
	logger     *zap.Logger
}

// NewServer builds a server listening on addr.
func NewServer(addr string, snap func() progress.Snapshot, logger *zap.Logger) *Server {
	s := &Server{snap: snap, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/progress", s.handleProgress)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type slotView struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

type progressView struct {
	Completed int64      `json:"completed"`
	Total     int64      `json:"total"`
	Slots     []slotView `json:"slots"`
}

func (s *Server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	snap := s.snap()
	view := progressView{
		Completed: snap.Completed,
		Total:     snap.Total,
		Slots:     make([]slotView, 0, len(snap.Slots)),
	}
	for _, slot := range snap.Slots {
		sv := slotView{ID: slot.ID, Status: "idle"}
		if slot.Status == domain.SlotWorking {
			sv.Status = "working"
			sv.URL = slot.URL
		}
		view.Slots = append(view.Slots, sv)
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
