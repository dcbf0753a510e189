// Package adminserver is the router's read-only diagnostics HTTP API:
// interface/link/comtree/route/queue state and logged packets, for
// operators and for the net-mgr's humans rather than for other
// routers (spec.md §4.8, expanding the admin surface every NF in
// this repo family carries).
package adminserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/your-org/forest-router/internal/comtreetable"
	"github.com/your-org/forest-router/internal/iftable"
	"github.com/your-org/forest-router/internal/linktable"
	"github.com/your-org/forest-router/internal/pktlog"
	"github.com/your-org/forest-router/internal/routetable"
	"github.com/your-org/forest-router/internal/signaling"
)

// Server is the admin/diagnostics HTTP server.
type Server struct {
	addr       string
	router     *chi.Mux
	httpServer *http.Server
	logger     *zap.Logger

	ifaces   *iftable.Table
	links    *linktable.Table
	comtrees *comtreetable.Table
	routes   *routetable.Table
	log      *pktlog.Log
	tracker  *signaling.Tracker

	queueStats func() []QueueStat
}

// QueueStat is one (link,queue) occupancy sample for the /queues
// endpoint, supplied by routercore since only it can safely read
// queuemgr state alongside the tables.
type QueueStat struct {
	Link    int `json:"link"`
	Queue   int `json:"queue"`
	Packets int `json:"packets"`
	Bytes   int `json:"bytes"`
}

// New builds an admin server over the router's shared table state.
// queueStats may be nil if queue diagnostics aren't wired up yet.
func New(addr string, ifaces *iftable.Table, links *linktable.Table, comtrees *comtreetable.Table, routes *routetable.Table, log *pktlog.Log, tracker *signaling.Tracker, queueStats func() []QueueStat, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		addr: addr, router: chi.NewRouter(), logger: logger,
		ifaces: ifaces, links: links, comtrees: comtrees, routes: routes,
		log: log, tracker: tracker, queueStats: queueStats,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/links", s.handleLinks)
	s.router.Get("/comtrees", s.handleComtrees)
	s.router.Get("/routes", s.handleRoutes)
	s.router.Get("/queues", s.handleQueues)
	s.router.Get("/logged-packets", s.handleLoggedPackets)
}

// Start runs the HTTP server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", zap.String("addr", s.addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.httpServer.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ifaces":          len(s.ifaces.All()),
		"links":           len(s.links.All()),
		"comtrees":        len(s.comtrees.All()),
		"routes":          len(s.routes.All()),
		"pending_control": s.tracker.Len(),
	})
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.links.All())
}

func (s *Server) handleComtrees(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.comtrees.All())
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.routes.All())
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	if s.queueStats == nil {
		s.respondJSON(w, http.StatusOK, []QueueStat{})
		return
	}
	s.respondJSON(w, http.StatusOK, s.queueStats())
}

func (s *Server) handleLoggedPackets(w http.ResponseWriter, r *http.Request) {
	entries := s.log.Drain()
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"session":  e.SessionID.String(),
			"captured": e.Captured,
			"link":     e.Link,
			"comtree":  e.Header.Comtree,
			"type":     e.Header.Type,
			"length":   len(e.Payload),
		})
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.logger.Error("failed to encode JSON response", zap.Error(err))
		}
	}
}
