// Package api implements the local diagnostics HTTP server.
//
// Routes:
//
//	GET    /api/v1/status       — device health snapshot
//	GET    /api/v1/nodes        — known mesh nodes (route table)
//	GET    /api/v1/nodes/{id}   — single node detail
//	GET    /api/v1/queue        — pending offline-queue entries
//	DELETE /api/v1/queue        — operator queue wipe
//	GET    /api/v1/frames       — recent raw frame log
//	GET    /api/v1/events       — WebSocket live event stream
//
// The server binds to localhost by default; it is a field-debugging
// surface, not a public API.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fieldbeacon/fieldbeacon/internal/mesh"
	"github.com/fieldbeacon/fieldbeacon/internal/report"
	"github.com/fieldbeacon/fieldbeacon/internal/store"
)

// MeshView is the subset of the mesh engine the API reads.
type MeshView interface {
	NodeID() uint32
	Routes() []*mesh.RouteEntry
	RouteCount() int
}

// QueueView is the subset of the offline queue the API touches.
type QueueView interface {
	Pending(limit int) ([]*report.Incident, error)
	PendingCount() (int, error)
	ClearAll() error
}

// FrameLog reads the recent-frames ring from the store.
type FrameLog interface {
	RecentFrames(n int) ([]*store.FrameRecord, error)
}

// StatusFunc returns the current device status document.
type StatusFunc func() interface{}

// SubscribeFunc is called for each new WebSocket client; it returns a
// channel of JSON-serialisable events and an unsubscribe function.
type SubscribeFunc func() (<-chan interface{}, func())

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	meshView    MeshView
	queueView   QueueView
	frames      FrameLog
	statusFn    StatusFunc
	subscribeFn SubscribeFunc
	log         *zap.Logger
}

// NewRouter wires all /api/v1/* routes and returns an http.Handler.
func NewRouter(
	meshView MeshView,
	queueView QueueView,
	frames FrameLog,
	statusFn StatusFunc,
	subFn SubscribeFunc,
	log *zap.Logger,
) http.Handler {
	s := &Server{
		meshView:    meshView,
		queueView:   queueView,
		frames:      frames,
		statusFn:    statusFn,
		subscribeFn: subFn,
		log:         log,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", s.status)

	mux.HandleFunc("GET /api/v1/nodes", s.listNodes)
	mux.HandleFunc("GET /api/v1/nodes/{id}", s.getNode)

	mux.HandleFunc("GET /api/v1/queue", s.listQueue)
	mux.HandleFunc("DELETE /api/v1/queue", s.clearQueue)

	mux.HandleFunc("GET /api/v1/frames", s.listFrames)

	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(log, mux)
}

// ── Status ────────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	var doc interface{}
	if s.statusFn != nil {
		doc = s.statusFn()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"node_id": fmt.Sprintf("!%08x", s.meshView.NodeID()),
		"device":  doc,
	})
}

// ── Nodes ─────────────────────────────────────────────────────────────────

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	routes := s.meshView.Routes()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": routes,
		"count": len(routes),
	})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	idStr := r.PathValue("id")
	// Accept both decimal and "!hex" formats.
	var nodeID uint32
	if strings.HasPrefix(idStr, "!") {
		if _, err := fmt.Sscanf(idStr, "!%x", &nodeID); err != nil {
			http.Error(w, "invalid node id", http.StatusBadRequest)
			return
		}
	} else {
		n, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			http.Error(w, "invalid node id", http.StatusBadRequest)
			return
		}
		nodeID = uint32(n)
	}

	for _, rt := range s.meshView.Routes() {
		if rt.Destination == nodeID {
			writeJSON(w, http.StatusOK, rt)
			return
		}
	}
	http.Error(w, "node not found", http.StatusNotFound)
}

// ── Queue ─────────────────────────────────────────────────────────────────

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := s.queueView.Pending(limit)
	if err != nil {
		s.log.Error("api: list queue", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	total, err := s.queueView.PendingCount()
	if err != nil {
		s.log.Error("api: queue count", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"pending": total,
	})
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queueView.ClearAll(); err != nil {
		s.log.Error("api: clear queue", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

// ── Frame log ─────────────────────────────────────────────────────────────

func (s *Server) listFrames(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100, 1, 1000)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	recs, err := s.frames.RecentFrames(limit)
	if err != nil {
		s.log.Error("api: frame log", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"frames": recs,
		"count":  len(recs),
	})
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.subscribeFn()
	defer unsub()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d–%d", key, min, max)
	}
	return n, nil
}
