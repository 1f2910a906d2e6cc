// Package api provides the maintenance HTTP server
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mikeyg42/clipcam/internal/recorder"
	"github.com/mikeyg42/clipcam/internal/recorder/recorderlog"
	"github.com/mikeyg42/clipcam/internal/recorder/storage"
	"github.com/mikeyg42/clipcam/internal/status"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 200

	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// StatusSource supplies the display status.
type StatusSource interface {
	Snapshot() status.Snapshot
}

// QueueStats reports upload queue counters.
type QueueStats interface {
	Queued() int
	Capacity() int
	Uploaded() uint64
	Failed() uint64
	Dropped() uint64
}

// DiskReporter reports free space in the clip directory.
type DiskReporter interface {
	Usage() (storage.DiskUsage, error)
}

// EventPoster delivers input events to the recording loop.
type EventPoster interface {
	Post(ev recorder.Event) bool
}

// HealthChecker reports whether a remote dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the components the server reports on and drives. Nil members
// disable the routes that need them.
type Deps struct {
	Status   StatusSource
	Queue    QueueStats
	Disk     DiskReporter
	Events   EventPoster
	Catalog  storage.Catalog
	// Uploader is checked by /api/health when the upload backend can
	// verify its bucket.
	Uploader HealthChecker
	Metrics  http.Handler
	Logger   recorderlog.Logger
}

// Options configures the listener.
type Options struct {
	Addr string
	// StatusInterval is how often websocket clients are checked for a
	// changed snapshot.
	StatusInterval time.Duration
	// AllowedOrigins are the browser origins granted CORS and websocket
	// access. Requests without an Origin header are always allowed.
	AllowedOrigins []string
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     recorderlog.Logger
	interval   time.Duration
	origins    map[string]bool
	upgrader   websocket.Upgrader

	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new API server
func NewServer(opts Options, deps Deps) *Server {
	s := &Server{
		deps:     deps,
		logger:   deps.Logger,
		interval: opts.StatusInterval,
		origins:  make(map[string]bool),
		done:     make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = recorderlog.L().Named("api")
	}
	if s.interval <= 0 {
		s.interval = 500 * time.Millisecond
	}
	for _, o := range opts.AllowedOrigins {
		s.origins[o] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.origins[origin]
		},
	}

	mux := http.NewServeMux()
	// Maintenance actions: 10 requests per minute per IP
	limiter := NewRateLimiter(10, time.Minute)

	mux.HandleFunc("GET /api/health", s.handleHealth)
	if deps.Status != nil {
		mux.HandleFunc("GET /api/status", s.handleStatus)
		mux.HandleFunc("GET /api/ws", s.handleWS)
	}
	if deps.Events != nil {
		mux.HandleFunc("POST /api/uploads/pending", limiter.Middleware(s.postEvent(recorder.EventFlushUploads)))
		mux.HandleFunc("POST /api/display/toggle", limiter.Middleware(s.postEvent(recorder.EventToggleDisplay)))
	}
	if deps.Catalog != nil {
		mux.HandleFunc("GET /api/uploads/recent", s.handleRecent)
	}
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	code := http.StatusOK
	checks := []struct {
		name string
		hc   HealthChecker
	}{
		{"catalog", s.deps.Catalog},
		{"uploader", s.deps.Uploader},
	}
	for _, c := range checks {
		if c.hc == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := c.hc.HealthCheck(ctx)
		cancel()
		if err != nil {
			resp["status"] = "degraded"
			resp[c.name] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

type queueStatus struct {
	Queued   int    `json:"queued"`
	Capacity int    `json:"capacity"`
	Uploaded uint64 `json:"uploaded"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
}

type statusResponse struct {
	status.Snapshot
	Disk  *storage.DiskUsage `json:"disk,omitempty"`
	Queue *queueStatus       `json:"queue,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Snapshot: s.deps.Status.Snapshot()}
	if s.deps.Disk != nil {
		if u, err := s.deps.Disk.Usage(); err == nil {
			resp.Disk = &u
		} else {
			s.logger.Warn("disk usage unavailable", recorderlog.Error(err))
		}
	}
	if q := s.deps.Queue; q != nil {
		resp.Queue = &queueStatus{
			Queued:   q.Queued(),
			Capacity: q.Capacity(),
			Uploaded: q.Uploaded(),
			Failed:   q.Failed(),
			Dropped:  q.Dropped(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) postEvent(kind recorder.EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Events.Post(recorder.Event{Kind: kind}) {
			writeError(w, http.StatusServiceUnavailable, "event queue full")
			return
		}
		s.logger.Info("maintenance event posted",
			recorderlog.String("event", kind.String()),
			recorderlog.String("remote", clientIP(r)))
		writeJSON(w, http.StatusAccepted, map[string]string{"event": kind.String()})
	}
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}
	recs, err := s.deps.Catalog.RecentUploads(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read upload history", recorderlog.Error(err))
		writeError(w, http.StatusInternalServerError, "upload history unavailable")
		return
	}
	if recs == nil {
		recs = []storage.UploadRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleWS pushes the status snapshot to the client whenever it changes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", recorderlog.Error(err))
		return
	}
	defer conn.Close()

	// The reader only services control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read error", recorderlog.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	snap := s.deps.Status.Snapshot()
	if err := s.writeSnapshot(conn, snap); err != nil {
		return
	}
	last := snap.Version

	for {
		select {
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-ticker.C:
			snap := s.deps.Status.Snapshot()
			if snap.Version == last {
				continue
			}
			if err := s.writeSnapshot(conn, snap); err != nil {
				return
			}
			last = snap.Version
		}
	}
}

func (s *Server) writeSnapshot(conn *websocket.Conn, snap status.Snapshot) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(snap); err != nil {
		s.logger.Debug("websocket write failed", recorderlog.Error(err))
		return err
	}
	return nil
}

// corsMiddleware adds CORS headers for the configured origins
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.origins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting API server", recorderlog.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// StartInBackground starts the server in a goroutine
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", recorderlog.Error(err))
		}
	}()
}

// Shutdown closes websocket streams and gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
