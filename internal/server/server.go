package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jpalmerr/webpecker/internal/events"
	"github.com/jpalmerr/webpecker/internal/httpexec"
	"github.com/jpalmerr/webpecker/internal/probe"
	"github.com/jpalmerr/webpecker/internal/scheduler"
)

const (
	// DefaultPath is where the control socket is served.
	DefaultPath = "/req"

	// maxCommandSize caps a single inbound control message.
	maxCommandSize = 64 << 10

	// shutdownTimeout bounds graceful shutdown of plain HTTP requests.
	shutdownTimeout = 5 * time.Second

	// defaultTitle is used when no custom title is configured.
	defaultTitle = "webpecker"

	// titlePlaceholder is the marker in HTML that gets replaced with the actual title.
	titlePlaceholder = "{{.Title}}"

	// pathPlaceholder is replaced with the control socket path.
	pathPlaceholder = "{{.Path}}"
)

// Options configures a [Server].
type Options struct {
	// Port is the TCP port to listen on. Zero picks a free port.
	Port int

	// Path of the control socket, defaults to [DefaultPath].
	Path string

	Scheduler *scheduler.Scheduler
	Executor  *httpexec.Executor
	Pipeline  *events.Pipeline

	// Gatherer backs /metrics. The route is not registered when nil.
	Gatherer prometheus.Gatherer

	// Assets holds assets/index.html for the dashboard. May be nil.
	Assets fs.FS
	Title  string

	Logger *slog.Logger
}

// Server exposes the control socket and its supporting routes:
//   - GET {path}: WebSocket control channel, one client at a time
//   - GET /api/state: JSON snapshot of tasks, settings and pool sizing
//   - GET /metrics: Prometheus exposition
//   - GET /: embedded dashboard
type Server struct {
	port      int
	path      string
	scheduler *scheduler.Scheduler
	executor  *httpexec.Executor
	pipeline  *events.Pipeline
	gatherer  prometheus.Gatherer
	assets    fs.FS
	title     string
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	addr       net.Addr
}

// New creates a [Server]. It does not listen until [Server.Start].
func New(opts Options) *Server {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		port:      opts.Port,
		path:      opts.Path,
		scheduler: opts.Scheduler,
		executor:  opts.Executor,
		pipeline:  opts.Pipeline,
		gatherer:  opts.Gatherer,
		assets:    opts.Assets,
		title:     opts.Title,
		logger:    opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16384,
		},
	}
}

// Handler returns the router serving all routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(s.path, s.handleSocket).Methods(http.MethodGet)
	r.HandleFunc("/api/state", s.handleState).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.assets != nil {
		r.HandleFunc("/", s.handleDashboard).Methods(http.MethodGet)
	}
	return r
}

// Start begins serving in a background goroutine.
//
// Start returns once the listener is bound. When ctx is cancelled the server
// shuts down gracefully; open control sockets are closed because their
// request contexts derive from ctx.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.addr = ln.Addr()
	s.mu.Unlock()

	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("server listening", "addr", ln.Addr().String(), "path", s.path)
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// handleSocket upgrades the request and serves one control session.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied with an HTTP error
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	sess := newSession(conn)
	logger := s.logger.With("session", sess.ID())

	if !s.pipeline.Attach(sess) {
		logger.Warn("rejecting session, another client is connected")
		sess.closeWith(websocket.CloseTryAgainLater, "another client is connected")
		return
	}
	sink := phaseSink{pipeline: s.pipeline, session: sess}
	if !s.executor.AttachEventSink(sink) {
		logger.Warn("previous session still owns call instrumentation")
	}
	logger.Info("session connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	defer func() {
		close(done)
		sess.closeWith(websocket.CloseNormalClosure, "")
		s.pipeline.Detach(sess)
		s.executor.DetachEventSink(sink)
		logger.Info("session disconnected")
	}()

	// hijacked connections are not closed by http.Server.Shutdown
	go func() {
		select {
		case <-r.Context().Done():
			sess.closeWith(websocket.CloseGoingAway, "server shutting down")
		case <-done:
		}
	}()

	conn.SetReadLimit(maxCommandSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && sess.Open() {
				logger.Warn("session read failed", "error", err)
			}
			return
		}
		s.handleCommand(logger, data)
	}
}

// handleCommand parses and applies one message. Failures are logged and
// never end the session.
func (s *Server) handleCommand(logger *slog.Logger, data []byte) {
	cmd, err := ParseCommand(data)
	if err != nil {
		logger.Warn("ignoring command", "error", err)
		return
	}
	if err := s.dispatch(cmd); err != nil {
		logger.Warn("command failed", "action", cmd.Action, "error", err)
		return
	}
	logger.Debug("command applied", "action", cmd.Action)
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	Tasks    []probe.State       `json:"tasks"`
	Settings events.Settings     `json:"settings"`
	Pool     scheduler.PoolStats `json:"pool"`
	Client   ClientState         `json:"client"`
}

// ClientState describes the current HTTP client configuration.
type ClientState struct {
	Version   uint64 `json:"version"`
	Timeout   int64  `json:"timeout"`
	Connected bool   `json:"connected"`
}

// handleState returns the scheduler snapshot as JSON.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.scheduler.Snapshot()
	resp := StateResponse{
		Tasks:    snap.Tasks,
		Settings: snap.Config.Settings(),
		Pool:     s.scheduler.PoolStats(),
		Client: ClientState{
			Version:   s.executor.Version(),
			Timeout:   s.executor.Timeout().Milliseconds(),
			Connected: s.pipeline.Active(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode state response", "error", err)
	}
}

// handleDashboard serves the control page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	content, err := fs.ReadFile(s.assets, "assets/index.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	// apply substitutions with HTML escaping to prevent XSS
	title := s.title
	if title == "" {
		title = defaultTitle
	}
	rendered := strings.NewReplacer(
		titlePlaceholder, html.EscapeString(title),
		pathPlaceholder, html.EscapeString(s.path),
	).Replace(string(content))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write([]byte(rendered)); err != nil {
		s.logger.Error("failed to write dashboard response", "error", err)
	}
}

// Run starts the server and blocks until ctx is cancelled. It returns the
// bind error if the server could not start.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
